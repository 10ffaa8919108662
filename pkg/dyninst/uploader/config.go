// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package uploader

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/DataDog/dyninst-go/pkg/dyninst/telemetry"
)

const (
	defaultAgentURL      = "http://localhost:8126"
	defaultMinInterval   = time.Second
	defaultQueueCapacity = 100
	defaultTimeout       = 5 * time.Second

	diagnosticsPath = "/debugger/v1/diagnostics"
	snapshotsPath   = "/debugger/v1/input"
)

type config struct {
	client    *http.Client
	agentURL  *url.URL
	tags      string
	clock     clock.Clock
	telemetry *telemetry.Telemetry

	minInterval   time.Duration
	queueCapacity int

	err error
}

func defaultConfig() config {
	u, _ := url.Parse(defaultAgentURL)
	return config{
		client:        &http.Client{Timeout: defaultTimeout},
		agentURL:      u,
		clock:         clock.New(),
		minInterval:   defaultMinInterval,
		queueCapacity: defaultQueueCapacity,
	}
}

// Option configures the transport or the worker.
type Option func(*config)

// WithHTTPClient sets the client used to reach the agent.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) {
		c.client = client
	}
}

// WithAgentURL sets the base URL of the agent.
func WithAgentURL(raw string) Option {
	return func(c *config) {
		u, err := url.Parse(raw)
		if err != nil {
			c.err = fmt.Errorf("invalid agent url %q: %w", raw, err)
			return
		}
		c.agentURL = u
	}
}

// WithTags sets the tags attached to uploaded snapshots.
func WithTags(tags string) Option {
	return func(c *config) {
		c.tags = tags
	}
}

// WithClock sets the clock driving the send schedule.
func WithClock(clk clock.Clock) Option {
	return func(c *config) {
		c.clock = clk
	}
}

// WithMinSendInterval sets the minimum time between two sends of the same
// queue.
func WithMinSendInterval(d time.Duration) Option {
	return func(c *config) {
		c.minInterval = d
	}
}

// WithQueueCapacity sets how many notifications each queue holds before
// shedding.
func WithQueueCapacity(n int) Option {
	return func(c *config) {
		c.queueCapacity = n
	}
}

// WithTelemetry sets where queue and upload counters go.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(c *config) {
		c.telemetry = t
	}
}

func (c *config) endpoint(path string) string {
	u := *c.agentURL
	u.Path = path
	u.RawQuery = ""
	return u.String()
}
