// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package engine

import (
	"net/http"

	"github.com/benbjohnson/clock"

	"github.com/DataDog/dyninst-go/pkg/dyninst/condition"
	"github.com/DataDog/dyninst-go/pkg/dyninst/target"
	"github.com/DataDog/dyninst-go/pkg/dyninst/telemetry"
	"github.com/DataDog/dyninst-go/pkg/dyninst/uploader"
)

type configuration struct {
	runtime    *target.Runtime
	clock      clock.Clock
	httpClient *http.Client
	sender     uploader.Sender
	telemetry  *telemetry.Telemetry
	evaluator  condition.Evaluator
	tags       string
}

// Option configures an Engine.
type Option interface {
	apply(*configuration)
}

type optionFunc func(*configuration)

func (f optionFunc) apply(c *configuration) {
	f(c)
}

// WithRuntime makes the engine instrument rt instead of a runtime of its own.
func WithRuntime(rt *target.Runtime) Option {
	return optionFunc(func(c *configuration) {
		c.runtime = rt
	})
}

// WithClock sets the clock used for timings and send schedules.
func WithClock(clk clock.Clock) Option {
	return optionFunc(func(c *configuration) {
		c.clock = clk
	})
}

// WithHTTPClient sets the client used to reach the agent. It is ignored when
// WithSender is given.
func WithHTTPClient(client *http.Client) Option {
	return optionFunc(func(c *configuration) {
		c.httpClient = client
	})
}

// WithSender replaces the agent transport.
func WithSender(s uploader.Sender) Option {
	return optionFunc(func(c *configuration) {
		c.sender = s
	})
}

// WithTelemetry sets where the engine reports counters and internal errors.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return optionFunc(func(c *configuration) {
		c.telemetry = t
	})
}

// WithEvaluator replaces the CEL condition evaluator.
func WithEvaluator(e condition.Evaluator) Option {
	return optionFunc(func(c *configuration) {
		c.evaluator = e
	})
}

// WithTags sets the tags attached to uploaded snapshots, as a comma-separated
// list.
func WithTags(tags string) Option {
	return optionFunc(func(c *configuration) {
		c.tags = tags
	})
}
