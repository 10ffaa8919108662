// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package probemanager

import (
	"github.com/DataDog/dyninst-go/pkg/dyninst/notification"
	"github.com/DataDog/dyninst-go/pkg/dyninst/telemetry"
	"github.com/DataDog/dyninst-go/pkg/dyninst/uploader"
)

type configuration struct {
	notifier  Notifier
	builder   *notification.Builder
	telemetry *telemetry.Telemetry
}

func makeConfiguration(opts ...Option) configuration {
	cfg := configuration{
		notifier: noopNotifier{},
	}
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	if cfg.builder == nil {
		cfg.builder = notification.NewBuilder("", nil, nil)
	}
	return cfg
}

// Option configures a Manager.
type Option interface {
	apply(*configuration)
}

type optionFunc func(*configuration)

func (f optionFunc) apply(c *configuration) {
	f(c)
}

// Notifier accepts the payloads produced by the manager.
//
// Note that it is called from host goroutines and must be thread-safe and
// non-blocking.
type Notifier interface {
	EnqueueStatus(*uploader.DiagnosticMessage) bool
	EnqueueSnapshot(*uploader.SnapshotMessage) bool
}

type noopNotifier struct{}

func (noopNotifier) EnqueueStatus(*uploader.DiagnosticMessage) bool { return true }
func (noopNotifier) EnqueueSnapshot(*uploader.SnapshotMessage) bool { return true }

var _ Notifier = (*uploader.Worker)(nil)

// WithNotifier sets where status and snapshot payloads go.
func WithNotifier(n Notifier) Option {
	return optionFunc(func(c *configuration) {
		c.notifier = n
	})
}

// WithBuilder sets the builder of payloads.
func WithBuilder(b *notification.Builder) Option {
	return optionFunc(func(c *configuration) {
		c.builder = b
	})
}

// WithTelemetry sets where probe transitions are counted.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return optionFunc(func(c *configuration) {
		c.telemetry = t
	})
}
