// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package telemetry counts what the engine does: probe transitions, queued
// and shed notifications, uploads and internal errors.
package telemetry

import (
	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "dyninst"

	errorMetricName = "datadog.dynamic_instrumentation.internal_error"
)

// Telemetry holds the engine's counters. A nil *Telemetry discards
// everything.
type Telemetry struct {
	registry *prometheus.Registry
	statsd   statsd.ClientInterface

	probes   *prometheus.CounterVec
	queue    *prometheus.CounterVec
	uploads  *prometheus.CounterVec
	failures *prometheus.CounterVec
}

// New returns counters registered on a private registry. Internal errors are
// also sent through client, which may be nil.
func New(client statsd.ClientInterface) *Telemetry {
	if client == nil {
		client = &statsd.NoOpClient{}
	}
	t := &Telemetry{
		registry: prometheus.NewRegistry(),
		statsd:   client,
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_transitions_total",
			Help:      "Probe lifecycle transitions by resulting state.",
		}, []string{"state"}),
		queue: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications offered to the dispatch queues by queue and outcome.",
		}, []string{"queue", "outcome"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Batches sent to the agent by queue and outcome.",
		}, []string{"queue", "outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "internal_errors_total",
			Help:      "Errors raised inside the engine by component.",
		}, []string{"component"}),
	}
	t.registry.MustRegister(t.probes, t.queue, t.uploads, t.failures)
	return t
}

// NewStatsdClient returns a client sending to addr, or a no-op client when
// addr is empty.
func NewStatsdClient(addr string) (statsd.ClientInterface, error) {
	if addr == "" {
		return &statsd.NoOpClient{}, nil
	}
	return statsd.New(addr)
}

// Registry returns the registry the counters live in.
func (t *Telemetry) Registry() *prometheus.Registry {
	if t == nil {
		return nil
	}
	return t.registry
}

// ProbeTransition counts a probe entering state.
func (t *Telemetry) ProbeTransition(state string) {
	if t == nil {
		return
	}
	t.probes.WithLabelValues(state).Inc()
}

// Enqueued counts a notification accepted by queue.
func (t *Telemetry) Enqueued(queue string) {
	if t == nil {
		return
	}
	t.queue.WithLabelValues(queue, "enqueued").Inc()
}

// Dropped counts a notification shed because queue was full.
func (t *Telemetry) Dropped(queue string) {
	if t == nil {
		return
	}
	t.queue.WithLabelValues(queue, "dropped").Inc()
}

// Uploaded counts a batch sent from queue.
func (t *Telemetry) Uploaded(queue string, ok bool) {
	if t == nil {
		return
	}
	outcome := "sent"
	if !ok {
		outcome = "failed"
	}
	t.uploads.WithLabelValues(queue, outcome).Inc()
}

// ReportError counts an error raised inside component.
func (t *Telemetry) ReportError(component string, _ error) {
	if t == nil {
		return
	}
	t.failures.WithLabelValues(component).Inc()
	t.statsd.Incr(errorMetricName, []string{"component:" + component}, 1) //nolint:errcheck
}

// Close releases the statsd client.
func (t *Telemetry) Close() error {
	if t == nil {
		return nil
	}
	return t.statsd.Close()
}
