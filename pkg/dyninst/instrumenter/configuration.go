// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package instrumenter

import (
	"github.com/benbjohnson/clock"

	"github.com/DataDog/dyninst-go/pkg/dyninst/condition"
	"github.com/DataDog/dyninst-go/pkg/dyninst/snapshot"
	"github.com/DataDog/dyninst-go/pkg/dyninst/telemetry"
)

type configuration struct {
	clock      clock.Clock
	serializer *snapshot.Serializer
	evaluator  condition.Evaluator
	telemetry  *telemetry.Telemetry

	untargeted bool
	propagate  bool
}

func makeConfiguration(opts ...Option) configuration {
	cfg := configuration{
		clock:      clock.New(),
		serializer: snapshot.NewSerializer(nil, snapshot.DefaultLimits),
	}
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	return cfg
}

// Option configures an Instrumenter.
type Option interface {
	apply(*configuration)
}

type optionFunc func(*configuration)

func (f optionFunc) apply(c *configuration) {
	f(c)
}

// WithClock sets the clock used to time method calls.
func WithClock(c clock.Clock) Option {
	return optionFunc(func(cfg *configuration) {
		cfg.clock = c
	})
}

// WithSerializer sets the serializer used to capture entry arguments.
func WithSerializer(s *snapshot.Serializer) Option {
	return optionFunc(func(cfg *configuration) {
		cfg.serializer = s
	})
}

// WithEvaluator sets the evaluator of probe conditions. Without one, probes
// with a condition never fire.
func WithEvaluator(e condition.Evaluator) Option {
	return optionFunc(func(cfg *configuration) {
		cfg.evaluator = e
	})
}

// WithTelemetry sets where callback failures are counted.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return optionFunc(func(cfg *configuration) {
		cfg.telemetry = t
	})
}

// WithUntargetedTracePoints allows line probes on files that have not been
// loaded to fall back to a process-wide line hook.
func WithUntargetedTracePoints(enabled bool) Option {
	return optionFunc(func(cfg *configuration) {
		cfg.untargeted = enabled
	})
}

// WithPropagateAllExceptions lets panics raised by fire callbacks reach the
// host.
func WithPropagateAllExceptions(enabled bool) Option {
	return optionFunc(func(cfg *configuration) {
		cfg.propagate = enabled
	})
}
