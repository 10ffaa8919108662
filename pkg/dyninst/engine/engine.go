// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package engine assembles the dynamic instrumentation components and applies
// probe configurations to them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/DataDog/dyninst-go/pkg/dyninst/condition"
	"github.com/DataDog/dyninst-go/pkg/dyninst/config"
	"github.com/DataDog/dyninst-go/pkg/dyninst/instrumenter"
	"github.com/DataDog/dyninst-go/pkg/dyninst/notification"
	"github.com/DataDog/dyninst-go/pkg/dyninst/probe"
	"github.com/DataDog/dyninst-go/pkg/dyninst/probemanager"
	"github.com/DataDog/dyninst-go/pkg/dyninst/rcjson"
	"github.com/DataDog/dyninst-go/pkg/dyninst/redact"
	"github.com/DataDog/dyninst-go/pkg/dyninst/snapshot"
	"github.com/DataDog/dyninst-go/pkg/dyninst/target"
	"github.com/DataDog/dyninst-go/pkg/dyninst/telemetry"
	"github.com/DataDog/dyninst-go/pkg/dyninst/uploader"
	"github.com/DataDog/dyninst-go/pkg/util/log"
)

// Engine is a running dynamic instrumentation setup for one process.
type Engine struct {
	settings config.Settings
	clock    clock.Clock

	rt        *target.Runtime
	manager   *probemanager.Manager
	builder   *notification.Builder
	worker    *uploader.Worker
	telemetry *telemetry.Telemetry

	// applyMu serializes configuration updates.
	applyMu sync.Mutex
	stopped bool
}

// New builds an engine from settings. Nothing is recorded or sent until
// Start is called.
func New(settings config.Settings, opts ...Option) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if settings.LogLevel != "" {
		if err := log.ChangeLogLevel(settings.LogLevel); err != nil {
			log.Debugf("di: log level %s not applied: %v", settings.LogLevel, err)
		}
	}
	var cfg configuration
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	if cfg.runtime == nil {
		cfg.runtime = target.NewRuntime()
	}
	if cfg.clock == nil {
		cfg.clock = clock.New()
	}
	if cfg.telemetry == nil {
		client, err := telemetry.NewStatsdClient(settings.StatsdAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to create statsd client: %w", err)
		}
		cfg.telemetry = telemetry.New(client)
	}
	if cfg.evaluator == nil {
		eval, err := condition.NewCELEvaluator()
		if err != nil {
			return nil, fmt.Errorf("failed to create condition evaluator: %w", err)
		}
		cfg.evaluator = eval
	}
	if cfg.sender == nil {
		client := cfg.httpClient
		if client == nil {
			client = &http.Client{Timeout: settings.UploadTimeout}
		}
		transport, err := uploader.NewTransport(
			uploader.WithAgentURL(settings.AgentURL),
			uploader.WithHTTPClient(client),
			uploader.WithTags(cfg.tags),
		)
		if err != nil {
			return nil, err
		}
		cfg.sender = transport
	}

	serializer := snapshot.NewSerializer(redact.NewPolicy(settings.Redaction()), settings.Limits())
	in := instrumenter.New(cfg.runtime,
		instrumenter.WithClock(cfg.clock),
		instrumenter.WithSerializer(serializer),
		instrumenter.WithEvaluator(cfg.evaluator),
		instrumenter.WithTelemetry(cfg.telemetry),
		instrumenter.WithUntargetedTracePoints(settings.UntargetedTracePoints),
		instrumenter.WithPropagateAllExceptions(settings.PropagateAllExceptions),
	)
	builder := notification.NewBuilder(settings.Service, serializer, cfg.clock)
	worker := uploader.NewWorker(cfg.sender,
		uploader.WithClock(cfg.clock),
		uploader.WithMinSendInterval(settings.UploadInterval),
		uploader.WithQueueCapacity(settings.QueueCapacity),
		uploader.WithTelemetry(cfg.telemetry),
	)
	manager := probemanager.New(in,
		probemanager.WithNotifier(worker),
		probemanager.WithBuilder(builder),
		probemanager.WithTelemetry(cfg.telemetry),
	)
	cfg.runtime.OnTypeDefined(manager.OnTypeDefined)
	cfg.runtime.OnUnitLoaded(manager.OnUnitLoaded)

	return &Engine{
		settings:  settings,
		clock:     cfg.clock,
		rt:        cfg.runtime,
		manager:   manager,
		builder:   builder,
		worker:    worker,
		telemetry: cfg.telemetry,
	}, nil
}

// Runtime returns the runtime the engine instruments. Host code declares its
// units and types on it.
func (e *Engine) Runtime() *target.Runtime { return e.rt }

// Manager returns the probe lifecycle manager.
func (e *Engine) Manager() *probemanager.Manager { return e.manager }

// Telemetry returns the engine's counters.
func (e *Engine) Telemetry() *telemetry.Telemetry { return e.telemetry }

// Stats returns the upload queue counters.
func (e *Engine) Stats() map[string]int64 { return e.worker.Stats() }

// Start begins recording loaded code and sending notifications.
func (e *Engine) Start() {
	e.rt.Start()
	e.worker.Start()
	log.Infof("di: dynamic instrumentation started for service %q, runtime id %s", e.settings.Service, e.builder.RuntimeID())
}

// ApplyConfiguration makes records the complete set of probes. Each record is
// reported as received and installed or left pending; probes absent from
// records are removed. Invalid records are reported with an error status and
// included in the returned error.
func (e *Engine) ApplyConfiguration(records []*rcjson.Probe) error {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	if e.stopped {
		return errors.New("engine is stopped")
	}

	var errs error
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.ID != "" {
			ids = append(ids, rec.ID)
		}
		if err := e.applyRecord(rec); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return multierr.Append(errs, e.manager.RemoveOtherProbes(ids))
}

func (e *Engine) applyRecord(rec *rcjson.Probe) error {
	p, err := probe.Build(rec)
	if err != nil {
		e.worker.EnqueueStatus(e.builder.BuildErroredID(rec.ID, rec.Version, err))
		log.Warnf("di: rejected probe %s: %v", rec.ID, err)
		return err
	}
	if cur, ok := e.manager.Probe(p.ID); ok {
		if cur.Version == p.Version {
			return nil
		}
		if err := e.manager.RemoveProbe(p.ID); err != nil {
			return err
		}
	}
	if _, failed := e.manager.FailedProbes()[p.ID]; failed {
		return nil
	}

	e.worker.EnqueueStatus(e.builder.BuildReceived(p))
	res := e.manager.AddProbe(p)
	if res.Outcome == probemanager.Failed {
		return res.Err
	}
	return nil
}

// Flush waits until every queued notification has been sent.
func (e *Engine) Flush(ctx context.Context) error {
	return e.worker.Flush(ctx)
}

// Stop uninstalls every probe, sends what is still queued and shuts the
// worker down, waiting at most timeout overall.
func (e *Engine) Stop(timeout time.Duration) error {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	if e.stopped {
		return nil
	}
	e.stopped = true
	deadline := e.clock.Now().Add(timeout)

	errs := e.manager.Close()
	ctx, cancel := e.clock.WithDeadline(context.Background(), deadline)
	if err := e.worker.Flush(ctx); err != nil {
		log.Warnf("di: notifications still queued at shutdown: %v", err)
	}
	cancel()
	if !e.worker.Stop(deadline.Sub(e.clock.Now())) {
		errs = multierr.Append(errs, fmt.Errorf("upload worker did not stop within %s", timeout))
	}
	e.rt.Stop()
	errs = multierr.Append(errs, e.telemetry.Close())
	return errs
}
