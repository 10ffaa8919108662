// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package uploader ships status and snapshot notifications to the agent from
// a single background goroutine.
package uploader

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eapache/queue"
	"go.uber.org/atomic"

	"github.com/DataDog/dyninst-go/pkg/util/log"
)

type queueKind int

const (
	statusQueue queueKind = iota
	snapshotQueue
	numQueues
)

var queueNames = [numQueues]string{"status", "snapshot"}

func (k queueKind) String() string { return queueNames[k] }

const flushPollInterval = 10 * time.Millisecond

type queueStats struct {
	enqueued int64
	dropped  int64
	batches  int64
	errors   int64
}

type pendingQueue struct {
	items    *queue.Queue
	lastSent time.Time
	sent     bool
	stats    queueStats
}

// Worker batches notifications and sends them from one goroutine. Each queue
// is bounded and sheds new notifications when full; each is sent at most
// once per minimum send interval.
type Worker struct {
	sender Sender
	cfg    config

	mu       sync.Mutex
	queues   [numQueues]*pendingQueue
	inFlight int

	// wake holds at most one pending wake-up.
	wake   chan struct{}
	stopCh chan struct{}
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWorker returns a worker sending through sender. It does nothing until
// Start is called.
func NewWorker(sender Sender, opts ...Option) *Worker {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.clock == nil {
		cfg.clock = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		sender: sender,
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := range w.queues {
		w.queues[i] = &pendingQueue{items: queue.New()}
	}
	return w
}

// Start launches the background goroutine. It is idempotent.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		w.started.Store(true)
		go w.run()
	})
}

// EnqueueStatus queues a status message. It returns false if the message was
// dropped.
func (w *Worker) EnqueueStatus(msg *DiagnosticMessage) bool {
	if msg.Timestamp == 0 {
		msg.Timestamp = w.cfg.clock.Now().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Warnf("di: failed to encode status of probe %s: %v", msg.Debugger.ProbeID, err)
		return false
	}
	return w.enqueue(statusQueue, data, msg.Debugger.ProbeID)
}

// EnqueueSnapshot queues a snapshot message. It returns false if the message
// was dropped.
func (w *Worker) EnqueueSnapshot(msg *SnapshotMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Warnf("di: failed to encode snapshot of probe %s: %v", msg.Debugger.Snapshot.Probe.ID, err)
		return false
	}
	return w.enqueue(snapshotQueue, data, msg.Debugger.Snapshot.Probe.ID)
}

func (w *Worker) enqueue(k queueKind, data json.RawMessage, probeID string) bool {
	w.mu.Lock()
	q := w.queues[k]
	if q.items.Length() >= w.cfg.queueCapacity {
		q.stats.dropped++
		w.mu.Unlock()
		log.Warnf("di: %s queue is full, dropping notification for probe %s", k, probeID)
		w.cfg.telemetry.Dropped(k.String())
		return false
	}
	q.items.Add(data)
	q.stats.enqueued++
	w.mu.Unlock()

	w.cfg.telemetry.Enqueued(k.String())
	w.signal()
	return true
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		w.sendDue()

		var timer *clock.Timer
		var timeout <-chan time.Time
		if wait, ok := w.nextDue(); ok {
			timer = w.cfg.clock.Timer(wait)
			timeout = timer.C
		}
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// sendDue sends every non-empty queue whose interval has elapsed.
func (w *Worker) sendDue() {
	for k := queueKind(0); k < numQueues; k++ {
		w.mu.Lock()
		q := w.queues[k]
		if q.items.Length() == 0 || w.remaining(q) > 0 {
			w.mu.Unlock()
			continue
		}
		batch := make([]json.RawMessage, 0, q.items.Length())
		for q.items.Length() > 0 {
			batch = append(batch, q.items.Remove().(json.RawMessage))
		}
		w.inFlight++
		w.mu.Unlock()

		err := w.send(k, batch)

		w.mu.Lock()
		w.inFlight--
		q.lastSent = w.cfg.clock.Now()
		q.sent = true
		if err != nil {
			q.stats.errors++
		} else {
			q.stats.batches++
		}
		w.mu.Unlock()
	}
}

// nextDue returns how long until the earliest non-empty queue may be sent.
func (w *Worker) nextDue() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var next time.Duration
	found := false
	for _, q := range w.queues {
		if q.items.Length() == 0 {
			continue
		}
		r := w.remaining(q)
		if !found || r < next {
			next, found = r, true
		}
	}
	if next < 0 {
		next = 0
	}
	return next, found
}

// remaining is the cooldown left on q. Callers hold w.mu.
func (w *Worker) remaining(q *pendingQueue) time.Duration {
	if !q.sent {
		return 0
	}
	return q.lastSent.Add(w.cfg.minInterval).Sub(w.cfg.clock.Now())
}

func (w *Worker) send(k queueKind, batch []json.RawMessage) error {
	var err error
	switch k {
	case statusQueue:
		err = w.sender.SendDiagnostics(w.ctx, batch)
	case snapshotQueue:
		err = w.sender.SendSnapshots(w.ctx, batch)
	}
	if err != nil {
		log.Warnf("di: dropping %d %s notifications: %v", len(batch), k, err)
		w.cfg.telemetry.ReportError("uploader", err)
	}
	w.cfg.telemetry.Uploaded(k.String(), err == nil)
	return err
}

func (w *Worker) idle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight > 0 {
		return false
	}
	for _, q := range w.queues {
		if q.items.Length() > 0 {
			return false
		}
	}
	return true
}

// Flush waits until both queues are empty and nothing is being sent, or ctx
// is done.
func (w *Worker) Flush(ctx context.Context) error {
	ticker := w.cfg.clock.Ticker(flushPollInterval)
	defer ticker.Stop()
	for !w.idle() {
		w.signal()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Stop asks the worker to exit and waits up to timeout for it. Past the
// timeout, the in-flight upload is cancelled and abandoned. It reports
// whether the worker exited in time.
func (w *Worker) Stop(timeout time.Duration) bool {
	clean := true
	w.stopOnce.Do(func() {
		close(w.stopCh)
		defer w.cancel()
		if !w.started.Load() {
			return
		}
		t := w.cfg.clock.Timer(timeout)
		defer t.Stop()
		select {
		case <-w.done:
		case <-t.C:
			clean = false
			log.Warnf("di: upload worker did not stop within %s, abandoning in-flight upload", timeout)
		}
	})
	return clean
}

// Stats returns per-queue counters.
func (w *Worker) Stats() map[string]int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]int64, 4*numQueues)
	for k, q := range w.queues {
		name := queueNames[k]
		out[name+".enqueued"] = q.stats.enqueued
		out[name+".dropped"] = q.stats.dropped
		out[name+".batches_sent"] = q.stats.batches
		out[name+".errors"] = q.stats.errors
		out[name+".pending"] = int64(q.items.Length())
	}
	return out
}
