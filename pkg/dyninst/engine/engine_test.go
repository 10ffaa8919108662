// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cihub/seelog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/DataDog/dyninst-go/pkg/dyninst/config"
	"github.com/DataDog/dyninst-go/pkg/dyninst/rcjson"
	"github.com/DataDog/dyninst-go/pkg/dyninst/target"
	"github.com/DataDog/dyninst-go/pkg/dyninst/uploader"
	"github.com/DataDog/dyninst-go/pkg/util/log"
)

var barSite = target.NewMethod("Bar")

type Foo struct {
	Calls int
}

func (f *Foo) Bar(x int, name string) (string, error) {
	call := target.Call{
		Receiver: f,
		Args:     []any{x},
		Named:    []target.Var{{Name: "name", Value: name}},
	}
	return target.Invoke(barSite, call, func() (string, error) {
		f.Calls++
		return fmt.Sprintf("%s-%d", name, x), nil
	})
}

// agent collects what the engine uploads.
type agent struct {
	mu        sync.Mutex
	statuses  []uploader.DiagnosticMessage
	snapshots []uploader.SnapshotMessage
}

func (a *agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/debugger/v1/diagnostics":
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		part, err := multipart.NewReader(r.Body, params["boundary"]).NextPart()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var batch []uploader.DiagnosticMessage
		if err := json.NewDecoder(part).Decode(&batch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.mu.Lock()
		a.statuses = append(a.statuses, batch...)
		a.mu.Unlock()
	case "/debugger/v1/input":
		body, _ := io.ReadAll(r.Body)
		var batch []uploader.SnapshotMessage
		if err := json.Unmarshal(body, &batch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.mu.Lock()
		a.snapshots = append(a.snapshots, batch...)
		a.mu.Unlock()
	default:
		http.NotFound(w, r)
	}
}

func (a *agent) statusesOf(id string) []uploader.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []uploader.Status
	for _, s := range a.statuses {
		if s.Debugger.ProbeID == id {
			out = append(out, s.Debugger.Status)
		}
	}
	return out
}

func (a *agent) snapshotsOf(id string) []uploader.SnapshotMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []uploader.SnapshotMessage
	for _, s := range a.snapshots {
		if s.Debugger.Snapshot.Probe.ID == id {
			out = append(out, s)
		}
	}
	return out
}

func newEngine(t *testing.T) (*Engine, *agent) {
	a := &agent{}
	srv := httptest.NewServer(a)
	t.Cleanup(srv.Close)

	settings := config.Default()
	settings.Service = "shop"
	settings.AgentURL = srv.URL
	settings.UploadInterval = 10 * time.Millisecond
	e, err := New(settings)
	require.NoError(t, err)
	e.Start()
	t.Cleanup(func() {
		_ = e.Stop(time.Second)
		barSite.Reset()
	})
	return e, a
}

func flush(t *testing.T, e *Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Flush(ctx))
}

func TestMethodProbeEndToEnd(t *testing.T) {
	e, a := newEngine(t)
	e.Runtime().DefineType("Foo", barSite)

	require.NoError(t, e.ApplyConfiguration([]*rcjson.Probe{{
		ID:              "p1",
		Version:         1,
		Where:           &rcjson.Where{TypeName: "Foo", MethodName: "Bar"},
		CaptureSnapshot: true,
	}}))
	assert.Equal(t, []string{"p1"}, e.Manager().InstalledProbes())

	f := &Foo{}
	out, err := f.Bar(1, "a")
	require.NoError(t, err)
	assert.Equal(t, "a-1", out)
	_, err = f.Bar(2, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, f.Calls)
	flush(t, e)

	assert.Equal(t, []uploader.Status{uploader.StatusReceived, uploader.StatusInstalled, uploader.StatusEmitting}, a.statusesOf("p1"))
	snaps := a.snapshotsOf("p1")
	require.Len(t, snaps, 1, "one snapshot per second")
	snap := snaps[0]
	assert.Equal(t, "shop", snap.Service)
	assert.Equal(t, uploader.Location{Type: "Foo", Method: "Bar"}, snap.Debugger.Snapshot.Probe.Location)
	entry := snap.Debugger.Snapshot.Captures.Entry.Arguments
	assert.Equal(t, []string{"arg1", "name"}, entry.Names())
	assert.Equal(t, "1", *entry.Get("arg1").Value)
	assert.Equal(t, "a", *entry.Get("name").Value)
	assert.Equal(t, "a-1", *snap.Debugger.Snapshot.Captures.Return.Arguments.Get("@return").Value)

	// Dropping the probe from the configuration uninstalls it.
	require.NoError(t, e.ApplyConfiguration(nil))
	assert.False(t, barSite.Intercepted())
	assert.Empty(t, e.Manager().InstalledProbes())
}

func TestLineProbeEndToEnd(t *testing.T) {
	e, a := newEngine(t)
	rec := &rcjson.Probe{
		ID:              "line",
		Where:           &rcjson.Where{SourceFile: "models/user.go", Lines: []string{"12"}},
		CaptureSnapshot: true,
	}
	require.NoError(t, e.ApplyConfiguration([]*rcjson.Probe{rec}))
	assert.Equal(t, []string{"line"}, e.Manager().PendingProbes())

	u := e.Runtime().LoadUnit("/srv/app/models/user.go", 11, 12)
	assert.Equal(t, []string{"line"}, e.Manager().InstalledProbes())

	// Reapplying the same version changes nothing.
	require.NoError(t, e.ApplyConfiguration([]*rcjson.Probe{rec}))

	u.Line(11, func() target.Locals { return nil })
	u.Line(12, func() target.Locals {
		return target.Locals{{Name: "id", Value: 42}, {Name: "password", Value: "hunter2"}}
	})
	flush(t, e)

	assert.Equal(t, []uploader.Status{uploader.StatusReceived, uploader.StatusInstalled, uploader.StatusEmitting}, a.statusesOf("line"))
	snaps := a.snapshotsOf("line")
	require.Len(t, snaps, 1)
	lines := snaps[0].Debugger.Snapshot.Captures.Lines
	require.Contains(t, lines, "12")
	assert.Equal(t, "42", *lines["12"].Locals.Get("id").Value)
	password := lines["12"].Locals.Get("password")
	require.NotNil(t, password)
	assert.Equal(t, "redactedIdent", password.NotCapturedReason)
}

func TestInvalidRecordsAreReported(t *testing.T) {
	e, a := newEngine(t)
	e.Runtime().DefineType("Foo", barSite)

	err := e.ApplyConfiguration([]*rcjson.Probe{
		{ID: "bad", Type: "METRIC_PROBE", Where: &rcjson.Where{TypeName: "Foo", MethodName: "Bar"}},
		{ID: "missing", Where: &rcjson.Where{TypeName: "Foo", MethodName: "Baz"}},
		{ID: "ok", Where: &rcjson.Where{TypeName: "Foo", MethodName: "Bar"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
	assert.Contains(t, err.Error(), "has no method Baz")
	flush(t, e)

	assert.Equal(t, []uploader.Status{uploader.StatusError}, a.statusesOf("bad"))
	assert.Equal(t, []uploader.Status{uploader.StatusReceived, uploader.StatusError}, a.statusesOf("missing"))
	assert.Equal(t, []uploader.Status{uploader.StatusReceived, uploader.StatusInstalled}, a.statusesOf("ok"))

	// A failed id is not retried nor reported again.
	require.NoError(t, e.ApplyConfiguration([]*rcjson.Probe{
		{ID: "missing", Where: &rcjson.Where{TypeName: "Foo", MethodName: "Baz"}},
	}))
	flush(t, e)
	assert.Len(t, a.statusesOf("missing"), 2)
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	settings := config.Default()
	settings.QueueCapacity = 0
	_, err := New(settings)
	require.Error(t, err)
}

func TestStopIsIdempotent(t *testing.T) {
	e, _ := newEngine(t)
	require.NoError(t, e.Stop(time.Second))
	require.NoError(t, e.Stop(time.Second))
	require.Error(t, e.ApplyConfiguration(nil))
}

func TestNewAppliesLogLevel(t *testing.T) {
	log.SetupLogger(seelog.Disabled, "warn")
	require.False(t, log.ShouldLog(log.DebugLvl))

	settings := config.Default()
	settings.LogLevel = "debug"
	_, err := New(settings, WithSender(&stuckSender{}))
	require.NoError(t, err)
	assert.True(t, log.ShouldLog(log.DebugLvl))

	settings.LogLevel = "warn"
	_, err = New(settings, WithSender(&stuckSender{}))
	require.NoError(t, err)
	assert.False(t, log.ShouldLog(log.DebugLvl))
}

// stuckSender holds every upload until its context is cancelled.
type stuckSender struct {
	sending atomic.Bool
}

func (s *stuckSender) SendDiagnostics(ctx context.Context, _ []json.RawMessage) error {
	s.sending.Store(true)
	<-ctx.Done()
	return ctx.Err()
}

func (s *stuckSender) SendSnapshots(ctx context.Context, _ []json.RawMessage) error {
	s.sending.Store(true)
	<-ctx.Done()
	return ctx.Err()
}

func TestStopDeadlineFollowsInjectedClock(t *testing.T) {
	mock := clock.NewMock()
	sender := &stuckSender{}
	e, err := New(config.Default(), WithClock(mock), WithSender(sender))
	require.NoError(t, err)
	e.Start()

	require.NoError(t, e.ApplyConfiguration([]*rcjson.Probe{{
		ID:    "pending",
		Where: &rcjson.Where{SourceFile: "jobs/sweep.go", Lines: []string{"7"}},
	}}))
	require.Eventually(t, sender.sending.Load, time.Second, 5*time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- e.Stop(time.Second) }()
	require.Never(t, func() bool { return len(stopped) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return len(stopped) > 0
	}, 5*time.Second, time.Millisecond)
	err = <-stopped
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload worker did not stop within 1s")
}
