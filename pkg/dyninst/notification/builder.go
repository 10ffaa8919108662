// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package notification turns probe lifecycle changes and probe firings into
// the payloads the uploader sends.
package notification

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"github.com/DataDog/dyninst-go/pkg/dyninst/instrumenter"
	"github.com/DataDog/dyninst-go/pkg/dyninst/probe"
	"github.com/DataDog/dyninst-go/pkg/dyninst/snapshot"
	"github.com/DataDog/dyninst-go/pkg/dyninst/uploader"
)

const (
	language = "go"
	// snapshotVersion is the version of the snapshot format, reported as the
	// logger version.
	snapshotVersion = 2

	returnName = "@return"
	selfName   = "self"
)

// Builder creates status and snapshot payloads. It has no side effects
// besides reading the clock and generating ids.
type Builder struct {
	service    string
	runtimeID  string
	serializer *snapshot.Serializer
	clock      clock.Clock
}

// NewBuilder returns a builder for service. A nil clock means the wall clock.
func NewBuilder(service string, serializer *snapshot.Serializer, clk clock.Clock) *Builder {
	if clk == nil {
		clk = clock.New()
	}
	if serializer == nil {
		serializer = snapshot.NewSerializer(nil, snapshot.DefaultLimits)
	}
	return &Builder{
		service:    service,
		runtimeID:  uuid.NewString(),
		serializer: serializer,
		clock:      clk,
	}
}

// RuntimeID identifies this process in status payloads.
func (b *Builder) RuntimeID() string { return b.runtimeID }

// BuildReceived reports that p's definition was accepted.
func (b *Builder) BuildReceived(p *probe.Probe) *uploader.DiagnosticMessage {
	return b.status(p, uploader.StatusReceived, fmt.Sprintf("Probe %s has been received correctly", p.ID))
}

// BuildInstalled reports that p's hook is in place.
func (b *Builder) BuildInstalled(p *probe.Probe) *uploader.DiagnosticMessage {
	return b.status(p, uploader.StatusInstalled, fmt.Sprintf("Probe %s has been instrumented correctly", p.ID))
}

// BuildEmitting reports that p fired for the first time.
func (b *Builder) BuildEmitting(p *probe.Probe) *uploader.DiagnosticMessage {
	return b.status(p, uploader.StatusEmitting, fmt.Sprintf("Probe %s is emitting", p.ID))
}

// BuildErrored reports that p could not be installed.
func (b *Builder) BuildErrored(p *probe.Probe, err error) *uploader.DiagnosticMessage {
	return b.BuildErroredID(p.ID, p.Version, err)
}

// BuildErroredID is BuildErrored for a definition that never became a probe.
func (b *Builder) BuildErroredID(id string, version int, err error) *uploader.DiagnosticMessage {
	msg := uploader.NewDiagnosticMessage(b.service, fmt.Sprintf("Instrumentation for probe %s failed: %s", id, err), uploader.Diagnostic{
		RuntimeID:    b.runtimeID,
		ProbeID:      id,
		Status:       uploader.StatusError,
		ProbeVersion: version,
		DiagnosticException: &uploader.DiagnosticException{
			Type:    fmt.Sprintf("%T", err),
			Message: err.Error(),
		},
	})
	msg.Timestamp = b.clock.Now().UnixMilli()
	return msg
}

func (b *Builder) status(p *probe.Probe, status uploader.Status, message string) *uploader.DiagnosticMessage {
	msg := uploader.NewDiagnosticMessage(b.service, message, uploader.Diagnostic{
		RuntimeID:    b.runtimeID,
		ProbeID:      p.ID,
		Status:       status,
		ProbeVersion: p.Version,
	})
	msg.Timestamp = b.clock.Now().UnixMilli()
	return msg
}

// BuildExecuted creates the snapshot for one firing of ev.Probe.
func (b *Builder) BuildExecuted(ev instrumenter.Event) *uploader.SnapshotMessage {
	p := ev.Probe
	ser := b.serializer.WithOverrides(p.MaxCaptureDepth, p.MaxCaptureAttributeCount)
	when := ev.Time
	if when.IsZero() {
		when = b.clock.Now()
	}

	frames, goid := parseStack(ev.Stack)
	if ev.TopFrame != nil {
		top := uploader.StackFrame{FileName: ev.TopFrame.File, Function: ev.TopFrame.Function, LineNumber: ev.TopFrame.Line}
		frames = append([]uploader.StackFrame{top}, frames...)
	}

	msg := &uploader.SnapshotMessage{
		Service:   b.service,
		Timestamp: when.UnixMilli(),
		Logger: uploader.Logger{
			Version:  snapshotVersion,
			ThreadID: goid,
		},
	}
	if goid != 0 {
		msg.Logger.ThreadName = "goroutine " + strconv.Itoa(goid)
	}

	snap := uploader.Snapshot{
		ID:        uuid.NewString(),
		Timestamp: when.UnixMilli(),
		Language:  language,
		Probe: uploader.ProbeInfo{
			ID:      p.ID,
			Version: p.Version,
		},
		Stack: frames,
	}

	if p.IsMethodProbe() {
		msg.Logger.Name = p.TypeName
		msg.Logger.Method = p.MethodName
		msg.Duration = ev.Duration.Nanoseconds()
		snap.Probe.Location = uploader.Location{Type: p.TypeName, Method: p.MethodName}
		if p.CaptureSnapshot {
			snap.Captures = methodCaptures(ser, ev, frames)
		}
		msg.TraceID, msg.SpanID = traceIDs(ev.Call.Context)
	} else {
		file := p.File
		if ev.Unit != nil {
			file = ev.Unit.Path()
		}
		line := strconv.Itoa(ev.Line)
		msg.Logger.Name = file
		snap.Probe.Location = uploader.Location{File: file, Lines: []string{line}}
		if p.CaptureSnapshot {
			var locals snapshot.Fields
			if ev.Locals != nil {
				locals = ser.SerializeVars(ev.Locals())
			}
			snap.Captures = &uploader.Captures{
				Lines: map[string]*uploader.CapturedContext{line: {Locals: locals}},
			}
		}
	}

	for _, e := range ev.EvaluationErrors {
		snap.EvaluationErrors = append(snap.EvaluationErrors, uploader.EvaluationError{Expr: p.Condition, Message: e})
	}
	msg.Message = renderTemplate(p.Template, ev.Duration)
	msg.Debugger.Snapshot = snap
	return msg
}

func methodCaptures(ser *snapshot.Serializer, ev instrumenter.Event, stack []uploader.StackFrame) *uploader.Captures {
	depth := ser.Limits().MaxDepth
	ret := &uploader.CapturedContext{}
	if ev.Err != nil {
		ret.Throwable = &uploader.Throwable{
			Type:       fmt.Sprintf("%T", ev.Err),
			Message:    ev.Err.Error(),
			Stacktrace: stack,
		}
	} else {
		ret.Arguments = append(ret.Arguments, snapshot.Field{Name: returnName, Value: ser.Serialize(ev.Return, returnName, depth)})
	}
	if ev.Call.Receiver != nil {
		ret.Arguments = append(ret.Arguments, snapshot.Field{Name: selfName, Value: ser.Serialize(ev.Call.Receiver, selfName, depth)})
	}
	return &uploader.Captures{
		Entry:  &uploader.CapturedContext{Arguments: ev.Arguments},
		Return: ret,
	}
}

// traceIDs returns the ids of the span active in ctx, if any.
func traceIDs(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	span, ok := tracer.SpanFromContext(ctx)
	if !ok {
		return "", ""
	}
	sc := span.Context()
	return strconv.FormatUint(sc.TraceID(), 10), strconv.FormatUint(sc.SpanID(), 10)
}

var templateVar = regexp.MustCompile(`\{@([A-Za-z_][A-Za-z0-9_]*)\}`)

// renderTemplate substitutes {@duration}, in milliseconds. Other references
// are left untouched.
func renderTemplate(tmpl string, d time.Duration) string {
	if tmpl == "" {
		return ""
	}
	return templateVar.ReplaceAllStringFunc(tmpl, func(ref string) string {
		switch templateVar.FindStringSubmatch(ref)[1] {
		case "duration":
			return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', -1, 64)
		default:
			return ref
		}
	})
}
