// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/DataDog/dyninst-go/pkg/dyninst/snapshot"
)

// SnapshotMessage is the log-like message carrying one snapshot.
type SnapshotMessage struct {
	Service   string         `json:"service"`
	DDSource  debuggerSource `json:"ddsource"`
	Message   string         `json:"message,omitempty"`
	Timestamp int64          `json:"timestamp"`
	// Duration of the probed call, in nanoseconds.
	Duration int64  `json:"duration"`
	Logger   Logger `json:"logger"`

	Debugger struct {
		Snapshot Snapshot `json:"snapshot"`
	} `json:"debugger"`

	TraceID string `json:"dd.trace_id,omitempty"`
	SpanID  string `json:"dd.span_id,omitempty"`
}

// Logger describes where the snapshot was taken.
type Logger struct {
	Name       string `json:"name"`
	Method     string `json:"method"`
	Version    int    `json:"version"`
	ThreadName string `json:"thread_name"`
	ThreadID   int    `json:"thread_id"`
}

// Snapshot is the captured state of one probe firing.
type Snapshot struct {
	ID               string            `json:"id"`
	Timestamp        int64             `json:"timestamp"`
	Language         string            `json:"language"`
	Probe            ProbeInfo         `json:"probe"`
	Captures         *Captures         `json:"captures,omitempty"`
	Stack            []StackFrame      `json:"stack,omitempty"`
	EvaluationErrors []EvaluationError `json:"evaluationErrors,omitempty"`
}

// ProbeInfo identifies the probe that took a snapshot.
type ProbeInfo struct {
	ID       string   `json:"id"`
	Version  int      `json:"version"`
	Location Location `json:"location"`
}

// Location is where a probe is installed.
type Location struct {
	File   string   `json:"file,omitempty"`
	Lines  []string `json:"lines,omitempty"`
	Type   string   `json:"type,omitempty"`
	Method string   `json:"method,omitempty"`
}

// Captures holds captured values: entry and return for method probes, one
// context per line for line probes.
type Captures struct {
	Entry  *CapturedContext            `json:"entry,omitempty"`
	Return *CapturedContext            `json:"return,omitempty"`
	Lines  map[string]*CapturedContext `json:"lines,omitempty"`
}

// CapturedContext is the state captured at one point.
type CapturedContext struct {
	Arguments snapshot.Fields `json:"arguments,omitempty"`
	Locals    snapshot.Fields `json:"locals,omitempty"`
	Throwable *Throwable      `json:"throwable,omitempty"`
}

// Throwable is the error returned by a probed call.
type Throwable struct {
	Type       string       `json:"type"`
	Message    string       `json:"message"`
	Stacktrace []StackFrame `json:"stacktrace,omitempty"`
}

// StackFrame is one frame of a captured stack.
type StackFrame struct {
	FileName   string `json:"fileName"`
	Function   string `json:"function"`
	LineNumber int    `json:"lineNumber"`
}

// EvaluationError reports a condition that could not be evaluated.
type EvaluationError struct {
	Expr    string `json:"expr"`
	Message string `json:"message"`
}

type snapshotSender struct {
	client *http.Client
	url    string
}

func newSnapshotSender(client *http.Client, url string) *snapshotSender {
	return &snapshotSender{
		client: client,
		url:    url,
	}
}

func (s *snapshotSender) send(ctx context.Context, batch []json.RawMessage) error {
	var buf bytes.Buffer
	if err := encodeJSON(&buf, batch); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, &buf)
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return do(s.client, req)
}
