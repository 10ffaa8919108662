// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package uploader

import (
	"context"
	"encoding/json"
	"net/url"
)

// Sender delivers batches of encoded notifications.
type Sender interface {
	SendDiagnostics(ctx context.Context, batch []json.RawMessage) error
	SendSnapshots(ctx context.Context, batch []json.RawMessage) error
}

// Transport posts batches to the agent's debugger endpoints.
type Transport struct {
	diagnostics *diagnosticsSender
	snapshots   *snapshotSender
}

// NewTransport returns a transport for the configured agent.
func NewTransport(opts ...Option) (*Transport, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.err != nil {
		return nil, cfg.err
	}
	snapshotsURL := cfg.endpoint(snapshotsPath)
	if cfg.tags != "" {
		query := url.Values{}
		query.Set("ddtags", cfg.tags)
		snapshotsURL += "?" + query.Encode()
	}
	return &Transport{
		diagnostics: newDiagnosticsSender(cfg.client, cfg.endpoint(diagnosticsPath)),
		snapshots:   newSnapshotSender(cfg.client, snapshotsURL),
	}, nil
}

// SendDiagnostics posts a batch of status messages.
func (t *Transport) SendDiagnostics(ctx context.Context, batch []json.RawMessage) error {
	return t.diagnostics.send(ctx, batch)
}

// SendSnapshots posts a batch of snapshot messages.
func (t *Transport) SendSnapshots(ctx context.Context, batch []json.RawMessage) error {
	return t.snapshots.send(ctx, batch)
}
