// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package app

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	cmd := MakeCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--no-color"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name    string
		file    string
		content string
		want    []string
		wantErr string
	}{
		{
			name:    "single json record",
			file:    "probe.json",
			content: `{"id": "p1", "where": {"typeName": "app.Account", "methodName": "Debit"}}`,
			want:    []string{"OK p1 method probe on app.Account.Debit"},
		},
		{
			name: "json list",
			file: "probes.json",
			content: `[
				{"id": "p1", "where": {"sourceFile": "models/user.go", "lines": ["12"]}},
				{"id": "p2", "type": "SPAN_PROBE", "where": {"typeName": "A", "methodName": "B"}}
			]`,
			want: []string{
				"OK p1 line probe on models/user.go:12",
				"FAIL p2: ",
			},
			wantErr: "1 of 2 probes are invalid",
		},
		{
			name: "yaml list",
			file: "probes.yaml",
			content: `
- id: p1
  captureSnapshot: true
  where:
    typeName: app.Account
    methodName: Debit
- id: p2
  where:
    sourceFile: main.go
`,
			want: []string{
				"OK p1 method probe on app.Account.Debit",
				"FAIL p2: ",
			},
			wantErr: "1 of 2 probes are invalid",
		},
		{
			name:    "single yaml record",
			file:    "probe.yml",
			content: "id: p1\nwhere: {sourceFile: main.go, lines: ['3']}\n",
			want:    []string{"OK p1 line probe on main.go:3"},
		},
		{
			name:    "unknown type",
			file:    "probe.json",
			content: `{"id": "p1", "type": "NOPE"}`,
			wantErr: "invalid config type: NOPE",
		},
		{
			name:    "malformed json",
			file:    "probe.json",
			content: `[{"id": }]`,
			wantErr: "failed to parse json",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			out, err := run(t, "validate", writeFile(t, tc.file, tc.content))
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			} else {
				require.NoError(t, err)
			}
			for _, w := range tc.want {
				assert.Contains(t, out, w)
			}
		})
	}
}

func TestValidateMissingFile(t *testing.T) {
	_, err := run(t, "validate", filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)

	_, err = run(t, "validate")
	require.Error(t, err)
}

func TestSettings(t *testing.T) {
	t.Setenv("DD_SERVICE", "")
	t.Setenv("DD_TRACE_AGENT_URL", "")
	path := writeFile(t, "di.yaml", `
dynamic_instrumentation:
  service: shop
  upload_interval: 250ms
  redacted_types: ["app.Secret*"]
`)
	out, err := run(t, "settings", "--cfgpath", path)
	require.NoError(t, err)
	assert.Contains(t, out, "service: shop\n")
	assert.Contains(t, out, "agent_url: http://localhost:8126\n")
	assert.Contains(t, out, "upload_interval: 250ms\n")
	assert.Contains(t, out, "- app.Secret*\n")

	_, err = run(t, "settings", "--cfgpath", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
