// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package rcjson

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCase struct {
	name  string
	input string
	want  *Probe
	// Regular expression to match the error message from UnmarshalProbe.
	unmarshalErr string
	// Regular expression to match the validation error message.
	validationErr string
}

func intPtr(v int) *int {
	return &v
}

var testCases = []testCase{
	{
		name: "line probe",
		input: `{
				"id": "log-probe-1",
				"type": "LOG_PROBE",
				"version": 1,
				"where": {
					"sourceFile": "app/models/user.go",
					"lines": ["10"]
				},
				"tags": ["tag1", "tag2"],
				"language": "go",
				"template": "took {@duration}ms",
				"captureSnapshot": true,
				"capture": {
					"maxReferenceDepth": 3,
					"maxLength": 123,
					"maxCollectionSize": 100
				},
				"sampling": {
					"snapshotsPerSecond": 1.0
				},
				"evaluateAt": "entry"
			}`,
		want: &Probe{
			ID:      "log-probe-1",
			Version: 1,
			Type:    TypeLogProbe.String(),
			Where: &Where{
				SourceFile: "app/models/user.go",
				Lines:      []string{"10"},
			},
			Tags:            []string{"tag1", "tag2"},
			Language:        "go",
			Template:        "took {@duration}ms",
			CaptureSnapshot: true,
			Capture: &Capture{
				MaxReferenceDepth: intPtr(3),
				MaxLength:         intPtr(123),
				MaxCollectionSize: intPtr(100),
			},
			Sampling: &Sampling{
				SnapshotsPerSecond: 1.0,
			},
			EvaluateAt: "entry",
		},
	},
	{
		name: "method probe without type",
		input: `{
				"id": "log-probe-2",
				"where": {
					"typeName": "app.Foo",
					"methodName": "Bar"
				},
				"when": {"dsl": "locals.name == 'x'", "json": {"eq": [{"ref": "name"}, "x"]}}
			}`,
		want: &Probe{
			ID: "log-probe-2",
			Where: &Where{
				TypeName:   "app.Foo",
				MethodName: "Bar",
			},
			When: &When{
				DSL:  "locals.name == 'x'",
				JSON: json.RawMessage(`{"eq": [{"ref": "name"}, "x"]}`),
			},
		},
	},
	{
		name: "multiple lines",
		input: `{
				"id": "log-probe-3",
				"type": "LOG_PROBE",
				"where": {"sourceFile": "a.go", "lines": ["10", "20"]}
			}`,
		want: &Probe{
			ID:    "log-probe-3",
			Type:  "LOG_PROBE",
			Where: &Where{SourceFile: "a.go", Lines: []string{"10", "20"}},
		},
		validationErr: `lines must be a single line number`,
	},
	{
		name: "non numeric line",
		input: `{
				"id": "log-probe-4",
				"where": {"sourceFile": "a.go", "lines": ["ten"]}
			}`,
		want: &Probe{
			ID:    "log-probe-4",
			Where: &Where{SourceFile: "a.go", Lines: []string{"ten"}},
		},
		validationErr: `invalid line "ten"`,
	},
	{
		name: "signature",
		input: `{
				"id": "log-probe-5",
				"where": {"methodName": "MyMethod", "signature": "func()"}
			}`,
		want: &Probe{
			ID:    "log-probe-5",
			Where: &Where{MethodName: "MyMethod", Signature: "func()"},
		},
		validationErr: `signature is not supported`,
	},
	{
		name: "metric probe",
		input: `{
				"id": "metric-probe-1",
				"type": "METRIC_PROBE",
				"where": {"typeName": "app.Foo", "methodName": "Bar"}
			}`,
		want: &Probe{
			ID:    "metric-probe-1",
			Type:  "METRIC_PROBE",
			Where: &Where{TypeName: "app.Foo", MethodName: "Bar"},
		},
		validationErr: `probe type METRIC_PROBE is not supported`,
	},
	{
		name:          "missing where",
		input:         `{"id": "log-probe-6"}`,
		want:          &Probe{ID: "log-probe-6"},
		validationErr: `where is required`,
	},
	{
		name:          "missing id",
		input:         `{"where": {"sourceFile": "a.go", "lines": ["1"]}}`,
		want:          &Probe{Where: &Where{SourceFile: "a.go", Lines: []string{"1"}}},
		validationErr: `id is required`,
	},
	{
		name: "negative capture",
		input: `{
				"id": "log-probe-7",
				"where": {"sourceFile": "a.go", "lines": ["1"]},
				"capture": {"maxFieldCount": -1}
			}`,
		want: &Probe{
			ID:      "log-probe-7",
			Where:   &Where{SourceFile: "a.go", Lines: []string{"1"}},
			Capture: &Capture{MaxFieldCount: intPtr(-1)},
		},
		validationErr: `capture.maxFieldCount must not be negative`,
	},
	{
		name: "json only condition",
		input: `{
				"id": "log-probe-8",
				"where": {"typeName": "app.Foo", "methodName": "Bar"},
				"when": {"json": {"eq": [{"ref": "name"}, "x"]}}
			}`,
		want: &Probe{
			ID:    "log-probe-8",
			Where: &Where{TypeName: "app.Foo", MethodName: "Bar"},
			When:  &When{JSON: json.RawMessage(`{"eq": [{"ref": "name"}, "x"]}`)},
		},
	},
	{
		name: "empty condition",
		input: `{
				"id": "log-probe-9",
				"where": {"typeName": "app.Foo", "methodName": "Bar"},
				"when": {"dsl": ""}
			}`,
		want: &Probe{
			ID:    "log-probe-9",
			Where: &Where{TypeName: "app.Foo", MethodName: "Bar"},
			When:  &When{},
		},
		validationErr: `when requires dsl or json`,
	},
	{
		name:         "invalid json",
		input:        `{invalid json}`,
		unmarshalErr: `failed to parse json: .*`,
	},
	{
		name: "invalid probe type",
		input: `{
				"id": "invalid-probe",
				"type": "INVALID_TYPE"
			}`,
		unmarshalErr: `failed to parse json: invalid config type: INVALID_TYPE`,
	},
}

func TestUnmarshalProbe(t *testing.T) {
	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UnmarshalProbe([]byte(tt.input))
			if tt.unmarshalErr != "" {
				require.Error(t, err)
				require.Regexp(t, tt.unmarshalErr, err.Error())
				return
			}
			require.NoError(t, err)
			require.EqualValues(t, tt.want, got)
			validationErr := Validate(got)
			if tt.validationErr != "" {
				assert.Error(t, validationErr)
				assert.Regexp(t, tt.validationErr, validationErr.Error())
			} else {
				assert.NoError(t, validationErr)
			}
		})
	}
}

func TestLine(t *testing.T) {
	p, err := UnmarshalProbe([]byte(`{"id": "p", "where": {"sourceFile": "a.go", "lines": ["42"]}}`))
	require.NoError(t, err)
	assert.Equal(t, 42, p.Line())
	assert.Equal(t, TypeLogProbe, p.ParsedType())
	assert.Equal(t, 0, (&Probe{}).Line())
}
