// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package probe

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/DataDog/dyninst-go/pkg/dyninst/rcjson"
)

func TestNewValidation(t *testing.T) {
	for _, tc := range []struct {
		name    string
		def     Definition
		wantErr string
		kind    Kind
	}{
		{
			name:    "line without file",
			def:     Definition{ID: "p", Line: 10},
			wantErr: "has a line but no file",
		},
		{
			name:    "type without method",
			def:     Definition{ID: "p", TypeName: "app.Foo"},
			wantErr: "both a type name and a method name",
		},
		{
			name:    "method without type",
			def:     Definition{ID: "p", MethodName: "Bar"},
			wantErr: "both a type name and a method name",
		},
		{
			name:    "method without type on a line probe",
			def:     Definition{ID: "p", File: "a.go", Line: 3, MethodName: "Bar"},
			wantErr: "both a type name and a method name",
		},
		{
			name:    "file only",
			def:     Definition{ID: "p", File: "a.go"},
			wantErr: "neither a line nor a method",
		},
		{
			name:    "negative line",
			def:     Definition{ID: "p", File: "a.go", Line: -1},
			wantErr: "invalid line -1",
		},
		{
			name:    "no id",
			def:     Definition{File: "a.go", Line: 1},
			wantErr: "id is required",
		},
		{
			name: "line probe",
			def:  Definition{ID: "p", File: "a.go", Line: 1},
			kind: KindLine,
		},
		{
			name: "method probe",
			def:  Definition{ID: "p", TypeName: "app.Foo", MethodName: "Bar"},
			kind: KindMethod,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p, err := New(tc.def)
			if tc.wantErr != "" {
				require.ErrorIs(t, err, ErrInvalidProbeDefinition)
				assert.Contains(t, err.Error(), tc.wantErr)
				assert.Nil(t, p)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.kind, p.Kind())
			assert.Equal(t, "LOG_PROBE", p.Type)
		})
	}
}

func TestDefaultRates(t *testing.T) {
	p, err := New(Definition{ID: "p", File: "a.go", Line: 1})
	require.NoError(t, err)
	assert.Equal(t, DefaultLogRate, p.RatePerSecond)

	p, err = New(Definition{ID: "p", File: "a.go", Line: 1, CaptureSnapshot: true})
	require.NoError(t, err)
	assert.Equal(t, DefaultSnapshotRate, p.RatePerSecond)

	p, err = New(Definition{ID: "p", File: "a.go", Line: 1, CaptureSnapshot: true, RatePerSecond: 7})
	require.NoError(t, err)
	assert.Equal(t, 7.0, p.RatePerSecond)
}

func TestBuild(t *testing.T) {
	rec, err := rcjson.UnmarshalProbe([]byte(`{
		"id": "p1",
		"version": 3,
		"where": {"typeName": "app.Foo", "methodName": "Bar"},
		"captureSnapshot": true,
		"capture": {"maxReferenceDepth": 1, "maxFieldCount": 4},
		"sampling": {"snapshotsPerSecond": 2},
		"when": {"dsl": "locals.name == 'x'"},
		"template": "took {@duration}ms"
	}`))
	require.NoError(t, err)
	p, err := Build(rec)
	require.NoError(t, err)
	assert.True(t, p.IsMethodProbe())
	assert.Equal(t, "app.Foo.Bar", p.Location())
	assert.Equal(t, 3, p.Version)
	assert.Equal(t, 1, *p.MaxCaptureDepth)
	assert.Equal(t, 4, *p.MaxCaptureAttributeCount)
	assert.Equal(t, 2.0, p.RatePerSecond)
	assert.Equal(t, "locals.name == 'x'", p.Condition)

	rec, err = rcjson.UnmarshalProbe([]byte(`{"id": "p2", "where": {"sourceFile": "a.go", "lines": ["1", "2"]}}`))
	require.NoError(t, err)
	_, err = Build(rec)
	require.ErrorIs(t, err, ErrInvalidProbeDefinition)

	rec, err = rcjson.UnmarshalProbe([]byte(`{"id": "p3", "where": {"lines": ["12"]}}`))
	require.NoError(t, err)
	_, err = Build(rec)
	require.ErrorIs(t, err, ErrInvalidProbeDefinition)
}

func TestBuildCompilesJSONCondition(t *testing.T) {
	rec, err := rcjson.UnmarshalProbe([]byte(`{
		"id": "p1",
		"where": {"typeName": "app.Foo", "methodName": "Bar"},
		"when": {"dsl": "name == 'x'", "json": {"eq": [{"ref": "name"}, "x"]}}
	}`))
	require.NoError(t, err)
	p, err := Build(rec)
	require.NoError(t, err)
	assert.Equal(t, `(locals["name"] == "x")`, p.Condition)

	rec, err = rcjson.UnmarshalProbe([]byte(`{
		"id": "json-only",
		"where": {"typeName": "app.Foo", "methodName": "Bar"},
		"when": {"json": {"and": [{"ne": [{"ref": "name"}, null]}, {"gt": [{"len": {"ref": "name"}}, 2]}]}}
	}`))
	require.NoError(t, err)
	p, err = Build(rec)
	require.NoError(t, err)
	assert.Equal(t, `((locals["name"] != null) && (size(locals["name"]) > 2))`, p.Condition)

	rec, err = rcjson.UnmarshalProbe([]byte(`{
		"id": "p2",
		"where": {"typeName": "app.Foo", "methodName": "Bar"},
		"when": {"dsl": "any(xs, @it > 1)", "json": {"any": [{"ref": "xs"}, {"gt": [{"ref": "@it"}, 1]}]}}
	}`))
	require.NoError(t, err)
	_, err = Build(rec)
	require.ErrorIs(t, err, ErrInvalidProbeDefinition)
	assert.Contains(t, err.Error(), "unsupported instruction")
}

type fakeHook struct{}

func (fakeHook) Kind() Kind { return KindLine }

func TestHookSlot(t *testing.T) {
	p, err := New(Definition{ID: "p", File: "a.go", Line: 1})
	require.NoError(t, err)
	assert.False(t, p.Installed())
	assert.True(t, p.AttachHook(fakeHook{}))
	assert.False(t, p.AttachHook(fakeHook{}))
	assert.True(t, p.Installed())
	assert.NotNil(t, p.DetachHook())
	assert.Nil(t, p.DetachHook())
}

func TestEmittingIsSetOnce(t *testing.T) {
	p, err := New(Definition{ID: "p", File: "a.go", Line: 1})
	require.NoError(t, err)
	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.MarkEmitting() {
				firsts.Inc()
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, firsts.Load())
	assert.True(t, p.Emitting())
}

func TestRateLimitUnderConcurrency(t *testing.T) {
	const perSecond = 10
	p, err := New(Definition{ID: "p", TypeName: "app.Foo", MethodName: "Bar", RatePerSecond: perSecond})
	require.NoError(t, err)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if p.Allow() {
					admitted.Inc()
				}
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	windows := math.Ceil(elapsed.Seconds())
	if windows < 1 {
		windows = 1
	}
	assert.GreaterOrEqual(t, admitted.Load(), int32(1))
	assert.LessOrEqual(t, float64(admitted.Load()), windows*perSecond)

	// The condition failure budget is independent of the main one.
	assert.True(t, p.AllowConditionFailure())
	assert.False(t, p.AllowConditionFailure())
}
