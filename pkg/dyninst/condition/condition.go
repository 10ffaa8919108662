// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package condition evaluates the expressions gating probes.
package condition

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/DataDog/dyninst-go/pkg/dyninst/snapshot"
	"github.com/DataDog/dyninst-go/pkg/dyninst/target"
)

// ErrConditionEvaluationFailed wraps every failure to evaluate a condition.
var ErrConditionEvaluationFailed = errors.New("condition evaluation failed")

// Evaluator decides whether a probe fires.
type Evaluator interface {
	Evaluate(expr string, ctx *Context) (bool, error)
}

// Context is what an expression can see at the point a probe fires.
type Context struct {
	locals     target.Locals
	receiver   any
	serializer *snapshot.Serializer

	once       sync.Once
	serialized snapshot.Fields
}

// NewContext returns a context exposing locals and the attributes of
// receiver. serializer may be nil when SerializedLocals is not needed.
func NewContext(locals target.Locals, receiver any, serializer *snapshot.Serializer) *Context {
	return &Context{locals: locals, receiver: receiver, serializer: serializer}
}

// Fetch returns the local variable or argument called name.
func (c *Context) Fetch(name string) (any, bool) {
	return c.locals.Lookup(name)
}

// FetchField returns the field called name of the receiver.
func (c *Context) FetchField(name string) (any, bool) {
	v := reflect.ValueOf(c.receiver)
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return nil, false
		}
		v = v.Elem()
	}
	if !v.IsValid() || v.Kind() != reflect.Struct {
		return nil, false
	}
	f := v.FieldByName(name)
	if !f.IsValid() || !f.CanInterface() {
		return nil, false
	}
	return f.Interface(), true
}

// SerializedLocals returns the locals as they would appear in a snapshot.
func (c *Context) SerializedLocals() snapshot.Fields {
	c.once.Do(func() {
		if c.serializer != nil {
			c.serialized = c.serializer.SerializeVars(c.locals)
		}
	})
	return c.serialized
}

const programCacheSize = 256

// CELEvaluator evaluates conditions written in the Common Expression
// Language. Expressions see two maps: locals and self.
type CELEvaluator struct {
	env      *cel.Env
	programs *lru.Cache[string, cel.Program]
}

// NewCELEvaluator returns an evaluator with an empty program cache.
func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("locals", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("self", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, err
	}
	programs, err := lru.New[string, cel.Program](programCacheSize)
	if err != nil {
		return nil, err
	}
	return &CELEvaluator{env: env, programs: programs}, nil
}

// Compile checks expr without evaluating it.
func (e *CELEvaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *CELEvaluator) program(expr string) (cel.Program, error) {
	if prg, ok := e.programs.Get(expr); ok {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: compiling %q: %w", ErrConditionEvaluationFailed, expr, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConditionEvaluationFailed, err)
	}
	e.programs.Add(expr, prg)
	return prg, nil
}

// Evaluate implements Evaluator.
func (e *CELEvaluator) Evaluate(expr string, ctx *Context) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	locals := make(map[string]any, len(ctx.locals))
	for _, v := range ctx.locals {
		locals[v.Name] = toCEL(reflect.ValueOf(v.Value), maxConvertDepth)
	}
	self, _ := toCEL(reflect.ValueOf(ctx.receiver), maxConvertDepth).(map[string]any)
	if self == nil {
		self = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{"locals": locals, "self": self})
	if err != nil {
		return false, fmt.Errorf("%w: %q: %w", ErrConditionEvaluationFailed, expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q evaluated to %s, not bool", ErrConditionEvaluationFailed, expr, out.Type().TypeName())
	}
	return b, nil
}

const (
	maxConvertDepth = 4
	// maxIndirections bounds the pointers and interfaces followed in a row.
	maxIndirections = 16
)

// toCEL converts v into the plain values CEL understands: structs become
// maps of their exported fields.
func toCEL(v reflect.Value, depth int) any {
	for hops := 0; v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface); hops++ {
		if v.IsNil() || hops == maxIndirections {
			return nil
		}
		v = v.Elem()
	}
	if !v.IsValid() || depth < 0 {
		return nil
	}
	switch v.Kind() {
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		return v.Float()
	case reflect.String:
		return v.String()
	case reflect.Slice, reflect.Array:
		out := make([]any, v.Len())
		for i := range out {
			out[i] = toCEL(v.Index(i), depth-1)
		}
		return out
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = toCEL(iter.Value(), depth-1)
		}
		return out
	case reflect.Struct:
		t := v.Type()
		out := make(map[string]any, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			out[t.Field(i).Name] = toCEL(v.Field(i), depth-1)
		}
		return out
	}
	return nil
}
