// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package target

import (
	"context"
	"runtime"
	"sort"
	"sync"

	"go.uber.org/atomic"
)

// Call describes one invocation of a method site.
type Call struct {
	// Context of the call, used to find the active span, if any.
	Context  context.Context
	Receiver any
	// Args are the positional arguments.
	Args []any
	// Named are the named arguments, in declaration order.
	Named []Var
}

// Override is a layer placed in front of a method implementation. It must call
// next exactly once and return what next returned.
type Override func(m *Method, call Call, next func() (any, error)) (any, error)

type overrideEntry struct {
	key      string
	override Override
}

// Method is a probe-able method site. The implementation is never changed;
// interception happens by placing Overrides in front of it, one per key. The
// most recently installed override runs first.
type Method struct {
	typeName string
	name     string
	file     string
	line     int

	mu        sync.Mutex // serializes writers of overrides
	overrides atomic.Pointer[[]overrideEntry]
}

// NewMethod declares a method site called name. The caller's location is
// recorded as the method's definition site.
func NewMethod(name string) *Method {
	m := &Method{name: name}
	if _, file, line, ok := runtime.Caller(1); ok {
		m.file, m.line = file, line
	}
	return m
}

// TypeName returns the name of the type the method was defined on.
func (m *Method) TypeName() string { return m.typeName }

// Name returns the method name.
func (m *Method) Name() string { return m.name }

// Location returns where the method site was declared.
func (m *Method) Location() (file string, line int) { return m.file, m.line }

// Intercept places o in front of the implementation under key. It returns
// false if an override with the same key is already in place.
func (m *Method) Intercept(key string, o Override) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cur []overrideEntry
	if c := m.overrides.Load(); c != nil {
		cur = *c
	}
	for _, e := range cur {
		if e.key == key {
			return false
		}
	}
	chain := make([]overrideEntry, 0, len(cur)+1)
	chain = append(chain, overrideEntry{key: key, override: o})
	chain = append(chain, cur...)
	m.overrides.Store(&chain)
	return true
}

// Restore removes the override installed under key. It returns false if
// there was none.
func (m *Method) Restore(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.overrides.Load()
	if c == nil {
		return false
	}
	cur := *c
	for i, e := range cur {
		if e.key != key {
			continue
		}
		if len(cur) == 1 {
			m.overrides.Store(nil)
			return true
		}
		rest := make([]overrideEntry, 0, len(cur)-1)
		rest = append(rest, cur[:i]...)
		rest = append(rest, cur[i+1:]...)
		m.overrides.Store(&rest)
		return true
	}
	return false
}

// Reset removes every override.
func (m *Method) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides.Store(nil)
}

// Intercepted reports whether at least one override is in place.
func (m *Method) Intercepted() bool {
	return m.overrides.Load() != nil
}

// OverrideCount returns the number of overrides in place.
func (m *Method) OverrideCount() int {
	if c := m.overrides.Load(); c != nil {
		return len(*c)
	}
	return 0
}

// Invoke runs impl through m's overrides, if any.
func Invoke[R any](m *Method, call Call, impl func() (R, error)) (R, error) {
	c := m.overrides.Load()
	if c == nil {
		return impl()
	}
	chain := *c
	var ret R
	var run func(i int) (any, error)
	run = func(i int) (any, error) {
		if i == len(chain) {
			var err error
			ret, err = impl()
			return ret, err
		}
		return chain[i].override(m, call, func() (any, error) { return run(i + 1) })
	}
	_, err := run(0)
	return ret, err
}

// InvokeVoid is Invoke for methods without a result.
func InvokeVoid(m *Method, call Call, impl func() error) error {
	_, err := Invoke(m, call, func() (struct{}, error) {
		return struct{}{}, impl()
	})
	return err
}

// Type is a completed type definition.
type Type struct {
	name    string
	methods map[string]*Method
}

// Name returns the type name.
func (t *Type) Name() string { return t.name }

// Method returns the method site called name.
func (t *Type) Method(name string) (*Method, bool) {
	m, ok := t.methods[name]
	return m, ok
}

// MethodNames returns the declared method names, sorted.
func (t *Type) MethodNames() []string {
	out := make([]string, 0, len(t.methods))
	for n := range t.methods {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
