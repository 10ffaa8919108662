// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package target holds the interception points a host program declares so
// that probes can be attached to it at runtime.
//
// A source file declares itself once with Runtime.LoadUnit and marks the lines
// that may be probed with Unit.Line. A type declares the methods that may be
// probed with Runtime.DefineType, and each method body delegates through
// Invoke. Nothing is intercepted until a hook is installed; until then each
// interception point costs a single atomic load.
//
// The Runtime must be started before units are loaded: load events that happen
// while it is stopped are not recorded.
package target

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/DataDog/dyninst-go/pkg/dyninst/coderegistry"
)

// UnitListener is notified after a unit has been recorded.
type UnitListener func(*Unit)

// TypeListener is notified after a type definition completes.
type TypeListener func(*Type)

// Runtime owns the process-wide state the instrumenter needs: the code
// registry, the table of defined types and the untargeted line tap.
type Runtime struct {
	registry *coderegistry.Registry[*Unit]

	mu            sync.RWMutex
	types         map[string]*Type
	unitListeners []UnitListener
	typeListeners []TypeListener

	tap atomic.Pointer[LineHook]
}

// NewRuntime creates a runtime whose registry is not yet recording.
func NewRuntime() *Runtime {
	return &Runtime{
		registry: coderegistry.New[*Unit](),
		types:    make(map[string]*Type),
	}
}

// Registry returns the code registry backing this runtime.
func (rt *Runtime) Registry() *coderegistry.Registry[*Unit] {
	return rt.registry
}

// Start begins recording load events. It is idempotent.
func (rt *Runtime) Start() {
	rt.registry.Start()
}

// Stop stops recording, forgets every unit and type, and removes the
// untargeted tap. It is meant for shutdown and test reset.
func (rt *Runtime) Stop() {
	rt.registry.Stop()
	rt.tap.Store(nil)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.types = make(map[string]*Type)
}

// OnUnitLoaded registers l to be called for every recorded load event.
func (rt *Runtime) OnUnitLoaded(l UnitListener) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.unitListeners = append(rt.unitListeners, l)
}

// OnTypeDefined registers l to be called for every completed type definition.
func (rt *Runtime) OnTypeDefined(l TypeListener) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.typeListeners = append(rt.typeListeners, l)
}

// LoadUnit declares that the source file at path has been loaded. lines, when
// given, restricts the lines that may be probed in that file.
//
// Listeners run on the calling goroutine, after the registry lock has been
// released.
func (rt *Runtime) LoadUnit(path string, lines ...int) *Unit {
	u := newUnit(rt, path, lines)
	if !rt.registry.Record(path, u) {
		return u
	}
	rt.mu.RLock()
	listeners := append([]UnitListener(nil), rt.unitListeners...)
	rt.mu.RUnlock()
	for _, l := range listeners {
		l(u)
	}
	return u
}

// DefineType declares the type name together with its probe-able methods.
// Defining a name again replaces the previous definition.
func (rt *Runtime) DefineType(name string, methods ...*Method) *Type {
	t := &Type{name: name, methods: make(map[string]*Method, len(methods))}
	for _, m := range methods {
		m.typeName = name
		t.methods[m.name] = m
	}
	rt.mu.Lock()
	rt.types[name] = t
	listeners := append([]TypeListener(nil), rt.typeListeners...)
	rt.mu.Unlock()
	for _, l := range listeners {
		l(t)
	}
	return t
}

// LookupType returns the type defined under name.
func (rt *Runtime) LookupType(name string) (*Type, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	t, ok := rt.types[name]
	return t, ok
}

// SetUntargetedHook installs a hook that observes every probed line of every
// unit. Only one can be installed; it returns false if one already is.
func (rt *Runtime) SetUntargetedHook(h LineHook) bool {
	return rt.tap.CompareAndSwap(nil, &h)
}

// ClearUntargetedHook removes the untargeted hook.
func (rt *Runtime) ClearUntargetedHook() {
	rt.tap.Store(nil)
}

// HasUntargetedHook reports whether an untargeted hook is installed.
func (rt *Runtime) HasUntargetedHook() bool {
	return rt.tap.Load() != nil
}
