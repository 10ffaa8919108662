// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package target

import (
	"sort"
	"sync"

	"go.uber.org/atomic"
)

// Var is a named value: a local variable or a named argument.
type Var struct {
	Name  string
	Value any
}

// Locals is an ordered set of variables visible at a probed line.
type Locals []Var

// Lookup returns the value of the variable called name.
func (l Locals) Lookup(name string) (any, bool) {
	for _, v := range l {
		if v.Name == name {
			return v.Value, true
		}
	}
	return nil, false
}

// LineHook is invoked when a hooked line executes. locals is only evaluated
// if the hook decides to capture.
type LineHook func(u *Unit, line int, locals func() Locals)

type lineEntry struct {
	key  string
	hook LineHook
}

// Unit is the handle to a loaded source unit. Its identity never changes after
// the load event; only its hook table is mutated, by the instrumenter.
type Unit struct {
	rt    *Runtime
	path  string
	lines map[int]struct{}

	mu    sync.Mutex // serializes writers of hooks
	hooks atomic.Pointer[map[int][]lineEntry]
}

func newUnit(rt *Runtime, path string, lines []int) *Unit {
	u := &Unit{rt: rt, path: path}
	if len(lines) > 0 {
		u.lines = make(map[int]struct{}, len(lines))
		for _, l := range lines {
			u.lines[l] = struct{}{}
		}
	}
	return u
}

// Path returns the absolute path the unit was loaded from.
func (u *Unit) Path() string { return u.path }

// Lines returns the declared probe-able lines, or nil if any line is allowed.
func (u *Unit) Lines() []int {
	if u.lines == nil {
		return nil
	}
	out := make([]int, 0, len(u.lines))
	for l := range u.lines {
		out = append(out, l)
	}
	sort.Ints(out)
	return out
}

// HasLine reports whether line may be probed.
func (u *Unit) HasLine(line int) bool {
	if u.lines == nil {
		return line > 0
	}
	_, ok := u.lines[line]
	return ok
}

// Line is called by the host at a probe-able line. locals returns the
// variables in scope.
func (u *Unit) Line(line int, locals func() Locals) {
	if m := u.hooks.Load(); m != nil {
		for _, e := range (*m)[line] {
			e.hook(u, line, locals)
		}
	}
	if u.rt != nil {
		if tap := u.rt.tap.Load(); tap != nil {
			(*tap)(u, line, locals)
		}
	}
}

// SetLineHook installs hook on line under key. It returns false if a hook with
// the same key is already installed there.
func (u *Unit) SetLineHook(line int, key string, hook LineHook) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	cur := u.snapshot()
	for _, e := range cur[line] {
		if e.key == key {
			return false
		}
	}
	entries := append(append([]lineEntry(nil), cur[line]...), lineEntry{key: key, hook: hook})
	cur[line] = entries
	u.hooks.Store(&cur)
	return true
}

// ClearLineHook removes the hook installed on line under key. It returns false
// if there was none.
func (u *Unit) ClearLineHook(line int, key string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	cur := u.snapshot()
	entries := cur[line]
	for i, e := range entries {
		if e.key != key {
			continue
		}
		rest := make([]lineEntry, 0, len(entries)-1)
		rest = append(rest, entries[:i]...)
		rest = append(rest, entries[i+1:]...)
		if len(rest) == 0 {
			delete(cur, line)
		} else {
			cur[line] = rest
		}
		u.hooks.Store(&cur)
		return true
	}
	return false
}

// HookCount returns the number of hooks installed on line.
func (u *Unit) HookCount(line int) int {
	if m := u.hooks.Load(); m != nil {
		return len((*m)[line])
	}
	return 0
}

// snapshot returns a copy of the hook table. Callers hold u.mu.
func (u *Unit) snapshot() map[int][]lineEntry {
	out := make(map[int][]lineEntry)
	if m := u.hooks.Load(); m != nil {
		for k, v := range *m {
			out[k] = v
		}
	}
	return out
}
