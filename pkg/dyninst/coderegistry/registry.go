// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package coderegistry tracks which compiled source units have been loaded so
// that line hooks can be installed on a known unit instead of scanning for it.
package coderegistry

import (
	"sort"
	"strings"
	"sync"
)

// Registry maps the path of a loaded source unit to an opaque handle to its
// compiled form.
//
// The registry is process-lifetime in production: Stop exists for controlled
// shutdown and test reset.
type Registry[H any] struct {
	// Guards enabling and disabling recording.
	trackingMu sync.Mutex
	active     bool

	// Guards the handles map.
	mu      sync.RWMutex
	handles map[string]H
}

// New creates an inactive registry. Call Start to begin recording.
func New[H any]() *Registry[H] {
	return &Registry[H]{handles: make(map[string]H)}
}

// Start begins recording load events. Calling Start on an active registry is a
// no-op and preserves the existing mappings.
func (r *Registry[H]) Start() {
	r.trackingMu.Lock()
	defer r.trackingMu.Unlock()
	r.active = true
}

// Stop stops recording and discards every recorded handle.
func (r *Registry[H]) Stop() {
	r.trackingMu.Lock()
	r.active = false
	r.trackingMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles = make(map[string]H)
}

// Active reports whether load events are being recorded.
func (r *Registry[H]) Active() bool {
	r.trackingMu.Lock()
	defer r.trackingMu.Unlock()
	return r.active
}

// Record stores handle for path. If path was already recorded, the new handle
// replaces the old one. Record returns false when the registry is not active.
func (r *Registry[H]) Record(path string, handle H) bool {
	if !r.Active() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[path] = handle
	return true
}

// Lookup returns the handles matching pathOrSuffix.
//
// An exact match returns only that handle. Otherwise every recorded path that
// ends with pathOrSuffix at a path separator boundary is returned, sorted by
// path. The result may be empty or contain several handles when basenames
// collide.
func (r *Registry[H]) Lookup(pathOrSuffix string) []H {
	if pathOrSuffix == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.handles[pathOrSuffix]; ok {
		return []H{h}
	}
	var paths []string
	for path := range r.handles {
		if suffixMatches(path, pathOrSuffix) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	out := make([]H, 0, len(paths))
	for _, path := range paths {
		out = append(out, r.handles[path])
	}
	return out
}

// Len returns the number of recorded units.
func (r *Registry[H]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Paths returns the recorded paths in sorted order.
func (r *Registry[H]) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := make([]string, 0, len(r.handles))
	for p := range r.handles {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// PathMatches reports whether path is equal to suffix or ends with it at a
// path separator boundary.
func PathMatches(path, suffix string) bool {
	if suffix == "" {
		return false
	}
	return path == suffix || suffixMatches(path, suffix)
}

func suffixMatches(path, suffix string) bool {
	if len(suffix) >= len(path) || !strings.HasSuffix(path, suffix) {
		return false
	}
	if isSeparator(suffix[0]) {
		return true
	}
	return isSeparator(path[len(path)-len(suffix)-1])
}

func isSeparator(c byte) bool {
	return c == '/' || c == '\\'
}
