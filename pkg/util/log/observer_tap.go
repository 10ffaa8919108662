// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package log

import (
	"go.uber.org/atomic"
)

// LogObserver receives engine logs after level filtering and before they are
// written to the underlying logger.
//
// Observers MUST be fast and MUST NOT block.
type LogObserver func(level LogLevel, message string)

var (
	logObserverHook atomic.Pointer[LogObserver]
	// observing guards against recursion if an observer emits logs.
	observing atomic.Bool
)

// SetLogObserver registers a process-wide log observer hook.
// Passing nil disables observation.
func SetLogObserver(h LogObserver) {
	if h == nil {
		logObserverHook.Store(nil)
		return
	}
	hp := new(LogObserver)
	*hp = h
	logObserverHook.Store(hp)
}

func maybeObserve(level LogLevel, message string) {
	hp := logObserverHook.Load()
	if hp == nil {
		return
	}
	if !observing.CompareAndSwap(false, true) {
		return
	}
	defer observing.Store(false)
	(*hp)(level, message)
}
