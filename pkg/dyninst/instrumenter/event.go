// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package instrumenter

import (
	"time"

	"github.com/DataDog/dyninst-go/pkg/dyninst/probe"
	"github.com/DataDog/dyninst-go/pkg/dyninst/snapshot"
	"github.com/DataDog/dyninst-go/pkg/dyninst/target"
)

// Frame is one entry of a call stack.
type Frame struct {
	File     string
	Function string
	Line     int
}

// Event describes one firing of a probe.
type Event struct {
	Probe *probe.Probe
	Time  time.Time

	// Set for method probes.
	Method *target.Method
	Call   target.Call
	// Arguments are the entry arguments, serialized before the call. Nil
	// when the probe does not capture snapshots.
	Arguments snapshot.Fields
	Return    any
	Err       error
	Duration  time.Duration
	// TopFrame stands for the intercepted method, which does not appear in
	// the stack of its own interception.
	TopFrame *Frame

	// Set for line probes.
	Unit   *target.Unit
	Line   int
	Locals func() target.Locals

	// Stack is the goroutine trace taken when the probe fired, in the format
	// of runtime.Stack.
	Stack []byte

	EvaluationErrors []string
}

// OnFire is invoked on the host goroutine each time a probe fires and is
// admitted by its rate limiter.
type OnFire func(Event)
