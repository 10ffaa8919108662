// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package instrumenter attaches probes to the interception points of a
// target.Runtime and detaches them again.
package instrumenter

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/DataDog/dyninst-go/pkg/dyninst/coderegistry"
	"github.com/DataDog/dyninst-go/pkg/dyninst/condition"
	"github.com/DataDog/dyninst-go/pkg/dyninst/probe"
	"github.com/DataDog/dyninst-go/pkg/dyninst/snapshot"
	"github.com/DataDog/dyninst-go/pkg/dyninst/target"
	"github.com/DataDog/dyninst-go/pkg/util/log"
)

var (
	// ErrTargetNotRegistered means the probe's target has not been loaded
	// yet. Installation can be retried once it is.
	ErrTargetNotRegistered = errors.New("target not registered")
	// ErrTargetNotFound means the target was loaded but lacks the probed
	// method or line.
	ErrTargetNotFound = errors.New("target not found")
	// ErrAmbiguousTarget means the probe's file matched several units.
	ErrAmbiguousTarget = errors.New("ambiguous target")
)

const maxStackSize = 64 << 10

// Instrumenter installs and removes the hooks of probes. Installation and
// removal are serialized by a single lock; fire callbacks run without it.
type Instrumenter struct {
	rt  *target.Runtime
	cfg configuration

	mu sync.Mutex
}

// New returns an instrumenter working on rt.
func New(rt *target.Runtime, opts ...Option) *Instrumenter {
	return &Instrumenter{rt: rt, cfg: makeConfiguration(opts...)}
}

type methodHook struct {
	method *target.Method
}

func (*methodHook) Kind() probe.Kind { return probe.KindMethod }

type lineHook struct {
	unit       *target.Unit
	line       int
	untargeted bool
}

func (*lineHook) Kind() probe.Kind { return probe.KindLine }

// Hook installs p according to its kind. Installing an installed probe is a
// no-op.
func (in *Instrumenter) Hook(p *probe.Probe, onFire OnFire) error {
	if p.IsLineProbe() {
		return in.HookLine(p, onFire)
	}
	return in.HookMethod(p, onFire)
}

// Unhook removes p's hook, whatever its kind. Removing a probe that is not
// installed is a no-op.
func (in *Instrumenter) Unhook(p *probe.Probe) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.unhookLocked(p)
}

// HookMethod places an override in front of the method p targets.
func (in *Instrumenter) HookMethod(p *probe.Probe, onFire OnFire) error {
	if !p.IsMethodProbe() {
		return fmt.Errorf("probe %s is not a method probe", p.ID)
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if p.Installed() {
		return nil
	}

	typ, ok := in.rt.LookupType(p.TypeName)
	if !ok {
		return fmt.Errorf("%w: type %s is not defined", ErrTargetNotRegistered, p.TypeName)
	}
	m, ok := typ.Method(p.MethodName)
	if !ok {
		return fmt.Errorf("%w: type %s has no method %s", ErrTargetNotFound, p.TypeName, p.MethodName)
	}
	if !m.Intercept(p.ID, in.methodOverride(p, onFire)) {
		return fmt.Errorf("method %s.%s already has an override for probe %s", p.TypeName, p.MethodName, p.ID)
	}
	p.AttachHook(&methodHook{method: m})
	log.Debugf("di: installed method probe %s on %s", p.ID, p.Location())
	return nil
}

// UnhookMethod removes the override of a method probe.
func (in *Instrumenter) UnhookMethod(p *probe.Probe) error {
	if !p.IsMethodProbe() {
		return fmt.Errorf("probe %s is not a method probe", p.ID)
	}
	return in.Unhook(p)
}

// HookLine installs a hook on the line p targets. The file is resolved
// through the code registry.
func (in *Instrumenter) HookLine(p *probe.Probe, onFire OnFire) error {
	if !p.IsLineProbe() {
		return fmt.Errorf("probe %s is not a line probe", p.ID)
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if p.Installed() {
		return nil
	}

	units := in.rt.Registry().Lookup(p.File)
	switch len(units) {
	case 0:
		if !in.cfg.untargeted {
			return fmt.Errorf("%w: file %s is not loaded", ErrTargetNotRegistered, p.File)
		}
		// Only one untargeted hook may exist: each one runs on every probed
		// line of the process.
		if !in.rt.SetUntargetedHook(in.untargetedHook(p, onFire)) {
			return fmt.Errorf("%w: file %s is not loaded and the untargeted trace point is in use", ErrTargetNotRegistered, p.File)
		}
		p.AttachHook(&lineHook{line: p.Line, untargeted: true})
		log.Warnf("di: installed untargeted line probe %s on %s", p.ID, p.Location())
		return nil
	case 1:
	default:
		paths := make([]string, 0, len(units))
		for _, u := range units {
			paths = append(paths, u.Path())
		}
		return fmt.Errorf("%w: %s matches %s", ErrAmbiguousTarget, p.File, strings.Join(paths, ", "))
	}

	u := units[0]
	if !u.HasLine(p.Line) {
		return fmt.Errorf("%w: %s has no probe-able line %d", ErrTargetNotFound, u.Path(), p.Line)
	}
	if !u.SetLineHook(p.Line, p.ID, in.lineHookFunc(p, onFire)) {
		return fmt.Errorf("line %s:%d already has a hook for probe %s", u.Path(), p.Line, p.ID)
	}
	p.AttachHook(&lineHook{unit: u, line: p.Line})
	log.Debugf("di: installed line probe %s on %s:%d", p.ID, u.Path(), p.Line)
	return nil
}

// UnhookLine removes the hook of a line probe.
func (in *Instrumenter) UnhookLine(p *probe.Probe) error {
	if !p.IsLineProbe() {
		return fmt.Errorf("probe %s is not a line probe", p.ID)
	}
	return in.Unhook(p)
}

func (in *Instrumenter) unhookLocked(p *probe.Probe) error {
	switch h := p.InstalledHook().(type) {
	case nil:
		return nil
	case *methodHook:
		if !h.method.Restore(p.ID) {
			return fmt.Errorf("override of probe %s on %s.%s vanished", p.ID, h.method.TypeName(), h.method.Name())
		}
	case *lineHook:
		if h.untargeted {
			in.rt.ClearUntargetedHook()
		} else if !h.unit.ClearLineHook(h.line, p.ID) {
			return fmt.Errorf("line hook of probe %s on %s:%d vanished", p.ID, h.unit.Path(), h.line)
		}
	default:
		return fmt.Errorf("probe %s has an unknown hook %T", p.ID, h)
	}
	p.DetachHook()
	log.Debugf("di: removed probe %s", p.ID)
	return nil
}

func (in *Instrumenter) methodOverride(p *probe.Probe, onFire OnFire) target.Override {
	ser := in.cfg.serializer.WithOverrides(p.MaxCaptureDepth, p.MaxCaptureAttributeCount)
	return func(m *target.Method, call target.Call, next func() (any, error)) (any, error) {
		admitted, evalErrs := in.admit(p, func() *condition.Context {
			return condition.NewContext(callLocals(call), call.Receiver, ser)
		})
		if !admitted {
			return next()
		}

		var args snapshot.Fields
		if p.CaptureSnapshot {
			// Arguments may be mutated by the call.
			args = ser.SerializeArgs(call)
		}
		start := in.cfg.clock.Now()
		ret, err := next()
		duration := in.cfg.clock.Since(start)

		file, line := m.Location()
		in.fire(onFire, Event{
			Probe:     p,
			Time:      start,
			Method:    m,
			Call:      call,
			Arguments: args,
			Return:    ret,
			Err:       err,
			Duration:  duration,
			TopFrame: &Frame{
				File:     file,
				Function: m.TypeName() + "." + m.Name(),
				Line:     line,
			},
			Stack:            captureStack(),
			EvaluationErrors: evalErrs,
		})
		return ret, err
	}
}

func (in *Instrumenter) lineHookFunc(p *probe.Probe, onFire OnFire) target.LineHook {
	ser := in.cfg.serializer.WithOverrides(p.MaxCaptureDepth, p.MaxCaptureAttributeCount)
	return func(u *target.Unit, line int, locals func() target.Locals) {
		admitted, evalErrs := in.admit(p, func() *condition.Context {
			return condition.NewContext(locals(), nil, ser)
		})
		if !admitted {
			return
		}
		in.fire(onFire, Event{
			Probe:            p,
			Time:             in.cfg.clock.Now(),
			Unit:             u,
			Line:             line,
			Locals:           locals,
			Stack:            captureStack(),
			EvaluationErrors: evalErrs,
		})
	}
}

func (in *Instrumenter) untargetedHook(p *probe.Probe, onFire OnFire) target.LineHook {
	fire := in.lineHookFunc(p, onFire)
	return func(u *target.Unit, line int, locals func() target.Locals) {
		if line != p.Line || !coderegistry.PathMatches(u.Path(), p.File) {
			return
		}
		fire(u, line, locals)
	}
}

// admit evaluates p's condition then its rate limit. Condition failures are
// admitted at most once per second, independently of the rate limit, and
// returned so they can be reported.
func (in *Instrumenter) admit(p *probe.Probe, ctx func() *condition.Context) (bool, []string) {
	if p.Condition != "" {
		if in.cfg.evaluator == nil {
			return false, nil
		}
		ok, err := in.cfg.evaluator.Evaluate(p.Condition, ctx())
		if err != nil {
			if !p.AllowConditionFailure() {
				return false, nil
			}
			return true, []string{err.Error()}
		}
		if !ok {
			return false, nil
		}
	}
	return p.Allow(), nil
}

func (in *Instrumenter) fire(onFire OnFire, ev Event) {
	if !in.cfg.propagate {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("probe %s callback panicked: %v", ev.Probe.ID, r)
				log.Warnf("di: %v", err)
				in.cfg.telemetry.ReportError("instrumenter", err)
			}
		}()
	}
	onFire(ev)
}

// callLocals exposes the arguments of a call to conditions under the names
// they get in snapshots.
func callLocals(call target.Call) target.Locals {
	out := make(target.Locals, 0, len(call.Args)+len(call.Named))
	for i, a := range call.Args {
		out = append(out, target.Var{Name: "arg" + strconv.Itoa(i+1), Value: a})
	}
	return append(out, call.Named...)
}

func captureStack() []byte {
	buf := make([]byte, maxStackSize)
	return buf[:runtime.Stack(buf, false)]
}
