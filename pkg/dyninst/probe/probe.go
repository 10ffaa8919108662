// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package probe defines the probe entity: what to instrument, what to capture
// and how often.
package probe

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/DataDog/dyninst-go/pkg/dyninst/exprlang"
	"github.com/DataDog/dyninst-go/pkg/dyninst/rcjson"
)

// ErrInvalidProbeDefinition is returned when a probe is not fully specified.
var ErrInvalidProbeDefinition = errors.New("invalid probe definition")

const (
	// DefaultSnapshotRate is the rate limit of probes capturing snapshots.
	DefaultSnapshotRate = 1.0
	// DefaultLogRate is the rate limit of probes that only log.
	DefaultLogRate = 5000.0
	// ConditionFailureRate bounds how often condition failures are reported.
	ConditionFailureRate = 1.0
)

// Kind tells method probes from line probes.
type Kind uint8

// Probe kinds.
const (
	KindMethod Kind = iota + 1
	KindLine
)

func (k Kind) String() string {
	switch k {
	case KindMethod:
		return "method"
	case KindLine:
		return "line"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Definition lists the attributes of a probe.
type Definition struct {
	ID      string
	Version int
	Type    string
	Tags    []string

	File       string
	Line       int
	TypeName   string
	MethodName string

	CaptureSnapshot          bool
	MaxCaptureDepth          *int
	MaxCaptureAttributeCount *int
	Condition                string
	Template                 string

	// RatePerSecond overrides the default rate limit when positive.
	RatePerSecond float64
}

// Hook is the handle of the interception installed for a probe.
type Hook interface {
	Kind() Kind
}

// Probe is one instrumentation request. Its definition is immutable; the
// limiters, the installed hook and the emitting and executed flags change
// while the probe lives.
type Probe struct {
	Definition
	kind Kind

	limiter          *rate.Limiter
	conditionLimiter *rate.Limiter

	hookMu sync.Mutex
	hook   Hook

	emitting atomic.Bool
	executed atomic.Bool
}

// New validates d and returns the probe it describes.
func New(d Definition) (*Probe, error) {
	if d.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidProbeDefinition)
	}
	if d.Line != 0 && d.File == "" {
		return nil, fmt.Errorf("%w: probe %s has a line but no file", ErrInvalidProbeDefinition, d.ID)
	}
	if d.Line < 0 {
		return nil, fmt.Errorf("%w: probe %s has invalid line %d", ErrInvalidProbeDefinition, d.ID, d.Line)
	}
	if (d.TypeName == "") != (d.MethodName == "") {
		return nil, fmt.Errorf("%w: probe %s must have both a type name and a method name, or neither", ErrInvalidProbeDefinition, d.ID)
	}
	if d.Line == 0 && d.MethodName == "" {
		return nil, fmt.Errorf("%w: probe %s has neither a line nor a method", ErrInvalidProbeDefinition, d.ID)
	}
	if d.RatePerSecond < 0 {
		return nil, fmt.Errorf("%w: probe %s has negative rate %v", ErrInvalidProbeDefinition, d.ID, d.RatePerSecond)
	}
	if d.Type == "" {
		d.Type = rcjson.TypeLogProbe.String()
	}

	p := &Probe{Definition: d, kind: KindMethod}
	if d.Line > 0 {
		p.kind = KindLine
	}
	r := d.RatePerSecond
	if r == 0 {
		r = DefaultLogRate
		if d.CaptureSnapshot {
			r = DefaultSnapshotRate
		}
	}
	p.RatePerSecond = r
	// A burst of one keeps the admitted count within any one-second window
	// at the configured rate.
	p.limiter = rate.NewLimiter(rate.Limit(r), 1)
	p.conditionLimiter = rate.NewLimiter(rate.Limit(ConditionFailureRate), 1)
	return p, nil
}

// Build turns a configuration record into a probe.
func Build(rec *rcjson.Probe) (*Probe, error) {
	if err := rcjson.Validate(rec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProbeDefinition, err)
	}
	d := Definition{
		ID:              rec.ID,
		Version:         rec.Version,
		Type:            rec.ParsedType().String(),
		Tags:            rec.Tags,
		Template:        rec.Template,
		CaptureSnapshot: rec.CaptureSnapshot,
	}
	if w := rec.Where; w != nil {
		d.File = w.SourceFile
		d.Line = rec.Line()
		d.TypeName = w.TypeName
		d.MethodName = w.MethodName
	}
	if c := rec.Capture; c != nil {
		d.MaxCaptureDepth = c.MaxReferenceDepth
		d.MaxCaptureAttributeCount = c.MaxFieldCount
	}
	if rec.Sampling != nil {
		d.RatePerSecond = rec.Sampling.SnapshotsPerSecond
	}
	if rec.When != nil {
		d.Condition = rec.When.DSL
		if len(rec.When.JSON) > 0 {
			cond, err := exprlang.Compile(rec.When.JSON)
			if err != nil {
				return nil, fmt.Errorf("%w: when.json: %w", ErrInvalidProbeDefinition, err)
			}
			d.Condition = cond
		}
	}
	return New(d)
}

// Kind returns whether p is a method or a line probe.
func (p *Probe) Kind() Kind { return p.kind }

// IsLineProbe reports whether p targets a source line.
func (p *Probe) IsLineProbe() bool { return p.kind == KindLine }

// IsMethodProbe reports whether p targets a method.
func (p *Probe) IsMethodProbe() bool { return p.kind == KindMethod }

// Location is a human readable description of the probe's target.
func (p *Probe) Location() string {
	if p.kind == KindLine {
		return p.File + ":" + strconv.Itoa(p.Line)
	}
	return p.TypeName + "." + p.MethodName
}

// Allow consumes one token of the probe's rate limit.
func (p *Probe) Allow() bool { return p.limiter.Allow() }

// AllowConditionFailure consumes one token of the condition failure budget,
// which is independent of the main rate limit.
func (p *Probe) AllowConditionFailure() bool { return p.conditionLimiter.Allow() }

// AttachHook records h as the probe's hook. It returns false, leaving the
// current hook in place, if one is already attached.
func (p *Probe) AttachHook(h Hook) bool {
	p.hookMu.Lock()
	defer p.hookMu.Unlock()
	if p.hook != nil {
		return false
	}
	p.hook = h
	return true
}

// DetachHook releases and returns the probe's hook, or nil.
func (p *Probe) DetachHook() Hook {
	p.hookMu.Lock()
	defer p.hookMu.Unlock()
	h := p.hook
	p.hook = nil
	return h
}

// InstalledHook returns the probe's hook, or nil.
func (p *Probe) InstalledHook() Hook {
	p.hookMu.Lock()
	defer p.hookMu.Unlock()
	return p.hook
}

// Installed reports whether a hook is attached.
func (p *Probe) Installed() bool { return p.InstalledHook() != nil }

// MarkEmitting sets the emitting flag and reports whether this call set it.
func (p *Probe) MarkEmitting() bool { return p.emitting.CompareAndSwap(false, true) }

// Emitting reports whether the probe has fired at least once.
func (p *Probe) Emitting() bool { return p.emitting.Load() }

// MarkExecuted records that the probe fired.
func (p *Probe) MarkExecuted() { p.executed.Store(true) }

// Executed reports whether the probe fired.
func (p *Probe) Executed() bool { return p.executed.Load() }
