// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package rcjson decodes and validates the probe configuration records
// delivered through remote configuration.
package rcjson

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Type is the kind of probe a record describes.
type Type uint8

// Probe types understood by the decoder.
const (
	TypeUnknown Type = iota
	TypeLogProbe
	TypeMetricProbe
	TypeSpanProbe
	TypeSpanDecorationProbe
)

var typeNames = map[Type]string{
	TypeLogProbe:            "LOG_PROBE",
	TypeMetricProbe:         "METRIC_PROBE",
	TypeSpanProbe:           "SPAN_PROBE",
	TypeSpanDecorationProbe: "SPAN_DECORATION_PROBE",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

func parseType(s string) (Type, bool) {
	if s == "" {
		return TypeLogProbe, true
	}
	for t, name := range typeNames {
		if name == s {
			return t, true
		}
	}
	return TypeUnknown, false
}

// Probe is one probe configuration record.
type Probe struct {
	ID              string    `json:"id" yaml:"id"`
	Version         int       `json:"version,omitempty" yaml:"version,omitempty"`
	Type            string    `json:"type,omitempty" yaml:"type,omitempty"`
	Language        string    `json:"language,omitempty" yaml:"language,omitempty"`
	Where           *Where    `json:"where,omitempty" yaml:"where,omitempty"`
	Tags            []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
	Template        string    `json:"template,omitempty" yaml:"template,omitempty"`
	CaptureSnapshot bool      `json:"captureSnapshot,omitempty" yaml:"captureSnapshot,omitempty"`
	Capture         *Capture  `json:"capture,omitempty" yaml:"capture,omitempty"`
	Sampling        *Sampling `json:"sampling,omitempty" yaml:"sampling,omitempty"`
	When            *When     `json:"when,omitempty" yaml:"when,omitempty"`
	EvaluateAt      string    `json:"evaluateAt,omitempty" yaml:"evaluateAt,omitempty"`
}

// Where locates the probe, either by source line or by method.
type Where struct {
	SourceFile string   `json:"sourceFile,omitempty" yaml:"sourceFile,omitempty"`
	Lines      []string `json:"lines,omitempty" yaml:"lines,omitempty"`
	TypeName   string   `json:"typeName,omitempty" yaml:"typeName,omitempty"`
	MethodName string   `json:"methodName,omitempty" yaml:"methodName,omitempty"`
	Signature  string   `json:"signature,omitempty" yaml:"signature,omitempty"`
}

// Capture overrides the global serialization limits.
type Capture struct {
	MaxReferenceDepth *int `json:"maxReferenceDepth,omitempty" yaml:"maxReferenceDepth,omitempty"`
	MaxFieldCount     *int `json:"maxFieldCount,omitempty" yaml:"maxFieldCount,omitempty"`
	MaxLength         *int `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	MaxCollectionSize *int `json:"maxCollectionSize,omitempty" yaml:"maxCollectionSize,omitempty"`
}

// Sampling overrides the probe's rate limit.
type Sampling struct {
	SnapshotsPerSecond float64 `json:"snapshotsPerSecond,omitempty" yaml:"snapshotsPerSecond,omitempty"`
}

// When holds the condition gating the probe.
type When struct {
	DSL  string          `json:"dsl" yaml:"dsl"`
	JSON json.RawMessage `json:"json,omitempty" yaml:"-"`
}

// ParsedType returns the probe type, LOG_PROBE when none is set.
func (p *Probe) ParsedType() Type {
	t, _ := parseType(p.Type)
	return t
}

// Line returns the line number the probe targets, or 0 when it has none.
// Validate must have succeeded for the result to be meaningful.
func (p *Probe) Line() int {
	if p.Where == nil || len(p.Where.Lines) == 0 {
		return 0
	}
	n, _ := strconv.Atoi(p.Where.Lines[0])
	return n
}

// UnmarshalProbe decodes a record without validating it.
func UnmarshalProbe(data []byte) (*Probe, error) {
	var p Probe
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse json: %w", err)
	}
	if err := p.checkType(); err != nil {
		return nil, fmt.Errorf("failed to parse json: %w", err)
	}
	return &p, nil
}

func (p *Probe) checkType() error {
	if _, ok := parseType(p.Type); !ok {
		return fmt.Errorf("invalid config type: %s", p.Type)
	}
	return nil
}

// Validate checks that a decoded record is one this engine can act on.
func Validate(p *Probe) error {
	if p == nil {
		return errors.New("probe is nil")
	}
	if p.ID == "" {
		return errors.New("id is required")
	}
	if err := p.checkType(); err != nil {
		return err
	}
	if t := p.ParsedType(); t != TypeLogProbe {
		return fmt.Errorf("probe type %s is not supported", t)
	}
	if p.Where == nil {
		return errors.New("where is required")
	}
	if p.Where.Signature != "" {
		return errors.New("signature is not supported")
	}
	switch len(p.Where.Lines) {
	case 0:
	case 1:
		n, err := strconv.Atoi(p.Where.Lines[0])
		if err != nil {
			return fmt.Errorf("invalid line %q: %w", p.Where.Lines[0], err)
		}
		if n <= 0 {
			return fmt.Errorf("invalid line %d: must be positive", n)
		}
	default:
		return errors.New("lines must be a single line number")
	}
	if c := p.Capture; c != nil {
		for name, v := range map[string]*int{
			"maxReferenceDepth": c.MaxReferenceDepth,
			"maxFieldCount":     c.MaxFieldCount,
			"maxLength":         c.MaxLength,
			"maxCollectionSize": c.MaxCollectionSize,
		} {
			if v != nil && *v < 0 {
				return fmt.Errorf("capture.%s must not be negative", name)
			}
		}
	}
	if p.Sampling != nil && p.Sampling.SnapshotsPerSecond < 0 {
		return errors.New("sampling.snapshotsPerSecond must not be negative")
	}
	if p.When != nil && p.When.DSL == "" && len(p.When.JSON) == 0 {
		return errors.New("when requires dsl or json")
	}
	return nil
}
