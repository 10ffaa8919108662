// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package snapshot

import (
	"bytes"
	"encoding/json"
)

// Reasons a value was not (fully) captured.
const (
	ReasonRedactedType    = "redactedType"
	ReasonRedactedIdent   = "redactedIdent"
	ReasonDepth           = "depth"
	ReasonCollectionSize  = "collectionSize"
	ReasonFieldCount      = "fieldCount"
	ReasonUnsupportedType = "unsupportedType"
	ReasonError           = "serializationError"
)

// Value is the serialized form of one runtime value.
type Value struct {
	Type              string      `json:"type"`
	Value             *string     `json:"value,omitempty"`
	IsNull            bool        `json:"isNull,omitempty"`
	Elements          []*Value    `json:"elements,omitempty"`
	Entries           [][2]*Value `json:"entries,omitempty"`
	Fields            Fields      `json:"fields,omitempty"`
	NotCapturedReason string      `json:"notCapturedReason,omitempty"`
	Truncated         bool        `json:"truncated,omitempty"`
	Size              int         `json:"size,omitempty"`
}

// Field is a named serialized value.
type Field struct {
	Name  string
	Value *Value
}

// Fields is an ordered set of named values. It encodes as a JSON object whose
// keys keep the slice order.
type Fields []Field

// Get returns the value of the field called name, or nil.
func (f Fields) Get(name string) *Value {
	for _, fv := range f {
		if fv.Name == name {
			return fv.Value
		}
	}
	return nil
}

// Names returns the field names in order.
func (f Fields) Names() []string {
	out := make([]string, 0, len(f))
	for _, fv := range f {
		out = append(out, fv.Name)
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (f Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, fv := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(fv.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(fv.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler. Key order is preserved.
func (f *Fields) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	if _, err := dec.Token(); err != nil {
		return err
	}
	out := Fields{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		v := new(Value)
		if err := dec.Decode(v); err != nil {
			return err
		}
		out = append(out, Field{Name: name, Value: v})
	}
	*f = out
	return nil
}
