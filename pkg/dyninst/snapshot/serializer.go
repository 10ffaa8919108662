// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package snapshot converts runtime values into bounded trees of primitives
// suitable for shipping to the backend.
package snapshot

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/DataDog/dyninst-go/pkg/dyninst/redact"
	"github.com/DataDog/dyninst-go/pkg/dyninst/target"
)

// Limits bound the size of a serialized value. A zero limit means unlimited,
// except for MaxDepth where zero captures only the top level.
type Limits struct {
	MaxDepth          int
	MaxCollectionSize int
	MaxStringLength   int
	MaxAttributeCount int
}

// DefaultLimits are used when the configuration does not override them.
var DefaultLimits = Limits{
	MaxDepth:          3,
	MaxCollectionSize: 100,
	MaxStringLength:   255,
	MaxAttributeCount: 20,
}

// Serializer turns values into Value trees, consulting a redaction policy.
// It is safe for concurrent use.
type Serializer struct {
	policy *redact.Policy
	limits Limits
}

// NewSerializer returns a serializer applying limits and policy. A nil policy
// redacts nothing.
func NewSerializer(policy *redact.Policy, limits Limits) *Serializer {
	return &Serializer{policy: policy, limits: limits}
}

// Limits returns the limits the serializer applies.
func (s *Serializer) Limits() Limits { return s.limits }

// WithOverrides returns a serializer whose depth and attribute count are
// replaced by the non-nil arguments.
func (s *Serializer) WithOverrides(maxDepth, maxAttributeCount *int) *Serializer {
	if maxDepth == nil && maxAttributeCount == nil {
		return s
	}
	c := *s
	if maxDepth != nil {
		c.limits.MaxDepth = *maxDepth
	}
	if maxAttributeCount != nil {
		c.limits.MaxAttributeCount = *maxAttributeCount
	}
	return &c
}

// SerializeArgs serializes the arguments of a method call. Positional
// arguments are named arg1, arg2, ... and come before named arguments.
func (s *Serializer) SerializeArgs(call target.Call) Fields {
	out := make(Fields, 0, len(call.Args)+len(call.Named))
	for i, a := range call.Args {
		name := "arg" + strconv.Itoa(i+1)
		out = append(out, Field{Name: name, Value: s.Serialize(a, name, s.limits.MaxDepth)})
	}
	for _, v := range call.Named {
		out = append(out, Field{Name: v.Name, Value: s.Serialize(v.Value, v.Name, s.limits.MaxDepth)})
	}
	return out
}

// SerializeVars serializes local variables, keeping their order.
func (s *Serializer) SerializeVars(vars target.Locals) Fields {
	out := make(Fields, 0, len(vars))
	for _, v := range vars {
		out = append(out, Field{Name: v.Name, Value: s.Serialize(v.Value, v.Name, s.limits.MaxDepth)})
	}
	return out
}

// Serialize converts value. name, when not empty, is the identifier holding
// the value and is checked against the redaction policy.
func (s *Serializer) Serialize(value any, name string, depth int) *Value {
	if value == nil {
		return &Value{Type: "nil", IsNull: true}
	}
	return s.serialize(reflect.ValueOf(value), name, depth)
}

// maxIndirections bounds the pointers and interfaces followed in a row. A
// value that reaches itself through them alone is reported as too deep.
const maxIndirections = 16

var (
	timeType  = reflect.TypeOf(time.Time{})
	errorType = reflect.TypeOf((*error)(nil)).Elem()
)

func (s *Serializer) serialize(v reflect.Value, name string, depth int) (out *Value) {
	// Follow pointers and interfaces without consuming depth.
	for hops := 0; v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface; hops++ {
		if hops == maxIndirections {
			return &Value{Type: v.Type().String(), NotCapturedReason: ReasonDepth}
		}
		if v.IsNil() {
			return &Value{Type: v.Type().String(), IsNull: true}
		}
		if v.Kind() == reflect.Pointer && s.policy.IsRedactedType(v.Type().String()) {
			return &Value{Type: v.Type().String(), NotCapturedReason: ReasonRedactedType}
		}
		v = v.Elem()
	}
	typeName := v.Type().String()
	if s.policy.IsRedactedType(typeName) {
		return &Value{Type: typeName, NotCapturedReason: ReasonRedactedType}
	}
	if name != "" && s.policy.IsRedactedIdentifier(name) {
		return &Value{Type: typeName, NotCapturedReason: ReasonRedactedIdent}
	}

	defer func() {
		// Methods of the captured values (Error, time formatting) run user
		// code; a panic there must not reach the host.
		if r := recover(); r != nil {
			out = &Value{Type: typeName, NotCapturedReason: ReasonError}
		}
	}()

	switch v.Kind() {
	case reflect.Bool:
		return primitive(typeName, strconv.FormatBool(v.Bool()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return primitive(typeName, strconv.FormatInt(v.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return primitive(typeName, strconv.FormatUint(v.Uint(), 10))
	case reflect.Float32:
		return primitive(typeName, strconv.FormatFloat(v.Float(), 'g', -1, 32))
	case reflect.Float64:
		return primitive(typeName, strconv.FormatFloat(v.Float(), 'g', -1, 64))
	case reflect.Complex64, reflect.Complex128:
		return primitive(typeName, fmt.Sprint(v.Complex()))
	case reflect.String:
		return s.serializeString(typeName, v.String())
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return &Value{Type: typeName, IsNull: true}
		}
		return s.serializeSequence(typeName, v, depth)
	case reflect.Map:
		if v.IsNil() {
			return &Value{Type: typeName, IsNull: true}
		}
		return s.serializeMap(typeName, v, depth)
	case reflect.Struct:
		if v.Type() == timeType && v.CanInterface() {
			return primitive(typeName, v.Interface().(time.Time).Format(time.RFC3339Nano))
		}
		if v.CanInterface() && v.Type().Implements(errorType) {
			return s.serializeString(typeName, v.Interface().(error).Error())
		}
		return s.serializeStruct(typeName, v, depth)
	default:
		return &Value{Type: typeName, NotCapturedReason: ReasonUnsupportedType}
	}
}

func primitive(typeName, value string) *Value {
	return &Value{Type: typeName, Value: &value}
}

func (s *Serializer) serializeString(typeName, str string) *Value {
	out := &Value{Type: typeName}
	limit := s.limits.MaxStringLength
	if limit > 0 {
		if n := utf8.RuneCountInString(str); n > limit {
			out.Truncated = true
			out.Size = n
			str = truncateRunes(str, limit)
		}
	}
	// Always copy: the serialized value must not alias the host's memory.
	cp := string([]byte(str))
	out.Value = &cp
	return out
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func (s *Serializer) serializeSequence(typeName string, v reflect.Value, depth int) *Value {
	out := &Value{Type: typeName}
	if depth < 0 {
		out.NotCapturedReason = ReasonDepth
		return out
	}
	n := v.Len()
	if limit := s.limits.MaxCollectionSize; limit > 0 && n > limit {
		out.NotCapturedReason = ReasonCollectionSize
		out.Size = n
		n = limit
	}
	out.Elements = make([]*Value, 0, n)
	for i := 0; i < n; i++ {
		out.Elements = append(out.Elements, s.serialize(v.Index(i), "", depth-1))
	}
	return out
}

func (s *Serializer) serializeMap(typeName string, v reflect.Value, depth int) *Value {
	out := &Value{Type: typeName}
	if depth < 0 {
		out.NotCapturedReason = ReasonDepth
		return out
	}
	keys := v.MapKeys()
	// Map iteration order is random; sort so truncation is stable.
	sortKeys := make([]string, len(keys))
	for i, k := range keys {
		sortKeys[i] = keyString(k)
	}
	idx := make([]int, len(keys))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return sortKeys[idx[a]] < sortKeys[idx[b]] })

	n := len(keys)
	if limit := s.limits.MaxCollectionSize; limit > 0 && n > limit {
		out.NotCapturedReason = ReasonCollectionSize
		out.Size = n
		n = limit
	}
	out.Entries = make([][2]*Value, 0, n)
	for _, i := range idx[:n] {
		k := keys[i]
		name := ""
		if k.Kind() == reflect.String {
			name = k.String()
		}
		out.Entries = append(out.Entries, [2]*Value{
			s.serialize(k, "", depth-1),
			s.serialize(v.MapIndex(k), name, depth-1),
		})
	}
	return out
}

// serializeStruct captures fields in declaration order, which is stable for
// a given struct type.
func (s *Serializer) serializeStruct(typeName string, v reflect.Value, depth int) *Value {
	out := &Value{Type: typeName}
	if depth < 0 {
		out.NotCapturedReason = ReasonDepth
		return out
	}
	t := v.Type()
	limit := s.limits.MaxAttributeCount
	out.Fields = make(Fields, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if limit > 0 && i >= limit {
			out.NotCapturedReason = ReasonFieldCount
			break
		}
		f := t.Field(i)
		out.Fields = append(out.Fields, Field{
			Name:  f.Name,
			Value: s.serialize(v.Field(i), f.Name, depth-1),
		})
	}
	return out
}

func keyString(k reflect.Value) string {
	switch k.Kind() {
	case reflect.String:
		return k.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// Offset so that lexical order matches numeric order.
		return fmt.Sprintf("%020d", uint64(k.Int())^(1<<63))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return fmt.Sprintf("%020d", k.Uint())
	case reflect.Bool:
		return strconv.FormatBool(k.Bool())
	}
	if k.CanInterface() {
		return fmt.Sprintf("%v", k.Interface())
	}
	return k.Type().String()
}
