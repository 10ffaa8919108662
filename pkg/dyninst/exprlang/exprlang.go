// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package exprlang parses the JSON form of the live debugger expression
// language and compiles it into the CEL source understood by the condition
// package.
//
// An expression is either a literal (string, number, boolean or null) or an
// object with a single instruction key, e.g. {"eq": [{"ref": "name"}, "x"]}.
package exprlang

import (
	"fmt"
	"sort"

	"github.com/buger/jsonparser"
)

// Expr represents an expression in the DSL.
type Expr interface {
	expr() // marker method
}

// RefExpr represents a reference to a variable.
type RefExpr struct {
	Ref string
}

// LiteralExpr is a constant. Value is a string, a bool, nil, or a Number.
type LiteralExpr struct {
	Value any
}

// Number keeps the literal text of a JSON number so that integers stay
// integers once compiled.
type Number string

// GetMemberExpr reads a field of a struct or a key of a map.
type GetMemberExpr struct {
	Base   Expr
	Member string
}

// IndexExpr reads an element of a list or map.
type IndexExpr struct {
	Base  Expr
	Index Expr
}

// UnaryExpr applies a single argument instruction (not, len, count, isEmpty).
type UnaryExpr struct {
	Op  string
	Arg Expr
}

// BinaryExpr applies a two argument instruction (comparisons and string
// predicates).
type BinaryExpr struct {
	Op          string
	Left, Right Expr
}

// LogicalExpr joins two or more operands with and / or.
type LogicalExpr struct {
	Op   string
	Args []Expr
}

// UnsupportedExpr represents an expression type that is not yet supported.
type UnsupportedExpr struct {
	Instruction string
	Argument    string
}

func (*RefExpr) expr()         {}
func (*LiteralExpr) expr()     {}
func (*GetMemberExpr) expr()   {}
func (*IndexExpr) expr()       {}
func (*UnaryExpr) expr()       {}
func (*BinaryExpr) expr()      {}
func (*LogicalExpr) expr()     {}
func (*UnsupportedExpr) expr() {}

// ParseError represents an error that occurred during DSL parsing.
type ParseError struct {
	Message string
	Cause   error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("parse error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("parse error: %s", e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

var (
	unaryOps = map[string]struct{}{
		"not": {}, "len": {}, "count": {}, "isEmpty": {},
	}
	binaryOps = map[string]string{
		"eq": "==", "ne": "!=", "gt": ">", "ge": ">=", "lt": "<", "le": "<=",
		"contains": "contains", "startsWith": "startsWith", "endsWith": "endsWith",
	}
	logicalOps = map[string]string{
		"and": "&&", "or": "||",
	}
)

// Parse parses a DSL JSON expression into a strongly-typed AST node.
func Parse(dslJSON []byte) (Expr, error) {
	if len(dslJSON) == 0 {
		return nil, &ParseError{Message: "empty DSL expression"}
	}
	value, kind, _, err := jsonparser.Get(dslJSON)
	if err != nil {
		return nil, &ParseError{Message: "malformed DSL", Cause: err}
	}
	return parseValue(value, kind)
}

func parseValue(value []byte, kind jsonparser.ValueType) (Expr, error) {
	switch kind {
	case jsonparser.String:
		s, err := jsonparser.ParseString(value)
		if err != nil {
			return nil, &ParseError{Message: "bad string literal", Cause: err}
		}
		return &LiteralExpr{Value: s}, nil
	case jsonparser.Number:
		return &LiteralExpr{Value: Number(value)}, nil
	case jsonparser.Boolean:
		b, err := jsonparser.ParseBoolean(value)
		if err != nil {
			return nil, &ParseError{Message: "bad boolean literal", Cause: err}
		}
		return &LiteralExpr{Value: b}, nil
	case jsonparser.Null:
		return &LiteralExpr{}, nil
	case jsonparser.Object:
		return parseInstruction(value)
	default:
		return nil, &ParseError{Message: fmt.Sprintf("malformed DSL: unexpected %s", kind)}
	}
}

func parseInstruction(obj []byte) (Expr, error) {
	var (
		instruction string
		arg         []byte
		argKind     jsonparser.ValueType
		keys        int
	)
	err := jsonparser.ObjectEach(obj, func(key, value []byte, kind jsonparser.ValueType, _ int) error {
		keys++
		instruction, arg, argKind = string(key), value, kind
		return nil
	})
	if err != nil {
		return nil, &ParseError{Message: "malformed DSL", Cause: err}
	}
	if keys != 1 {
		return nil, &ParseError{Message: fmt.Sprintf("malformed DSL: expected one instruction, got %d", keys)}
	}

	if instruction == "ref" {
		if argKind != jsonparser.String {
			return nil, &ParseError{Message: fmt.Sprintf("malformed ref: got %s, expected string", argKind)}
		}
		if len(arg) == 0 {
			return nil, &ParseError{Message: "ref value cannot be empty"}
		}
		ref, err := jsonparser.ParseString(arg)
		if err != nil {
			return nil, &ParseError{Message: "malformed ref", Cause: err}
		}
		return &RefExpr{Ref: ref}, nil
	}

	_, unary := unaryOps[instruction]
	_, binary := binaryOps[instruction]
	_, logical := logicalOps[instruction]
	isMember := instruction == "getmember"
	isIndex := instruction == "index"
	if !unary && !binary && !logical && !isMember && !isIndex {
		return &UnsupportedExpr{Instruction: instruction, Argument: string(arg)}, nil
	}

	if unary {
		if argKind == jsonparser.Array {
			args, err := parseArgs(arg)
			if err != nil {
				return nil, err
			}
			if len(args) != 1 {
				return nil, &ParseError{Message: fmt.Sprintf("%s takes one argument, got %d", instruction, len(args))}
			}
			return &UnaryExpr{Op: instruction, Arg: args[0]}, nil
		}
		sub, err := parseValue(arg, argKind)
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: instruction, Arg: sub}, nil
	}

	if argKind != jsonparser.Array {
		return nil, &ParseError{Message: fmt.Sprintf("%s expects an argument list, got %s", instruction, argKind)}
	}
	args, err := parseArgs(arg)
	if err != nil {
		return nil, err
	}
	switch {
	case logical:
		if len(args) < 2 {
			return nil, &ParseError{Message: fmt.Sprintf("%s takes at least two arguments, got %d", instruction, len(args))}
		}
		return &LogicalExpr{Op: instruction, Args: args}, nil
	case len(args) != 2:
		return nil, &ParseError{Message: fmt.Sprintf("%s takes two arguments, got %d", instruction, len(args))}
	case isMember:
		lit, ok := args[1].(*LiteralExpr)
		member, isString := "", false
		if ok {
			member, isString = lit.Value.(string)
		}
		if !isString || member == "" {
			return nil, &ParseError{Message: "getmember expects a field name"}
		}
		return &GetMemberExpr{Base: args[0], Member: member}, nil
	case isIndex:
		return &IndexExpr{Base: args[0], Index: args[1]}, nil
	default:
		return &BinaryExpr{Op: instruction, Left: args[0], Right: args[1]}, nil
	}
}

func parseArgs(list []byte) ([]Expr, error) {
	var (
		args     []Expr
		firstErr error
	)
	_, err := jsonparser.ArrayEach(list, func(value []byte, kind jsonparser.ValueType, _ int, err error) {
		if firstErr != nil {
			return
		}
		if err != nil {
			firstErr = err
			return
		}
		e, err := parseValue(value, kind)
		if err != nil {
			firstErr = err
			return
		}
		args = append(args, e)
	})
	if err != nil {
		return nil, &ParseError{Message: "malformed argument list", Cause: err}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return args, nil
}

// IsSupported returns true if the expression uses only supported DSL features.
func IsSupported(expr Expr) bool {
	switch e := expr.(type) {
	case *RefExpr, *LiteralExpr:
		return true
	case *GetMemberExpr:
		return IsSupported(e.Base)
	case *IndexExpr:
		return IsSupported(e.Base) && IsSupported(e.Index)
	case *UnaryExpr:
		return IsSupported(e.Arg)
	case *BinaryExpr:
		return IsSupported(e.Left) && IsSupported(e.Right)
	case *LogicalExpr:
		for _, a := range e.Args {
			if !IsSupported(a) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// CollectVariableReferences extracts all variable names referenced in an
// expression, sorted and without duplicates.
func CollectVariableReferences(expr Expr) []string {
	seen := make(map[string]struct{})
	collectRefs(expr, seen)
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func collectRefs(expr Expr, seen map[string]struct{}) {
	switch e := expr.(type) {
	case *RefExpr:
		seen[e.Ref] = struct{}{}
	case *GetMemberExpr:
		collectRefs(e.Base, seen)
	case *IndexExpr:
		collectRefs(e.Base, seen)
		collectRefs(e.Index, seen)
	case *UnaryExpr:
		collectRefs(e.Arg, seen)
	case *BinaryExpr:
		collectRefs(e.Left, seen)
		collectRefs(e.Right, seen)
	case *LogicalExpr:
		for _, a := range e.Args {
			collectRefs(a, seen)
		}
	}
}
