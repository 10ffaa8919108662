// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package exprlang

import (
	"fmt"
	"strconv"
	"strings"
)

// selfRef is the reference naming the receiver of the intercepted method.
const selfRef = "this"

// ToCEL renders expr as a CEL expression over the locals and self maps.
func ToCEL(expr Expr) (string, error) {
	var b strings.Builder
	if err := writeCEL(&b, expr); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Compile parses a DSL JSON expression and renders it as CEL.
func Compile(dslJSON []byte) (string, error) {
	expr, err := Parse(dslJSON)
	if err != nil {
		return "", err
	}
	return ToCEL(expr)
}

func writeCEL(b *strings.Builder, expr Expr) error {
	switch e := expr.(type) {
	case *RefExpr:
		if e.Ref == selfRef {
			b.WriteString("self")
			return nil
		}
		if strings.HasPrefix(e.Ref, "@") {
			return fmt.Errorf("reference %s is not available in conditions", e.Ref)
		}
		b.WriteString("locals[")
		b.WriteString(strconv.Quote(e.Ref))
		b.WriteString("]")
	case *LiteralExpr:
		switch v := e.Value.(type) {
		case nil:
			b.WriteString("null")
		case bool:
			b.WriteString(strconv.FormatBool(v))
		case string:
			b.WriteString(strconv.Quote(v))
		case Number:
			b.WriteString(string(v))
		default:
			return fmt.Errorf("unexpected literal %T", v)
		}
	case *GetMemberExpr:
		if err := writeCEL(b, e.Base); err != nil {
			return err
		}
		b.WriteString("[")
		b.WriteString(strconv.Quote(e.Member))
		b.WriteString("]")
	case *IndexExpr:
		if err := writeCEL(b, e.Base); err != nil {
			return err
		}
		b.WriteString("[")
		if err := writeCEL(b, e.Index); err != nil {
			return err
		}
		b.WriteString("]")
	case *UnaryExpr:
		return writeUnary(b, e)
	case *BinaryExpr:
		op := binaryOps[e.Op]
		b.WriteString("(")
		if err := writeCEL(b, e.Left); err != nil {
			return err
		}
		switch op {
		case "contains", "startsWith", "endsWith":
			b.WriteString(").")
			b.WriteString(op)
			b.WriteString("(")
		default:
			b.WriteString(" ")
			b.WriteString(op)
			b.WriteString(" ")
		}
		if err := writeCEL(b, e.Right); err != nil {
			return err
		}
		b.WriteString(")")
	case *LogicalExpr:
		op := logicalOps[e.Op]
		b.WriteString("(")
		for i, a := range e.Args {
			if i > 0 {
				b.WriteString(" ")
				b.WriteString(op)
				b.WriteString(" ")
			}
			if err := writeCEL(b, a); err != nil {
				return err
			}
		}
		b.WriteString(")")
	case *UnsupportedExpr:
		return fmt.Errorf("unsupported instruction %q", e.Instruction)
	default:
		return fmt.Errorf("unexpected expression %T", expr)
	}
	return nil
}

func writeUnary(b *strings.Builder, e *UnaryExpr) error {
	switch e.Op {
	case "not":
		b.WriteString("!(")
	case "len", "count":
		b.WriteString("size(")
	case "isEmpty":
		b.WriteString("(size(")
	}
	if err := writeCEL(b, e.Arg); err != nil {
		return err
	}
	b.WriteString(")")
	if e.Op == "isEmpty" {
		b.WriteString(" == 0)")
	}
	return nil
}
