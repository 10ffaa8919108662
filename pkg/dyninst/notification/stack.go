// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package notification

import (
	"bytes"
	"strings"

	"github.com/DataDog/gostackparse"
	"github.com/samber/lo"

	"github.com/DataDog/dyninst-go/pkg/dyninst/uploader"
)

var unknownFrame = uploader.StackFrame{FileName: "unknown", Function: "unknown", LineNumber: 0}

// Frames of the interception machinery itself are not part of the host's
// stack.
var internalPrefixes = []string{
	"github.com/DataDog/dyninst-go/pkg/dyninst/instrumenter.",
	"github.com/DataDog/dyninst-go/pkg/dyninst/target.",
}

// parseStack parses a trace in runtime.Stack format. It returns the frames
// of the first goroutine and its id. Anything the parser rejects becomes an
// unknown frame.
func parseStack(stack []byte) ([]uploader.StackFrame, int) {
	if len(stack) == 0 {
		return nil, 0
	}
	goroutines, errs := gostackparse.Parse(bytes.NewReader(stack))
	var (
		frames []uploader.StackFrame
		goid   int
	)
	if len(goroutines) > 0 {
		g := goroutines[0]
		goid = g.ID
		frames = lo.FilterMap(g.Stack, func(f *gostackparse.Frame, _ int) (uploader.StackFrame, bool) {
			if isInternal(f.Func) {
				return uploader.StackFrame{}, false
			}
			return uploader.StackFrame{FileName: f.File, Function: f.Func, LineNumber: f.Line}, true
		})
	}
	for range errs {
		frames = append(frames, unknownFrame)
	}
	if len(goroutines) == 0 && len(errs) == 0 {
		frames = append(frames, unknownFrame)
	}
	return frames, goid
}

func isInternal(fn string) bool {
	return lo.SomeBy(internalPrefixes, func(prefix string) bool {
		return strings.HasPrefix(fn, prefix)
	})
}
