// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package instrumenter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/dyninst-go/pkg/dyninst/condition"
	"github.com/DataDog/dyninst-go/pkg/dyninst/probe"
	"github.com/DataDog/dyninst-go/pkg/dyninst/target"
)

type greeter struct {
	prefix string
	clock  *clock.Mock
}

var (
	greetSite = target.NewMethod("Greet")
	failSite  = target.NewMethod("Fail")
)

func (g *greeter) Greet(ctx context.Context, name string, punct string) (string, error) {
	call := target.Call{
		Context:  ctx,
		Receiver: g,
		Args:     []any{name},
		Named:    []target.Var{{Name: "punct", Value: punct}},
	}
	return target.Invoke(greetSite, call, func() (string, error) {
		if g.clock != nil {
			g.clock.Add(5 * time.Millisecond)
		}
		return g.prefix + name + punct, nil
	})
}

func (g *greeter) Fail() error {
	return target.InvokeVoid(failSite, target.Call{Receiver: g}, func() error {
		return errors.New("nope")
	})
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) onFire(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newRuntime(t *testing.T) *target.Runtime {
	rt := target.NewRuntime()
	rt.Start()
	t.Cleanup(func() {
		rt.Stop()
		greetSite.Reset()
		failSite.Reset()
	})
	return rt
}

func methodProbe(t *testing.T, d probe.Definition) *probe.Probe {
	if d.ID == "" {
		d.ID = "method-probe"
	}
	if d.TypeName == "" {
		d.TypeName, d.MethodName = "app.Greeter", "Greet"
	}
	p, err := probe.New(d)
	require.NoError(t, err)
	return p
}

func lineProbe(t *testing.T, d probe.Definition) *probe.Probe {
	if d.ID == "" {
		d.ID = "line-probe"
	}
	p, err := probe.New(d)
	require.NoError(t, err)
	return p
}

func TestMethodHook(t *testing.T) {
	rt := newRuntime(t)
	mock := clock.NewMock()
	in := New(rt, WithClock(mock))
	p := methodProbe(t, probe.Definition{CaptureSnapshot: true})
	var rec recorder

	err := in.Hook(p, rec.onFire)
	require.ErrorIs(t, err, ErrTargetNotRegistered)
	assert.False(t, p.Installed())

	rt.DefineType("app.Greeter", greetSite, failSite)
	require.NoError(t, in.Hook(p, rec.onFire))
	assert.True(t, greetSite.Intercepted())

	g := &greeter{prefix: "hello ", clock: mock}
	out, err := g.Greet(context.Background(), "x", "!")
	require.NoError(t, err)
	assert.Equal(t, "hello x!", out)
	out, err = g.Greet(context.Background(), "y", "?")
	require.NoError(t, err)
	assert.Equal(t, "hello y?", out)

	// One snapshot per second.
	require.Equal(t, 1, rec.len())
	ev := rec.events[0]
	assert.Same(t, p, ev.Probe)
	assert.Equal(t, []string{"arg1", "punct"}, ev.Arguments.Names())
	assert.Equal(t, "x", *ev.Arguments.Get("arg1").Value)
	assert.Equal(t, "hello x!", ev.Return)
	assert.Equal(t, 5*time.Millisecond, ev.Duration)
	require.NotNil(t, ev.TopFrame)
	assert.Equal(t, "app.Greeter.Greet", ev.TopFrame.Function)
	assert.Contains(t, ev.TopFrame.File, "instrumenter_test.go")
	assert.Contains(t, string(ev.Stack), "goroutine ")

	require.NoError(t, in.Unhook(p))
	assert.False(t, greetSite.Intercepted())
	assert.False(t, p.Installed())
	mock.Add(2 * time.Second)
	_, err = g.Greet(context.Background(), "z", ".")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.len())
	require.NoError(t, in.Unhook(p))
}

func TestMethodHookReportsErrors(t *testing.T) {
	rt := newRuntime(t)
	rt.DefineType("app.Greeter", greetSite, failSite)
	in := New(rt)
	var rec recorder

	p := methodProbe(t, probe.Definition{TypeName: "app.Greeter", MethodName: "Fail"})
	require.NoError(t, in.HookMethod(p, rec.onFire))
	require.EqualError(t, (&greeter{}).Fail(), "nope")
	require.Equal(t, 1, rec.len())
	assert.EqualError(t, rec.events[0].Err, "nope")
	assert.Nil(t, rec.events[0].Arguments)

	missing := methodProbe(t, probe.Definition{ID: "missing", TypeName: "app.Greeter", MethodName: "Wave"})
	err := in.HookMethod(missing, rec.onFire)
	require.ErrorIs(t, err, ErrTargetNotFound)

	require.Error(t, in.HookLine(p, rec.onFire))
}

func TestHookTwiceIsNoop(t *testing.T) {
	rt := newRuntime(t)
	rt.DefineType("app.Greeter", greetSite)
	in := New(rt)
	var rec recorder
	p := methodProbe(t, probe.Definition{})

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = in.Hook(p, rec.onFire)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	_, err := (&greeter{}).Greet(context.Background(), "x", "")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.len())

	require.NoError(t, in.Unhook(p))
	assert.False(t, greetSite.Intercepted())
}

func TestLineHook(t *testing.T) {
	rt := newRuntime(t)
	in := New(rt)
	var rec recorder
	p := lineProbe(t, probe.Definition{File: "models/user.go", Line: 12, CaptureSnapshot: true})

	err := in.Hook(p, rec.onFire)
	require.ErrorIs(t, err, ErrTargetNotRegistered)

	u := rt.LoadUnit("/srv/app/models/user.go", 10, 12)
	require.NoError(t, in.Hook(p, rec.onFire))
	require.NoError(t, in.Hook(p, rec.onFire))
	assert.Equal(t, 1, u.HookCount(12))

	u.Line(10, func() target.Locals { t.Fatal("unprobed line evaluated locals"); return nil })
	u.Line(12, func() target.Locals { return target.Locals{{Name: "id", Value: 7}} })
	require.Equal(t, 1, rec.len())
	ev := rec.events[0]
	assert.Same(t, u, ev.Unit)
	assert.Equal(t, 12, ev.Line)
	v, ok := ev.Locals().Lookup("id")
	assert.True(t, ok)
	assert.Equal(t, 7, v)

	require.NoError(t, in.UnhookLine(p))
	assert.Equal(t, 0, u.HookCount(12))
}

func TestLineHookTerminalErrors(t *testing.T) {
	rt := newRuntime(t)
	in := New(rt)
	var rec recorder

	rt.LoadUnit("/srv/app/models/user.go", 10)
	err := in.HookLine(lineProbe(t, probe.Definition{File: "models/user.go", Line: 11}), rec.onFire)
	require.ErrorIs(t, err, ErrTargetNotFound)

	rt.LoadUnit("/a/x/f.go")
	rt.LoadUnit("/b/x/f.go")
	err = in.HookLine(lineProbe(t, probe.Definition{File: "x/f.go", Line: 1}), rec.onFire)
	require.ErrorIs(t, err, ErrAmbiguousTarget)
	assert.Contains(t, err.Error(), "/a/x/f.go, /b/x/f.go")

	// An exact path is never ambiguous.
	require.NoError(t, in.HookLine(lineProbe(t, probe.Definition{File: "/a/x/f.go", Line: 1}), rec.onFire))
}

func TestUntargetedLineHook(t *testing.T) {
	rt := newRuntime(t)
	in := New(rt, WithUntargetedTracePoints(true))
	var rec recorder

	p := lineProbe(t, probe.Definition{File: "late.go", Line: 4})
	require.NoError(t, in.HookLine(p, rec.onFire))
	assert.True(t, rt.HasUntargetedHook())

	other := lineProbe(t, probe.Definition{ID: "other", File: "later.go", Line: 1})
	require.ErrorIs(t, in.HookLine(other, rec.onFire), ErrTargetNotRegistered)

	u := rt.LoadUnit("/srv/late.go")
	v := rt.LoadUnit("/srv/not-late.go")
	u.Line(3, func() target.Locals { return nil })
	v.Line(4, func() target.Locals { return nil })
	assert.Equal(t, 0, rec.len())
	u.Line(4, func() target.Locals { return nil })
	assert.Equal(t, 1, rec.len())

	require.NoError(t, in.Unhook(p))
	assert.False(t, rt.HasUntargetedHook())
}

func TestCallbackPanics(t *testing.T) {
	rt := newRuntime(t)
	rt.DefineType("app.Greeter", greetSite)
	boom := func(Event) { panic("boom") }

	in := New(rt)
	p := methodProbe(t, probe.Definition{})
	require.NoError(t, in.Hook(p, boom))
	out, err := (&greeter{}).Greet(context.Background(), "x", "")
	require.NoError(t, err)
	assert.Equal(t, "x", out)
	require.NoError(t, in.Unhook(p))

	strict := New(rt, WithPropagateAllExceptions(true))
	p = methodProbe(t, probe.Definition{})
	require.NoError(t, strict.Hook(p, boom))
	assert.PanicsWithValue(t, "boom", func() {
		_, _ = (&greeter{}).Greet(context.Background(), "x", "")
	})
	require.NoError(t, strict.Unhook(p))
}

func TestConditions(t *testing.T) {
	rt := newRuntime(t)
	rt.DefineType("app.Greeter", greetSite)
	eval, err := condition.NewCELEvaluator()
	require.NoError(t, err)
	in := New(rt, WithEvaluator(eval))
	g := &greeter{}

	var rec recorder
	p := methodProbe(t, probe.Definition{
		Condition:     `locals.arg1 == "x" && locals.punct == "!"`,
		RatePerSecond: 1e9,
	})
	require.NoError(t, in.Hook(p, rec.onFire))
	for _, name := range []string{"y", "x", "z", "x"} {
		_, err := g.Greet(context.Background(), name, "!")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, rec.len())
	require.NoError(t, in.Unhook(p))

	var failing recorder
	p = methodProbe(t, probe.Definition{ID: "failing", Condition: `locals.nope == 1`})
	require.NoError(t, in.Hook(p, failing.onFire))
	for i := 0; i < 3; i++ {
		_, err := g.Greet(context.Background(), "x", "!")
		require.NoError(t, err)
	}
	require.Equal(t, 1, failing.len())
	require.Len(t, failing.events[0].EvaluationErrors, 1)
	assert.Contains(t, failing.events[0].EvaluationErrors[0], "condition evaluation failed")
	require.NoError(t, in.Unhook(p))

	noEval := New(rt)
	var none recorder
	p = methodProbe(t, probe.Definition{ID: "no-eval", Condition: `true`})
	require.NoError(t, noEval.Hook(p, none.onFire))
	_, err = g.Greet(context.Background(), "x", "!")
	require.NoError(t, err)
	assert.Equal(t, 0, none.len())
	require.NoError(t, noEval.Unhook(p))
}
