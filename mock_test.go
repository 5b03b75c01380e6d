package warden_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/ezachrisen/warden"
)

// -------------------------------------------------- MOCK COMPILER
// mockCompiler is used for testing.
// It understands a handful of checks and operations, enough to drive
// the engine without a real expression language:
//
//	checks:  "" | true | false | bad | panic | <field> == <value> | has <field>
//	ops:     set{field, value} | fail{} | trace{} | panic{} | badop{}
//
// The trace op appends its "name" argument to the event's "trace" array,
// recording the order in which stages applied their transforms.
type mockCompiler struct {
	conditions atomic.Int64 // number of checks compiled
	transforms atomic.Int64 // number of operations compiled
}

func newMockCompiler() *mockCompiler {
	return &mockCompiler{}
}

func (m *mockCompiler) CompileCondition(expr string) (warden.Predicate, error) {
	m.conditions.Add(1)
	expr = strings.TrimSpace(expr)
	switch {
	case expr == "true":
		return warden.Always, nil
	case expr == "false":
		return warden.PredicateFunc(func(context.Context, *warden.Event) bool { return false }), nil
	case expr == "bad":
		return nil, fmt.Errorf("%w: cannot parse %q", warden.ErrParse, expr)
	case expr == "panic":
		return warden.PredicateFunc(func(context.Context, *warden.Event) bool { panic("check exploded") }), nil
	case strings.HasPrefix(expr, "has "):
		field := strings.TrimPrefix(expr, "has ")
		return warden.PredicateFunc(func(_ context.Context, e *warden.Event) bool { return e.Has(field) }), nil
	case strings.Contains(expr, "=="):
		parts := strings.SplitN(expr, "==", 2)
		field, want := strings.TrimSpace(parts[0]), strings.Trim(strings.TrimSpace(parts[1]), `"`)
		return warden.PredicateFunc(func(_ context.Context, e *warden.Event) bool {
			v, ok := e.Get(field)
			return ok && fmt.Sprint(v) == want
		}), nil
	}
	return nil, fmt.Errorf("%w: unknown check %q", warden.ErrParse, expr)
}

var errMockFail = errors.New("mock failure")

func (m *mockCompiler) CompileTransform(op warden.Operation) (warden.Transform, error) {
	m.transforms.Add(1)
	switch op.Name {
	case "set":
		field, _ := op.Args["field"].(string)
		v := op.Args["value"]
		return warden.TransformFunc(func(_ context.Context, e *warden.Event) error {
			return e.Set(field, v)
		}), nil
	case "fail":
		return warden.TransformFunc(func(context.Context, *warden.Event) error { return errMockFail }), nil
	case "trace":
		name, _ := op.Args["name"].(string)
		return warden.TransformFunc(func(_ context.Context, e *warden.Event) error {
			cur, _ := e.Get("trace")
			l, _ := cur.([]any)
			return e.Set("trace", append(l, name))
		}), nil
	case "panic":
		return warden.TransformFunc(func(context.Context, *warden.Event) error { panic("transform exploded") }), nil
	}
	return nil, fmt.Errorf("%w: unknown operation %q", warden.ErrParse, op.Name)
}

// -------------------------------------------------- HELPERS

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// def returns a definition with a trace op recording its name.
func def(name, check string, parents ...string) *warden.Definition {
	return &warden.Definition{
		Name:      name,
		Check:     check,
		Parents:   parents,
		Normalize: []warden.Operation{traceOp(name)},
	}
}

func traceOp(name string) warden.Operation {
	return warden.Operation{Name: "trace", Args: map[string]any{"name": name}}
}

func setOp(field string, v any) warden.Operation {
	return warden.Operation{Name: "set", Args: map[string]any{"field": field, "value": v}}
}

func failOp() warden.Operation {
	return warden.Operation{Name: "fail", Args: map[string]any{}}
}

// trace returns the names recorded by trace ops, in order.
func trace(e *warden.Event) []string {
	v, _ := e.Get("trace")
	l, _ := v.([]any)
	out := make([]string, len(l))
	for i, x := range l {
		out[i] = fmt.Sprint(x)
	}
	return out
}

// build compiles the definitions in the given order with the mock compiler.
func build(defs ...*warden.Definition) (*warden.Environment, error) {
	m := newMockCompiler()
	b := warden.NewBuilder(m, m, warden.WithLogger(quietLogger()))
	return b.Build("test", defs)
}
