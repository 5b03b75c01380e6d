package transform

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/ezachrisen/warden"
	"github.com/ezachrisen/warden/kvdb"
	"github.com/ezachrisen/warden/parser"
)

// set: {field, value | expr | ref}
func buildSet(_ *Compiler, a Args) (warden.Transform, error) {
	if err := a.Only("field", "value", "expr", "ref"); err != nil {
		return nil, err
	}
	field, err := a.Require("field")
	if err != nil {
		return nil, err
	}
	src, err := a.OneOf("value", "expr", "ref")
	if err != nil {
		return nil, err
	}

	switch src {
	case "value":
		v, _ := a.Value("value")
		return warden.TransformFunc(func(_ context.Context, e *warden.Event) error {
			return e.Set(field, v)
		}), nil

	case "ref":
		ref, err := a.Require("ref")
		if err != nil {
			return nil, err
		}
		return warden.TransformFunc(func(_ context.Context, e *warden.Event) error {
			v, ok := e.Get(ref)
			if !ok {
				return fmt.Errorf("field %q not found", ref)
			}
			return e.Set(field, v)
		}), nil

	default:
		code, err := a.Require("expr")
		if err != nil {
			return nil, err
		}
		prg, err := expr.Compile(code, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, a.Errorf("compiling expression: %v", err)
		}
		return &exprSet{field: field, code: code, prg: prg}, nil
	}
}

// exprSet evaluates an expr-lang program with the top-level event fields as
// variables and stores the result.
type exprSet struct {
	field string
	code  string
	prg   *vm.Program
}

func (s *exprSet) Apply(_ context.Context, e *warden.Event) error {
	out, err := expr.Run(s.prg, e.Map())
	if err != nil {
		return fmt.Errorf("evaluating %q: %w", s.code, err)
	}
	return e.Set(s.field, out)
}

// delete: {field}
func buildDelete(_ *Compiler, a Args) (warden.Transform, error) {
	if err := a.Only("field"); err != nil {
		return nil, err
	}
	field, err := a.Require("field")
	if err != nil {
		return nil, err
	}
	return warden.TransformFunc(func(_ context.Context, e *warden.Event) error {
		e.Delete(field)
		return nil
	}), nil
}

// rename: {from, to}
func buildRename(_ *Compiler, a Args) (warden.Transform, error) {
	if err := a.Only("from", "to"); err != nil {
		return nil, err
	}
	from, err := a.Require("from")
	if err != nil {
		return nil, err
	}
	to, err := a.Require("to")
	if err != nil {
		return nil, err
	}
	if from == to {
		return nil, a.Errorf("from and to are both %q", from)
	}
	return warden.TransformFunc(func(_ context.Context, e *warden.Event) error {
		v, ok := e.Get(from)
		if !ok {
			return fmt.Errorf("field %q not found", from)
		}
		if err := e.Set(to, v); err != nil {
			return err
		}
		e.Delete(from)
		return nil
	}), nil
}

// append: {field, value}
func buildAppend(_ *Compiler, a Args) (warden.Transform, error) {
	if err := a.Only("field", "value"); err != nil {
		return nil, err
	}
	field, err := a.Require("field")
	if err != nil {
		return nil, err
	}
	v, ok := a.Value("value")
	if !ok {
		return nil, a.Errorf("missing argument %q", "value")
	}
	return warden.TransformFunc(func(_ context.Context, e *warden.Event) error {
		cur, ok := e.Get(field)
		if !ok {
			return e.Set(field, []any{v})
		}
		l, ok := cur.([]any)
		if !ok {
			return fmt.Errorf("field %q is a %T, not an array", field, cur)
		}
		return e.Set(field, append(l, v))
	}), nil
}

// lookupKey describes where a kvdb key comes from: a literal, or the value
// of an event field.
type lookupKey struct {
	literal string
	field   string
}

func keyArg(a Args) (lookupKey, error) {
	which, err := a.OneOf("key", "key_field")
	if err != nil {
		return lookupKey{}, err
	}
	s, err := a.Require(which)
	if err != nil {
		return lookupKey{}, err
	}
	if which == "key" {
		return lookupKey{literal: s}, nil
	}
	return lookupKey{field: s}, nil
}

func (k lookupKey) resolve(e *warden.Event) (string, error) {
	if k.field == "" {
		return k.literal, nil
	}
	v, ok := e.Get(k.field)
	if !ok {
		return "", fmt.Errorf("key field %q not found", k.field)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case int64, float64, bool:
		return fmt.Sprint(x), nil
	}
	return "", fmt.Errorf("key field %q is a %T, not a scalar", k.field, v)
}

// kvdb_get: {field, db, key | key_field}
func buildKVDBGet(c *Compiler, a Args) (warden.Transform, error) {
	if c.kvdb == nil {
		return nil, a.Errorf("no key-value database configured")
	}
	if err := a.Only("field", "db", "key", "key_field"); err != nil {
		return nil, err
	}
	field, err := a.Require("field")
	if err != nil {
		return nil, err
	}
	db, err := a.Require("db")
	if err != nil {
		return nil, err
	}
	key, err := keyArg(a)
	if err != nil {
		return nil, err
	}
	reader := c.kvdb
	return warden.TransformFunc(func(ctx context.Context, e *warden.Event) error {
		k, err := key.resolve(e)
		if err != nil {
			return err
		}
		v, err := reader.Get(ctx, db, k)
		if err != nil {
			return err
		}
		return e.Set(field, v)
	}), nil
}

// ErrNoMatch is returned by kvdb_match and kvdb_not_match when the gate
// does not pass.
var ErrNoMatch = errors.New("no match")

// kvdb_match: {db, key | key_field}
// kvdb_not_match: {db, key | key_field}
func buildKVDBMatch(want bool) BuildFunc {
	return func(c *Compiler, a Args) (warden.Transform, error) {
		if c.kvdb == nil {
			return nil, a.Errorf("no key-value database configured")
		}
		if err := a.Only("db", "key", "key_field"); err != nil {
			return nil, err
		}
		db, err := a.Require("db")
		if err != nil {
			return nil, err
		}
		key, err := keyArg(a)
		if err != nil {
			return nil, err
		}
		reader := c.kvdb
		return warden.TransformFunc(func(ctx context.Context, e *warden.Event) error {
			k, err := key.resolve(e)
			if err != nil {
				return err
			}
			_, err = reader.Get(ctx, db, k)
			found := err == nil
			if err != nil && !errors.Is(err, kvdb.ErrKeyNotFound) {
				return err
			}
			if found != want {
				return fmt.Errorf("%w: key %q in %s", ErrNoMatch, k, db)
			}
			return nil
		}), nil
	}
}

// parse: {source, type, target}
//
// A map result is merged into target, or into the event root when target is
// empty. Any other result replaces target, or source when target is empty.
func buildParse(c *Compiler, a Args) (warden.Transform, error) {
	if err := a.Only("source", "type", "target"); err != nil {
		return nil, err
	}
	source, err := a.Require("source")
	if err != nil {
		return nil, err
	}
	typ, err := a.Require("type")
	if err != nil {
		return nil, err
	}
	target, err := a.Optional("target")
	if err != nil {
		return nil, err
	}
	p, err := c.parsers.Lookup(typ)
	if err != nil {
		return nil, a.Errorf("%v", err)
	}
	return &parse{source: source, target: target, p: p}, nil
}

type parse struct {
	source string
	target string
	p      parser.Parser
}

func (t *parse) Apply(_ context.Context, e *warden.Event) error {
	s, ok := e.GetString(t.source)
	if !ok {
		return fmt.Errorf("field %q is missing or not a string", t.source)
	}
	v, err := t.p.Parse(s)
	if err != nil {
		return err
	}
	m, ok := v.(map[string]any)
	if !ok {
		target := t.target
		if target == "" {
			target = t.source
		}
		return e.Set(target, v)
	}
	// Sorted so that overlapping keys ("src", "src.ip") resolve the same
	// way for every event.
	for _, k := range slices.Sorted(maps.Keys(m)) {
		fv := m[k]
		path := k
		if t.target != "" {
			path = t.target + warden.PathSeparator + k
		}
		if err := e.Set(path, fv); err != nil {
			return err
		}
	}
	return nil
}

// emit: {sink}
func buildEmit(c *Compiler, a Args) (warden.Transform, error) {
	if c.sinks == nil {
		return nil, a.Errorf("no sinks configured")
	}
	if err := a.Only("sink"); err != nil {
		return nil, err
	}
	name, err := a.Require("sink")
	if err != nil {
		return nil, err
	}
	s, err := c.sinks.Lookup(name)
	if err != nil {
		return nil, a.Errorf("%v", err)
	}
	return warden.TransformFunc(func(ctx context.Context, e *warden.Event) error {
		return s.Write(ctx, e.Clone(), nil)
	}), nil
}
