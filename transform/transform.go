// Package transform provides a warden.TransformCompiler implementing the
// standard asset operations.
//
// Each operation is written in an asset definition as a single-key object:
//
//	normalize:
//	  - set: {field: alert.level, value: 5}
//	  - set: {field: alert.score, expr: "alert.level * 10"}
//	  - rename: {from: usr, to: user.name}
//	  - kvdb_get: {field: user.info, db: users, key_field: user.id}
//	  - parse: {source: message, type: kv, target: fields}
//	  - emit: {sink: alerts}
//
// Operations that need a collaborator (kvdb_get, kvdb_match, parse, emit)
// are rejected at compile time when the Compiler was created without it.
// Additional operations can be added with Register.
package transform

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ezachrisen/warden"
	"github.com/ezachrisen/warden/kvdb"
	"github.com/ezachrisen/warden/parser"
	"github.com/ezachrisen/warden/sink"
)

// A BuildFunc compiles the arguments of one operation.
type BuildFunc func(c *Compiler, args Args) (warden.Transform, error)

// Compiler compiles operations by name. It is safe for concurrent use once
// configured.
type Compiler struct {
	mu       sync.RWMutex
	builders map[string]BuildFunc

	kvdb    kvdb.Reader
	parsers *parser.Registry
	sinks   *sink.Registry
}

type Option func(c *Compiler)

// WithKVDB sets the database read by kvdb_get and kvdb_match.
func WithKVDB(r kvdb.Reader) Option {
	return func(c *Compiler) {
		c.kvdb = r
	}
}

// WithParsers sets the parsers used by parse.
// Default: parser.NewRegistry()
func WithParsers(r *parser.Registry) Option {
	return func(c *Compiler) {
		c.parsers = r
	}
}

// WithSinks sets the sinks emit can write to.
func WithSinks(r *sink.Registry) Option {
	return func(c *Compiler) {
		c.sinks = r
	}
}

// NewCompiler returns a compiler knowing the standard operations.
func NewCompiler(opts ...Option) *Compiler {
	c := &Compiler{
		builders: map[string]BuildFunc{},
		parsers:  parser.NewRegistry(),
	}
	for _, o := range opts {
		o(c)
	}

	c.Register("set", buildSet)
	c.Register("delete", buildDelete)
	c.Register("rename", buildRename)
	c.Register("append", buildAppend)
	c.Register("kvdb_get", buildKVDBGet)
	c.Register("kvdb_match", buildKVDBMatch(true))
	c.Register("kvdb_not_match", buildKVDBMatch(false))
	c.Register("parse", buildParse)
	c.Register("emit", buildEmit)
	return c
}

// Register adds or replaces an operation.
func (c *Compiler) Register(name string, fn BuildFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.builders[name] = fn
}

// Operations returns the names of the known operations, sorted.
func (c *Compiler) Operations() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.builders))
	for k := range c.builders {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// CompileTransform compiles one operation. Unknown operations and invalid
// arguments are reported with an error wrapping warden.ErrParse.
func (c *Compiler) CompileTransform(op warden.Operation) (warden.Transform, error) {
	c.mu.RLock()
	fn, ok := c.builders[op.Name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown operation %q", warden.ErrParse, op.Name)
	}
	t, err := fn(c, Args{op: op.Name, m: op.Args})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Args gives typed access to the arguments of an operation. Its methods
// report problems with errors wrapping warden.ErrParse.
type Args struct {
	op string
	m  map[string]any
}

// Errorf returns an argument error for the operation.
func (a Args) Errorf(format string, v ...any) error {
	return fmt.Errorf("%w: %s: %s", warden.ErrParse, a.op, fmt.Sprintf(format, v...))
}

// Has reports whether the argument is present.
func (a Args) Has(key string) bool {
	_, ok := a.m[key]
	return ok
}

// Value returns the raw argument.
func (a Args) Value(key string) (any, bool) {
	v, ok := a.m[key]
	return v, ok
}

// Require returns a required, non-empty string argument.
func (a Args) Require(key string) (string, error) {
	v, ok := a.m[key]
	if !ok {
		return "", a.Errorf("missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", a.Errorf("argument %q must be a non-empty string", key)
	}
	return s, nil
}

// Optional returns an optional string argument, or "" when absent.
func (a Args) Optional(key string) (string, error) {
	if !a.Has(key) {
		return "", nil
	}
	return a.Require(key)
}

// Only fails if any argument other than the allowed ones is present.
func (a Args) Only(allowed ...string) error {
	var extra []string
	for k := range a.m {
		found := false
		for _, ok := range allowed {
			if k == ok {
				found = true
				break
			}
		}
		if !found {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return a.Errorf("unexpected arguments %v", extra)
	}
	return nil
}

// OneOf returns the single argument present among keys.
func (a Args) OneOf(keys ...string) (string, error) {
	var found []string
	for _, k := range keys {
		if a.Has(k) {
			found = append(found, k)
		}
	}
	if len(found) != 1 {
		return "", a.Errorf("exactly one of %v is required, got %v", keys, found)
	}
	return found[0], nil
}
