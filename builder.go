package warden

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Builder compiles an ordered list of definitions into an Environment.
// A Builder holds no per-build state and may be reused.
type Builder struct {
	conditions ConditionCompiler
	transforms TransformCompiler
	logger     *slog.Logger
	metrics    *Metrics
}

// NewBuilder returns a Builder using the compilers for checks and
// transforms.
func NewBuilder(conditions ConditionCompiler, transforms TransformCompiler, opts ...Option) *Builder {
	o := applyOptions(opts...)
	return &Builder{
		conditions: conditions,
		transforms: transforms,
		logger:     o.Logger,
		metrics:    o.Metrics,
	}
}

// Build compiles the definitions, which must be ordered so that every
// definition follows its parents (as returned by Resolver.Resolve).
//
// The first definition that fails to compile aborts the build with a
// *CompileError; no partial Environment is ever returned.
func (b *Builder) Build(name string, defs []*Definition) (*Environment, error) {
	start := time.Now()
	env, err := b.buildSince(name, defs, start)
	b.metrics.observeBuild(time.Since(start), err)
	return env, err
}

// buildSince compiles and logs the outcome. start is when the whole build
// began, which for Engine includes resolution.
func (b *Builder) buildSince(name string, defs []*Definition, start time.Time) (*Environment, error) {
	env, err := b.build(name, defs)
	if err != nil {
		b.logger.Warn("environment build failed",
			"environment", name,
			"error", err)
		return nil, fmt.Errorf("building environment %q: %w", name, err)
	}
	b.logger.Info("environment built",
		"environment", name,
		"version", env.Version,
		"stages", env.Len(),
		"roots", len(env.roots),
		"duration", time.Since(start))
	return env, nil
}

func (b *Builder) build(name string, defs []*Definition) (*Environment, error) {
	env := &Environment{
		Name:    name,
		Version: uuid.NewString(),
		BuiltAt: time.Now().UTC(),
		stages:  make([]*Stage, 0, len(defs)),
		index:   make(map[string]int, len(defs)),
		logger:  b.logger,
		metrics: b.metrics,
	}

	for _, d := range defs {
		if d == nil {
			return nil, &InvalidAssetError{Reason: "nil definition"}
		}
		if _, dup := env.index[d.Name]; dup {
			return nil, &CompileError{Asset: d.Name, Err: ErrDuplicateName}
		}
		if err := d.validate(); err != nil {
			return nil, err
		}

		a, err := b.compile(d)
		if err != nil {
			return nil, err
		}

		s := &Stage{ID: len(env.stages), Asset: a}
		for _, p := range d.Parents {
			pid, ok := env.index[p]
			if !ok {
				return nil, &NotFoundError{Name: p, ReferencedBy: d.Name}
			}
			if slices.Contains(s.parents, pid) {
				continue
			}
			s.parents = append(s.parents, pid)
			parent := env.stages[pid]
			parent.children = append(parent.children, s.ID)
		}

		env.stages = append(env.stages, s)
		env.index[a.Name] = s.ID
		if len(s.parents) == 0 {
			env.roots = append(env.roots, s.ID)
		}
		b.logger.Debug("asset compiled",
			"environment", name,
			"asset", a.Name,
			"kind", a.Kind.String(),
			"parents", len(s.parents),
			"transforms", len(a.Transforms))
	}
	return env, nil
}

// compile turns one definition into an Asset.
func (b *Builder) compile(d *Definition) (*Asset, error) {
	a := &Asset{
		Name:       d.Name,
		Kind:       d.EffectiveKind(),
		Parents:    slices.Clone(d.Parents),
		CheckExpr:  d.Check,
		Check:      Always,
		Operations: slices.Clone(d.Normalize),
		Transforms: make([]Transform, 0, len(d.Normalize)),
		Stop:       d.Stop,
		Metadata:   d.Metadata,
	}

	if strings.TrimSpace(d.Check) != "" {
		p, err := b.conditions.CompileCondition(d.Check)
		if err != nil {
			return nil, &CompileError{Asset: d.Name, Err: err}
		}
		a.Check = p
	}

	for _, op := range d.Normalize {
		t, err := b.transforms.CompileTransform(op)
		if err != nil {
			return nil, &CompileError{Asset: d.Name, Op: op.Name, Err: err}
		}
		a.Transforms = append(a.Transforms, t)
	}
	return a, nil
}
