package warden

import (
	"context"
	"log/slog"
	"time"
)

// Engine builds environments from a Store: it resolves the environment's
// definitions and compiles them into an Environment.
type Engine struct {
	resolver *Resolver
	builder  *Builder
	logger   *slog.Logger
}

// NewEngine returns an Engine that reads definitions from store and
// compiles them with the condition and transform compilers.
func NewEngine(store Store, conditions ConditionCompiler, transforms TransformCompiler, opts ...Option) *Engine {
	o := applyOptions(opts...)
	return &Engine{
		resolver: NewResolver(store, opts...),
		builder:  NewBuilder(conditions, transforms, opts...),
		logger:   o.Logger,
	}
}

// BuildEnvironment resolves and compiles the named environment.
// It fails with ErrNotFound, ErrCycleDetected, ErrInvalidAsset or
// ErrCompile; on failure no Environment is returned.
func (e *Engine) BuildEnvironment(ctx context.Context, name string) (*Environment, error) {
	e.logger.Info("building environment", "environment", name)
	start := time.Now()
	env, err := e.build(ctx, name, start)
	e.builder.metrics.observeBuild(time.Since(start), err)
	return env, err
}

func (e *Engine) build(ctx context.Context, name string, start time.Time) (*Environment, error) {
	defs, err := e.resolver.Resolve(ctx, name)
	if err != nil {
		e.logger.Warn("environment resolution failed", "environment", name, "error", err)
		return nil, err
	}
	return e.builder.buildSince(name, defs, start)
}
