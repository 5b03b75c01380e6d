package warden

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Vault holds the active Environment and replaces it without pausing
// ingestion. An Environment is never modified once published; activating
// a new one only swaps the pointer, and Ingest calls already running keep
// using the Environment they started with.
type Vault struct {
	current atomic.Pointer[Environment]
	engine  *Engine
	sink    Sink
	logger  *slog.Logger
	metrics *Metrics

	// serializes Activate so builds of the same name don't race to publish
	mu sync.Mutex
}

// NewVault returns a Vault with no active environment. Set WithSink to
// forward every ingested event to an output.
func NewVault(engine *Engine, opts ...Option) *Vault {
	o := applyOptions(opts...)
	return &Vault{
		engine:  engine,
		sink:    o.Sink,
		logger:  o.Logger,
		metrics: o.Metrics,
	}
}

// Activate builds the named environment and, if the build succeeds,
// makes it the active environment. On failure the active environment is
// left unchanged.
func (v *Vault) Activate(ctx context.Context, name string) (*Environment, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	env, err := v.engine.BuildEnvironment(ctx, name)
	if err != nil {
		return nil, err
	}
	old := v.publish(env)
	if old != nil {
		v.logger.Info("environment replaced",
			"environment", env.Name,
			"version", env.Version,
			"previous", old.Version)
	} else {
		v.logger.Info("environment activated",
			"environment", env.Name,
			"version", env.Version)
	}
	return env, nil
}

// Reload rebuilds the active environment from the store.
func (v *Vault) Reload(ctx context.Context) (*Environment, error) {
	cur := v.Current()
	if cur == nil {
		return nil, fmt.Errorf("reloading: %w", ErrNoEnvironment)
	}
	return v.Activate(ctx, cur.Name)
}

// Publish makes env the active environment without building it.
// It returns the previously active environment.
func (v *Vault) Publish(env *Environment) *Environment {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.publish(env)
}

func (v *Vault) publish(env *Environment) *Environment {
	old := v.current.Swap(env)
	v.metrics.observeActive(env)
	return old
}

// Current returns the active environment, or nil.
func (v *Vault) Current() *Environment {
	return v.current.Load()
}

// Ingest pushes the event through the active environment and then writes
// it to the sink, whatever the outcome. With no active environment the
// event is forwarded unmodified and the result is NotMatched.
// Sink errors are logged, not returned; they do not change the result.
func (v *Vault) Ingest(ctx context.Context, ev *Event) *Result {
	env := v.current.Load()
	var res *Result
	if env == nil {
		res = &Result{Outcome: NotMatched}
	} else {
		res = env.Ingest(ctx, ev)
	}
	if v.sink != nil {
		if err := v.sink.Write(ctx, ev, res); err != nil {
			v.logger.Warn("writing event to sink",
				"environment", res.Environment,
				"error", err)
		}
	}
	return res
}
