package warden

import "context"

// Predicate decides whether a stage applies to an event. Match must not
// modify the event and must be safe to call from many goroutines at once.
type Predicate interface {
	Match(ctx context.Context, e *Event) bool
}

// PredicateFunc adapts a function to the Predicate interface.
type PredicateFunc func(ctx context.Context, e *Event) bool

func (f PredicateFunc) Match(ctx context.Context, e *Event) bool { return f(ctx, e) }

// Always is the predicate of an asset without a check.
var Always Predicate = PredicateFunc(func(context.Context, *Event) bool { return true })

// Transform is one operation applied to an event by a matching stage.
// It may modify the event. Apply must be safe to call from many goroutines
// at once, each with its own event.
type Transform interface {
	Apply(ctx context.Context, e *Event) error
}

// TransformFunc adapts a function to the Transform interface.
type TransformFunc func(ctx context.Context, e *Event) error

func (f TransformFunc) Apply(ctx context.Context, e *Event) error { return f(ctx, e) }

// ConditionCompiler turns the check of a definition into a Predicate.
// Source it cannot compile is reported with an error wrapping ErrParse.
type ConditionCompiler interface {
	CompileCondition(expr string) (Predicate, error)
}

// TransformCompiler turns one serialized operation into a Transform.
// Operations it cannot compile are reported with an error wrapping ErrParse.
type TransformCompiler interface {
	CompileTransform(op Operation) (Transform, error)
}

// Store is the configuration store holding environment manifests and
// asset definitions.
type Store interface {
	// ListEnvironmentAssetNames returns the names of the assets belonging
	// to the environment, in manifest order. An unknown environment is
	// reported with an error wrapping ErrNotFound.
	ListEnvironmentAssetNames(ctx context.Context, env string) ([]string, error)

	// GetAssetDefinition returns the named definition. The caller owns the
	// returned value. An unknown asset is reported with an error wrapping
	// ErrNotFound.
	GetAssetDefinition(ctx context.Context, name string) (*Definition, error)
}

// Sink receives every event once its traversal is complete, along with the
// result of the traversal. r may be nil for events written from inside a
// traversal.
type Sink interface {
	Write(ctx context.Context, e *Event, r *Result) error
}
