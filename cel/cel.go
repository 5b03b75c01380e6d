package cel

import (
	"context"
	"fmt"
	"strings"

	"github.com/ezachrisen/warden"
	celgo "github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
)

// EventVar is the name under which the event is available in expressions.
const EventVar = "event"

// Compiler compiles asset checks written in CEL. A Compiler and the
// predicates it returns are safe for concurrent use.
type Compiler struct {
	env *celgo.Env
}

// NewCompiler returns a Compiler. The event is declared as a map from
// string to dyn, so every field access is checked at evaluation time.
// The CEL string extension library is always available; additional
// environment options (functions, macros) can be passed in opts.
func NewCompiler(opts ...celgo.EnvOption) (*Compiler, error) {
	base := []celgo.EnvOption{
		celgo.Variable(EventVar, celgo.MapType(celgo.StringType, celgo.DynType)),
		ext.Strings(),
		celgo.CrossTypeNumericComparisons(true),
	}
	env, err := celgo.NewEnv(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}
	return &Compiler{env: env}, nil
}

// CompileCondition parses and type-checks the expression, which must produce
// a bool. An empty expression always matches.
func (c *Compiler) CompileCondition(expr string) (warden.Predicate, error) {
	if strings.TrimSpace(expr) == "" {
		return warden.Always, nil
	}

	ast, iss := c.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %v", warden.ErrParse, iss.Err())
	}

	out := ast.OutputType()
	if !out.IsExactType(celgo.BoolType) && !out.IsExactType(celgo.DynType) {
		return nil, fmt.Errorf("%w: expression produces %s, wanted bool", warden.ErrParse, out)
	}

	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: generating program: %v", warden.ErrParse, err)
	}
	return &predicate{expr: expr, prg: prg}, nil
}

type predicate struct {
	expr string
	prg  celgo.Program
}

// Match evaluates the program against the event. Evaluation errors, such as
// a reference to a missing field, and non-bool results do not match.
func (p *predicate) Match(ctx context.Context, e *warden.Event) bool {
	val, _, err := p.prg.ContextEval(ctx, map[string]any{EventVar: e.Map()})
	if err != nil {
		return false
	}
	b, ok := val.Value().(bool)
	return ok && b
}

func (p *predicate) String() string {
	return p.expr
}
