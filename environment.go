package warden

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// A Stage is the executable form of an Asset inside an Environment.
// Stages refer to each other by their index in the Environment's stage
// table, never by pointer.
type Stage struct {
	ID    int
	Asset *Asset

	parents  []int
	children []int
}

// An Environment is a compiled, immutable processing graph. It is built by
// a Builder and is safe to share between any number of goroutines calling
// Ingest.
type Environment struct {
	Name    string
	Version string
	BuiltAt time.Time

	// stages in compilation order; a stage's parents always precede it.
	stages []*Stage
	index  map[string]int
	roots  []int

	logger  *slog.Logger
	metrics *Metrics
}

// Len is the number of stages.
func (e *Environment) Len() int {
	if e == nil {
		return 0
	}
	return len(e.stages)
}

// Stage returns the stage compiled from the named asset.
func (e *Environment) Stage(name string) (*Stage, bool) {
	if e == nil {
		return nil, false
	}
	i, ok := e.index[name]
	if !ok {
		return nil, false
	}
	return e.stages[i], true
}

// Names returns the asset names in compilation order.
func (e *Environment) Names() []string {
	if e == nil {
		return nil
	}
	n := make([]string, len(e.stages))
	for i, s := range e.stages {
		n[i] = s.Asset.Name
	}
	return n
}

// Roots returns the names of the root stages in evaluation order.
func (e *Environment) Roots() []string {
	if e == nil {
		return nil
	}
	return e.names(e.roots)
}

// Children returns the names of the named stage's children in evaluation
// order.
func (e *Environment) Children(name string) []string {
	s, ok := e.Stage(name)
	if !ok {
		return nil
	}
	return e.names(s.children)
}

// Parents returns the names of the named stage's parents.
func (e *Environment) Parents(name string) []string {
	s, ok := e.Stage(name)
	if !ok {
		return nil
	}
	return e.names(s.parents)
}

func (e *Environment) names(ids []int) []string {
	n := make([]string, len(ids))
	for i, id := range ids {
		n[i] = e.stages[id].Asset.Name
	}
	return n
}

// Ingest pushes the event through the graph and returns the outcome.
//
// Root stages are evaluated in order until one of them matches; the roots
// are mutually exclusive classifiers. A root whose transforms fail has not
// matched, so the next root still gets the event. Below the roots, every child of a
// matching stage is evaluated, depth first, in manifest order, unless a
// matching sibling declared Stop. A failing transform ends its own branch
// only. Changes made to the event by transforms are kept even if a later
// transform fails.
//
// Ingest takes no locks; it only reads the Environment.
func (e *Environment) Ingest(ctx context.Context, ev *Event) *Result {
	if e == nil {
		return &Result{Outcome: NotMatched}
	}
	t := traversal{
		env:     e,
		ctx:     ctx,
		event:   ev,
		visited: make([]bool, len(e.stages)),
		result: &Result{
			Environment: e.Name,
			Version:     e.Version,
			Stages:      make([]StageResult, 0, len(e.roots)),
		},
	}
	for _, id := range e.roots {
		if t.visit(id, 0).IsMatch() {
			break
		}
	}
	t.result.aggregate()
	e.metrics.observeIngest(t.result)
	return t.result
}

// traversal holds the state of one Ingest call.
type traversal struct {
	env     *Environment
	ctx     context.Context
	event   *Event
	visited []bool
	result  *Result
}

func (t *traversal) visit(id int, depth int) Outcome {
	s := t.env.stages[id]
	t.visited[id] = true
	a := s.Asset
	sr := StageResult{Asset: a.Name, Kind: a.Kind, Depth: depth}

	if !t.match(a) {
		sr.Outcome = NotMatched
		t.result.Stages = append(t.result.Stages, sr)
		return NotMatched
	}

	if err := t.apply(a); err != nil {
		sr.Outcome = Failed
		sr.Err = err
		t.result.Stages = append(t.result.Stages, sr)
		t.env.logger.Debug("stage failed",
			"environment", t.env.Name,
			"asset", a.Name,
			"error", err)
		return Failed
	}

	sr.Outcome = Matched
	if a.Stop {
		sr.Outcome = MatchedStop
	}
	t.result.Stages = append(t.result.Stages, sr)

	for _, c := range s.children {
		// A stage with several parents runs once, for the first parent
		// that reaches it.
		if t.visited[c] {
			continue
		}
		if t.visit(c, depth+1) == MatchedStop {
			break
		}
	}
	return sr.Outcome
}

func (t *traversal) match(a *Asset) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			t.env.logger.Warn("check panicked", "asset", a.Name, "panic", r)
			ok = false
		}
	}()
	return a.Check.Match(t.ctx, t.event)
}

func (t *traversal) apply(a *Asset) (err error) {
	i := 0
	defer func() {
		if r := recover(); r != nil {
			err = &TransformError{Asset: a.Name, Op: a.Operations[i].Name, Index: i, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	for ; i < len(a.Transforms); i++ {
		if err := a.Transforms[i].Apply(t.ctx, t.event); err != nil {
			return &TransformError{Asset: a.Name, Op: a.Operations[i].Name, Index: i, Err: err}
		}
	}
	return nil
}

// String returns a table of all stages in compilation order.
func (e *Environment) String() string {
	tw := table.NewWriter()
	tw.SetTitle(fmt.Sprintf("\nENVIRONMENT %s\n%s\n", e.Name, e.Version))
	tw.AppendHeader(table.Row{"\nStage", "\nKind", "\nParents", "\nCheck", "\nTransforms", "Stop"})

	maxWidthOfCheckColumn := 40
	maxCheckLength := 0
	for _, s := range e.stages {
		a := s.Asset
		ops := make([]string, len(a.Operations))
		for i, op := range a.Operations {
			ops[i] = op.Name
		}
		stop := ""
		if a.Stop {
			stop = "yes"
		}
		tw.AppendRow(table.Row{a.Name, a.Kind, strings.Join(a.Parents, "\n"), a.CheckExpr, strings.Join(ops, "\n"), stop})
		if len(a.CheckExpr) > maxCheckLength {
			maxCheckLength = len(a.CheckExpr)
		}
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, WidthMax: maxWidthOfCheckColumn},
	})

	style := table.StyleLight
	style.Format.Header = text.FormatDefault
	// Only add the row separator if the check is wide enough to wrap.
	if maxCheckLength > maxWidthOfCheckColumn {
		style.Options.SeparateRows = true
	}
	tw.SetStyle(style)
	return tw.Render()
}

// Tree returns the graph as a tree of stage names, roots first, children
// in evaluation order. A stage with several parents appears under each.
// Recursion is limited to 20 levels.
//
// Example output:
//
//	syslog
//	├── decoder/sshd/0
//	│   ├── rule/sshd-fail/0
//	│   └── rule/sshd-ok/0
//	└── decoder/cron/0
func (e *Environment) Tree() string {
	var sb strings.Builder
	sb.WriteString(e.Name)
	sb.WriteString("\n")
	e.buildTree(&sb, e.roots, "", 0)
	return sb.String()
}

func (e *Environment) buildTree(sb *strings.Builder, ids []int, prefix string, depth int) {
	if depth >= 20 {
		return
	}
	for i, id := range ids {
		connector, childPrefix := "├── ", "│   "
		if i == len(ids)-1 {
			connector, childPrefix = "└── ", "    "
		}
		s := e.stages[id]
		sb.WriteString(prefix)
		sb.WriteString(connector)
		sb.WriteString(s.Asset.Name)
		sb.WriteString("\n")
		e.buildTree(sb, s.children, prefix+childPrefix, depth+1)
	}
}
