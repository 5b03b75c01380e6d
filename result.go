package warden

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Outcome of evaluating one stage, or of a whole traversal.
type Outcome int

const (
	// NotMatched: the stage's check was false; its subtree was skipped.
	NotMatched Outcome = iota
	// Matched: the check was true, all transforms succeeded and the
	// children were evaluated.
	Matched
	// MatchedStop: as Matched, and the stage's later siblings were skipped.
	MatchedStop
	// Failed: the check was true but a transform failed; the subtree was
	// skipped.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case NotMatched:
		return "not-matched"
	case Matched:
		return "matched"
	case MatchedStop:
		return "matched-stop"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// IsMatch reports whether the check of the stage was true and its
// transforms succeeded.
func (o Outcome) IsMatch() bool {
	return o == Matched || o == MatchedStop
}

// StageResult is the outcome of one stage for one event.
type StageResult struct {
	Asset   string
	Kind    Kind
	Depth   int
	Outcome Outcome
	// Err is a *TransformError when Outcome is Failed.
	Err error
}

// Result of pushing one event through an Environment.
type Result struct {
	// Name and version of the environment that produced the result.
	// Empty when no environment was active.
	Environment string
	Version     string

	// Outcome is Failed if any stage failed, Matched if any stage matched
	// and none failed, NotMatched otherwise.
	Outcome Outcome

	// Stages evaluated, in evaluation order.
	Stages []StageResult
}

func (r *Result) aggregate() {
	r.Outcome = NotMatched
	for _, s := range r.Stages {
		switch {
		case s.Outcome == Failed:
			r.Outcome = Failed
			return
		case s.Outcome.IsMatch():
			r.Outcome = Matched
		}
	}
}

// Stage returns the result of the named stage, if it was evaluated.
func (r *Result) Stage(name string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Asset == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// Matched returns the names of the stages that matched, in evaluation order.
func (r *Result) Matched() []string {
	var names []string
	for _, s := range r.Stages {
		if s.Outcome.IsMatch() {
			names = append(names, s.Asset)
		}
	}
	return names
}

// Failures returns the stages whose transforms failed.
func (r *Result) Failures() []StageResult {
	var f []StageResult
	for _, s := range r.Stages {
		if s.Outcome == Failed {
			f = append(f, s)
		}
	}
	return f
}

// Evaluated is the number of stages whose check was evaluated.
func (r *Result) Evaluated() int {
	return len(r.Stages)
}

// String produces a table of the stages evaluated and their outcomes.
func (r *Result) String() string {
	tw := table.NewWriter()
	tw.SetTitle(fmt.Sprintf("\nRESULT %s (%s)\n", r.Environment, r.Outcome))
	tw.AppendHeader(table.Row{"Stage", "Kind", "Outcome", "Error"})
	for _, s := range r.Stages {
		e := ""
		if s.Err != nil {
			e = s.Err.Error()
		}
		tw.AppendRow(table.Row{
			fmt.Sprintf("%s%s", strings.Repeat("  ", s.Depth), s.Asset),
			s.Kind,
			s.Outcome,
			e,
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, WidthMax: 60},
	})
	style := table.StyleLight
	style.Format.Header = text.FormatDefault
	tw.SetStyle(style)
	return tw.Render()
}
