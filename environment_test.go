package warden_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/ezachrisen/warden"
	"github.com/ezachrisen/warden/cel"
	"github.com/ezachrisen/warden/store"
	"github.com/ezachrisen/warden/transform"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/matryer/is"
)

func mustBuild(t *testing.T, defs ...*warden.Definition) *warden.Environment {
	t.Helper()
	env, err := build(defs...)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func outcomes(r *warden.Result) map[string]warden.Outcome {
	m := map[string]warden.Outcome{}
	for _, s := range r.Stages {
		m[s.Asset] = s.Outcome
	}
	return m
}

// loginEnvironment is the login decoder example, compiled with the CEL
// and transform compilers.
func loginEnvironment(t *testing.T) (*warden.Engine, *store.Memory) {
	t.Helper()
	s := store.NewMemory()
	s.PutAsset(
		&warden.Definition{
			Name:  "login-decoder",
			Kind:  warden.KindDecoder,
			Check: `event.raw.matches("LOGIN")`,
		},
		&warden.Definition{
			Name:    "failed-login-rule",
			Kind:    warden.KindRule,
			Parents: []string{"login-decoder"},
			Check:   `event.status == "fail"`,
			Normalize: []warden.Operation{
				{Name: "set", Args: map[string]any{"field": "alert.level", "value": int64(5)}},
			},
		},
	)
	s.AddEnvironment("login", "login-decoder", "failed-login-rule")

	cc, err := cel.NewCompiler()
	if err != nil {
		t.Fatal(err)
	}
	return warden.NewEngine(s, cc, transform.NewCompiler(), warden.WithLogger(quietLogger())), s
}

func TestIngest_LoginExample(t *testing.T) {
	is := is.New(t)
	engine, _ := loginEnvironment(t)
	env, err := engine.BuildEnvironment(context.Background(), "login")
	is.NoErr(err)

	e := warden.EventFromMap(map[string]any{"raw": "LOGIN", "status": "fail"})
	r := env.Ingest(context.Background(), e)
	is.Equal(r.Outcome, warden.Matched)
	is.Equal(outcomes(r), map[string]warden.Outcome{
		"login-decoder":     warden.Matched,
		"failed-login-rule": warden.Matched,
	})
	is.Equal(r.Environment, "login")
	is.Equal(r.Version, env.Version)
	level, ok := e.Get("alert.level")
	is.True(ok)
	is.Equal(level, int64(5))

	logout := warden.EventFromMap(map[string]any{"raw": "LOGOUT"})
	r = env.Ingest(context.Background(), logout)
	is.Equal(r.Outcome, warden.NotMatched)
	is.Equal(outcomes(r), map[string]warden.Outcome{"login-decoder": warden.NotMatched})
	is.Equal(logout.Map(), map[string]any{"raw": "LOGOUT"}) // unmodified
}

func TestIngest_RootsAreExclusive(t *testing.T) {
	is := is.New(t)
	env := mustBuild(t,
		def("decoder/a/0", "false"),
		def("decoder/b/0", "true"),
		def("decoder/c/0", "true"),
	)
	e := warden.NewEvent()
	r := env.Ingest(context.Background(), e)

	is.Equal(r.Outcome, warden.Matched)
	is.Equal(trace(e), []string{"decoder/b/0"})
	is.Equal(r.Evaluated(), 2) // c never evaluated
	_, ok := r.Stage("decoder/c/0")
	is.True(!ok)
}

// A root whose transforms fail has not matched; the next root is tried.
func TestIngest_FailedRootTriesNextRoot(t *testing.T) {
	is := is.New(t)
	a := def("decoder/a/0", "true")
	a.Normalize = []warden.Operation{failOp()}
	env := mustBuild(t,
		a,
		def("decoder/b/0", "true"),
		def("rule/b/0", "true", "decoder/b/0"),
		def("decoder/c/0", "true"),
	)

	e := warden.NewEvent()
	r := env.Ingest(context.Background(), e)
	is.Equal(trace(e), []string{"decoder/b/0", "rule/b/0"})
	is.Equal(outcomes(r), map[string]warden.Outcome{
		"decoder/a/0": warden.Failed,
		"decoder/b/0": warden.Matched,
		"rule/b/0":    warden.Matched,
	}) // decoder/c/0 is never evaluated
	is.Equal(r.Outcome, warden.Failed)
	is.Equal(len(r.Failures()), 1)
	is.Equal(r.Failures()[0].Asset, "decoder/a/0")
}

func TestIngest_DepthFirstOrder(t *testing.T) {
	is := is.New(t)
	env := mustBuild(t,
		def("decoder/a/0", "true"),
		def("rule/r1/0", "true", "decoder/a/0"),
		def("rule/r2/0", "true", "decoder/a/0"),
		def("rule/r1-child/0", "true", "rule/r1/0"),
		def("output/o/0", "true", "rule/r2/0"),
	)
	e := warden.NewEvent()
	r := env.Ingest(context.Background(), e)

	want := []string{"decoder/a/0", "rule/r1/0", "rule/r1-child/0", "rule/r2/0", "output/o/0"}
	is.Equal(trace(e), want)
	for i, s := range r.Stages {
		is.Equal(s.Asset, want[i])
	}
	st, _ := r.Stage("rule/r1-child/0")
	is.Equal(st.Depth, 2)
	is.Equal(r.Matched(), want)
}

func TestIngest_SiblingsIndependent(t *testing.T) {
	is := is.New(t)
	env := mustBuild(t,
		def("decoder/a/0", "true"),
		def("rule/r1/0", "true", "decoder/a/0"),
		def("rule/r2/0", "false", "decoder/a/0"),
		def("rule/r3/0", "true", "decoder/a/0"),
	)
	e := warden.NewEvent()
	r := env.Ingest(context.Background(), e)
	is.Equal(trace(e), []string{"decoder/a/0", "rule/r1/0", "rule/r3/0"})
	is.Equal(outcomes(r)["rule/r2/0"], warden.NotMatched)
}

func TestIngest_Stop(t *testing.T) {
	is := is.New(t)
	r1 := def("rule/r1/0", "false", "decoder/a/0")
	r1.Stop = true // not matching, so no effect
	r2 := def("rule/r2/0", "true", "decoder/a/0")
	r2.Stop = true
	env := mustBuild(t,
		def("decoder/a/0", "true"),
		r1,
		r2,
		def("rule/r3/0", "true", "decoder/a/0"),
		def("rule/r2-child/0", "true", "rule/r2/0"),
	)
	e := warden.NewEvent()
	r := env.Ingest(context.Background(), e)

	is.Equal(trace(e), []string{"decoder/a/0", "rule/r2/0", "rule/r2-child/0"})
	is.Equal(outcomes(r)["rule/r2/0"], warden.MatchedStop)
	_, ok := r.Stage("rule/r3/0")
	is.True(!ok)
	is.Equal(r.Outcome, warden.Matched)
}

func TestIngest_FailureIsBranchLocal(t *testing.T) {
	is := is.New(t)
	bad := def("rule/bad/0", "true", "decoder/a/0")
	bad.Normalize = []warden.Operation{setOp("before", "yes"), failOp(), setOp("after", "yes")}
	env := mustBuild(t,
		def("decoder/a/0", "true"),
		bad,
		def("rule/bad-child/0", "true", "rule/bad/0"),
		def("rule/good/0", "true", "decoder/a/0"),
	)
	e := warden.NewEvent()
	r := env.Ingest(context.Background(), e)

	is.Equal(r.Outcome, warden.Failed)
	is.Equal(trace(e), []string{"decoder/a/0", "rule/good/0"})
	is.Equal(outcomes(r)["rule/good/0"], warden.Matched)
	_, ok := r.Stage("rule/bad-child/0")
	is.True(!ok)

	// changes made before the failure are kept
	is.True(e.Has("before"))
	is.True(!e.Has("after"))

	f := r.Failures()
	is.Equal(len(f), 1)
	is.Equal(f[0].Asset, "rule/bad/0")
	is.True(errors.Is(f[0].Err, warden.ErrTransform))
	is.True(errors.Is(f[0].Err, errMockFail))

	var te *warden.TransformError
	is.True(errors.As(f[0].Err, &te))
	is.Equal(te.Op, "fail")
	is.Equal(te.Index, 1)
}

func TestIngest_MultiParentOnce(t *testing.T) {
	is := is.New(t)
	env := mustBuild(t,
		def("decoder/a/0", "true"),
		def("rule/r1/0", "true", "decoder/a/0"),
		def("rule/r2/0", "true", "decoder/a/0"),
		def("filter/f/0", "true", "rule/r1/0", "rule/r2/0"),
	)
	e := warden.NewEvent()
	r := env.Ingest(context.Background(), e)
	is.Equal(trace(e), []string{"decoder/a/0", "rule/r1/0", "filter/f/0", "rule/r2/0"})
	is.Equal(r.Evaluated(), 4)

	// a parent that does not match does not reach the child
	env = mustBuild(t,
		def("decoder/a/0", "true"),
		def("rule/r1/0", "false", "decoder/a/0"),
		def("rule/r2/0", "true", "decoder/a/0"),
		def("filter/f/0", "true", "rule/r1/0", "rule/r2/0"),
	)
	e = warden.NewEvent()
	env.Ingest(context.Background(), e)
	is.Equal(trace(e), []string{"decoder/a/0", "rule/r2/0", "filter/f/0"})
}

func TestIngest_ChecksSeeEarlierChanges(t *testing.T) {
	is := is.New(t)
	a := def("decoder/a/0", "true")
	a.Normalize = append(a.Normalize, setOp("status", "fail"))
	env := mustBuild(t,
		a,
		def("rule/r/0", "status == fail", "decoder/a/0"),
	)
	r := env.Ingest(context.Background(), warden.NewEvent())
	is.Equal(outcomes(r)["rule/r/0"], warden.Matched)
}

func TestIngest_Panics(t *testing.T) {
	is := is.New(t)
	p := def("rule/p/0", "true", "decoder/a/0")
	p.Normalize = []warden.Operation{{Name: "panic"}}
	env := mustBuild(t,
		def("decoder/a/0", "true"),
		def("rule/check-panics/0", "panic", "decoder/a/0"),
		p,
		def("rule/ok/0", "true", "decoder/a/0"),
	)
	e := warden.NewEvent()
	r := env.Ingest(context.Background(), e)
	is.Equal(outcomes(r)["rule/check-panics/0"], warden.NotMatched)
	is.Equal(outcomes(r)["rule/p/0"], warden.Failed)
	is.Equal(outcomes(r)["rule/ok/0"], warden.Matched)
	is.Equal(r.Outcome, warden.Failed)
}

func TestIngest_Empty(t *testing.T) {
	is := is.New(t)
	env := mustBuild(t)
	r := env.Ingest(context.Background(), warden.EventFromMap(map[string]any{"a": 1}))
	is.Equal(r.Outcome, warden.NotMatched)
	is.Equal(r.Evaluated(), 0)

	var none *warden.Environment
	is.Equal(none.Ingest(context.Background(), warden.NewEvent()).Outcome, warden.NotMatched)
}

func TestIngest_NoTransforms(t *testing.T) {
	is := is.New(t)
	env := mustBuild(t, &warden.Definition{Name: "decoder/a/0", Check: "true"})
	r := env.Ingest(context.Background(), warden.NewEvent())
	is.Equal(r.Outcome, warden.Matched)
}

func TestResult_String(t *testing.T) {
	is := is.New(t)
	bad := def("rule/bad/0", "true", "decoder/a/0")
	bad.Normalize = []warden.Operation{failOp()}
	env := mustBuild(t, def("decoder/a/0", "true"), bad)

	s := env.Ingest(context.Background(), warden.NewEvent()).String()
	is.True(strings.Contains(s, "rule/bad/0"))
	is.True(strings.Contains(s, "failed"))
	is.True(strings.Contains(s, errMockFail.Error()))
}

// The same event pushed through two builds of the same definitions, from
// many goroutines at once, always produces the same result and event.
func TestIngest_Deterministic(t *testing.T) {
	engine, _ := loginEnvironment(t)
	env1, err := engine.BuildEnvironment(context.Background(), "login")
	if err != nil {
		t.Fatal(err)
	}
	env2, err := engine.BuildEnvironment(context.Background(), "login")
	if err != nil {
		t.Fatal(err)
	}

	input := warden.EventFromMap(map[string]any{"raw": "LOGIN ok", "status": "fail", "user": "bob"})
	wantEvent := input.Clone()
	want := env1.Ingest(context.Background(), wantEvent)

	ignore := cmpopts.IgnoreFields(warden.Result{}, "Version")

	var wg sync.WaitGroup
	errs := make(chan string, 100)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env := env1
			if i%2 == 1 {
				env = env2
			}
			e := input.Clone()
			got := env.Ingest(context.Background(), e)
			if diff := cmp.Diff(want, got, ignore); diff != "" {
				errs <- fmt.Sprintf("result (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(wantEvent.Map(), e.Map()); diff != "" {
				errs <- fmt.Sprintf("event (-want +got):\n%s", diff)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}

func TestBuildEnvironment_Idempotent(t *testing.T) {
	is := is.New(t)
	engine, _ := loginEnvironment(t)
	env1, err := engine.BuildEnvironment(context.Background(), "login")
	is.NoErr(err)
	env2, err := engine.BuildEnvironment(context.Background(), "login")
	is.NoErr(err)

	is.Equal(env1.Names(), env2.Names())
	is.Equal(env1.Roots(), env2.Roots())
	for _, n := range env1.Names() {
		is.Equal(env1.Children(n), env2.Children(n))
	}
}

func TestBuildEnvironment_Errors(t *testing.T) {
	is := is.New(t)
	engine, s := loginEnvironment(t)

	_, err := engine.BuildEnvironment(context.Background(), "staging")
	is.True(errors.Is(err, warden.ErrNotFound))

	s.PutAsset(&warden.Definition{Name: "login-decoder", Kind: warden.KindDecoder, Check: `event.raw +`})
	_, err = engine.BuildEnvironment(context.Background(), "login")
	is.True(errors.Is(err, warden.ErrCompile))
	is.True(errors.Is(err, warden.ErrParse))
}
