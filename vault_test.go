package warden_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ezachrisen/warden"
	"github.com/ezachrisen/warden/store"
	"github.com/matryer/is"
)

// recordingSink keeps every event written to it.
type recordingSink struct {
	mu      sync.Mutex
	events  []*warden.Event
	results []*warden.Result
	err     error
}

func (s *recordingSink) Write(_ context.Context, e *warden.Event, r *warden.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	s.results = append(s.results, r)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func setupVault(t *testing.T) (*warden.Vault, *store.Memory, *recordingSink) {
	t.Helper()
	s := store.NewMemory()
	s.PutAsset(
		def("decoder/a/0", "true"),
		def("rule/v1/0", "true", "decoder/a/0"),
	)
	s.AddEnvironment("prod", "decoder/a/0", "rule/v1/0")

	m := newMockCompiler()
	sink := &recordingSink{}
	engine := warden.NewEngine(s, m, m, warden.WithLogger(quietLogger()))
	v := warden.NewVault(engine, warden.WithLogger(quietLogger()), warden.WithSink(sink))
	return v, s, sink
}

func TestVault_Activate(t *testing.T) {
	is := is.New(t)
	v, _, sink := setupVault(t)
	is.True(v.Current() == nil)

	env, err := v.Activate(context.Background(), "prod")
	is.NoErr(err)
	is.Equal(v.Current(), env)

	e := warden.NewEvent()
	r := v.Ingest(context.Background(), e)
	is.Equal(r.Outcome, warden.Matched)
	is.Equal(trace(e), []string{"decoder/a/0", "rule/v1/0"})
	is.Equal(sink.count(), 1)
	is.Equal(sink.results[0], r)
}

func TestVault_NoEnvironment(t *testing.T) {
	is := is.New(t)
	v, _, sink := setupVault(t)

	e := warden.EventFromMap(map[string]any{"raw": "x"})
	r := v.Ingest(context.Background(), e)
	is.Equal(r.Outcome, warden.NotMatched)
	is.Equal(sink.count(), 1) // forwarded anyway
	is.Equal(e.Map(), map[string]any{"raw": "x"})

	_, err := v.Reload(context.Background())
	is.True(errors.Is(err, warden.ErrNoEnvironment))
}

func TestVault_ForwardsEveryOutcome(t *testing.T) {
	is := is.New(t)
	s := store.NewMemory()
	bad := def("rule/bad/0", "true", "decoder/a/0")
	bad.Normalize = []warden.Operation{failOp()}
	s.PutAsset(def("decoder/a/0", "has raw"), bad)
	s.AddEnvironment("prod", "decoder/a/0", "rule/bad/0")

	m := newMockCompiler()
	sink := &recordingSink{err: errors.New("disk full")}
	v := warden.NewVault(warden.NewEngine(s, m, m, warden.WithLogger(quietLogger())),
		warden.WithLogger(quietLogger()), warden.WithSink(sink))
	_, err := v.Activate(context.Background(), "prod")
	is.NoErr(err)

	r1 := v.Ingest(context.Background(), warden.EventFromMap(map[string]any{"raw": "x"}))
	r2 := v.Ingest(context.Background(), warden.NewEvent())
	is.Equal(r1.Outcome, warden.Failed)
	is.Equal(r2.Outcome, warden.NotMatched) // sink errors don't change the result
	is.Equal(sink.count(), 2)
}

func TestVault_FailedActivationKeepsCurrent(t *testing.T) {
	is := is.New(t)
	v, s, _ := setupVault(t)
	old, err := v.Activate(context.Background(), "prod")
	is.NoErr(err)

	s.PutAsset(def("rule/v1/0", "bad", "decoder/a/0"))
	_, err = v.Reload(context.Background())
	is.True(errors.Is(err, warden.ErrCompile))
	is.Equal(v.Current(), old)

	_, err = v.Activate(context.Background(), "missing")
	is.True(errors.Is(err, warden.ErrNotFound))
	is.Equal(v.Current(), old)
}

func TestVault_Reload(t *testing.T) {
	is := is.New(t)
	v, s, _ := setupVault(t)
	old, err := v.Activate(context.Background(), "prod")
	is.NoErr(err)

	s.PutAsset(def("rule/v2/0", "true", "decoder/a/0"))
	s.AddEnvironment("prod", "decoder/a/0", "rule/v2/0")
	env, err := v.Reload(context.Background())
	is.NoErr(err)
	is.True(env.Version != old.Version)

	e := warden.NewEvent()
	v.Ingest(context.Background(), e)
	is.Equal(trace(e), []string{"decoder/a/0", "rule/v2/0"})

	// the old environment is untouched and still usable
	e = warden.NewEvent()
	old.Ingest(context.Background(), e)
	is.Equal(trace(e), []string{"decoder/a/0", "rule/v1/0"})
}

func TestVault_Publish(t *testing.T) {
	is := is.New(t)
	v, _, _ := setupVault(t)
	env := mustBuild(t, def("decoder/x/0", "true"))
	is.True(v.Publish(env) == nil)
	is.Equal(v.Current(), env)
}

// Every event is processed entirely by one environment version, even
// while versions are swapped underneath the ingesting goroutines.
func TestVault_HotSwap(t *testing.T) {
	v, s, sink := setupVault(t)
	s.PutAsset(def("rule/v2/0", "true", "decoder/a/0"))
	s.AddEnvironment("next", "decoder/a/0", "rule/v2/0")
	if _, err := v.Activate(context.Background(), "prod"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var ingested atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				e := warden.NewEvent()
				r := v.Ingest(context.Background(), e)
				got := trace(e)
				want := "rule/v1/0"
				if r.Environment == "next" {
					want = "rule/v2/0"
				}
				if len(got) != 2 || got[1] != want {
					t.Errorf("event traced %v through environment %s", got, r.Environment)
					return
				}
				ingested.Add(1)
			}
		}()
	}

	names := []string{"next", "prod"}
	for i := 0; ctx.Err() == nil; i++ {
		if _, err := v.Activate(context.Background(), names[i%2]); err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Millisecond)
	}
	wg.Wait()

	if ingested.Load() == 0 {
		t.Fatal("no events ingested")
	}
	if int64(sink.count()) < ingested.Load() {
		t.Errorf("sink received %d events, want at least %d", sink.count(), ingested.Load())
	}
}
