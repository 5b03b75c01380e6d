package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ezachrisen/warden"
	"github.com/ezachrisen/warden/cel"
	"github.com/ezachrisen/warden/kvdb"
	"github.com/ezachrisen/warden/sink"
	"github.com/ezachrisen/warden/store"
	"github.com/ezachrisen/warden/transform"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// Largest event line accepted on stdin.
const maxEventSize = 16 * 1024 * 1024

type server struct {
	cfg      *Config
	logger   *slog.Logger
	registry *prometheus.Registry
	vault    *warden.Vault
	nc       *nats.Conn
	closers  []io.Closer
	stats    stats
}

type stats struct {
	ingested atomic.Int64
	matched  atomic.Int64
	failed   atomic.Int64
	invalid  atomic.Int64
}

func (s *stats) observe(r *warden.Result) {
	s.ingested.Add(1)
	switch r.Outcome {
	case warden.Matched:
		s.matched.Add(1)
	case warden.Failed:
		s.failed.Add(1)
	}
}

// run serves until the input is exhausted or ctx is cancelled. Events
// already queued are processed before it returns.
func run(ctx context.Context, cfg *Config, logger *slog.Logger, in io.Reader, out io.Writer) error {
	s, err := newServer(ctx, cfg, logger, out)
	if err != nil {
		return err
	}
	defer s.close()
	return s.serve(ctx, in)
}

func newServer(ctx context.Context, cfg *Config, logger *slog.Logger, out io.Writer) (s *server, err error) {
	s = &server{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := warden.NewMetrics(s.registry)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	var js jetstream.JetStream
	if cfg.NATSURL != "" {
		s.nc, err = nats.Connect(cfg.NATSURL, nats.Name("warden"))
		if err != nil {
			return nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		js, err = jetstream.New(s.nc)
		if err != nil {
			return nil, fmt.Errorf("creating JetStream context: %w", err)
		}
	}

	var st warden.Store
	if cfg.StoreBucket != "" {
		st, err = store.OpenNATS(ctx, js, cfg.StoreBucket)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		logger.Info("using NATS store", "bucket", cfg.StoreBucket)
	} else {
		st = store.NewDir(cfg.StoreDir)
		logger.Info("using directory store", "path", cfg.StoreDir)
	}

	var db kvdb.Reader
	switch {
	case cfg.KVDBPath != "":
		mem := kvdb.NewMemory()
		if err := mem.LoadDir(cfg.KVDBPath); err != nil {
			return nil, fmt.Errorf("loading kvdb: %w", err)
		}
		logger.Info("loaded kvdb", "path", cfg.KVDBPath, "databases", len(mem.Databases()))
		db = mem
	case js != nil:
		db = kvdb.NewNATS(js, kvdb.WithTimeout(cfg.KVDBTimeout))
	default:
		db = kvdb.NewMemory()
	}

	sinks := sink.NewRegistry()
	stdout := sink.NewWriter(out)
	sinks.Register("stdout", stdout)
	sinks.Register("discard", sink.Discard)
	var outputs sink.Multi
	if cfg.OutputFile != "" {
		f, err := sink.OpenFile(cfg.OutputFile)
		if err != nil {
			return nil, fmt.Errorf("opening output: %w", err)
		}
		s.closers = append(s.closers, f)
		sinks.Register("file", f)
		outputs = append(outputs, f)
	}
	if cfg.OutputSubject != "" {
		n := sink.NewNATS(s.nc, cfg.OutputSubject)
		sinks.Register("nats", n)
		outputs = append(outputs, n)
	}
	if len(outputs) == 0 {
		outputs = append(outputs, stdout)
	}

	conditions, err := cel.NewCompiler(cel.KVDB(db, cfg.KVDBTimeout), cel.Network())
	if err != nil {
		return nil, fmt.Errorf("creating condition compiler: %w", err)
	}
	transforms := transform.NewCompiler(transform.WithKVDB(db), transform.WithSinks(sinks))

	engine := warden.NewEngine(st, conditions, transforms,
		warden.WithLogger(logger),
		warden.WithMetrics(metrics))
	s.vault = warden.NewVault(engine,
		warden.WithLogger(logger),
		warden.WithMetrics(metrics),
		warden.WithSink(outputs))
	return s, nil
}

func (s *server) serve(ctx context.Context, in io.Reader) error {
	if env, err := s.vault.Activate(ctx, s.cfg.Environment); err != nil {
		s.logger.Error("environment not activated, events pass through unprocessed",
			"environment", s.cfg.Environment,
			"error", err)
	} else if s.logger.Enabled(ctx, slog.LevelDebug) {
		s.logger.Debug("environment graph", "environment", env.Name, "graph", env.Tree())
	}

	auxCtx, stopAux := context.WithCancel(ctx)
	defer stopAux()
	aux, auxCtx := errgroup.WithContext(auxCtx)
	aux.Go(func() error { return s.serveMetrics(auxCtx) })
	aux.Go(func() error { return s.reloadOnHangup(auxCtx) })
	aux.Go(func() error { return s.reportStats(auxCtx) })

	g, gctx := errgroup.WithContext(ctx)
	src, err := s.source(gctx, in)
	if err != nil {
		stopAux()
		_ = aux.Wait()
		return err
	}

	queue := make(chan *warden.Event, s.cfg.QueueSize)
	g.Go(func() error {
		defer close(queue)
		for {
			select {
			case <-gctx.Done():
				return nil
			case e, ok := <-src:
				if !ok {
					return nil
				}
				select {
				case queue <- e:
				case <-gctx.Done():
					return nil
				}
			}
		}
	})

	// Queued events are drained even after shutdown starts.
	ictx := context.WithoutCancel(gctx)
	for i := 0; i < s.cfg.Threads; i++ {
		g.Go(func() error {
			for e := range queue {
				s.stats.observe(s.vault.Ingest(ictx, e))
			}
			return nil
		})
	}
	s.logger.Info("processing events", "threads", s.cfg.Threads, "queue", s.cfg.QueueSize)

	err = g.Wait()
	stopAux()
	if aerr := aux.Wait(); err == nil {
		err = aerr
	}
	s.logStats()
	return err
}

// source returns the channel events are read from: a NATS subscription
// when an input subject is configured, otherwise in.
func (s *server) source(ctx context.Context, in io.Reader) (<-chan *warden.Event, error) {
	if s.cfg.InputSubject == "" {
		return s.read(ctx, in), nil
	}

	out := make(chan *warden.Event)
	sub, err := s.nc.Subscribe(s.cfg.InputSubject, func(m *nats.Msg) {
		e, err := warden.ParseEvent(m.Data)
		if err != nil {
			s.stats.invalid.Add(1)
			s.logger.Warn("skipping invalid event", "subject", m.Subject, "error", err)
			return
		}
		select {
		case out <- e:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", s.cfg.InputSubject, err)
	}
	context.AfterFunc(ctx, func() {
		if err := sub.Drain(); err != nil {
			s.logger.Warn("draining subscription", "error", err)
		}
	})
	s.logger.Info("reading events from NATS", "subject", s.cfg.InputSubject)
	return out, nil
}

// read parses one JSON event per line. The channel is closed at the end
// of input.
func (s *server) read(ctx context.Context, in io.Reader) <-chan *warden.Event {
	out := make(chan *warden.Event)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), maxEventSize)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			e, err := warden.ParseEvent(line)
			if err != nil {
				s.stats.invalid.Add(1)
				s.logger.Warn("skipping invalid event", "error", err)
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			s.logger.Error("reading events", "error", err)
		}
	}()
	return out
}

func (s *server) serveMetrics(ctx context.Context) error {
	if s.cfg.MetricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	srv := &http.Server{
		Addr:              s.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("serving metrics", "addr", s.cfg.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// reloadOnHangup rebuilds the environment on SIGHUP.
func (s *server) reloadOnHangup(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			s.reload(ctx)
		}
	}
}

// reload rebuilds the active environment, or activates the configured
// one if none is active. A failed build leaves the active environment in
// place.
func (s *server) reload(ctx context.Context) {
	var err error
	if s.vault.Current() == nil {
		_, err = s.vault.Activate(ctx, s.cfg.Environment)
	} else {
		_, err = s.vault.Reload(ctx)
	}
	if err != nil {
		s.logger.Error("reload failed, keeping the active environment", "error", err)
	}
}

func (s *server) reportStats(ctx context.Context) error {
	if s.cfg.StatsInterval <= 0 {
		return nil
	}
	t := time.NewTicker(s.cfg.StatsInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *server) logStats() {
	s.logger.Info("events processed",
		"ingested", humanize.Comma(s.stats.ingested.Load()),
		"matched", humanize.Comma(s.stats.matched.Load()),
		"failed", humanize.Comma(s.stats.failed.Load()),
		"invalid", humanize.Comma(s.stats.invalid.Load()))
}

func (s *server) close() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.logger.Warn("closing output", "error", err)
		}
	}
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.nc.Close()
		}
	}
}
