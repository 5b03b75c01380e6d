package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the server configuration, read from the environment.
type Config struct {
	// Configuration store: a directory, or a NATS key-value bucket when
	// StoreBucket is set.
	StoreDir    string `env:"WARDEN_STORE_DIR" envDefault:"./store"`
	StoreBucket string `env:"WARDEN_STORE_NATS_BUCKET"`

	// Environment activated at startup and on SIGHUP.
	Environment string `env:"WARDEN_ENVIRONMENT" envDefault:"default"`

	Threads   int `env:"WARDEN_THREADS" envDefault:"1"`
	QueueSize int `env:"WARDEN_QUEUE_SIZE" envDefault:"1000000"`

	// Directory of JSON enrichment databases. When empty and NATSURL is
	// set, databases are read from NATS key-value buckets.
	KVDBPath    string        `env:"WARDEN_KVDB_PATH"`
	KVDBTimeout time.Duration `env:"WARDEN_KVDB_TIMEOUT" envDefault:"2s"`

	NATSURL string `env:"WARDEN_NATS_URL"`

	// Events are read from InputSubject when set, otherwise from stdin.
	InputSubject string `env:"WARDEN_INPUT_SUBJECT"`

	// Processed events go to OutputFile and OutputSubject; to stdout
	// when neither is set.
	OutputFile    string `env:"WARDEN_OUTPUT_FILE"`
	OutputSubject string `env:"WARDEN_OUTPUT_SUBJECT"`

	MetricsAddr   string        `env:"WARDEN_METRICS_ADDR"`
	StatsInterval time.Duration `env:"WARDEN_STATS_INTERVAL" envDefault:"1m"`

	// 0 debug, 1 info, 2 warning, 3 error
	LogLevel  int    `env:"WARDEN_LOG_LEVEL" envDefault:"1"`
	LogFormat string `env:"WARDEN_LOG_FORMAT" envDefault:"text"`
}

// ParseConfig reads the configuration from the environment.
func ParseConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Environment == "" {
		errs = append(errs, errors.New("WARDEN_ENVIRONMENT is required"))
	}
	if c.Threads < 1 {
		errs = append(errs, fmt.Errorf("WARDEN_THREADS must be at least 1, got %d", c.Threads))
	}
	if c.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("WARDEN_QUEUE_SIZE must be at least 1, got %d", c.QueueSize))
	}
	if c.NATSURL == "" {
		for name, v := range map[string]string{
			"WARDEN_STORE_NATS_BUCKET": c.StoreBucket,
			"WARDEN_INPUT_SUBJECT":     c.InputSubject,
			"WARDEN_OUTPUT_SUBJECT":    c.OutputSubject,
		} {
			if v != "" {
				errs = append(errs, fmt.Errorf("%s requires WARDEN_NATS_URL", name))
			}
		}
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("WARDEN_LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// newLogger returns a logger writing to w. Levels run from 0 (debug) to
// 3 (error); any other level selects error and reports false.
func newLogger(level int, format string, w io.Writer) (*slog.Logger, bool) {
	levels := []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError}
	ok := level >= 0 && level < len(levels)
	lvl := slog.LevelError
	if ok {
		lvl = levels[level]
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), ok
}
