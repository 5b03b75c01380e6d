package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestParseConfig_Defaults(t *testing.T) {
	is := is.New(t)
	cfg, err := ParseConfig()
	is.NoErr(err)

	is.Equal(cfg.StoreDir, "./store")
	is.Equal(cfg.Environment, "default")
	is.Equal(cfg.Threads, 1)
	is.Equal(cfg.QueueSize, 1000000)
	is.Equal(cfg.KVDBTimeout, 2*time.Second)
	is.Equal(cfg.LogLevel, 1)
	is.Equal(cfg.LogFormat, "text")
}

func TestParseConfig(t *testing.T) {
	is := is.New(t)
	t.Setenv("WARDEN_ENVIRONMENT", "syslog")
	t.Setenv("WARDEN_THREADS", "4")
	t.Setenv("WARDEN_NATS_URL", "nats://localhost:4222")
	t.Setenv("WARDEN_INPUT_SUBJECT", "events.in")
	t.Setenv("WARDEN_STATS_INTERVAL", "10s")
	t.Setenv("WARDEN_LOG_FORMAT", "json")
	cfg, err := ParseConfig()
	is.NoErr(err)

	is.Equal(cfg.Environment, "syslog")
	is.Equal(cfg.Threads, 4)
	is.Equal(cfg.InputSubject, "events.in")
	is.Equal(cfg.StatsInterval, 10*time.Second)
	is.Equal(cfg.LogFormat, "json")
}

func TestParseConfig_Invalid(t *testing.T) {
	is := is.New(t)
	t.Setenv("WARDEN_THREADS", "many")
	_, err := ParseConfig()
	is.True(err != nil)
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{Environment: "e", Threads: 1, QueueSize: 1, LogFormat: "text"}

	cases := []struct {
		name   string
		modify func(c *Config)
		want   string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no environment", func(c *Config) { c.Environment = "" }, "WARDEN_ENVIRONMENT"},
		{"no threads", func(c *Config) { c.Threads = 0 }, "WARDEN_THREADS"},
		{"no queue", func(c *Config) { c.QueueSize = -1 }, "WARDEN_QUEUE_SIZE"},
		{"bucket without nats", func(c *Config) { c.StoreBucket = "b" }, "WARDEN_STORE_NATS_BUCKET requires"},
		{"output subject without nats", func(c *Config) { c.OutputSubject = "out" }, "WARDEN_OUTPUT_SUBJECT requires"},
		{"subject with nats", func(c *Config) { c.InputSubject = "in"; c.NATSURL = "nats://x" }, ""},
		{"format", func(c *Config) { c.LogFormat = "xml" }, "WARDEN_LOG_FORMAT"},
		{"format case", func(c *Config) { c.LogFormat = "JSON" }, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			is := is.New(t)
			cfg := valid
			c.modify(&cfg)
			err := cfg.Validate()
			if c.want == "" {
				is.NoErr(err)
				return
			}
			is.True(err != nil)
			is.True(strings.Contains(err.Error(), c.want))
		})
	}
}

func TestNewLogger(t *testing.T) {
	is := is.New(t)

	var buf bytes.Buffer
	logger, ok := newLogger(0, "json", &buf)
	is.True(ok)
	logger.Debug("hello", "k", "v")
	is.True(strings.HasPrefix(buf.String(), "{"))
	is.True(strings.Contains(buf.String(), `"msg":"hello"`))

	buf.Reset()
	logger, ok = newLogger(2, "text", &buf)
	is.True(ok)
	logger.Info("hidden")
	logger.Warn("shown")
	is.True(!strings.Contains(buf.String(), "hidden"))
	is.True(strings.Contains(buf.String(), "msg=shown"))

	for _, level := range []int{-1, 4, 9} {
		logger, ok = newLogger(level, "text", &buf)
		is.True(!ok)
		is.True(logger.Enabled(context.Background(), slog.LevelError))
		is.True(!logger.Enabled(context.Background(), slog.LevelWarn))
	}
}
