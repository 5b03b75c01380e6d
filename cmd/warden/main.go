// Command warden runs events read from stdin or a NATS subject through an
// environment of decoders, rules, filters and outputs, and writes every
// processed event to the configured outputs.
//
// Configuration is read from WARDEN_* environment variables; see Config.
// Send SIGHUP to rebuild the environment from the store. SIGINT and
// SIGTERM stop reading input; events already queued are processed before
// the program exits.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	cfg, err := ParseConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, ok := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if !ok {
		logger.Warn("invalid log level, logging errors only", "level", cfg.LogLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Stdin, os.Stdout); err != nil {
		logger.Error("warden stopped", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("warden stopped")
}
