package warden

import "log/slog"

// Options used by the Builder, Engine and Vault.
type Options struct {
	Logger  *slog.Logger
	Metrics *Metrics
	Sink    Sink
}

type Option func(o *Options)

// Given a list of Option functions, apply their effect on a
// default Options struct.
func applyOptions(opts ...Option) Options {
	o := Options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// WithLogger sets the structured logger.
// Default: slog.Default()
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithMetrics records build and ingest metrics. A nil *Metrics disables
// metrics.
// Default: off
func WithMetrics(m *Metrics) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}

// WithSink sets the output sink a Vault forwards every ingested event to,
// whatever the outcome of the traversal.
// Default: none
func WithSink(s Sink) Option {
	return func(o *Options) {
		o.Sink = s
	}
}
