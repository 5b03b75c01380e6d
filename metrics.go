package warden

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors updated by builds and
// traversals. A nil *Metrics records nothing.
type Metrics struct {
	eventsIngested *prometheus.CounterVec
	stageOutcomes  *prometheus.CounterVec
	buildsTotal    *prometheus.CounterVec
	buildDuration  prometheus.Histogram
	activeStages   *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		eventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "events_ingested_total",
			Help:      "Events pushed through an environment, by aggregate outcome",
		}, []string{"outcome"}),

		stageOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "stage_outcomes_total",
			Help:      "Stage evaluations, by asset and outcome",
		}, []string{"asset", "outcome"}),

		buildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "builds_total",
			Help:      "Environment builds, by result",
		}, []string{"result"}),

		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "warden",
			Name:      "build_duration_seconds",
			Help:      "Time spent resolving and compiling an environment",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		activeStages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "environment_stages",
			Help:      "Number of stages in the active environment",
		}, []string{"environment"}),
	}

	for _, c := range []prometheus.Collector{
		m.eventsIngested,
		m.stageOutcomes,
		m.buildsTotal,
		m.buildDuration,
		m.activeStages,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering warden metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) observeIngest(r *Result) {
	if m == nil {
		return
	}
	m.eventsIngested.WithLabelValues(r.Outcome.String()).Inc()
	for _, s := range r.Stages {
		m.stageOutcomes.WithLabelValues(s.Asset, s.Outcome.String()).Inc()
	}
}

func (m *Metrics) observeBuild(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case errors.Is(err, ErrCycleDetected):
		result = "cycle"
	case errors.Is(err, ErrInvalidAsset):
		result = "invalid"
	case errors.Is(err, ErrCompile):
		result = "compile_error"
	default:
		result = "error"
	}
	m.buildsTotal.WithLabelValues(result).Inc()
	m.buildDuration.Observe(d.Seconds())
}

func (m *Metrics) observeActive(env *Environment) {
	if m == nil || env == nil {
		return
	}
	m.activeStages.Reset()
	m.activeStages.WithLabelValues(env.Name).Set(float64(env.Len()))
}
