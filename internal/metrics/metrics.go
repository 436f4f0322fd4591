// Package metrics exposes Prometheus collectors for fix agent activity.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors updated by the orchestrator. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	started       *prometheus.CounterVec
	finished      *prometheus.CounterVec
	failures      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	running       prometheus.Gauge
	droppedEvents prometheus.Counter
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the instance registered with the global registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNew registers a fresh set of collectors with reg and panics on
// registration errors. Tests should pass their own prometheus.NewRegistry().
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fixpool",
			Subsystem: "agents",
			Name:      "started_total",
			Help:      "Fix agents launched, by category.",
		}, []string{"category"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fixpool",
			Subsystem: "agents",
			Name:      "finished_total",
			Help:      "Fix agents that reached a terminal state, by category and outcome.",
		}, []string{"category", "outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fixpool",
			Subsystem: "agents",
			Name:      "failures_total",
			Help:      "Fix agent failures, by reason.",
		}, []string{"reason"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fixpool",
			Subsystem: "agents",
			Name:      "run_duration_seconds",
			Help:      "Wall time from launch to terminal state.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"category", "outcome"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fixpool",
			Subsystem: "agents",
			Name:      "running",
			Help:      "Fix agents currently running.",
		}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fixpool",
			Subsystem: "progress",
			Name:      "dropped_events_total",
			Help:      "Progress deliveries dropped because a subscriber was slow.",
		}),
	}
	reg.MustRegister(m.started, m.finished, m.failures, m.duration, m.running, m.droppedEvents)
	return m
}

// AgentStarted records a launch.
func (m *Metrics) AgentStarted(category string) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(category).Inc()
	m.running.Inc()
}

// AgentFinished records a terminal transition. reason is empty on success.
func (m *Metrics) AgentFinished(category, outcome, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(category, outcome).Inc()
	m.duration.WithLabelValues(category, outcome).Observe(elapsed.Seconds())
	m.running.Dec()
	if reason != "" {
		m.failures.WithLabelValues(reason).Inc()
	}
}

// ProgressDropped records a lost progress delivery.
func (m *Metrics) ProgressDropped() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}
