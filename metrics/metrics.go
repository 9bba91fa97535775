// Package metrics exposes Prometheus instrumentation for the plan execution
// engine. All methods are nil-safe so callers can thread a nil *Metrics when
// instrumentation is disabled.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the engine's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	turns             *prometheus.CounterVec
	steps             *prometheus.CounterVec
	retries           prometheus.Counter
	reclassifications prometheus.Counter
	approvals         *prometheus.CounterVec
	planBuildSeconds  prometheus.Histogram
	stepSeconds       *prometheus.HistogramVec
	pendingApprovals  prometheus.Gauge
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planmesh",
			Name:      "turns_total",
			Help:      "Turns processed, labelled by terminal status.",
		}, []string{"status"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planmesh",
			Name:      "steps_total",
			Help:      "Plan steps executed, labelled by capability and outcome.",
		}, []string{"capability", "outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "planmesh",
			Name:      "step_retries_total",
			Help:      "Step retries dispatched.",
		}),
		reclassifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "planmesh",
			Name:      "reclassifications_total",
			Help:      "Plans discarded for replanning.",
		}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planmesh",
			Name:      "approvals_total",
			Help:      "Approval decisions, labelled by kind.",
		}, []string{"decision"}),
		planBuildSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "planmesh",
			Name:      "plan_build_seconds",
			Help:      "Time to classify and plan a turn.",
			Buckets:   prometheus.DefBuckets,
		}),
		stepSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "planmesh",
			Name:      "step_seconds",
			Help:      "Capability execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"capability"}),
		pendingApprovals: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "planmesh",
			Name:      "pending_approvals",
			Help:      "Approval requests currently awaiting a decision.",
		}),
	}

	registry.MustRegister(
		m.turns,
		m.steps,
		m.retries,
		m.reclassifications,
		m.approvals,
		m.planBuildSeconds,
		m.stepSeconds,
		m.pendingApprovals,
	)
	return m
}

// TurnCompleted records a turn reaching a terminal status.
func (m *Metrics) TurnCompleted(status string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(status).Inc()
}

// StepExecuted records a single capability execution and its duration.
func (m *Metrics) StepExecuted(capability, outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(capability, outcome).Inc()
	m.stepSeconds.WithLabelValues(capability).Observe(dur.Seconds())
}

// StepRetried records a retry dispatch.
func (m *Metrics) StepRetried() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// PlanDiscarded records a reclassification.
func (m *Metrics) PlanDiscarded() {
	if m == nil {
		return
	}
	m.reclassifications.Inc()
}

// ApprovalResolved records an approval decision.
func (m *Metrics) ApprovalResolved(decision string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(decision).Inc()
}

// PlanBuilt records the time spent classifying and planning a turn.
func (m *Metrics) PlanBuilt(dur time.Duration) {
	if m == nil {
		return
	}
	m.planBuildSeconds.Observe(dur.Seconds())
}

// SetPendingApprovals updates the pending approval gauge.
func (m *Metrics) SetPendingApprovals(n int) {
	if m == nil {
		return
	}
	m.pendingApprovals.Set(float64(n))
}

// Handler returns an HTTP handler serving the registry in the Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
