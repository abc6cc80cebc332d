// Package metrics exposes Prometheus instrumentation for tool dispatch.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dispatch outcomes, used as the "outcome" label.
const (
	OutcomeExecuted         = "executed"
	OutcomeFailed           = "failed"
	OutcomeError            = "error"
	OutcomeNotFound         = "not_found"
	OutcomeRBACDenied       = "rbac_denied"
	OutcomeGovernanceDenied = "governance_denied"
	OutcomeInvalid          = "invalid"
)

// Metrics groups the collectors used by the dispatcher and the governance service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Dispatch        *prometheus.CounterVec
	Duration        *prometheus.HistogramVec
	PolicyDecisions *prometheus.CounterVec
	AuditWrites     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Dispatch: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgov_tool_dispatch_total",
				Help: "Total number of tool dispatches by outcome",
			},
			[]string{"tool", "outcome"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgov_tool_duration_seconds",
				Help:    "Tool execution duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"tool"},
		),
		PolicyDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgov_policy_decisions_total",
				Help: "Governance policy evaluations by decision",
			},
			[]string{"decision"},
		),
		AuditWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgov_audit_writes_total",
				Help: "Audit records written by status",
			},
			[]string{"status"}, // status: ok|error
		),
	}
	if reg != nil {
		reg.MustRegister(m.Dispatch, m.Duration, m.PolicyDecisions, m.AuditWrites)
	}
	return m
}

func (m *Metrics) ObserveDispatch(tool, outcome string) {
	if m == nil {
		return
	}
	m.Dispatch.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) ObserveDuration(tool string, d time.Duration) {
	if m == nil {
		return
	}
	m.Duration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) ObservePolicy(allowed bool) {
	if m == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.PolicyDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) ObserveAudit(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.AuditWrites.WithLabelValues(status).Inc()
}

// Handler serves the Prometheus exposition format for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
