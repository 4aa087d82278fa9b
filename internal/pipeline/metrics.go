package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/warden/internal/audit"
	"github.com/linnemanlabs/warden/internal/correlate"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/response"
	"github.com/linnemanlabs/warden/internal/triage"
)

// Metrics holds Prometheus metrics for the ingestion and response core.
type Metrics struct {
	AlertsTotal       *prometheus.CounterVec
	IncidentsCreated  prometheus.Counter
	AlertsCorrelated  prometheus.Counter
	CorrelationFanout prometheus.Histogram
	ClassifyDuration  prometheus.Histogram
	ClassifyFallbacks prometheus.Counter
	TransitionsTotal  *prometheus.CounterVec
	ActionsTotal      *prometheus.CounterVec
	ActionDuration    *prometheus.HistogramVec
	ActionAttempts    prometheus.Histogram
	ApprovalsResolved *prometheus.CounterVec
	ApprovalTimeouts  prometheus.Counter
}

// NewMetrics registers and returns core metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_alerts_total",
			Help: "Total alert submissions by outcome.",
		}, []string{"outcome"}),
		IncidentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_incidents_created_total",
			Help: "Total incidents opened by the correlator.",
		}),
		AlertsCorrelated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_alerts_correlated_total",
			Help: "Total alerts attached to existing incidents.",
		}),
		CorrelationFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_correlation_candidates",
			Help:    "Open candidate incidents considered per correlated alert.",
			Buckets: prometheus.LinearBuckets(0, 1, 8), // 0 .. 7
		}),
		ClassifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_classify_duration_seconds",
			Help:    "Duration of classifier calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 9), // 0.25s .. ~64s
		}),
		ClassifyFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_classify_fallbacks_total",
			Help: "Classifier calls that degraded to the fallback result.",
		}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_incident_transitions_total",
			Help: "Incident status transitions by edge and outcome.",
		}, []string{"from", "to", "outcome"}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_response_actions_total",
			Help: "Response action executions by type and outcome.",
		}, []string{"type", "outcome"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_response_action_duration_seconds",
			Help:    "Duration of response action executions in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s .. ~51s
		}, []string{"type"}),
		ActionAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_response_action_attempts",
			Help:    "Adapter attempts per executed action.",
			Buckets: prometheus.LinearBuckets(1, 1, 5), // 1 .. 5
		}),
		ApprovalsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_approvals_resolved_total",
			Help: "Human approval decisions by verdict.",
		}, []string{"verdict"}),
		ApprovalTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_approval_timeouts_total",
			Help: "Approval requests that expired without a decision.",
		}),
	}

	reg.MustRegister(
		m.AlertsTotal,
		m.IncidentsCreated,
		m.AlertsCorrelated,
		m.CorrelationFanout,
		m.ClassifyDuration,
		m.ClassifyFallbacks,
		m.TransitionsTotal,
		m.ActionsTotal,
		m.ActionDuration,
		m.ActionAttempts,
		m.ApprovalsResolved,
		m.ApprovalTimeouts,
	)

	return m
}

// CorrelateHooks returns correlation hooks that feed these metrics.
func (m *Metrics) CorrelateHooks() correlate.Hooks {
	return correlate.Hooks{
		OnCorrelated: func(created bool, candidates int) {
			if created {
				m.IncidentsCreated.Inc()
			} else {
				m.AlertsCorrelated.Inc()
				m.CorrelationFanout.Observe(float64(candidates))
			}
		},
	}
}

// TriageHooks returns classifier hooks that feed these metrics.
func (m *Metrics) TriageHooks() triage.Hooks {
	return triage.Hooks{
		OnClassify: func(latency time.Duration, fallback bool) {
			m.ClassifyDuration.Observe(latency.Seconds())
			if fallback {
				m.ClassifyFallbacks.Inc()
			}
		},
	}
}

// IncidentHooks returns lifecycle hooks that feed these metrics.
func (m *Metrics) IncidentHooks() incident.Hooks {
	return incident.Hooks{
		OnTransition: func(from, to incident.Status, outcome audit.Outcome) {
			m.TransitionsTotal.WithLabelValues(string(from), string(to), string(outcome)).Inc()
		},
	}
}

// GateHooks returns authorization-gate hooks that feed these metrics.
func (m *Metrics) GateHooks() response.GateHooks {
	return response.GateHooks{
		OnResolved: func(approved bool) {
			verdict := "rejected"
			if approved {
				verdict = "approved"
			}
			m.ApprovalsResolved.WithLabelValues(verdict).Inc()
		},
		OnTimeout: func() {
			m.ApprovalTimeouts.Inc()
		},
	}
}

// ExecutorHooks returns executor hooks that feed these metrics.
func (m *Metrics) ExecutorHooks() response.ExecutorHooks {
	return response.ExecutorHooks{
		OnExecuted: func(t response.ActionType, outcome string, latency time.Duration, attempts int) {
			m.ActionsTotal.WithLabelValues(string(t), outcome).Inc()
			m.ActionDuration.WithLabelValues(string(t)).Observe(latency.Seconds())
			m.ActionAttempts.Observe(float64(attempts))
		},
	}
}
