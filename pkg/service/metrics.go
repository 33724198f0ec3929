package service

import (
	"time"

	"github.com/juniap-tecnots/contentflow/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes engine counters to Prometheus. A nil *Metrics records nothing.
type Metrics struct {
	Transitions        *prometheus.CounterVec
	EscalationsFired   *prometheus.CounterVec
	EscalationFailures *prometheus.CounterVec
	SweepDuration      prometheus.Histogram
	AuditBacklog       prometheus.Gauge
	AuditQuarantined   prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contentflow",
			Name:      "transitions_total",
			Help:      "Workflow instance transitions by kind.",
		}, []string{"kind"}),
		EscalationsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contentflow",
			Name:      "escalations_fired_total",
			Help:      "Escalation actions executed, by action.",
		}, []string{"action"}),
		EscalationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contentflow",
			Name:      "escalation_failures_total",
			Help:      "Escalation actions that failed, by action.",
		}, []string{"action"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "contentflow",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of escalation sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
		AuditBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "contentflow",
			Name:      "audit_pending_entries",
			Help:      "Audit entries waiting to be written.",
		}),
		AuditQuarantined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "contentflow",
			Name:      "audit_quarantined_total",
			Help:      "Audit entries refused by the store.",
		}),
	}
	reg.MustRegister(m.Transitions, m.EscalationsFired, m.EscalationFailures, m.SweepDuration, m.AuditBacklog, m.AuditQuarantined)
	return m
}

func (m *Metrics) transition(kind string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(kind).Inc()
}

func (m *Metrics) escalationFired(a models.EscalationAction) {
	if m == nil {
		return
	}
	m.EscalationsFired.WithLabelValues(string(a)).Inc()
}

func (m *Metrics) escalationFailed(a models.EscalationAction) {
	if m == nil {
		return
	}
	m.EscalationFailures.WithLabelValues(string(a)).Inc()
}

func (m *Metrics) sweepDone(d time.Duration) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(d.Seconds())
}

func (m *Metrics) auditBacklog(n int) {
	if m == nil {
		return
	}
	m.AuditBacklog.Set(float64(n))
}

func (m *Metrics) auditQuarantined() {
	if m == nil {
		return
	}
	m.AuditQuarantined.Inc()
}
