package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dental"

// Metrics exposes counters/histograms for scheduling, chat and notification
// flows. A nil *Metrics is valid and records nothing.
type Metrics struct {
	schedulingOps     *prometheus.CounterVec
	schedulingLatency *prometheus.HistogramVec
	chatTurns         *prometheus.CounterVec
	chatEscalations   *prometheus.CounterVec
	notifyJobs        *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		schedulingOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "operations_total",
			Help:      "Scheduling operations by outcome",
		}, []string{"operation", "outcome"}),
		schedulingLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "operation_seconds",
			Help:      "Latency of scheduling operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		chatTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "turns_total",
			Help:      "Handled chat turns by intent and outcome",
		}, []string{"intent", "outcome"}),
		chatEscalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "escalations_total",
			Help:      "Conversations handed off to a human",
		}, []string{"reason"}),
		notifyJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "jobs_total",
			Help:      "Notification jobs by kind and outcome",
		}, []string{"kind", "outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.schedulingOps, m.schedulingLatency, m.chatTurns, m.chatEscalations, m.notifyJobs)
	return m
}

func (m *Metrics) ObserveScheduling(operation, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.schedulingOps.WithLabelValues(operation, outcome).Inc()
	m.schedulingLatency.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (m *Metrics) ObserveChatTurn(intent, outcome string) {
	if m == nil {
		return
	}
	m.chatTurns.WithLabelValues(intent, outcome).Inc()
}

func (m *Metrics) ObserveEscalation(reason string) {
	if m == nil {
		return
	}
	m.chatEscalations.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveNotifyJob(kind, outcome string) {
	if m == nil {
		return
	}
	m.notifyJobs.WithLabelValues(kind, outcome).Inc()
}
