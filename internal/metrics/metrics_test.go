package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveScheduling("book", "created", time.Now())
		m.ObserveChatTurn("greeting", "ok")
		m.ObserveEscalation("emergency")
		m.ObserveNotifyJob("reminder", "sent")
	})
}

func TestCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveScheduling("book", "conflict", time.Now())
	m.ObserveScheduling("book", "conflict", time.Now())
	m.ObserveChatTurn("fallback", "escalated")
	m.ObserveEscalation("repeated_fallback")
	m.ObserveNotifyJob("confirmation", "sent")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.schedulingOps.WithLabelValues("book", "conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.chatTurns.WithLabelValues("fallback", "escalated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.chatEscalations.WithLabelValues("repeated_fallback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifyJobs.WithLabelValues("confirmation", "sent")))
}
