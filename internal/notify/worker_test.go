package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/dental-chat-scheduling/internal/metrics"
	"github.com/hackgods/dental-chat-scheduling/pkg/logging"
)

type recordingDelivery struct {
	mu   sync.Mutex
	jobs []Job
	err  error
}

func (d *recordingDelivery) Deliver(_ context.Context, job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return d.err
}

type workerHarness struct {
	store    *MemoryJobStore
	delivery *recordingDelivery
	worker   *Worker
	now      time.Time
}

func newWorkerHarness(t *testing.T, cfg WorkerConfig, m *metrics.Metrics) *workerHarness {
	t.Helper()
	h := &workerHarness{
		store:    NewMemoryJobStore(),
		delivery: &recordingDelivery{},
		now:      time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC),
	}
	h.worker = NewWorker(h.store, h.delivery, cfg, logging.Discard(), m)
	h.worker.now = func() time.Time { return h.now }
	return h
}

func (h *workerHarness) enqueue(t *testing.T, kind Kind) Job {
	t.Helper()
	job := sampleJob(kind)
	job.FireAt = h.now
	require.NoError(t, h.store.Enqueue(context.Background(), job))
	return job
}

func TestWorkerMarksDeliveredJobsSent(t *testing.T) {
	h := newWorkerHarness(t, WorkerConfig{}, nil)
	job := h.enqueue(t, KindConfirmation)

	n, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	require.NotNil(t, got.SentAt)
	assert.True(t, got.SentAt.Equal(h.now))
	require.Len(t, h.delivery.jobs, 1)
	assert.Equal(t, 1, h.delivery.jobs[0].Attempts)
}

func TestWorkerSkipsJobsNotYetDue(t *testing.T) {
	h := newWorkerHarness(t, WorkerConfig{}, nil)
	job := sampleJob(KindReminder)
	job.FireAt = h.now.Add(time.Hour)
	require.NoError(t, h.store.Enqueue(context.Background(), job))

	n, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, h.delivery.jobs)
}

func TestWorkerRetriesWithBackoffThenGivesUp(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := newWorkerHarness(t, WorkerConfig{MaxAttempts: 3}, m)
	h.delivery.err = errors.New("smtp: connection refused")
	job := h.enqueue(t, KindConfirmation)

	for attempt := 1; attempt <= 3; attempt++ {
		n, err := h.worker.RunOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, n, "attempt %d", attempt)

		got, _ := h.store.Get(job.ID)
		assert.Equal(t, attempt, got.Attempts)
		assert.Equal(t, "smtp: connection refused", got.LastError)
		if attempt < 3 {
			assert.Equal(t, StatusPending, got.Status)
			assert.True(t, got.FireAt.Equal(h.now.Add(backoff(attempt))))
			h.now = got.FireAt
		} else {
			assert.Equal(t, StatusFailed, got.Status)
		}
	}

	h.now = h.now.Add(time.Hour)
	n, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	expected := `
# HELP dental_notify_jobs_total Notification jobs by kind and outcome
# TYPE dental_notify_jobs_total counter
dental_notify_jobs_total{kind="confirmation",outcome="failed"} 1
dental_notify_jobs_total{kind="confirmation",outcome="retry"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "dental_notify_jobs_total"))
}

func TestWorkerPermanentErrorIsFinal(t *testing.T) {
	h := newWorkerHarness(t, WorkerConfig{}, nil)
	h.delivery.err = fmt.Errorf("%w: bad recipient", ErrPermanent)
	job := h.enqueue(t, KindCancellation)

	_, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)

	got, _ := h.store.Get(job.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestWorkerProcessesHigherPriorityFirst(t *testing.T) {
	h := newWorkerHarness(t, WorkerConfig{BatchSize: 1}, nil)
	low := h.enqueue(t, KindReminder)
	high := sampleJob(KindConfirmation)
	high.Priority = 9
	high.FireAt = h.now
	require.NoError(t, h.store.Enqueue(context.Background(), high))

	_, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, h.delivery.jobs, 1)
	assert.Equal(t, high.ID, h.delivery.jobs[0].ID)

	_, err = h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, h.delivery.jobs, 2)
	assert.Equal(t, low.ID, h.delivery.jobs[1].ID)
}

func TestWorkerDrainLoopsOverFullBatches(t *testing.T) {
	h := newWorkerHarness(t, WorkerConfig{BatchSize: 2}, nil)
	for i := 0; i < 5; i++ {
		h.enqueue(t, KindConfirmation)
	}

	h.worker.drain(context.Background())
	assert.Len(t, h.delivery.jobs, 5)
	for _, j := range h.store.Jobs() {
		assert.Equal(t, StatusSent, j.Status)
	}
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	h := newWorkerHarness(t, WorkerConfig{Interval: 10 * time.Millisecond}, nil)
	h.enqueue(t, KindConfirmation)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		h.delivery.mu.Lock()
		defer h.delivery.mu.Unlock()
		return len(h.delivery.jobs) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestBackoffCaps(t *testing.T) {
	assert.Equal(t, 30*time.Second, backoff(1))
	assert.Equal(t, time.Minute, backoff(2))
	assert.Equal(t, 4*time.Minute, backoff(4))
	assert.Equal(t, 30*time.Minute, backoff(20))
}
