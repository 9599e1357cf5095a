package notify

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/dental-chat-scheduling/internal/metrics"
	"github.com/hackgods/dental-chat-scheduling/pkg/logging"
)

var tracer = otel.Tracer("dental.internal.notify")

// Deliverer hands one job to its transport.
type Deliverer interface {
	Deliver(ctx context.Context, job Job) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, job Job) error

func (f DelivererFunc) Deliver(ctx context.Context, job Job) error { return f(ctx, job) }

// ErrPermanent marks a delivery error that retrying cannot fix.
var ErrPermanent = errors.New("notify: permanent delivery failure")

type WorkerConfig struct {
	Interval       time.Duration
	BatchSize      int
	MaxAttempts    int
	Lease          time.Duration
	DeliverTimeout time.Duration
}

func (c *WorkerConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 20 * time.Second
	}
}

// Worker drains due outbox jobs.
type Worker struct {
	store    JobStore
	delivery Deliverer
	cfg      WorkerConfig
	logger   *logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewWorker(store JobStore, delivery Deliverer, cfg WorkerConfig, logger *logging.Logger, m *metrics.Metrics) *Worker {
	if store == nil || delivery == nil {
		panic("notify: worker needs a store and a delivery")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg.defaults()
	return &Worker{store: store, delivery: delivery, cfg: cfg, logger: logger, metrics: m, now: time.Now}
}

// Run processes due jobs once at startup and then on every tick until ctx
// is done.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("notify worker started", "interval", w.cfg.Interval.String(), "batch", w.cfg.BatchSize)
	w.drain(ctx)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("notify worker stopping")
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain keeps claiming while full batches come back.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("notify run failed", "error", err)
			return
		}
		if n < w.cfg.BatchSize {
			return
		}
	}
}

// RunOnce claims one batch and delivers it. It returns the number of jobs
// claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "notify.run_once")
	defer span.End()

	started := time.Now()
	jobs, err := w.store.ClaimDue(ctx, w.now(), w.cfg.Lease, w.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("jobs", len(jobs)))
	for _, job := range jobs {
		w.process(ctx, job)
	}
	if len(jobs) > 0 {
		w.logger.Info("notify batch complete", "jobs", len(jobs), "duration", time.Since(started).String())
	}
	return len(jobs), nil
}

func (w *Worker) process(ctx context.Context, job Job) {
	log := w.logger.With("job_id", job.ID, "kind", job.Kind, "tenant_id", job.TenantID, "attempt", job.Attempts)

	dctx, cancel := context.WithTimeout(ctx, w.cfg.DeliverTimeout)
	err := w.delivery.Deliver(dctx, job)
	cancel()

	if err == nil {
		if err := w.store.MarkSent(ctx, job.ID, w.now()); err != nil {
			log.Error("failed to mark job sent", "error", err)
		}
		w.metrics.ObserveNotifyJob(string(job.Kind), "sent")
		return
	}

	final := job.Attempts >= w.cfg.MaxAttempts || errors.Is(err, ErrPermanent)
	retryAt := w.now().Add(backoff(job.Attempts))
	if markErr := w.store.MarkFailed(ctx, job.ID, err.Error(), retryAt, final); markErr != nil {
		log.Error("failed to record delivery failure", "error", markErr)
	}
	if final {
		log.Error("notification delivery gave up", "error", err)
		w.metrics.ObserveNotifyJob(string(job.Kind), "failed")
		return
	}
	log.Warn("notification delivery failed, will retry", "error", err, "retry_at", retryAt)
	w.metrics.ObserveNotifyJob(string(job.Kind), "retry")
}

// backoff grows exponentially from 30s and caps at 30m.
func backoff(attempt int) time.Duration {
	d := 30 * time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 30*time.Minute {
			return 30 * time.Minute
		}
	}
	return d
}
