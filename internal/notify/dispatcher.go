package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/dental-chat-scheduling/internal/appointment"
	"github.com/hackgods/dental-chat-scheduling/pkg/logging"
)

// Dispatcher implements appointment.Notifier by writing outbox jobs.
// Nothing is delivered inline.
type Dispatcher struct {
	store  JobStore
	logger *logging.Logger
	now    func() time.Time
}

var _ appointment.Notifier = (*Dispatcher)(nil)

func NewDispatcher(store JobStore, logger *logging.Logger) *Dispatcher {
	if store == nil {
		panic("notify: job store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{store: store, logger: logger, now: time.Now}
}

func (d *Dispatcher) enqueue(ctx context.Context, kind Kind, n appointment.Notification, fireAt time.Time) (string, error) {
	job := Job{
		ID:        uuid.New(),
		TenantID:  n.TenantID,
		Kind:      kind,
		Payload:   n,
		Priority:  n.Priority,
		FireAt:    fireAt.UTC(),
		Status:    StatusPending,
		CreatedAt: d.now().UTC(),
	}
	if err := d.store.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("notify: enqueue %s: %w", kind, err)
	}
	d.logger.Debug("notification queued", "job_id", job.ID, "kind", kind,
		"tenant_id", n.TenantID, "appointment_id", n.AppointmentID, "fire_at", job.FireAt)
	return job.ID.String(), nil
}

func (d *Dispatcher) QueueConfirmation(ctx context.Context, n appointment.Notification) (string, error) {
	return d.enqueue(ctx, KindConfirmation, n, d.now())
}

func (d *Dispatcher) QueueReminder(ctx context.Context, n appointment.Notification, fireAt time.Time) (string, error) {
	return d.enqueue(ctx, KindReminder, n, fireAt)
}

func (d *Dispatcher) QueueCancellation(ctx context.Context, n appointment.Notification) (string, error) {
	return d.enqueue(ctx, KindCancellation, n, d.now())
}

// CancelPending drops reminders that have not been sent yet.
func (d *Dispatcher) CancelPending(ctx context.Context, tenantID string, appointmentID uuid.UUID) error {
	n, err := d.store.CancelPending(ctx, tenantID, appointmentID, KindReminder)
	if err != nil {
		return fmt.Errorf("notify: cancel pending: %w", err)
	}
	if n > 0 {
		d.logger.Debug("pending reminders dropped", "tenant_id", tenantID, "appointment_id", appointmentID, "count", n)
	}
	return nil
}
