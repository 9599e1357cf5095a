// Package notify queues patient notifications in a Postgres outbox and
// delivers them from a background worker.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/dental-chat-scheduling/internal/appointment"
)

type Kind string

const (
	KindConfirmation Kind = "confirmation"
	KindReminder     Kind = "reminder"
	KindCancellation Kind = "cancellation"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var ErrJobNotFound = errors.New("notify: job not found")

// Job is one outbox row.
type Job struct {
	ID        uuid.UUID                `json:"id"`
	TenantID  string                   `json:"tenant_id"`
	Kind      Kind                     `json:"kind"`
	Payload   appointment.Notification `json:"payload"`
	Priority  int                      `json:"priority"`
	FireAt    time.Time                `json:"fire_at"`
	Status    Status                   `json:"status"`
	Attempts  int                      `json:"attempts"`
	LastError string                   `json:"last_error,omitempty"`
	CreatedAt time.Time                `json:"created_at"`
	SentAt    *time.Time               `json:"sent_at,omitempty"`
}

// JobStore is the outbox. ClaimDue hands each due job to one worker for the
// lease duration; a job whose worker dies becomes due again when the lease
// runs out, so delivery is at least once.
type JobStore interface {
	Enqueue(ctx context.Context, job Job) error
	CancelPending(ctx context.Context, tenantID string, appointmentID uuid.UUID, kinds ...Kind) (int64, error)
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error)
	MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastErr string, retryAt time.Time, final bool) error
}
