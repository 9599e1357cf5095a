package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Notification is what a dispatcher needs to render a patient message.
type Notification struct {
	TenantID         string    `json:"tenant_id"`
	AppointmentID    uuid.UUID `json:"appointment_id"`
	PatientEmail     string    `json:"patient_email"`
	PatientName      string    `json:"patient_name"`
	PractitionerName string    `json:"practitioner_name"`
	ServiceType      string    `json:"service_type"`
	ScheduledAt      time.Time `json:"scheduled_at"`
	Timezone         string    `json:"timezone"`
	Reason           string    `json:"reason,omitempty"`
	Rescheduled      bool      `json:"rescheduled,omitempty"`
	Priority         int       `json:"priority"`
}

// Notifier queues patient notifications. Implementations are asynchronous:
// a returned job id means the message is enqueued, not delivered.
type Notifier interface {
	QueueConfirmation(ctx context.Context, n Notification) (string, error)
	QueueReminder(ctx context.Context, n Notification, fireAt time.Time) (string, error)
	QueueCancellation(ctx context.Context, n Notification) (string, error)
	// CancelPending drops reminders that have not fired yet for an appointment.
	CancelPending(ctx context.Context, tenantID string, appointmentID uuid.UUID) error
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) QueueConfirmation(context.Context, Notification) (string, error) { return "", nil }
func (NopNotifier) QueueReminder(context.Context, Notification, time.Time) (string, error) {
	return "", nil
}
func (NopNotifier) QueueCancellation(context.Context, Notification) (string, error) { return "", nil }
func (NopNotifier) CancelPending(context.Context, string, uuid.UUID) error           { return nil }

const (
	priorityReminder     = 0
	priorityConfirmation = 5
	priorityCancellation = 5
)

func notificationFor(tenantID string, d AppointmentDetail) Notification {
	return Notification{
		TenantID:         tenantID,
		AppointmentID:    d.ID,
		PatientEmail:     d.PatientEmail,
		PatientName:      d.PatientName,
		PractitionerName: d.PractitionerName,
		ServiceType:      d.ServiceType,
		ScheduledAt:      d.ScheduledAt,
		Timezone:         d.Timezone,
	}
}

// notifyBooked runs after commit. Failures are logged and never undo the
// booking.
func (s *Service) notifyBooked(ctx context.Context, tenantID string, d AppointmentDetail, rescheduled bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyWait)
	defer cancel()

	log := s.logger.With("tenant_id", tenantID, "appointment_id", d.ID)
	if rescheduled {
		if err := s.notifier.CancelPending(ctx, tenantID, d.ID); err != nil {
			log.Warn("failed to drop stale reminders", "error", err)
		}
	}

	n := notificationFor(tenantID, d)
	n.Rescheduled = rescheduled
	n.Priority = priorityConfirmation
	if _, err := s.notifier.QueueConfirmation(ctx, n); err != nil {
		log.Warn("failed to queue confirmation", "error", err)
	}

	now := s.now()
	n.Priority = priorityReminder
	for _, offset := range reminderOffsets {
		fireAt := d.StartUTC.Add(-offset)
		if !fireAt.After(now) {
			continue
		}
		if _, err := s.notifier.QueueReminder(ctx, n, fireAt); err != nil {
			log.Warn("failed to queue reminder", "offset", offset.String(), "error", err)
		}
	}
}

func (s *Service) notifyCancelled(ctx context.Context, tenantID string, store Store, id uuid.UUID, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyWait)
	defer cancel()

	log := s.logger.With("tenant_id", tenantID, "appointment_id", id)
	if err := s.notifier.CancelPending(ctx, tenantID, id); err != nil {
		log.Warn("failed to drop pending reminders", "error", err)
	}
	d, err := store.GetAppointmentDetail(ctx, id)
	if err != nil {
		log.Warn("failed to load cancelled appointment for notification", "error", err)
		return
	}
	n := notificationFor(tenantID, *d)
	n.Reason = reason
	n.Priority = priorityCancellation
	if _, err := s.notifier.QueueCancellation(ctx, n); err != nil {
		log.Warn("failed to queue cancellation", "error", err)
	}
}
