package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/dental-chat-scheduling/internal/appointment"
)

type CreateAppointmentRequest struct {
	PatientEmail    string `json:"patient_email" validate:"required,email"`
	PatientName     string `json:"patient_name" validate:"max=200"`
	PatientPhone    string `json:"patient_phone" validate:"max=32"`
	PractitionerID  string `json:"practitioner_id" validate:"required,uuid"`
	ServiceType     string `json:"service_type" validate:"required,max=100"`
	Date            string `json:"date" validate:"required,ymd"`
	Time            string `json:"time" validate:"required,hhmm"`
	Timezone        string `json:"timezone" validate:"omitempty,timezone"`
	DurationMinutes int    `json:"duration_minutes" validate:"omitempty,min=15,max=480"`
	Notes           string `json:"notes" validate:"max=2000"`
	BookedBy        string `json:"booked_by" validate:"max=100"`
}

type RescheduleAppointmentRequest struct {
	NewDate       string `json:"new_date" validate:"required,ymd"`
	NewTime       string `json:"new_time" validate:"required,hhmm"`
	Timezone      string `json:"timezone" validate:"omitempty,timezone"`
	RescheduledBy string `json:"rescheduled_by" validate:"max=100"`
}

type CancelAppointmentRequest struct {
	Reason      string `json:"reason" validate:"max=500"`
	CancelledBy string `json:"cancelled_by" validate:"max=100"`
}

type ChatMessageRequest struct {
	TenantID  string `json:"tenant_id" validate:"required"`
	UserID    string `json:"user_id" validate:"max=200"`
	SessionID string `json:"session_id" validate:"required,max=200"`
	Timezone  string `json:"timezone" validate:"omitempty,timezone"`
	Message   string `json:"message" validate:"required,max=2000"`
}

type AppointmentResponse struct {
	ID                 uuid.UUID `json:"id"`
	Status             string    `json:"status"`
	PatientEmail       string    `json:"patient_email"`
	PatientName        string    `json:"patient_name,omitempty"`
	PractitionerID     uuid.UUID `json:"practitioner_id"`
	PractitionerName   string    `json:"practitioner_name,omitempty"`
	ServiceType        string    `json:"service_type"`
	ScheduledAt        string    `json:"scheduled_at"`
	StartUTC           time.Time `json:"start_utc"`
	EndUTC             time.Time `json:"end_utc"`
	Timezone           string    `json:"timezone"`
	DurationMinutes    int       `json:"duration_minutes"`
	Version            int       `json:"version"`
	Notes              string    `json:"notes,omitempty"`
	CancellationReason string    `json:"cancellation_reason,omitempty"`
}

// scheduledAtLayout renders the clinic-local wall clock without an offset.
const scheduledAtLayout = "2006-01-02T15:04"

func toAppointmentResponse(d appointment.AppointmentDetail) AppointmentResponse {
	return AppointmentResponse{
		ID:                 d.ID,
		Status:             string(d.Status),
		PatientEmail:       d.PatientEmail,
		PatientName:        d.PatientName,
		PractitionerID:     d.PractitionerID,
		PractitionerName:   d.PractitionerName,
		ServiceType:        d.ServiceType,
		ScheduledAt:        d.ScheduledAt.Format(scheduledAtLayout),
		StartUTC:           d.StartUTC,
		EndUTC:             d.EndUTC,
		Timezone:           d.Timezone,
		DurationMinutes:    d.DurationMinutes,
		Version:            d.Version,
		Notes:              d.Notes,
		CancellationReason: d.CancellationReason,
	}
}

type AppointmentListResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
}

type ErrorResponse struct {
	Error     string                 `json:"error"`
	Details   string                 `json:"details,omitempty"`
	Field     string                 `json:"field,omitempty"`
	Conflicts []appointment.Conflict `json:"conflicts,omitempty"`
}
