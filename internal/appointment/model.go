package appointment

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusScheduled  AppointmentStatus = "scheduled"
	StatusConfirmed  AppointmentStatus = "confirmed"
	StatusInProgress AppointmentStatus = "in_progress"
	StatusCompleted  AppointmentStatus = "completed"
	StatusCancelled  AppointmentStatus = "cancelled"
	StatusNoShow     AppointmentStatus = "no_show"
)

// ActiveStatuses occupy practitioner time and take part in overlap checks.
var ActiveStatuses = []AppointmentStatus{StatusScheduled, StatusConfirmed, StatusInProgress}

// CancellableStatuses are the only statuses cancel will transition from.
var CancellableStatuses = []AppointmentStatus{StatusScheduled, StatusConfirmed}

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

func (s AppointmentStatus) IsActive() bool {
	return statusIn(s, ActiveStatuses)
}

func statusIn(s AppointmentStatus, set []AppointmentStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func statusStrings(set []AppointmentStatus) []string {
	out := make([]string, len(set))
	for i, s := range set {
		out[i] = string(s)
	}
	return out
}

type Patient struct {
	ID        uuid.UUID
	Email     string
	Name      string
	Phone     string
	CreatedAt time.Time
}

type Practitioner struct {
	ID             uuid.UUID     `json:"id"`
	Name           string        `json:"name"`
	Specialization string        `json:"specialization"`
	Active         bool          `json:"active"`
	Schedule       BusinessHours `json:"schedule"`
}

type ClinicService struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	Type            string    `json:"type"`
	Category        string    `json:"category"`
	DurationMinutes int       `json:"duration_minutes"`
	PriceCents      int64     `json:"price_cents"`
}

type Appointment struct {
	ID                 uuid.UUID
	PatientID          uuid.UUID
	PractitionerID     uuid.UUID
	ServiceID          *uuid.UUID
	ServiceType        string
	ScheduledAt        time.Time // tenant-local wall clock
	StartUTC           time.Time
	EndUTC             time.Time
	Timezone           string
	DurationMinutes    int
	Status             AppointmentStatus
	Version            int
	Notes              string
	CancellationReason string
	CreatedBy          string
	UpdatedBy          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AppointmentDetail is an appointment joined with the names callers display.
type AppointmentDetail struct {
	Appointment
	PatientEmail     string
	PatientName      string
	PractitionerName string
}

// Slot is a candidate bookable interval. Never persisted.
type Slot struct {
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	PractitionerID   uuid.UUID `json:"practitioner_id"`
	PractitionerName string    `json:"practitioner_name"`
	DurationMinutes  int       `json:"duration_minutes"`
}

// Conflict is one existing appointment that overlaps a proposed interval.
type Conflict struct {
	ID        uuid.UUID `json:"id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// ClinicInfo is the tenant's public profile plus its opening hours.
type ClinicInfo struct {
	Name          string        `json:"name"`
	Address       string        `json:"address"`
	Phone         string        `json:"phone"`
	Email         string        `json:"email"`
	Timezone      string        `json:"timezone"`
	BusinessHours BusinessHours `json:"business_hours"`
}
