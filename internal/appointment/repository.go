package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("resource not found")
	ErrConflict   = errors.New("scheduling conflict")

	ErrTenantNotFound       = fmt.Errorf("tenant %w", ErrNotFound)
	ErrPatientNotFound      = fmt.Errorf("patient %w", ErrNotFound)
	ErrPractitionerNotFound = fmt.Errorf("practitioner %w", ErrNotFound)
	ErrServiceNotFound      = fmt.Errorf("service %w", ErrNotFound)
	ErrAppointmentNotFound  = fmt.Errorf("appointment %w", ErrNotFound)
	ErrClinicNotConfigured  = fmt.Errorf("clinic settings %w", ErrNotFound)
)

// ValidationError is returned before any I/O when a request is malformed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ConflictError carries every active appointment the proposed interval overlaps.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	parts := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		parts[i] = fmt.Sprintf("%s [%s, %s)", c.ID, c.StartTime.Format(time.RFC3339), c.EndTime.Format(time.RFC3339))
	}
	return "time slot conflicts with: " + strings.Join(parts, ", ")
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// PatientInput identifies a patient by email; name and phone are only used
// when the patient has to be created.
type PatientInput struct {
	Email string
	Name  string
	Phone string
}

// Tx holds the operations the booking paths run inside one transaction.
type Tx interface {
	FindOrCreatePatient(ctx context.Context, in PatientInput) (*Patient, error)
	FindServiceByType(ctx context.Context, serviceType string) (*ClinicService, error)

	// LockPractitioner takes a row lock on the practitioner until the
	// transaction ends. Concurrent writers for the same practitioner queue here.
	LockPractitioner(ctx context.Context, id uuid.UUID) (*Practitioner, error)
	// LockAppointment fetches and row-locks an appointment.
	LockAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	FindOverlapping(ctx context.Context, practitionerID uuid.UUID, start, end time.Time, exclude *uuid.UUID) ([]Conflict, error)

	InsertAppointment(ctx context.Context, a *Appointment) error
	UpdateAppointmentTime(ctx context.Context, a *Appointment) error
	GetAppointmentInStatus(ctx context.Context, id uuid.UUID, statuses []AppointmentStatus) (*Appointment, error)
	// CancelAppointment transitions to cancelled only if the current status
	// is still one of statuses. It returns the number of rows changed.
	CancelAppointment(ctx context.Context, id uuid.UUID, statuses []AppointmentStatus, reason, by string) (int64, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}

// Store is one tenant's isolated data store.
type Store interface {
	// WithTx runs fn in a transaction. fn returning an error rolls back.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	ClinicInfo(ctx context.Context) (*ClinicInfo, error)
	ListPractitioners(ctx context.Context, activeOnly bool) ([]Practitioner, error)
	GetPractitioner(ctx context.Context, id uuid.UUID) (*Practitioner, error)
	FindServiceByType(ctx context.Context, serviceType string) (*ClinicService, error)
	// ListActiveAppointments returns active appointments for the given
	// practitioners that intersect [from, to).
	ListActiveAppointments(ctx context.Context, practitionerIDs []uuid.UUID, from, to time.Time) ([]Appointment, error)
	FindPatientAppointments(ctx context.Context, email string, statuses []AppointmentStatus) ([]AppointmentDetail, error)
	GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error)
}

// TenantResolver maps a tenant id to its store. Unknown tenants yield
// ErrTenantNotFound.
type TenantResolver interface {
	Resolve(ctx context.Context, tenantID string) (Store, error)
}

// overlapsThreeWay is the conflict predicate used under the practitioner lock.
// It must stay in sync with the SQL in FindOverlapping.
func overlapsThreeWay(existingStart, existingEnd, newStart, newEnd time.Time) bool {
	return (!existingStart.After(newStart) && existingEnd.After(newStart)) ||
		(existingStart.Before(newEnd) && !existingEnd.Before(newEnd)) ||
		(!existingStart.Before(newStart) && existingStart.Before(newEnd))
}

// overlaps is the half-open intersection test used for availability.
func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}
