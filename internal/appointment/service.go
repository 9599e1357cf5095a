package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/dental-chat-scheduling/internal/metrics"
	"github.com/hackgods/dental-chat-scheduling/internal/validation"
	"github.com/hackgods/dental-chat-scheduling/pkg/logging"
)

const (
	EventAppointmentCreated     = "APPOINTMENT_CREATED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
)

// reminderOffsets are queued before the appointment start, skipping any
// whose fire time has already passed.
var reminderOffsets = []time.Duration{24 * time.Hour, 2 * time.Hour}

type Service struct {
	resolver     TenantResolver
	notifier     Notifier
	logger       *logging.Logger
	metrics      *metrics.Metrics
	tracer       trace.Tracer
	now          func() time.Time
	txTimeout    time.Duration
	notifyWait   time.Duration
	slotMinutes  int
	defaultTZ    string
	phoneRegion  string
	bySpecialism bool
}

type Option func(*Service)

func WithNotifier(n Notifier) Option        { return func(s *Service) { s.notifier = n } }
func WithLogger(l *logging.Logger) Option   { return func(s *Service) { s.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithTxTimeout bounds every scheduling transaction. A practitioner row lock
// is never held longer than this.
func WithTxTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.txTimeout = d
		}
	}
}

func WithSlotMinutes(m int) Option {
	return func(s *Service) {
		if m > 0 {
			s.slotMinutes = m
		}
	}
}

func WithDefaultTimezone(tz string) Option {
	return func(s *Service) {
		if tz != "" {
			s.defaultTZ = tz
		}
	}
}

// WithPhoneRegion sets the region used to parse phone numbers without a
// country prefix.
func WithPhoneRegion(region string) Option {
	return func(s *Service) {
		if region != "" {
			s.phoneRegion = region
		}
	}
}

// WithSpecializationFilter restricts availability to practitioners whose
// specialization matches the requested service type. Off by default.
func WithSpecializationFilter(on bool) Option {
	return func(s *Service) { s.bySpecialism = on }
}

func NewService(resolver TenantResolver, opts ...Option) *Service {
	if resolver == nil {
		panic("appointment: tenant resolver required")
	}
	s := &Service{
		resolver:    resolver,
		notifier:    NopNotifier{},
		logger:      logging.Default(),
		tracer:      otel.Tracer("dental.internal.appointment"),
		now:         time.Now,
		txTimeout:   5 * time.Second,
		notifyWait:  3 * time.Second,
		slotMinutes: 30,
		defaultTZ:   "UTC",
		phoneRegion: "US",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type AvailabilityRequest struct {
	TenantID        string `json:"tenant_id" validate:"required"`
	Date            string `json:"date" validate:"required,ymd"`
	ServiceType     string `json:"service_type" validate:"required"`
	PractitionerID  string `json:"practitioner_id" validate:"omitempty,uuid"`
	TimeWindow      string `json:"time_window" validate:"timewindow"`
	Timezone        string `json:"timezone" validate:"omitempty,timezone"`
	DurationMinutes int    `json:"duration_minutes" validate:"omitempty,min=15,max=480"`
}

type BookRequest struct {
	TenantID        string `json:"tenant_id" validate:"required"`
	PatientEmail    string `json:"patient_email" validate:"required,email"`
	PatientName     string `json:"patient_name"`
	PatientPhone    string `json:"patient_phone"`
	PractitionerID  string `json:"practitioner_id" validate:"required,uuid"`
	ServiceType     string `json:"service_type" validate:"required"`
	Date            string `json:"date" validate:"required,ymd"`
	Time            string `json:"time" validate:"required,hhmm"`
	Timezone        string `json:"timezone" validate:"omitempty,timezone"`
	DurationMinutes int    `json:"duration_minutes" validate:"omitempty,min=15,max=480"`
	Notes           string `json:"notes" validate:"max=2000"`
	BookedBy        string `json:"booked_by" validate:"required"`
}

type RescheduleRequest struct {
	TenantID      string `json:"tenant_id" validate:"required"`
	AppointmentID string `json:"appointment_id" validate:"required,uuid"`
	NewDate       string `json:"new_date" validate:"required,ymd"`
	NewTime       string `json:"new_time" validate:"required,hhmm"`
	Timezone      string `json:"timezone" validate:"omitempty,timezone"`
	RescheduledBy string `json:"rescheduled_by" validate:"required"`
}

type CancelRequest struct {
	TenantID      string `json:"tenant_id" validate:"required"`
	AppointmentID string `json:"appointment_id" validate:"required,uuid"`
	Reason        string `json:"reason" validate:"max=500"`
	CancelledBy   string `json:"cancelled_by" validate:"required"`
}

func validate(req any) error {
	if fe := validation.Struct(req); fe != nil {
		return &ValidationError{Field: fe.Field, Message: fe.Message}
	}
	return nil
}

// CheckAvailability reads one snapshot of the tenant's schedule and computes
// free slots from it.
func (s *Service) CheckAvailability(ctx context.Context, req AvailabilityRequest) (res *AvailabilityResult, err error) {
	ctx, span := s.start(ctx, "appointment.check_availability", req.TenantID)
	started := time.Now()
	defer func() { s.finish(span, "check_availability", started, err) }()

	if err := validate(req); err != nil {
		return nil, err
	}
	store, err := s.resolver.Resolve(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	clinic, err := store.ClinicInfo(ctx)
	switch {
	case errors.Is(err, ErrClinicNotConfigured):
		clinic = &ClinicInfo{}
	case err != nil:
		return nil, fmt.Errorf("load clinic info: %w", err)
	}
	loc, err := s.location(req.Timezone, clinic.Timezone)
	if err != nil {
		return nil, err
	}
	day, err := time.ParseInLocation("2006-01-02", req.Date, loc)
	if err != nil {
		return nil, &ValidationError{Field: "date", Message: "must be a date in YYYY-MM-DD format"}
	}

	practitioners, err := s.candidatePractitioners(ctx, store, req)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, len(practitioners))
	for i, p := range practitioners {
		ids[i] = p.ID
	}
	var existing []Appointment
	if len(ids) > 0 {
		existing, err = store.ListActiveAppointments(ctx, ids, day, day.AddDate(0, 0, 1))
		if err != nil {
			return nil, fmt.Errorf("list appointments: %w", err)
		}
	}

	out := ComputeAvailability(AvailabilityInput{
		Date:            day,
		Location:        loc,
		ClinicHours:     clinic.BusinessHours,
		Practitioners:   practitioners,
		Existing:        existing,
		Window:          TimeWindow(req.TimeWindow),
		SlotMinutes:     s.slotMinutes,
		DurationMinutes: req.DurationMinutes,
		Now:             s.now(),
	})
	span.SetAttributes(attribute.Int("slots", len(out.Slots)))
	return &out, nil
}

func (s *Service) candidatePractitioners(ctx context.Context, store Store, req AvailabilityRequest) ([]Practitioner, error) {
	if req.PractitionerID != "" {
		id, _ := uuid.Parse(req.PractitionerID)
		p, err := store.GetPractitioner(ctx, id)
		if err != nil {
			return nil, err
		}
		return []Practitioner{*p}, nil
	}
	all, err := store.ListPractitioners(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list practitioners: %w", err)
	}
	if !s.bySpecialism {
		return all, nil
	}
	filtered := all[:0:0]
	want := strings.ToLower(req.ServiceType)
	for _, p := range all {
		specialty := strings.ToLower(p.Specialization)
		if specialty == "" || strings.Contains(specialty, want) || strings.Contains(want, specialty) {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}

// BookAppointment creates an appointment under a row lock on the
// practitioner. Exactly one of two concurrent bookings for an overlapping
// interval succeeds; the other gets a *ConflictError.
func (s *Service) BookAppointment(ctx context.Context, req BookRequest) (res *AppointmentDetail, err error) {
	ctx, span := s.start(ctx, "appointment.book", req.TenantID)
	started := time.Now()
	defer func() { s.finish(span, "book", started, err) }()

	if err := validate(req); err != nil {
		return nil, err
	}
	patientIn, err := normalizePatient(PatientInput{Email: req.PatientEmail, Name: req.PatientName, Phone: req.PatientPhone}, s.phoneRegion)
	if err != nil {
		return nil, err
	}
	practitionerID, _ := uuid.Parse(req.PractitionerID)
	span.SetAttributes(attribute.String("practitioner_id", practitionerID.String()))

	store, err := s.resolver.Resolve(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	tz, err := s.tenantTimezone(ctx, store, req.Timezone)
	if err != nil {
		return nil, err
	}

	var created AppointmentDetail
	err = s.inTx(ctx, store, func(ctx context.Context, tx Tx) error {
		patient, err := tx.FindOrCreatePatient(ctx, patientIn)
		if err != nil {
			return fmt.Errorf("resolve patient: %w", err)
		}

		duration := req.DurationMinutes
		var serviceID *uuid.UUID
		svc, err := tx.FindServiceByType(ctx, req.ServiceType)
		switch {
		case err == nil:
			serviceID = &svc.ID
			if duration == 0 {
				duration = svc.DurationMinutes
			}
		case errors.Is(err, ErrServiceNotFound) && duration > 0:
		default:
			return err
		}

		local, start, end, err := interval(req.Date, req.Time, tz, duration)
		if err != nil {
			return err
		}

		practitioner, err := tx.LockPractitioner(ctx, practitionerID)
		if err != nil {
			return err
		}
		if !practitioner.Active {
			return &ValidationError{Field: "practitioner_id", Message: "practitioner is not accepting appointments"}
		}

		conflicts, err := tx.FindOverlapping(ctx, practitionerID, start, end, nil)
		if err != nil {
			return fmt.Errorf("check overlap: %w", err)
		}
		if len(conflicts) > 0 {
			return &ConflictError{Conflicts: conflicts}
		}

		appt := &Appointment{
			ID:              uuid.New(),
			PatientID:       patient.ID,
			PractitionerID:  practitionerID,
			ServiceID:       serviceID,
			ServiceType:     req.ServiceType,
			ScheduledAt:     local,
			StartUTC:        start,
			EndUTC:          end,
			Timezone:        tz,
			DurationMinutes: duration,
			Status:          StatusScheduled,
			Version:         1,
			Notes:           req.Notes,
			CreatedBy:       req.BookedBy,
			UpdatedBy:       req.BookedBy,
		}
		if err := tx.InsertAppointment(ctx, appt); err != nil {
			return fmt.Errorf("insert appointment: %w", err)
		}
		if err := s.logEvent(ctx, tx, appt.ID, EventAppointmentCreated, map[string]any{
			"practitioner_id": practitionerID.String(),
			"start_utc":       start,
			"end_utc":         end,
			"booked_by":       req.BookedBy,
		}); err != nil {
			return err
		}

		created = AppointmentDetail{
			Appointment:      *appt,
			PatientEmail:     patient.Email,
			PatientName:      patient.Name,
			PractitionerName: practitioner.Name,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("appointment booked", "event", "business", "tenant_id", req.TenantID,
		"appointment_id", created.ID, "practitioner_id", created.PractitionerID, "start_utc", created.StartUTC)
	s.notifyBooked(ctx, req.TenantID, created, false)
	return &created, nil
}

// RescheduleAppointment moves an active appointment, keeping its duration.
// The overlap check excludes the appointment itself.
func (s *Service) RescheduleAppointment(ctx context.Context, req RescheduleRequest) (res *AppointmentDetail, err error) {
	ctx, span := s.start(ctx, "appointment.reschedule", req.TenantID)
	started := time.Now()
	defer func() { s.finish(span, "reschedule", started, err) }()

	if err := validate(req); err != nil {
		return nil, err
	}
	apptID, _ := uuid.Parse(req.AppointmentID)
	span.SetAttributes(attribute.String("appointment_id", apptID.String()))

	store, err := s.resolver.Resolve(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	err = s.inTx(ctx, store, func(ctx context.Context, tx Tx) error {
		appt, err := tx.LockAppointment(ctx, apptID)
		if err != nil {
			return err
		}
		if !appt.Status.IsActive() {
			return ErrAppointmentNotFound
		}

		tz := req.Timezone
		if tz == "" {
			tz = appt.Timezone
		}
		local, start, end, err := interval(req.NewDate, req.NewTime, tz, appt.DurationMinutes)
		if err != nil {
			return err
		}

		if _, err := tx.LockPractitioner(ctx, appt.PractitionerID); err != nil {
			return err
		}
		conflicts, err := tx.FindOverlapping(ctx, appt.PractitionerID, start, end, &appt.ID)
		if err != nil {
			return fmt.Errorf("check overlap: %w", err)
		}
		if len(conflicts) > 0 {
			return &ConflictError{Conflicts: conflicts}
		}

		previous := appt.StartUTC
		appt.ScheduledAt, appt.StartUTC, appt.EndUTC, appt.Timezone = local, start, end, tz
		appt.UpdatedBy = req.RescheduledBy
		if err := tx.UpdateAppointmentTime(ctx, appt); err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}
		return s.logEvent(ctx, tx, appt.ID, EventAppointmentRescheduled, map[string]any{
			"previous_start_utc": previous,
			"start_utc":          start,
			"rescheduled_by":     req.RescheduledBy,
		})
	})
	if err != nil {
		return nil, err
	}

	detail, err := store.GetAppointmentDetail(ctx, apptID)
	if err != nil {
		return nil, fmt.Errorf("load rescheduled appointment: %w", err)
	}
	s.logger.Info("appointment rescheduled", "event", "business", "tenant_id", req.TenantID,
		"appointment_id", apptID, "start_utc", detail.StartUTC, "version", detail.Version)
	s.notifyBooked(ctx, req.TenantID, *detail, true)
	return detail, nil
}

// CancelAppointment transitions a scheduled or confirmed appointment to
// cancelled. A second cancel reports ErrAppointmentNotFound.
func (s *Service) CancelAppointment(ctx context.Context, req CancelRequest) (err error) {
	ctx, span := s.start(ctx, "appointment.cancel", req.TenantID)
	started := time.Now()
	defer func() { s.finish(span, "cancel", started, err) }()

	if err := validate(req); err != nil {
		return err
	}
	apptID, _ := uuid.Parse(req.AppointmentID)
	span.SetAttributes(attribute.String("appointment_id", apptID.String()))

	store, err := s.resolver.Resolve(ctx, req.TenantID)
	if err != nil {
		return err
	}

	err = s.inTx(ctx, store, func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetAppointmentInStatus(ctx, apptID, CancellableStatuses); err != nil {
			return err
		}
		n, err := tx.CancelAppointment(ctx, apptID, CancellableStatuses, req.Reason, req.CancelledBy)
		if err != nil {
			return fmt.Errorf("cancel appointment: %w", err)
		}
		if n == 0 {
			// lost the race to another cancel or status change
			return ErrAppointmentNotFound
		}
		return s.logEvent(ctx, tx, apptID, EventAppointmentCancelled, map[string]any{
			"reason":       req.Reason,
			"cancelled_by": req.CancelledBy,
		})
	})
	if err != nil {
		return err
	}

	s.logger.Info("appointment cancelled", "event", "business", "tenant_id", req.TenantID, "appointment_id", apptID)
	s.notifyCancelled(ctx, req.TenantID, store, apptID, req.Reason)
	return nil
}

// FindPatientAppointments lists a patient's appointments ordered by
// scheduled time. An empty status list means any status.
func (s *Service) FindPatientAppointments(ctx context.Context, tenantID, email string, statuses ...AppointmentStatus) (res []AppointmentDetail, err error) {
	ctx, span := s.start(ctx, "appointment.find_patient_appointments", tenantID)
	started := time.Now()
	defer func() { s.finish(span, "find_patient_appointments", started, err) }()

	email = strings.ToLower(strings.TrimSpace(email))
	if !validation.IsEmail(email) {
		return nil, &ValidationError{Field: "patient_email", Message: "must be a valid email address"}
	}
	for _, st := range statuses {
		if !st.Valid() {
			return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", st)}
		}
	}
	store, err := s.resolver.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out, err := store.FindPatientAppointments(ctx, email, statuses)
	if err != nil {
		return nil, fmt.Errorf("find patient appointments: %w", err)
	}
	return out, nil
}

func (s *Service) ListPractitioners(ctx context.Context, tenantID string) ([]Practitioner, error) {
	store, err := s.resolver.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return store.ListPractitioners(ctx, true)
}

func (s *Service) ClinicInfo(ctx context.Context, tenantID string) (*ClinicInfo, error) {
	store, err := s.resolver.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return store.ClinicInfo(ctx)
}

// inTx bounds the transaction with the configured timeout. A timeout is an
// internal error, never a conflict.
func (s *Service) inTx(ctx context.Context, store Store, fn func(ctx context.Context, tx Tx) error) error {
	txCtx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	err := store.WithTx(txCtx, fn)
	if err != nil && errors.Is(txCtx.Err(), context.DeadlineExceeded) && !isDomainError(err) {
		return fmt.Errorf("appointment: transaction timed out after %s: %w", s.txTimeout, context.DeadlineExceeded)
	}
	return err
}

func (s *Service) logEvent(ctx context.Context, tx Tx, appointmentID uuid.UUID, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal event payload", "event_type", eventType, "error", err)
		data = []byte("{}")
	}
	if err := tx.InsertEvent(ctx, EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		Payload:       data,
		CreatedAt:     s.now(),
	}); err != nil {
		return fmt.Errorf("insert event %s: %w", eventType, err)
	}
	return nil
}

func (s *Service) tenantTimezone(ctx context.Context, store Store, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	clinic, err := store.ClinicInfo(ctx)
	switch {
	case err == nil && clinic.Timezone != "":
		return clinic.Timezone, nil
	case err == nil, errors.Is(err, ErrClinicNotConfigured):
		return s.defaultTZ, nil
	default:
		return "", fmt.Errorf("load clinic info: %w", err)
	}
}

func (s *Service) location(requested, clinic string) (*time.Location, error) {
	name := requested
	if name == "" {
		name = clinic
	}
	if name == "" {
		name = s.defaultTZ
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, &ValidationError{Field: "timezone", Message: "must be an IANA timezone name"}
	}
	return loc, nil
}

// interval converts a tenant-local date and time into the local wall clock
// and the UTC [start, end) range.
func interval(date, clock, tz string, durationMinutes int) (local, start, end time.Time, err error) {
	if durationMinutes < 15 || durationMinutes > 480 {
		return local, start, end, &ValidationError{Field: "duration_minutes", Message: "must be between 15 and 480"}
	}
	loc, lerr := time.LoadLocation(tz)
	if lerr != nil {
		return local, start, end, &ValidationError{Field: "timezone", Message: "must be an IANA timezone name"}
	}
	local, perr := time.ParseInLocation("2006-01-02 15:04", date+" "+clock, loc)
	if perr != nil {
		return local, start, end, &ValidationError{Field: "date", Message: "date and time do not form a valid local time"}
	}
	start = local.UTC()
	end = start.Add(time.Duration(durationMinutes) * time.Minute)
	return local, start, end, nil
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict)
}

// Outcome classifies err for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}

func (s *Service) start(ctx context.Context, name, tenantID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("tenant_id", tenantID)))
}

func (s *Service) finish(span trace.Span, op string, started time.Time, err error) {
	outcome := Outcome(err)
	s.metrics.ObserveScheduling(op, outcome, started)
	if outcome == "error" {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("scheduling operation failed", "operation", op, "error", err)
	}
	span.End()
}
