package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/dental-chat-scheduling/internal/db"
)

// queryer is what both a pool and a pgx.Tx offer.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgDB interface {
	queryer
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PgStore is a tenant store backed by one Postgres database.
type PgStore struct {
	db pgDB
}

func NewPgStore(pool pgDB) *PgStore {
	return &PgStore{db: pool}
}

// WithTx begins a transaction, runs fn and commits. Any error from fn or a
// cancelled ctx rolls back; the connection is always released.
func (s *PgStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			_ = tx.Rollback(rbCtx)
		}
	}()

	if err = fn(ctx, &pgTx{q: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const appointmentColumns = `a.id, a.patient_id, a.practitioner_id, a.service_id, a.service_type, a.scheduled_at,
	a.start_utc, a.end_utc, a.timezone, a.duration_minutes, a.status, a.version, a.notes,
	a.cancellation_reason, a.created_by, a.updated_by, a.created_at, a.updated_at`

const detailSelect = `SELECT ` + appointmentColumns + `, p.email, p.name, pr.name
	FROM appointments a
	JOIN patients p ON p.id = a.patient_id
	JOIN practitioners pr ON pr.id = a.practitioner_id`

// Helpers

func scanAppointment(row pgx.Row, extra ...any) (*Appointment, error) {
	var a Appointment
	var status string
	dest := append([]any{
		&a.ID, &a.PatientID, &a.PractitionerID, &a.ServiceID, &a.ServiceType, &a.ScheduledAt,
		&a.StartUTC, &a.EndUTC, &a.Timezone, &a.DurationMinutes, &status, &a.Version, &a.Notes,
		&a.CancellationReason, &a.CreatedBy, &a.UpdatedBy, &a.CreatedAt, &a.UpdatedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	a.Status = AppointmentStatus(status)
	a.ScheduledAt = wallClockIn(a.ScheduledAt, a.Timezone)
	return &a, nil
}

func scanDetail(row pgx.Row) (*AppointmentDetail, error) {
	var d AppointmentDetail
	a, err := scanAppointment(row, &d.PatientEmail, &d.PatientName, &d.PractitionerName)
	if err != nil {
		return nil, err
	}
	d.Appointment = *a
	return &d, nil
}

// wallClockIn re-labels a TIMESTAMP (no zone) value with the tenant location.
func wallClockIn(t time.Time, tz string) time.Time {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}

func scanPractitioner(row pgx.Row) (*Practitioner, error) {
	var p Practitioner
	var schedule []byte
	if err := row.Scan(&p.ID, &p.Name, &p.Specialization, &p.Active, &schedule); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPractitionerNotFound
		}
		return nil, err
	}
	if len(schedule) > 0 {
		if err := json.Unmarshal(schedule, &p.Schedule); err != nil {
			return nil, fmt.Errorf("decode practitioner schedule: %w", err)
		}
	}
	return &p, nil
}

func scanService(row pgx.Row) (*ClinicService, error) {
	var s ClinicService
	if err := row.Scan(&s.ID, &s.Name, &s.Type, &s.Category, &s.DurationMinutes, &s.PriceCents); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrServiceNotFound
		}
		return nil, err
	}
	return &s, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	if err := row.Scan(&p.ID, &p.Email, &p.Name, &p.Phone, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

const serviceByTypeSQL = `
	SELECT id, name, type, category, duration_minutes, price_cents
	FROM services
	WHERE active
	  AND (lower(type) = lower($1) OR lower(category) = lower($1) OR lower(name) = lower($1))
	ORDER BY (lower(type) = lower($1)) DESC, name
	LIMIT 1`

func findServiceByType(ctx context.Context, q queryer, serviceType string) (*ClinicService, error) {
	return scanService(q.QueryRow(ctx, serviceByTypeSQL, serviceType))
}

const practitionerColumns = `id, name, specialization, active, schedule`

// Store reads

func (s *PgStore) ClinicInfo(ctx context.Context) (*ClinicInfo, error) {
	var c ClinicInfo
	var hours []byte
	err := s.db.QueryRow(ctx, `
		SELECT name, address, phone, email, timezone, business_hours
		FROM clinic_settings
		WHERE id = 1
	`).Scan(&c.Name, &c.Address, &c.Phone, &c.Email, &c.Timezone, &hours)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClinicNotConfigured
		}
		return nil, fmt.Errorf("load clinic settings: %w", err)
	}
	if len(hours) > 0 {
		if err := json.Unmarshal(hours, &c.BusinessHours); err != nil {
			return nil, fmt.Errorf("decode business hours: %w", err)
		}
	}
	return &c, nil
}

func (s *PgStore) ListPractitioners(ctx context.Context, activeOnly bool) ([]Practitioner, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+practitionerColumns+`
		FROM practitioners
		WHERE ($1 = false OR active)
		ORDER BY name, id
	`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Practitioner
	for rows.Next() {
		p, err := scanPractitioner(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (s *PgStore) GetPractitioner(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	return scanPractitioner(s.db.QueryRow(ctx, `
		SELECT `+practitionerColumns+`
		FROM practitioners
		WHERE id = $1
	`, id))
}

func (s *PgStore) FindServiceByType(ctx context.Context, serviceType string) (*ClinicService, error) {
	return findServiceByType(ctx, s.db, serviceType)
}

func (s *PgStore) ListActiveAppointments(ctx context.Context, practitionerIDs []uuid.UUID, from, to time.Time) ([]Appointment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments a
		WHERE a.practitioner_id = ANY($1)
		  AND a.status = ANY($2)
		  AND a.start_utc < $4
		  AND a.end_utc > $3
		ORDER BY a.start_utc
	`, practitionerIDs, statusStrings(ActiveStatuses), from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

func (s *PgStore) FindPatientAppointments(ctx context.Context, email string, statuses []AppointmentStatus) ([]AppointmentDetail, error) {
	rows, err := s.db.Query(ctx, detailSelect+`
		WHERE lower(p.email) = lower($1)
		  AND (cardinality($2::text[]) = 0 OR a.status = ANY($2))
		ORDER BY a.scheduled_at ASC, a.id
	`, email, statusStrings(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AppointmentDetail
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}
	return result, rows.Err()
}

func (s *PgStore) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	return scanDetail(s.db.QueryRow(ctx, detailSelect+`
		WHERE a.id = $1
	`, id))
}

// pgTx implements Tx on top of a pgx transaction.
type pgTx struct {
	q queryer
}

const patientByEmailSQL = `
	SELECT id, email, name, phone, created_at
	FROM patients
	WHERE lower(email) = lower($1)`

func (t *pgTx) FindOrCreatePatient(ctx context.Context, in PatientInput) (*Patient, error) {
	p, err := scanPatient(t.q.QueryRow(ctx, patientByEmailSQL, in.Email))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrPatientNotFound) {
		return nil, err
	}

	// A concurrent insert of the same email is absorbed by the unique index.
	if _, err := t.q.Exec(ctx, `
		INSERT INTO patients (id, email, name, phone)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT ((lower(email))) DO NOTHING
	`, uuid.New(), in.Email, in.Name, in.Phone); err != nil {
		return nil, fmt.Errorf("insert patient: %w", err)
	}
	return scanPatient(t.q.QueryRow(ctx, patientByEmailSQL, in.Email))
}

func (t *pgTx) FindServiceByType(ctx context.Context, serviceType string) (*ClinicService, error) {
	return findServiceByType(ctx, t.q, serviceType)
}

func (t *pgTx) LockPractitioner(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	return scanPractitioner(t.q.QueryRow(ctx, `
		SELECT `+practitionerColumns+`
		FROM practitioners
		WHERE id = $1
		FOR UPDATE
	`, id))
}

func (t *pgTx) LockAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(t.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments a
		WHERE a.id = $1
		FOR UPDATE
	`, id))
}

const overlapSQL = `
	SELECT id, start_utc, end_utc
	FROM appointments
	WHERE practitioner_id = $1
	  AND status = ANY($2)
	  AND ((start_utc <= $3 AND end_utc > $3)
	    OR (start_utc < $4 AND end_utc >= $4)
	    OR (start_utc >= $3 AND start_utc < $4))
	  AND ($5::uuid IS NULL OR id <> $5)
	ORDER BY start_utc`

func (t *pgTx) FindOverlapping(ctx context.Context, practitionerID uuid.UUID, start, end time.Time, exclude *uuid.UUID) ([]Conflict, error) {
	rows, err := t.q.Query(ctx, overlapSQL, practitionerID, statusStrings(ActiveStatuses), start.UTC(), end.UTC(), exclude)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Conflict
	for rows.Next() {
		var c Conflict
		if err := rows.Scan(&c.ID, &c.StartTime, &c.EndTime); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (t *pgTx) InsertAppointment(ctx context.Context, a *Appointment) error {
	return t.q.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, practitioner_id, service_id, service_type, scheduled_at,
			start_utc, end_utc, timezone, duration_minutes, status, version, notes, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at
	`, a.ID, a.PatientID, a.PractitionerID, a.ServiceID, a.ServiceType, a.ScheduledAt,
		a.StartUTC, a.EndUTC, a.Timezone, a.DurationMinutes, string(a.Status), a.Version, a.Notes,
		a.CreatedBy, a.UpdatedBy,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (t *pgTx) UpdateAppointmentTime(ctx context.Context, a *Appointment) error {
	err := t.q.QueryRow(ctx, `
		UPDATE appointments
		SET scheduled_at = $2,
		    start_utc = $3,
		    end_utc = $4,
		    timezone = $5,
		    updated_by = $6,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		RETURNING version, updated_at
	`, a.ID, a.ScheduledAt, a.StartUTC, a.EndUTC, a.Timezone, a.UpdatedBy).Scan(&a.Version, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAppointmentNotFound
	}
	return err
}

func (t *pgTx) GetAppointmentInStatus(ctx context.Context, id uuid.UUID, statuses []AppointmentStatus) (*Appointment, error) {
	return scanAppointment(t.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments a
		WHERE a.id = $1
		  AND a.status = ANY($2)
	`, id, statusStrings(statuses)))
}

func (t *pgTx) CancelAppointment(ctx context.Context, id uuid.UUID, statuses []AppointmentStatus, reason, by string) (int64, error) {
	tag, err := t.q.Exec(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    cancellation_reason = $3,
		    updated_by = $4,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND status = ANY($2)
	`, id, statusStrings(statuses), reason, by)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO appointment_events (appointment_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.AppointmentID, ev.EventType, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// PoolSource hands out the pool of a tenant database.
type PoolSource interface {
	Pool(ctx context.Context, tenantID string) (*pgxpool.Pool, error)
}

// PgResolver resolves tenants to Postgres-backed stores.
type PgResolver struct {
	pools PoolSource
}

func NewPgResolver(pools PoolSource) *PgResolver {
	return &PgResolver{pools: pools}
}

func (r *PgResolver) Resolve(ctx context.Context, tenantID string) (Store, error) {
	pool, err := r.pools.Pool(ctx, tenantID)
	if err != nil {
		if errors.Is(err, db.ErrUnknownTenant) {
			return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
		}
		return nil, fmt.Errorf("resolve tenant %s: %w", tenantID, err)
	}
	return NewPgStore(pool), nil
}
