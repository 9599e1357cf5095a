package appointment

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Transactions are serialized and run
// against a copy of the mutable tables, so a failed fn leaves no trace.
type MemoryStore struct {
	txSem chan struct{}

	mu            sync.RWMutex
	clinic        *ClinicInfo
	practitioners map[uuid.UUID]Practitioner
	services      []ClinicService
	tables        memTables
}

type memTables struct {
	patients     map[string]Patient // by lowercased email
	appointments map[uuid.UUID]Appointment
	events       []EventLog
}

func (t memTables) clone() memTables {
	out := memTables{
		patients:     make(map[string]Patient, len(t.patients)),
		appointments: make(map[uuid.UUID]Appointment, len(t.appointments)),
		events:       append([]EventLog(nil), t.events...),
	}
	for k, v := range t.patients {
		out.patients[k] = v
	}
	for k, v := range t.appointments {
		out.appointments[k] = v
	}
	return out
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txSem:         make(chan struct{}, 1),
		practitioners: make(map[uuid.UUID]Practitioner),
		tables: memTables{
			patients:     make(map[string]Patient),
			appointments: make(map[uuid.UUID]Appointment),
		},
	}
}

func (s *MemoryStore) SetClinic(c ClinicInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clinic = &c
}

func (s *MemoryStore) AddPractitioner(p Practitioner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.practitioners[p.ID] = p
}

func (s *MemoryStore) AddService(svc ClinicService) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = append(s.services, svc)
}

// PutAppointment stores a as-is, bypassing conflict checks. Used for seeding.
func (s *MemoryStore) PutAppointment(a Appointment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables.appointments[a.ID] = a
}

func (s *MemoryStore) PutPatient(p Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables.patients[strings.ToLower(p.Email)] = p
}

func (s *MemoryStore) Appointment(id uuid.UUID) (Appointment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.tables.appointments[id]
	return a, ok
}

func (s *MemoryStore) Appointments() []Appointment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Appointment, 0, len(s.tables.appointments))
	for _, a := range s.tables.appointments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartUTC.Before(out[j].StartUTC) })
	return out
}

func (s *MemoryStore) Events() []EventLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]EventLog(nil), s.tables.events...)
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	select {
	case s.txSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("begin tx: %w", ctx.Err())
	}
	defer func() { <-s.txSem }()

	s.mu.RLock()
	tx := &memTx{store: s, tables: s.tables.clone()}
	s.mu.RUnlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	s.mu.Lock()
	s.tables = tx.tables
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ClinicInfo(ctx context.Context) (*ClinicInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.clinic == nil {
		return nil, ErrClinicNotConfigured
	}
	c := *s.clinic
	return &c, nil
}

func (s *MemoryStore) ListPractitioners(ctx context.Context, activeOnly bool) ([]Practitioner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Practitioner, 0, len(s.practitioners))
	for _, p := range s.practitioners {
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *MemoryStore) GetPractitioner(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.practitioners[id]
	if !ok {
		return nil, ErrPractitionerNotFound
	}
	return &p, nil
}

func (s *MemoryStore) FindServiceByType(ctx context.Context, serviceType string) (*ClinicService, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findService(serviceType)
}

func (s *MemoryStore) findService(serviceType string) (*ClinicService, error) {
	want := strings.ToLower(serviceType)
	var fallback *ClinicService
	for i := range s.services {
		svc := s.services[i]
		switch want {
		case strings.ToLower(svc.Type):
			return &svc, nil
		case strings.ToLower(svc.Category), strings.ToLower(svc.Name):
			if fallback == nil {
				fallback = &svc
			}
		}
	}
	if fallback == nil {
		return nil, ErrServiceNotFound
	}
	return fallback, nil
}

func (s *MemoryStore) ListActiveAppointments(ctx context.Context, practitionerIDs []uuid.UUID, from, to time.Time) ([]Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := make(map[uuid.UUID]bool, len(practitionerIDs))
	for _, id := range practitionerIDs {
		wanted[id] = true
	}
	var out []Appointment
	for _, a := range s.tables.appointments {
		if wanted[a.PractitionerID] && a.Status.IsActive() && overlaps(a.StartUTC, a.EndUTC, from, to) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartUTC.Before(out[j].StartUTC) })
	return out, nil
}

func (s *MemoryStore) FindPatientAppointments(ctx context.Context, email string, statuses []AppointmentStatus) ([]AppointmentDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	patient, ok := s.tables.patients[strings.ToLower(email)]
	if !ok {
		return nil, nil
	}
	var out []AppointmentDetail
	for _, a := range s.tables.appointments {
		if a.PatientID != patient.ID {
			continue
		}
		if len(statuses) > 0 && !statusIn(a.Status, statuses) {
			continue
		}
		out = append(out, s.detail(a, patient))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartUTC.Equal(out[j].StartUTC) {
			return out[i].StartUTC.Before(out[j].StartUTC)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *MemoryStore) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.tables.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	var patient Patient
	for _, p := range s.tables.patients {
		if p.ID == a.PatientID {
			patient = p
			break
		}
	}
	d := s.detail(a, patient)
	return &d, nil
}

func (s *MemoryStore) detail(a Appointment, p Patient) AppointmentDetail {
	return AppointmentDetail{
		Appointment:      a,
		PatientEmail:     p.Email,
		PatientName:      p.Name,
		PractitionerName: s.practitioners[a.PractitionerID].Name,
	}
}

type memTx struct {
	store  *MemoryStore
	tables memTables
}

func (t *memTx) FindOrCreatePatient(ctx context.Context, in PatientInput) (*Patient, error) {
	key := strings.ToLower(in.Email)
	if p, ok := t.tables.patients[key]; ok {
		return &p, nil
	}
	p := Patient{ID: uuid.New(), Email: key, Name: in.Name, Phone: in.Phone, CreatedAt: time.Now()}
	t.tables.patients[key] = p
	return &p, nil
}

func (t *memTx) FindServiceByType(ctx context.Context, serviceType string) (*ClinicService, error) {
	return t.store.FindServiceByType(ctx, serviceType)
}

// LockPractitioner needs no extra locking: the whole transaction is
// already serialized.
func (t *memTx) LockPractitioner(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	return t.store.GetPractitioner(ctx, id)
}

func (t *memTx) LockAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := t.tables.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (t *memTx) FindOverlapping(ctx context.Context, practitionerID uuid.UUID, start, end time.Time, exclude *uuid.UUID) ([]Conflict, error) {
	var out []Conflict
	for _, a := range t.tables.appointments {
		if a.PractitionerID != practitionerID || !a.Status.IsActive() {
			continue
		}
		if exclude != nil && a.ID == *exclude {
			continue
		}
		if overlapsThreeWay(a.StartUTC, a.EndUTC, start, end) {
			out = append(out, Conflict{ID: a.ID, StartTime: a.StartUTC, EndTime: a.EndUTC})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (t *memTx) InsertAppointment(ctx context.Context, a *Appointment) error {
	if _, exists := t.tables.appointments[a.ID]; exists {
		return fmt.Errorf("appointment %s already exists", a.ID)
	}
	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	t.tables.appointments[a.ID] = *a
	return nil
}

func (t *memTx) UpdateAppointmentTime(ctx context.Context, a *Appointment) error {
	cur, ok := t.tables.appointments[a.ID]
	if !ok {
		return ErrAppointmentNotFound
	}
	cur.ScheduledAt, cur.StartUTC, cur.EndUTC, cur.Timezone = a.ScheduledAt, a.StartUTC, a.EndUTC, a.Timezone
	cur.UpdatedBy = a.UpdatedBy
	cur.Version++
	cur.UpdatedAt = time.Now()
	t.tables.appointments[a.ID] = cur
	a.Version, a.UpdatedAt = cur.Version, cur.UpdatedAt
	return nil
}

func (t *memTx) GetAppointmentInStatus(ctx context.Context, id uuid.UUID, statuses []AppointmentStatus) (*Appointment, error) {
	a, ok := t.tables.appointments[id]
	if !ok || !statusIn(a.Status, statuses) {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (t *memTx) CancelAppointment(ctx context.Context, id uuid.UUID, statuses []AppointmentStatus, reason, by string) (int64, error) {
	a, ok := t.tables.appointments[id]
	if !ok || !statusIn(a.Status, statuses) {
		return 0, nil
	}
	a.Status = StatusCancelled
	a.CancellationReason = reason
	a.UpdatedBy = by
	a.Version++
	a.UpdatedAt = time.Now()
	t.tables.appointments[id] = a
	return 1, nil
}

func (t *memTx) InsertEvent(ctx context.Context, ev EventLog) error {
	ev.ID = int64(len(t.tables.events) + 1)
	t.tables.events = append(t.tables.events, ev)
	return nil
}

// MemoryResolver maps tenant ids to in-memory stores.
type MemoryResolver struct {
	mu     sync.RWMutex
	stores map[string]*MemoryStore
}

func NewMemoryResolver() *MemoryResolver {
	return &MemoryResolver{stores: make(map[string]*MemoryStore)}
}

// Add registers (or replaces) the store for tenantID and returns it.
func (r *MemoryResolver) Add(tenantID string, store *MemoryStore) *MemoryStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[tenantID] = store
	return store
}

func (r *MemoryResolver) Resolve(ctx context.Context, tenantID string) (Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	return s, nil
}
