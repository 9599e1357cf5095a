package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PgJobStore keeps the outbox in the platform database.
type PgJobStore struct {
	db pgDB
}

func NewPgJobStore(db pgDB) *PgJobStore {
	return &PgJobStore{db: db}
}

func (s *PgJobStore) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO notification_jobs (id, tenant_id, appointment_id, kind, payload, priority, fire_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.TenantID, job.Payload.AppointmentID, string(job.Kind), payload, job.Priority,
		job.FireAt, string(StatusPending), job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PgJobStore) CancelPending(ctx context.Context, tenantID string, appointmentID uuid.UUID, kinds ...Kind) (int64, error) {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE notification_jobs SET status = 'cancelled'
		WHERE tenant_id = $1 AND appointment_id = $2 AND status = 'pending'
		  AND (cardinality($3::text[]) = 0 OR kind = ANY($3))`,
		tenantID, appointmentID, names)
	if err != nil {
		return 0, fmt.Errorf("cancel pending jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ClaimDue marks up to limit due jobs as processing and pushes their fire
// time to now+lease. Rows locked by another worker are skipped.
func (s *PgJobStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE notification_jobs j
		SET status = 'processing', attempts = j.attempts + 1, fire_at = $2
		WHERE j.id IN (
			SELECT id FROM notification_jobs
			WHERE status IN ('pending', 'processing') AND fire_at <= $1
			ORDER BY priority DESC, fire_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING j.id, j.tenant_id, j.kind, j.payload, j.priority, j.fire_at, j.status,
		          j.attempts, j.last_error, j.created_at, j.sent_at`,
		now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var (
			j       Job
			kind    string
			status  string
			payload []byte
		)
		if err := rows.Scan(&j.ID, &j.TenantID, &kind, &payload, &j.Priority, &j.FireAt, &status,
			&j.Attempts, &j.LastError, &j.CreatedAt, &j.SentAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return nil, fmt.Errorf("decode job %s payload: %w", j.ID, err)
		}
		j.Kind, j.Status = Kind(kind), Status(status)
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	sortJobs(jobs)
	return jobs, nil
}

func (s *PgJobStore) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE notification_jobs SET status = 'sent', sent_at = $2, last_error = ''
		WHERE id = $1 AND status = 'processing'`, id, at)
	if err != nil {
		return fmt.Errorf("mark job sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PgJobStore) MarkFailed(ctx context.Context, id uuid.UUID, lastErr string, retryAt time.Time, final bool) error {
	status := StatusPending
	if final {
		status = StatusFailed
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE notification_jobs SET status = $2, last_error = $3, fire_at = $4
		WHERE id = $1 AND status = 'processing'`, id, string(status), lastErr, retryAt)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func sortJobs(jobs []Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}

// MemoryJobStore is an in-process JobStore.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]Job
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[uuid.UUID]Job)}
}

func (s *MemoryJobStore) Enqueue(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	job.Status = StatusPending
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) CancelPending(_ context.Context, tenantID string, appointmentID uuid.UUID, kinds ...Kind) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.TenantID != tenantID || j.Payload.AppointmentID != appointmentID || j.Status != StatusPending {
			continue
		}
		if len(kinds) > 0 && !kindIn(j.Kind, kinds) {
			continue
		}
		j.Status = StatusCancelled
		s.jobs[id] = j
		n++
	}
	return n, nil
}

func kindIn(k Kind, kinds []Kind) bool {
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

func (s *MemoryJobStore) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Job
	for _, j := range s.jobs {
		if (j.Status == StatusPending || j.Status == StatusProcessing) && !j.FireAt.After(now) {
			due = append(due, j)
		}
	}
	sort.SliceStable(due, func(a, b int) bool {
		if due[a].Priority != due[b].Priority {
			return due[a].Priority > due[b].Priority
		}
		return due[a].FireAt.Before(due[b].FireAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = StatusProcessing
		due[i].Attempts++
		due[i].FireAt = now.Add(lease)
		s.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *MemoryJobStore) MarkSent(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != StatusProcessing {
		return ErrJobNotFound
	}
	j.Status = StatusSent
	j.SentAt = &at
	j.LastError = ""
	s.jobs[id] = j
	return nil
}

func (s *MemoryJobStore) MarkFailed(_ context.Context, id uuid.UUID, lastErr string, retryAt time.Time, final bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != StatusProcessing {
		return ErrJobNotFound
	}
	j.Status = StatusPending
	if final {
		j.Status = StatusFailed
	}
	j.LastError = lastErr
	j.FireAt = retryAt
	s.jobs[id] = j
	return nil
}

// Jobs returns a snapshot ordered by creation time.
func (s *MemoryJobStore) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

// Get returns one job.
func (s *MemoryJobStore) Get(id uuid.UUID) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return j, nil
}
