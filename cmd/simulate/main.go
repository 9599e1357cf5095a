package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/dental-chat-scheduling/internal/config"
	"github.com/hackgods/dental-chat-scheduling/internal/db"
	"github.com/hackgods/dental-chat-scheduling/pkg/logging"
)

type SimConfig struct {
	APIBaseURL       string
	Tenant           string
	Duration         time.Duration
	Workers          int
	BookingRatio     float64
	RescheduleRatio  float64
	CancelRatio      float64
	AvailRatio       float64
	Days             int
	ServiceType      string
	TenantDSN        string
	PractitionerCap  int
	CandidateMinutes []string
}

// candidate is one (practitioner, date, time) many workers compete for.
type candidate struct {
	PractitionerID uuid.UUID
	Date           string
	Time           string
}

type DataPool struct {
	Candidates   []candidate
	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err == nil && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case err == nil && (status == http.StatusConflict || status == http.StatusNotFound):
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, worst time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0
	}
	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	pct := func(p int) time.Duration {
		return latencies[min(len(latencies)*p/100, len(latencies)-1)]
	}
	return sum / time.Duration(len(latencies)), pct(50), pct(95), latencies[len(latencies)-1]
}

type Metrics struct {
	Booking      OperationMetrics
	Reschedule   OperationMetrics
	Cancel       OperationMetrics
	Availability OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	logger  *logging.Logger
}

func main() {
	logger := logging.New(getEnv("LOG_LEVEL", "info"))

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}
	logger.Info("simulator starting", "duration", cfg.Duration.String(), "workers", cfg.Workers,
		"booking", cfg.BookingRatio, "reschedule", cfg.RescheduleRatio, "cancel", cfg.CancelRatio)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.TenantDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		logger.Error("load data pool", "error", err)
		os.Exit(1)
	}
	logger.Info("data pool loaded", "candidates", len(dataPool.Candidates))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
	sim.Run()
	sim.PrintReport()

	overlaps, err := countOverlaps(context.Background(), pgPool)
	if err != nil {
		logger.Error("overlap check failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Overlapping active appointments: %d\n", overlaps)
	if overlaps > 0 {
		os.Exit(2)
	}
}

func loadConfig() (SimConfig, error) {
	baseCfg, err := config.Load()
	if err != nil {
		return SimConfig{}, fmt.Errorf("load base config: %w", err)
	}

	cfg := SimConfig{
		APIBaseURL:       getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Tenant:           getEnv("SIM_TENANT", "default"),
		Duration:         getDuration("SIM_DURATION", 30*time.Second),
		Workers:          getInt("SIM_WORKERS", 20),
		BookingRatio:     getFloat("SIM_BOOKING_RATIO", 0.5),
		RescheduleRatio:  getFloat("SIM_RESCHEDULE_RATIO", 0.15),
		CancelRatio:      getFloat("SIM_CANCEL_RATIO", 0.1),
		AvailRatio:       getFloat("SIM_AVAILABILITY_RATIO", 0.25),
		Days:             getInt("SIM_DAYS", 3),
		ServiceType:      getEnv("SIM_SERVICE_TYPE", "cleaning"),
		PractitionerCap:  getInt("SIM_PRACTITIONERS", 3),
		CandidateMinutes: strings.Split(getEnv("SIM_TIMES", "09:00,09:15,09:30,10:00,10:30,11:00"), ","),
	}
	cfg.TenantDSN = baseCfg.TenantDSNs[cfg.Tenant]

	total := cfg.BookingRatio + cfg.RescheduleRatio + cfg.CancelRatio + cfg.AvailRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.RescheduleRatio /= total
		cfg.CancelRatio /= total
		cfg.AvailRatio /= total
	}

	switch {
	case cfg.TenantDSN == "":
		return cfg, fmt.Errorf("tenant %q is not configured in TENANT_DSNS", cfg.Tenant)
	case cfg.Workers <= 0:
		return cfg, fmt.Errorf("SIM_WORKERS must be > 0")
	case cfg.Duration <= 0:
		return cfg, fmt.Errorf("SIM_DURATION must be > 0")
	}
	return cfg, nil
}

// loadDataPool builds a deliberately small set of candidate slots on the
// next weekdays so that workers collide.
func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	rows, err := pool.Query(ctx, `
		SELECT id FROM practitioners WHERE active ORDER BY name LIMIT $1`, cfg.PractitionerCap)
	if err != nil {
		return nil, fmt.Errorf("load practitioners: %w", err)
	}
	defer rows.Close()

	var practitioners []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		practitioners = append(practitioners, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(practitioners) == 0 {
		return nil, fmt.Errorf("no practitioners loaded")
	}

	var dates []string
	for d := time.Now().AddDate(0, 0, 1); len(dates) < cfg.Days; d = d.AddDate(0, 0, 1) {
		if d.Weekday() != time.Saturday && d.Weekday() != time.Sunday {
			dates = append(dates, d.Format("2006-01-02"))
		}
	}

	dp := &DataPool{}
	for _, p := range practitioners {
		for _, date := range dates {
			for _, clock := range cfg.CandidateMinutes {
				dp.Candidates = append(dp.Candidates, candidate{PractitionerID: p, Date: date, Time: strings.TrimSpace(clock)})
			}
		}
	}
	return dp, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.logger.Info("starting simulation", "duration", s.config.Duration.String(), "workers", s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()
	s.logger.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng, workerID)
		case r < s.config.BookingRatio+s.config.RescheduleRatio:
			s.doReschedule(ctx, rng)
		case r < s.config.BookingRatio+s.config.RescheduleRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		default:
			s.doAvailability(ctx, rng)
		}
	}
}

func (s *Simulator) tenantURL(format string, args ...any) string {
	return s.config.APIBaseURL + "/v1/tenants/" + s.config.Tenant + fmt.Sprintf(format, args...)
}

func (s *Simulator) call(ctx context.Context, method, url string, body any) (int, []byte, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, 0, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, nil, latency, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return resp.StatusCode, data, latency, err
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand, workerID int) {
	c := s.pool.Candidates[rng.Intn(len(s.pool.Candidates))]
	status, body, latency, err := s.call(ctx, http.MethodPost, s.tenantURL("/appointments"), map[string]any{
		"patient_email":   fmt.Sprintf("sim-%d-%d@example.com", workerID, rng.Intn(50)),
		"practitioner_id": c.PractitionerID.String(),
		"service_type":    s.config.ServiceType,
		"date":            c.Date,
		"time":            c.Time,
		"booked_by":       "simulator",
	})
	if ctx.Err() != nil {
		return
	}
	if err == nil && status == http.StatusCreated {
		var appt struct {
			ID uuid.UUID `json:"id"`
		}
		if json.Unmarshal(body, &appt) == nil && appt.ID != uuid.Nil {
			s.pool.AddAppointment(appt.ID)
		}
	}
	s.metrics.Booking.Record(latency, status, err)
}

func (s *Simulator) doReschedule(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	c := s.pool.Candidates[rng.Intn(len(s.pool.Candidates))]
	status, _, latency, err := s.call(ctx, http.MethodPost, s.tenantURL("/appointments/%s/reschedule", id), map[string]any{
		"new_date":       c.Date,
		"new_time":       c.Time,
		"rescheduled_by": "simulator",
	})
	if ctx.Err() != nil {
		return
	}
	s.metrics.Reschedule.Record(latency, status, err)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	status, _, latency, err := s.call(ctx, http.MethodPost, s.tenantURL("/appointments/%s/cancel", id), map[string]any{
		"reason":       "simulated cancellation",
		"cancelled_by": "simulator",
	})
	if ctx.Err() != nil {
		return
	}
	s.metrics.Cancel.Record(latency, status, err)
}

func (s *Simulator) doAvailability(ctx context.Context, rng *rand.Rand) {
	c := s.pool.Candidates[rng.Intn(len(s.pool.Candidates))]
	status, _, latency, err := s.call(ctx, http.MethodGet,
		s.tenantURL("/availability?date=%s&service_type=%s&practitioner_id=%s", c.Date, s.config.ServiceType, c.PractitionerID), nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Availability.Record(latency, status, err)
}

// countOverlaps asks the database directly whether any two active
// appointments of one practitioner intersect.
func countOverlaps(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var n int
	err := pool.QueryRow(ctx, `
		SELECT count(*) FROM appointments a
		JOIN appointments b ON a.practitioner_id = b.practitioner_id AND a.id < b.id
		WHERE a.status IN ('scheduled', 'confirmed', 'in_progress')
		  AND b.status IN ('scheduled', 'confirmed', 'in_progress')
		  AND a.start_utc < b.end_utc AND b.start_utc < a.end_utc`).Scan(&n)
	return n, err
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Candidate slots: %d\n", len(s.pool.Candidates))
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Reschedule", &s.metrics.Reschedule)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Availability", &s.metrics.Availability)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}
	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)
	avg, p50, p95, worst := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts/not found: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond), p95.Round(time.Millisecond), worst.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
