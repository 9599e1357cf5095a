package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/dental-chat-scheduling/internal/appointment"
	"github.com/hackgods/dental-chat-scheduling/internal/config"
	"github.com/hackgods/dental-chat-scheduling/internal/db"
	"github.com/hackgods/dental-chat-scheduling/pkg/logging"
)

type dentalService struct {
	name     string
	kind     string
	category string
	minutes  int
	cents    int64
}

var services = []dentalService{
	{"Teeth Cleaning", "cleaning", "hygiene", 30, 9000},
	{"Routine Checkup", "checkup", "general", 30, 7500},
	{"Filling", "filling", "restorative", 60, 15000},
	{"Root Canal", "root_canal", "endodontics", 90, 90000},
	{"Tooth Extraction", "extraction", "surgery", 45, 20000},
	{"Teeth Whitening", "whitening", "cosmetic", 60, 35000},
	{"Orthodontic Consultation", "consultation", "orthodontics", 30, 0},
}

var specializations = []string{"general", "hygiene", "orthodontics", "endodontics", "oral_surgery", "cosmetic"}

func main() {
	logger := logging.New(getEnv("LOG_LEVEL", "info"))

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	tenant := getEnv("SEED_TENANT", "default")
	dsn, ok := cfg.TenantDSNs[tenant]
	if !ok {
		logger.Error("tenant is not configured in TENANT_DSNS", "tenant_id", tenant)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := db.ApplySchema(ctx, pool); err != nil {
		logger.Error("apply schema", "error", err)
		os.Exit(1)
	}
	// the outbox lives in the platform database
	if dsn != cfg.PostgresDSN {
		platform, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Error("connect platform postgres", "error", err)
			os.Exit(1)
		}
		err = db.ApplySchema(ctx, platform)
		platform.Close()
		if err != nil {
			logger.Error("apply platform schema", "error", err)
			os.Exit(1)
		}
	}

	faker := gofakeit.New(uint64(time.Now().UnixNano()))
	steps := []struct {
		name string
		fn   func(context.Context, *pgxpool.Pool, *gofakeit.Faker) error
	}{
		{"clinic", seedClinic},
		{"services", seedServices},
		{"practitioners", func(ctx context.Context, p *pgxpool.Pool, f *gofakeit.Faker) error {
			return seedPractitioners(ctx, p, f, getInt("SEED_PRACTITIONERS", 8))
		}},
		{"patients", func(ctx context.Context, p *pgxpool.Pool, f *gofakeit.Faker) error {
			return seedPatients(ctx, p, f, getInt("SEED_PATIENTS", 500))
		}},
	}
	for _, step := range steps {
		started := time.Now()
		if err := step.fn(ctx, pool, faker); err != nil {
			logger.Error("seed failed", "step", step.name, "error", err)
			os.Exit(1)
		}
		logger.Info("seeded", "step", step.name, "tenant_id", tenant, "duration", time.Since(started).String())
	}
	logger.Info("seed complete", "tenant_id", tenant)
}

func weekdayHours(opening, closing string) appointment.BusinessHours {
	day := &appointment.DayHours{Open: opening, Close: closing}
	return appointment.BusinessHours{Monday: day, Tuesday: day, Wednesday: day, Thursday: day, Friday: day}
}

func seedClinic(ctx context.Context, pool *pgxpool.Pool, f *gofakeit.Faker) error {
	hours := weekdayHours("08:00", "18:00")
	hours.Saturday = &appointment.DayHours{Open: "09:00", Close: "13:00"}
	raw, err := json.Marshal(hours)
	if err != nil {
		return err
	}
	addr := f.Address()
	_, err = pool.Exec(ctx, `
		INSERT INTO clinic_settings (id, name, address, phone, email, timezone, business_hours)
		VALUES (1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, address = EXCLUDED.address,
			phone = EXCLUDED.phone, email = EXCLUDED.email, timezone = EXCLUDED.timezone,
			business_hours = EXCLUDED.business_hours`,
		f.LastName()+" Family Dental", addr.Address, f.Phone(), strings.ToLower(f.Email()),
		getEnv("SEED_TIMEZONE", "America/New_York"), raw)
	return err
}

func seedServices(ctx context.Context, pool *pgxpool.Pool, _ *gofakeit.Faker) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, s := range services {
		_, err := tx.Exec(ctx, `
			INSERT INTO services (id, name, type, category, duration_minutes, price_cents)
			SELECT $1, $2, $3, $4, $5, $6
			WHERE NOT EXISTS (SELECT 1 FROM services WHERE type = $3)`,
			uuid.New(), s.name, s.kind, s.category, s.minutes, s.cents)
		if err != nil {
			return fmt.Errorf("insert service %s: %w", s.kind, err)
		}
	}
	return tx.Commit(ctx)
}

func seedPractitioners(ctx context.Context, pool *pgxpool.Pool, f *gofakeit.Faker, count int) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		var schedule appointment.BusinessHours
		// every third practitioner only works mornings
		if i%3 == 2 {
			schedule = weekdayHours("08:00", "12:00")
		}
		raw, err := json.Marshal(schedule)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO practitioners (id, name, specialization, active, schedule)
			VALUES ($1, $2, $3, TRUE, $4)`,
			uuid.New(), "Dr. "+f.FirstName()+" "+f.LastName(), specializations[f.Number(0, len(specializations)-1)], raw)
		if err != nil {
			return fmt.Errorf("insert practitioner: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, f *gofakeit.Faker, count int) error {
	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		for i := offset; i < end; i++ {
			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, email, name, phone)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT DO NOTHING`,
				uuid.New(), strings.ToLower(f.Email()), f.Name(), f.Phone())
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	var n int
	if _, err := fmt.Sscanf(os.Getenv(key), "%d", &n); err == nil && n > 0 {
		return n
	}
	return def
}
