package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sashabaranov/go-openai"

	"github.com/hackgods/dental-chat-scheduling/internal/api"
	"github.com/hackgods/dental-chat-scheduling/internal/appointment"
	"github.com/hackgods/dental-chat-scheduling/internal/authz"
	"github.com/hackgods/dental-chat-scheduling/internal/chat"
	"github.com/hackgods/dental-chat-scheduling/internal/config"
	"github.com/hackgods/dental-chat-scheduling/internal/db"
	"github.com/hackgods/dental-chat-scheduling/internal/metrics"
	"github.com/hackgods/dental-chat-scheduling/internal/nlu"
	"github.com/hackgods/dental-chat-scheduling/internal/notify"
	redisclient "github.com/hackgods/dental-chat-scheduling/internal/redis"
	"github.com/hackgods/dental-chat-scheduling/pkg/logging"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewWithOptions(logging.Options{Level: cfg.LogLevel, FilePath: cfg.LogFile})
	logger.Info("api-server starting up", "env", cfg.Env, "http_port", cfg.HTTPPort, "tenants", len(cfg.TenantDSNs))

	if err := run(cfg, logger); err != nil {
		logger.Error("api-server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *logging.Logger) error {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// platform database holds the notification outbox
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		return fmt.Errorf("postgres connection: %w", err)
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	tenants := db.NewTenantPools(cfg.TenantDSNs, db.ConnectPostgres)
	defer tenants.Close()

	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return fmt.Errorf("redis connection: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", "error", err)
		}
	}()
	logger.Info("connected to Redis")

	m := metrics.New(prometheus.DefaultRegisterer)
	dispatcher := notify.NewDispatcher(notify.NewPgJobStore(pgPool), logger)

	svc := appointment.NewService(appointment.NewPgResolver(tenants),
		appointment.WithNotifier(dispatcher),
		appointment.WithLogger(logger),
		appointment.WithMetrics(m),
		appointment.WithTxTimeout(cfg.TxTimeout),
		appointment.WithSlotMinutes(cfg.SlotMinutes),
		appointment.WithDefaultTimezone(cfg.DefaultTimezone),
	)

	authorizer, err := authz.NewCasbinAuthorizer(cfg.AuthzPolicyPath, tenants.Tenants(), logger)
	if err != nil {
		return fmt.Errorf("authorizer: %w", err)
	}

	orchestrator := chat.NewOrchestrator(chat.Deps{
		Extractor: newExtractor(cfg, logger),
		Scheduler: svc,
		Sessions:  chat.NewRedisSessionStore(rdb, cfg.SessionTTL),
	},
		chat.WithLogger(logger),
		chat.WithMetrics(m),
		chat.WithAuthorizer(authorizer),
		chat.WithLocker(redisclient.NewRedisLocker(rdb, cfg.SessionLockTTL, "lock:session")),
		chat.WithDefaultTimezone(cfg.DefaultTimezone),
		chat.WithConfidenceThreshold(cfg.ConfidenceThreshold),
	)

	router := api.NewRouter(api.RouterConfig{
		Scheduler: svc,
		Chat:      orchestrator,
		Health: api.NewHealthHandler(
			pgPool.Ping,
			func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			cfg.Env, version,
		),
		Gatherer:      prometheus.DefaultGatherer,
		Logger:        logger,
		ChatRateLimit: cfg.ChatRateLimit,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-rootCtx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down api-server", "timeout", cfg.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// newExtractor uses OpenAI when a key is configured and the rule-based
// extractor otherwise.
func newExtractor(cfg config.Config, logger *logging.Logger) nlu.Extractor {
	if cfg.OpenAIAPIKey == "" {
		logger.Warn("OPENAI_API_KEY not set, using rule-based extractor")
		return nlu.NewRuleExtractor()
	}
	return nlu.NewOpenAIExtractor(openai.NewClient(cfg.OpenAIAPIKey), cfg.OpenAIModel, 15*time.Second)
}
