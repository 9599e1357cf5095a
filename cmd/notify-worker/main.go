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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hackgods/dental-chat-scheduling/internal/config"
	"github.com/hackgods/dental-chat-scheduling/internal/db"
	"github.com/hackgods/dental-chat-scheduling/internal/metrics"
	"github.com/hackgods/dental-chat-scheduling/internal/notify"
	"github.com/hackgods/dental-chat-scheduling/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewWithOptions(logging.Options{Level: cfg.LogLevel, FilePath: cfg.LogFile})
	logger.Info("notify-worker starting up", "env", cfg.Env, "interval", cfg.WorkerInterval.String(),
		"transport", cfg.Notify.Transport)

	if err := run(cfg, logger); err != nil {
		logger.Error("notify-worker stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *logging.Logger) error {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		return fmt.Errorf("postgres connection: %w", err)
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	delivery, closeDelivery, err := newDelivery(cfg.Notify, logger)
	if err != nil {
		return err
	}
	defer closeDelivery()

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.WorkerMetricsPort != "" {
		srv := &http.Server{
			Addr:              ":" + cfg.WorkerMetricsPort,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	worker := notify.NewWorker(notify.NewPgJobStore(pgPool), delivery, notify.WorkerConfig{
		Interval: cfg.WorkerInterval,
	}, logger, m)
	worker.Run(rootCtx)
	return nil
}

// newDelivery picks the transport named by NOTIFY_TRANSPORT. Email prefers
// SendGrid, then SMTP, then a logging stub.
func newDelivery(cfg config.NotifyConfig, logger *logging.Logger) (notify.Deliverer, func(), error) {
	noop := func() {}
	switch cfg.Transport {
	case "email":
		if sg := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger); sg != nil {
			logger.Info("email transport: sendgrid")
			return notify.NewEmailDelivery(sg), noop, nil
		}
		if cfg.SMTPHost != "" {
			logger.Info("email transport: smtp", "host", cfg.SMTPHost, "port", cfg.SMTPPort)
			return notify.NewEmailDelivery(notify.NewSMTPSender(notify.SMTPConfig{
				Host:     cfg.SMTPHost,
				Port:     cfg.SMTPPort,
				Username: cfg.SMTPUsername,
				Password: cfg.SMTPPassword,
				From:     cfg.SMTPFrom,
			})), noop, nil
		}
		logger.Warn("no email provider configured, emails are only logged")
		return notify.NewEmailDelivery(notify.NewStubEmailSender(logger)), noop, nil
	case "amqp":
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			return nil, nil, fmt.Errorf("amqp dial: %w", err)
		}
		d, err := notify.NewAMQPDelivery(conn, cfg.AMQPQueue)
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		logger.Info("amqp transport ready", "queue", cfg.AMQPQueue)
		return d, func() {
			_ = d.Close()
			_ = conn.Close()
		}, nil
	case "log", "":
		return notify.NewLogDelivery(logger), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown NOTIFY_TRANSPORT %q", cfg.Transport)
	}
}
