package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hackgods/dental-chat-scheduling/pkg/logging"
)

type RouterConfig struct {
	Scheduler Scheduler
	Chat      ChatService
	Health    *HealthHandler
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	Logger   *logging.Logger
	// ChatRateLimit is requests per minute per client IP. Zero disables it.
	ChatRateLimit int
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	health := cfg.Health
	if health == nil {
		health = NewHealthHandler(nil, nil, "", "")
	}
	h := &handlers{scheduler: cfg.Scheduler, chat: cfg.Chat, logger: logger}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		if cfg.Scheduler != nil {
			r.Route("/tenants/{tenantID}", func(r chi.Router) {
				r.Get("/availability", h.checkAvailability)
				r.Post("/appointments", h.createAppointment)
				r.Post("/appointments/{appointmentID}/reschedule", h.rescheduleAppointment)
				r.Post("/appointments/{appointmentID}/cancel", h.cancelAppointment)
				r.Get("/patients/appointments", h.findPatientAppointments)
			})
		}
		if cfg.Chat != nil {
			r.Group(func(r chi.Router) {
				if cfg.ChatRateLimit > 0 {
					r.Use(httprate.LimitByIP(cfg.ChatRateLimit, time.Minute))
				}
				r.Post("/chat/messages", h.chatMessage)
			})
		}
	})

	return r
}
