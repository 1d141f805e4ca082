package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/promptuario/clinic-scheduling/internal/scheduling"
)

type RouterConfig struct {
	Service   *scheduling.Service
	PgPool    *pgxpool.Pool
	Redis     *redis.Client
	JWTSecret string
	Env       string
	Version   string

	// Gatherer serves /metrics; nil falls back to the default registry.
	Gatherer prometheus.Gatherer
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(RecoverMiddleware)

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Everything below requires an authenticated actor.
	r.Group(func(r chi.Router) {
		r.Use(ActorMiddleware(cfg.JWTSecret))

		svc := cfg.Service

		r.Get("/doctors/{id}/slots", listSlotsHandler(svc))

		r.Post("/appointments", bookAppointmentHandler(svc))
		r.Get("/appointments", listAppointmentsHandler(svc))
		r.Get("/appointments/{id}", getAppointmentHandler(svc))
		r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(svc))
		r.Post("/appointments/{id}/reschedule", rescheduleAppointmentHandler(svc))
		r.Post("/appointments/{id}/confirm", transitionHandler(svc.Confirm))
		r.Post("/appointments/{id}/check-in", transitionHandler(svc.CheckIn))
		r.Post("/appointments/{id}/begin", transitionHandler(svc.BeginCare))
		r.Post("/appointments/{id}/complete", transitionHandler(svc.Complete))
		r.Post("/appointments/{id}/no-show", transitionHandler(svc.MarkNoShow))
		r.Post("/appointments/{id}/return-request", requestReturnHandler(svc))

		r.Post("/return-requests/{id}/cancel", cancelReturnRequestHandler(svc))
	})

	return r
}
