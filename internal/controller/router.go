package controller

import (
	"net/http"
	"time"

	"github.com/cassiomorais/eventcore/internal/infrastructure/config"
	"github.com/cassiomorais/eventcore/internal/infrastructure/observability"
	customMW "github.com/cassiomorais/eventcore/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterDeps struct {
	Health         map[string]Pinger
	Dispatcher     DispatcherAdmin
	Sagas          SagaAdmin
	Reconciliation *ReconciliationController
	Metrics        *observability.Metrics
	Gatherer       prometheus.Gatherer
	Server         config.ServerConfig
	Idempotency    customMW.Guard
	IdempotencyTTL time.Duration
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing("eventcore-admin"))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(customMW.SecurityHeaders())
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Server.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: deps.Server.CORS.AllowCredentials,
		MaxAge:           300,
	}))
	if deps.Metrics != nil {
		r.Use(customMW.Metrics(deps.Metrics))
	}

	healthH := NewHealthController(deps.Health)
	r.Get("/health", healthH.Health)
	r.Get("/health/live", healthH.Liveness)
	r.Get("/health/ready", healthH.Readiness)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/admin/v1", func(r chi.Router) {
		if deps.Server.RateLimit > 0 {
			r.Use(customMW.RateLimit(deps.Server.RateLimit))
		}
		if deps.Idempotency != nil {
			ttl := deps.IdempotencyTTL
			if ttl <= 0 {
				ttl = 24 * time.Hour
			}
			r.Use(customMW.Idempotency(deps.Idempotency, ttl))
		}

		if deps.Dispatcher != nil {
			dispatcherH := NewDispatcherController(deps.Dispatcher)
			r.Get("/limiter", dispatcherH.LimiterStats)
			r.Post("/limiter/reset", dispatcherH.ResetBreaker)
			r.Get("/outbox/backlog", dispatcherH.Backlog)
			r.Get("/outbox/dead-letters", dispatcherH.DeadLetters)
			r.Post("/outbox/dead-letters/{id}/requeue", dispatcherH.Requeue)
		}

		if deps.Sagas != nil {
			sagaH := NewSagaController(deps.Sagas)
			r.Get("/sagas/{id}", sagaH.Get)
			r.Post("/sagas/{id}/resume", sagaH.Resume)
			r.Post("/sagas/{id}/compensate", sagaH.Compensate)
		}

		if reconH := deps.Reconciliation; reconH != nil {
			r.Post("/reconcile", reconH.Reconcile)
			r.Get("/checks", reconH.Checks)
			r.Post("/checks/{type}", reconH.RunCheck)
			r.Get("/escalations", reconH.Escalations)
			r.Post("/escalations/{id}/resolve", reconH.ResolveEscalation)
			r.Post("/deadlocks/resolve", reconH.ResolveDeadlocks)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "route not found", Code: "not_found"})
	})

	return r
}
