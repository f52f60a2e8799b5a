// Package api provides the HTTP API of the health route gateway.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/healthroute/gateway/internal/api/handler"
	"github.com/healthroute/gateway/internal/api/middleware"
	"github.com/healthroute/gateway/internal/api/response"
	"github.com/healthroute/gateway/internal/provider/resilience"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version     string
	BuildTime   string
	Logger      zerolog.Logger
	ServiceName string
	Metrics     *middleware.Metrics

	// Planner answers POST /v1/health-plans (required).
	Planner handler.HealthPlanner

	// Registry feeds GET /v1/ops/status.
	Registry *resilience.Registry

	// ReadinessChecks feed GET /v1/ops/ready.
	ReadinessChecks []handler.ReadinessCheck

	// Decisions feeds GET /v1/ops/decisions (optional).
	Decisions handler.DecisionSource

	// RequireTLS rejects requests forwarded over plain HTTP.
	RequireTLS bool

	// PlanRateLimit limits health plan queries per client IP. The zero value
	// selects middleware.PlanRateLimit; a negative RequestLimit disables it.
	PlanRateLimit middleware.RateLimitConfig
}

// NewRouter creates a new chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "healthroute-gateway"
	}

	planLimit := cfg.PlanRateLimit
	if planLimit == (middleware.RateLimitConfig{}) {
		planLimit = middleware.PlanRateLimit
	}

	// Global middleware - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing(serviceName))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware())
	}
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.RequireTLS(cfg.RequireTLS))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.NotFound(w, r, "no route matches "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.MethodNotAllowed(w, r, r.Method+" is not supported on "+r.URL.Path)
	})

	planHandler := handler.NewHealthPlanHandler(cfg.Planner, cfg.Logger)
	opsHandler := handler.NewOpsHandler(handler.OpsConfig{
		Version:   cfg.Version,
		BuildTime: cfg.BuildTime,
		Registry:  cfg.Registry,
		Checks:    cfg.ReadinessChecks,
		Decisions: cfg.Decisions,
	})

	r.Route("/v1", func(r chi.Router) {
		r.With(
			middleware.RateLimitByIP(planLimit),
			middleware.RequireJSON,
		).Post("/health-plans", planHandler.Create)

		r.Route("/ops", func(r chi.Router) {
			r.Use(middleware.RateLimitByIP(middleware.OpsRateLimit))
			r.Get("/health", opsHandler.HealthCheck)
			r.Get("/ready", opsHandler.ReadinessCheck)
			r.Get("/status", opsHandler.SystemStatus)
			r.Get("/decisions", opsHandler.RecentDecisions)
		})
	})

	return r
}
