package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/healthroute/gateway/internal/api/models"
	"github.com/healthroute/gateway/internal/api/response"
	"github.com/healthroute/gateway/internal/decisionlog"
	"github.com/healthroute/gateway/internal/provider/resilience"
)

// DefaultCheckTimeout bounds each readiness check.
const DefaultCheckTimeout = 2 * time.Second

// Page sizes for GET /v1/ops/decisions.
const (
	DefaultDecisionLimit = 50
	MaxDecisionLimit     = 500
)

// DecisionSource holds recently recorded decisions in arrival order.
type DecisionSource interface {
	Entries() []decisionlog.Entry
}

// ReadinessCheck is a named dependency check, such as a database ping.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// OpsConfig configures the operational endpoints.
type OpsConfig struct {
	Version   string
	BuildTime string

	// Registry reports downstream provider health.
	Registry *resilience.Registry

	Checks       []ReadinessCheck
	CheckTimeout time.Duration

	// Decisions backs GET /v1/ops/decisions (optional).
	Decisions DecisionSource
}

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	cfg OpsConfig
	now func() time.Time
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(cfg OpsConfig) *OpsHandler {
	if cfg.CheckTimeout == 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}
	if cfg.Registry == nil {
		cfg.Registry = resilience.NewRegistry()
	}
	return &OpsHandler{cfg: cfg, now: time.Now}
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(h.now()),
		Details: map[string]string{
			"version":   h.cfg.Version,
			"buildTime": h.cfg.BuildTime,
		},
	})
}

// ReadinessCheck handles GET /v1/ops/ready. It answers 503 when any
// dependency check fails.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	subsystems := h.runChecks(r.Context())

	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(h.now()),
	}
	for _, s := range subsystems {
		if s.Status == models.HealthStatusFail {
			if health.Details == nil {
				health.Details = make(map[string]string)
			}
			health.Status = models.HealthStatusFail
			health.Details[s.Name] = s.Detail
		}
	}

	status := http.StatusOK
	if health.Status == models.HealthStatusFail {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, r, status, health)
}

// SystemStatus handles GET /v1/ops/status - provider and subsystem status.
func (h *OpsHandler) SystemStatus(w http.ResponseWriter, r *http.Request) {
	subsystems := h.runChecks(r.Context())

	overall := models.HealthStatusOK
	for _, s := range subsystems {
		overall = worst(overall, s.Status)
	}

	snapshot := h.cfg.Registry.Snapshot()
	providers := make([]models.ProviderStatus, 0, len(snapshot))
	for _, p := range snapshot {
		providers = append(providers, providerStatus(p))
		overall = worst(overall, healthStatus(p.Impact()))
	}

	response.JSON(w, r, http.StatusOK, models.SystemStatus{
		Status:     overall,
		Time:       models.Timestamp(h.now()),
		Subsystems: subsystems,
		Providers:  providers,
	})
}

// RecentDecisions handles GET /v1/ops/decisions. It lists the most recent
// decisions, newest first, up to the limit query parameter.
func (h *OpsHandler) RecentDecisions(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Decisions == nil {
		response.NotFound(w, r, "decision history is not kept")
		return
	}

	limit := DefaultDecisionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > MaxDecisionLimit {
			response.BadRequest(w, r, "invalid query parameter", []models.FieldError{{
				Field:   "limit",
				Message: "must be an integer between 1 and " + strconv.Itoa(MaxDecisionLimit),
			}})
			return
		}
		limit = n
	}

	entries := h.cfg.Decisions.Entries()
	items := make([]models.DecisionRecord, 0, min(limit, len(entries)))
	for i := len(entries) - 1; i >= 0 && len(items) < limit; i-- {
		e := entries[i]
		items = append(items, models.DecisionRecord{
			RequestID:               e.RequestID,
			WeatherDecision:         e.WeatherDecision,
			EffectiveDecision:       e.EffectiveDecision,
			SelectedPlanType:        e.SelectedPlanType,
			SelectedDurationMinutes: e.SelectedDuration,
			FallbackSelected:        e.FallbackSelected,
			WeatherFallback:         e.WeatherFallback,
			AlertCount:              e.AlertCount,
			ElapsedMs:               e.Elapsed.Milliseconds(),
			DecidedAt:               models.Timestamp(e.DecidedAt),
		})
	}

	response.JSON(w, r, http.StatusOK, models.DecisionList{Items: items})
}

func (h *OpsHandler) runChecks(ctx context.Context) []models.SubsystemStatus {
	out := make([]models.SubsystemStatus, 0, len(h.cfg.Checks))
	for _, c := range h.cfg.Checks {
		checkCtx, cancel := context.WithTimeout(ctx, h.cfg.CheckTimeout)
		err := c.Check(checkCtx)
		cancel()

		s := models.SubsystemStatus{Name: c.Name, Status: models.HealthStatusOK}
		if err != nil {
			s.Status = models.HealthStatusFail
			s.Detail = err.Error()
		}
		out = append(out, s)
	}
	return out
}

func providerStatus(p resilience.ProviderHealth) models.ProviderStatus {
	ps := models.ProviderStatus{
		Provider:            p.Name,
		Status:              healthStatus(p.Status()),
		Critical:            p.Critical,
		CircuitState:        p.CircuitState.String(),
		ConsecutiveFailures: p.Counts.ConsecutiveFailures,
		LastError:           p.LastError,
	}

	if p.LastSuccessAt != nil {
		ts := models.Timestamp(*p.LastSuccessAt)
		ps.LastSuccessAt = &ts
	}
	if p.LastFailureAt != nil {
		ts := models.Timestamp(*p.LastFailureAt)
		ps.LastFailureAt = &ts
	}
	return ps
}

func healthStatus(s resilience.Status) models.HealthStatus {
	switch s {
	case resilience.StatusUnhealthy:
		return models.HealthStatusFail
	case resilience.StatusDegraded:
		return models.HealthStatusDegraded
	default:
		return models.HealthStatusOK
	}
}

func worst(a, b models.HealthStatus) models.HealthStatus {
	rank := func(s models.HealthStatus) int {
		switch s {
		case models.HealthStatusFail:
			return 2
		case models.HealthStatusDegraded:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
