// Package handler provides HTTP handlers for the health route gateway.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/healthroute/gateway/internal/api/middleware"
	"github.com/healthroute/gateway/internal/api/models"
	"github.com/healthroute/gateway/internal/api/response"
	"github.com/healthroute/gateway/internal/healthplan"
)

// MaxPlanRequestBytes bounds the body of a health plan request.
const MaxPlanRequestBytes = 64 << 10

// statusClientClosedRequest is written when the caller went away before a
// decision was reached.
const statusClientClosedRequest = 499

// HealthPlanner answers health plan queries.
type HealthPlanner interface {
	PlanHealthRoute(ctx context.Context, req *healthplan.RouteRequest) (*healthplan.CompositeResponse, error)
}

// HealthPlanHandler handles health plan endpoints.
type HealthPlanHandler struct {
	planner HealthPlanner
	logger  zerolog.Logger
}

// NewHealthPlanHandler creates a new HealthPlanHandler.
func NewHealthPlanHandler(planner HealthPlanner, logger zerolog.Logger) *HealthPlanHandler {
	return &HealthPlanHandler{
		planner: planner,
		logger:  logger,
	}
}

// Create handles POST /v1/health-plans.
func (h *HealthPlanHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input healthplan.RouteRequest
	if err := decodeJSON(w, r, &input); err != nil {
		response.MalformedBody(w, r, err.Error())
		return
	}

	plan, err := h.planner.PlanHealthRoute(r.Context(), &input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.JSON(w, r, http.StatusOK, plan)
}

func (h *HealthPlanHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *healthplan.ValidationError
	var unavailable *healthplan.DownstreamUnavailableError

	switch {
	case errors.As(err, &verr):
		fields := make([]models.FieldError, 0, len(verr.Fields))
		for _, f := range verr.Fields {
			fields = append(fields, models.FieldError{Field: f.Field, Message: f.Message})
		}
		response.BadRequest(w, r, "the health plan request is invalid", fields)

	case errors.As(err, &unavailable):
		detail := "route planner is temporarily unavailable"
		if unavailable.Service != healthplan.ServicePlanner {
			detail = unavailable.Service + " is temporarily unavailable"
		}
		response.ServiceUnavailable(w, r, detail)

	case errors.Is(err, context.Canceled):
		h.logger.Info().
			Str("http_request_id", middleware.GetRequestID(r.Context())).
			Msg("caller canceled health plan request")
		w.WriteHeader(statusClientClosedRequest)

	case errors.Is(err, context.DeadlineExceeded):
		response.GatewayTimeout(w, r, "the health plan could not be computed in time")

	default:
		h.logger.Error().
			Err(err).
			Str("http_request_id", middleware.GetRequestID(r.Context())).
			Msg("health plan failed unexpectedly")
		response.InternalError(w, r, "an unexpected error occurred")
	}
}

// decodeJSON reads exactly one JSON object from the request body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxPlanRequestBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.As(err, &maxErr):
			return fmt.Errorf("request body must not exceed %d bytes", maxErr.Limit)
		case errors.Is(err, io.EOF):
			return errors.New("request body must not be empty")
		case errors.Is(err, io.ErrUnexpectedEOF), errors.As(err, &syntaxErr):
			return errors.New("request body is not valid JSON")
		case errors.As(err, &typeErr):
			return fmt.Errorf("field %q has the wrong type", typeErr.Field)
		default:
			return err
		}
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}
