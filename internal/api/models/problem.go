// Package models defines the wire types of the gateway's own HTTP surface.
package models

import (
	"encoding/json"
	"net/http"
)

// Problem represents an RFC7807 error response.
// This is used for all API error responses with Content-Type: application/problem+json.
type Problem struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`

	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`

	// Status is the HTTP status code for this occurrence of the problem.
	Status int `json:"status"`

	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`

	// Instance is a URI reference that identifies the specific occurrence.
	Instance string `json:"instance,omitempty"`

	// TraceID is the HTTP request ID, echoed for support.
	TraceID string `json:"traceId"`

	// Errors contains structured field validation errors.
	Errors []FieldError `json:"errors,omitempty"`
}

// FieldError represents a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Problem type URIs.
const (
	ProblemTypeValidation           = "https://healthroute.dev/problems/validation-error"
	ProblemTypeMalformedBody        = "https://healthroute.dev/problems/malformed-body"
	ProblemTypeUnsupportedMediaType = "https://healthroute.dev/problems/unsupported-media-type"
	ProblemTypeTLSRequired          = "https://healthroute.dev/problems/tls-required"
	ProblemTypeNotFound             = "https://healthroute.dev/problems/not-found"
	ProblemTypeMethodNotAllowed     = "https://healthroute.dev/problems/method-not-allowed"
	ProblemTypeTooManyRequests      = "https://healthroute.dev/problems/too-many-requests"
	ProblemTypeInternal             = "https://healthroute.dev/problems/internal-error"
	ProblemTypeUnavailable          = "https://healthroute.dev/problems/service-unavailable"
	ProblemTypeGatewayTimeout       = "https://healthroute.dev/problems/gateway-timeout"
)

// NewProblem creates a new Problem with the given parameters.
func NewProblem(problemType, title string, status int, traceID string) *Problem {
	return &Problem{
		Type:    problemType,
		Title:   title,
		Status:  status,
		TraceID: traceID,
	}
}

// WithDetail adds a detail message to the Problem.
func (p *Problem) WithDetail(detail string) *Problem {
	p.Detail = detail
	return p
}

// Write writes the Problem as JSON to the ResponseWriter.
func (p *Problem) Write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/problem+json")
	if p.TraceID != "" {
		w.Header().Set("X-Request-Id", p.TraceID)
	}
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// NewBadRequest creates a 400 problem for input that failed validation.
func NewBadRequest(traceID, detail string, errors []FieldError) *Problem {
	p := NewProblem(ProblemTypeValidation, "Validation error", http.StatusBadRequest, traceID)
	p.Detail = detail
	p.Errors = errors
	return p
}

// NewMalformedBody creates a 400 problem for a body that is not valid JSON
// of the expected shape.
func NewMalformedBody(traceID, detail string) *Problem {
	return NewProblem(ProblemTypeMalformedBody, "Malformed request body", http.StatusBadRequest, traceID).WithDetail(detail)
}

// NewUnsupportedMediaType creates a 415 problem.
func NewUnsupportedMediaType(traceID, detail string) *Problem {
	return NewProblem(ProblemTypeUnsupportedMediaType, "Unsupported media type", http.StatusUnsupportedMediaType, traceID).WithDetail(detail)
}

// NewTLSRequired creates a 403 problem for plain-HTTP requests when TLS is enforced.
func NewTLSRequired(traceID string) *Problem {
	return NewProblem(ProblemTypeTLSRequired, "HTTPS required", http.StatusForbidden, traceID).
		WithDetail("this API is only available over HTTPS")
}

// NewNotFound creates a 404 Not Found problem.
func NewNotFound(traceID, detail string) *Problem {
	return NewProblem(ProblemTypeNotFound, "Not found", http.StatusNotFound, traceID).WithDetail(detail)
}

// NewMethodNotAllowed creates a 405 Method Not Allowed problem.
func NewMethodNotAllowed(traceID, detail string) *Problem {
	return NewProblem(ProblemTypeMethodNotAllowed, "Method not allowed", http.StatusMethodNotAllowed, traceID).WithDetail(detail)
}

// NewTooManyRequests creates a 429 Too Many Requests problem.
func NewTooManyRequests(traceID, detail string) *Problem {
	return NewProblem(ProblemTypeTooManyRequests, "Too many requests", http.StatusTooManyRequests, traceID).WithDetail(detail)
}

// NewInternalError creates a 500 Internal Server Error problem.
func NewInternalError(traceID, detail string) *Problem {
	return NewProblem(ProblemTypeInternal, "Internal server error", http.StatusInternalServerError, traceID).WithDetail(detail)
}

// NewServiceUnavailable creates a 503 Service Unavailable problem.
func NewServiceUnavailable(traceID, detail string) *Problem {
	return NewProblem(ProblemTypeUnavailable, "Service unavailable", http.StatusServiceUnavailable, traceID).WithDetail(detail)
}

// NewGatewayTimeout creates a 504 problem for requests whose deadline
// expired while waiting on a downstream service.
func NewGatewayTimeout(traceID, detail string) *Problem {
	return NewProblem(ProblemTypeGatewayTimeout, "Gateway timeout", http.StatusGatewayTimeout, traceID).WithDetail(detail)
}
