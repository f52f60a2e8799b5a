package models

import (
	"encoding/json"
	"time"
)

// HealthStatus represents the health status of a service.
type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "OK"
	HealthStatusDegraded HealthStatus = "DEGRADED"
	HealthStatusFail     HealthStatus = "FAIL"
)

// Timestamp is a time.Time that marshals as RFC 3339 in UTC.
type Timestamp time.Time

// MarshalJSON implements json.Marshaler for Timestamp.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Time(t).UTC().Format(time.RFC3339) + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler for Timestamp.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return err
	}
	*t = Timestamp(parsed)
	return nil
}

// Health represents the health status of the service.
type Health struct {
	Status  HealthStatus      `json:"status"`
	Time    Timestamp         `json:"time"`
	Details map[string]string `json:"details,omitempty"`
}

// SystemStatus represents the overall system status.
type SystemStatus struct {
	Status     HealthStatus      `json:"status"`
	Time       Timestamp         `json:"time"`
	Subsystems []SubsystemStatus `json:"subsystems"`
	Providers  []ProviderStatus  `json:"providers"`
}

// SubsystemStatus is the result of one readiness check.
type SubsystemStatus struct {
	Name   string       `json:"name"`
	Status HealthStatus `json:"status"`
	Detail string       `json:"detail,omitempty"`
}

// ProviderStatus represents the status of a downstream service as seen by
// its circuit breaker.
type ProviderStatus struct {
	Provider            string       `json:"provider"`
	Status              HealthStatus `json:"status"`
	Critical            bool         `json:"critical"`
	CircuitState        string       `json:"circuitState"`
	ConsecutiveFailures uint32       `json:"consecutiveFailures"`
	LastSuccessAt       *Timestamp   `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *Timestamp   `json:"lastFailureAt,omitempty"`
	LastError           string       `json:"lastError,omitempty"`
}

// DecisionRecord is one recently decided health plan.
type DecisionRecord struct {
	RequestID               string    `json:"requestId"`
	WeatherDecision         string    `json:"weatherDecision"`
	EffectiveDecision       string    `json:"effectiveDecision"`
	SelectedPlanType        string    `json:"selectedPlanType"`
	SelectedDurationMinutes int       `json:"selectedDurationMinutes"`
	FallbackSelected        bool      `json:"fallbackSelected"`
	WeatherFallback         bool      `json:"weatherFallback"`
	AlertCount              int       `json:"alertCount"`
	ElapsedMs               int64     `json:"elapsedMs"`
	DecidedAt               Timestamp `json:"decidedAt"`
}

// DecisionList is a page of recent decisions, newest first.
type DecisionList struct {
	Items []DecisionRecord `json:"items"`
}
