// Package decisionlog records the outcome of every decided health plan for
// audit and analytics. Entries are write-only: nothing reads them back to
// serve requests.
package decisionlog

import (
	"context"
	"errors"
	"time"
)

// Entry is one decided health plan.
type Entry struct {
	RequestID         string        `json:"request_id"`
	WeatherDecision   string        `json:"weather_decision"`
	EffectiveDecision string        `json:"effective_decision"`
	SelectedPlanType  string        `json:"selected_plan_type"`
	SelectedDuration  int           `json:"selected_duration_minutes"`
	FallbackSelected  bool          `json:"fallback_selected"`
	WeatherFallback   bool          `json:"weather_fallback"`
	AlertCount        int           `json:"alert_count"`
	Elapsed           time.Duration `json:"elapsed_ns"`
	DecidedAt         time.Time     `json:"decided_at"`
}

// Recorder persists entries. Implementations must be safe for concurrent use.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// NopRecorder discards every entry.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(context.Context, Entry) error { return nil }

// MultiRecorder fans an entry out to several recorders.
type MultiRecorder []Recorder

// Record writes to every recorder and joins their errors.
func (m MultiRecorder) Record(ctx context.Context, entry Entry) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
