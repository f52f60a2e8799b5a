package decisionlog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createTableSQL = `
	CREATE TABLE IF NOT EXISTS plan_decisions (
		request_id                TEXT PRIMARY KEY,
		weather_decision          TEXT NOT NULL,
		effective_decision        TEXT NOT NULL,
		selected_plan_type        TEXT NOT NULL,
		selected_duration_minutes INTEGER NOT NULL,
		fallback_selected         BOOLEAN NOT NULL,
		weather_fallback          BOOLEAN NOT NULL,
		alert_count               INTEGER NOT NULL,
		elapsed_ms                BIGINT NOT NULL,
		decided_at                TIMESTAMPTZ NOT NULL
	)
`

const insertSQL = `
	INSERT INTO plan_decisions (
		request_id, weather_decision, effective_decision,
		selected_plan_type, selected_duration_minutes,
		fallback_selected, weather_fallback, alert_count,
		elapsed_ms, decided_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (request_id) DO NOTHING
`

// PostgresRecorder is a PostgreSQL implementation of Recorder.
type PostgresRecorder struct {
	pool *pgxpool.Pool
}

// NewPostgresRecorder creates a recorder writing to the plan_decisions table.
func NewPostgresRecorder(pool *pgxpool.Pool) *PostgresRecorder {
	return &PostgresRecorder{pool: pool}
}

// EnsureSchema creates the plan_decisions table if it does not exist.
func (r *PostgresRecorder) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create plan_decisions: %w", err)
	}
	return nil
}

// Record implements Recorder. Replayed request IDs are ignored.
func (r *PostgresRecorder) Record(ctx context.Context, entry Entry) error {
	_, err := r.pool.Exec(ctx, insertSQL,
		entry.RequestID,
		entry.WeatherDecision,
		entry.EffectiveDecision,
		entry.SelectedPlanType,
		entry.SelectedDuration,
		entry.FallbackSelected,
		entry.WeatherFallback,
		entry.AlertCount,
		entry.Elapsed.Milliseconds(),
		entry.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("insert plan decision: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable.
func (r *PostgresRecorder) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
