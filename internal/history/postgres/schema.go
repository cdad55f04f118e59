// Package postgres provides a PostgreSQL-backed [history.Store].
//
// Sessions live in a single call_sessions table. The transcript and final
// risk are stored as JSONB in the same shape the JSON API uses, so records can
// be inspected with plain SQL:
//
//	SELECT id, final_risk->>'risk_label' FROM call_sessions ORDER BY start_time DESC;
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCallSessions = `
CREATE TABLE IF NOT EXISTS call_sessions (
    seq           BIGSERIAL    NOT NULL,
    id            TEXT         PRIMARY KEY,
    start_time    TIMESTAMPTZ  NOT NULL,
    end_time      TIMESTAMPTZ  NOT NULL,
    transcript    JSONB        NOT NULL DEFAULT '[]',
    final_risk    JSONB        NOT NULL,
    user_feedback BOOLEAN
);

CREATE INDEX IF NOT EXISTS idx_call_sessions_start
    ON call_sessions (start_time DESC, seq DESC);
`

// Migrate creates the call_sessions table and its index when missing. It is
// idempotent and safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlCallSessions); err != nil {
		return fmt.Errorf("migrate call_sessions: %w", err)
	}
	return nil
}
