package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlRecordingSessions is the DDL for the session record table. One row per
// meeting; the transcript column is the canonical append-only document.
const ddlRecordingSessions = `
CREATE TABLE IF NOT EXISTS recording_sessions (
    meeting_id     TEXT         PRIMARY KEY,
    transcript     TEXT         NOT NULL DEFAULT '',
    status         TEXT         NOT NULL DEFAULT 'active',
    recording_mode TEXT         NOT NULL DEFAULT 'local',
    metadata       JSONB        NOT NULL DEFAULT '{}',
    updated_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_recording_sessions_status
    ON recording_sessions (status);

CREATE INDEX IF NOT EXISTS idx_recording_sessions_updated_at
    ON recording_sessions (updated_at);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent (CREATE TABLE IF NOT EXISTS) and safe to call on every
// application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlRecordingSessions); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
