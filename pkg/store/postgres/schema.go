// Package postgres provides a PostgreSQL-backed [store.Store] for shared or
// server deployments.
//
// All operations share a single [pgxpool.Pool]. [Migrate] creates the schema
// with CREATE ... IF NOT EXISTS and runs on every [Open].
//
// Usage:
//
//	s, err := postgres.Open(ctx, dsn)
//	if err != nil { … }
//	defer s.Close()
//
//	n, err := s.RecordCount(ctx, sessionID, store.MethodVoice, time.Now())
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlUsersTemplates = `
CREATE TABLE IF NOT EXISTS users (
    id    TEXT PRIMARY KEY,
    name  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS templates (
    id               TEXT         PRIMARY KEY,
    arabic_text      TEXT         NOT NULL DEFAULT '',
    transliteration  TEXT         NOT NULL DEFAULT '',
    translation      TEXT         NOT NULL DEFAULT '',
    category         TEXT         NOT NULL DEFAULT '',
    reference        TEXT         NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Sessions deliberately carry no foreign key to templates; orphans are
// detected and removed by the integrity checker.
const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id            TEXT         PRIMARY KEY,
    user_id       TEXT         NOT NULL,
    template_id   TEXT         NOT NULL,
    count         INTEGER      NOT NULL DEFAULT 0 CHECK (count >= 0),
    target_count  INTEGER      NOT NULL DEFAULT 0 CHECK (target_count >= 0),
    started_at    TIMESTAMPTZ  NOT NULL,
    completed_at  TIMESTAMPTZ,
    is_completed  BOOLEAN      NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_started
    ON sessions (user_id, started_at DESC);

CREATE INDEX IF NOT EXISTS idx_sessions_template
    ON sessions (template_id);

CREATE TABLE IF NOT EXISTS count_events (
    id          TEXT         PRIMARY KEY,
    session_id  TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    method      TEXT         NOT NULL,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_count_events_session
    ON count_events (session_id, timestamp);
`

const ddlMeta = `
CREATE TABLE IF NOT EXISTS meta (
    key    TEXT PRIMARY KEY,
    value  TEXT NOT NULL
);
`

// Migrate creates all required tables and indexes. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlUsersTemplates, ddlSessions, ddlMeta} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
