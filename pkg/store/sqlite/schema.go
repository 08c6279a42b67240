package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order, each exactly once. The applied version
// is tracked in PRAGMA user_version. Append only.
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS users (
    id    TEXT PRIMARY KEY,
    name  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS templates (
    id               TEXT    PRIMARY KEY,
    arabic_text      TEXT    NOT NULL DEFAULT '',
    transliteration  TEXT    NOT NULL DEFAULT '',
    translation      TEXT    NOT NULL DEFAULT '',
    category         TEXT    NOT NULL DEFAULT '',
    reference        TEXT    NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    id            TEXT    PRIMARY KEY,
    user_id       TEXT    NOT NULL,
    template_id   TEXT    NOT NULL,
    count         INTEGER NOT NULL DEFAULT 0,
    target_count  INTEGER NOT NULL DEFAULT 0,
    started_at    INTEGER NOT NULL,
    completed_at  INTEGER,
    is_completed  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_started
    ON sessions (user_id, started_at);

CREATE INDEX IF NOT EXISTS idx_sessions_template
    ON sessions (template_id);

CREATE TABLE IF NOT EXISTS count_events (
    id          TEXT    PRIMARY KEY,
    session_id  TEXT    NOT NULL,
    method      TEXT    NOT NULL,
    timestamp   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_count_events_session
    ON count_events (session_id, timestamp);
`,
	`
CREATE TABLE IF NOT EXISTS meta (
    key    TEXT PRIMARY KEY,
    value  TEXT NOT NULL
);
`,
}

// Migrate brings db up to the latest schema version. It is idempotent and
// safe to call on every start.
func Migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migration %d: begin: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: set version: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: commit: %w", i+1, err)
		}
	}
	return nil
}
