// Package sqlite provides the embedded [store.Store] backed by SQLite through
// the pure-Go modernc.org/sqlite driver.
//
// Timestamps are stored as INTEGER unix nanoseconds (UTC) so they sort
// correctly. Foreign keys are not enforced: a session may outlive its
// template, and the integrity checker cleans such orphans up.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/MrWong99/thakkir/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Memory is the path that opens a private in-memory database.
const Memory = ":memory:"

// Store is a SQLite-backed [store.Store].
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and migrates it.
// Pass [Memory] for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != Memory {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite store: create dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// A single connection serialises writers and keeps :memory: databases
	// alive across calls.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite store: %s: %w", p, err)
		}
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements [store.Store].
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureUser implements [store.Store].
func (s *Store) EnsureUser(ctx context.Context, u store.User) error {
	const q = `INSERT INTO users (id, name) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, q, u.ID, u.Name); err != nil {
		return fmt.Errorf("sqlite store: ensure user: %w", err)
	}
	return nil
}

// CreateTemplate implements [store.Store].
func (s *Store) CreateTemplate(ctx context.Context, t store.Template) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	const q = `
		INSERT INTO templates (id, arabic_text, transliteration, translation, category, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, q,
		t.ID, t.ArabicText, t.Transliteration, t.Translation, t.Category, t.Reference, toNanos(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite store: create template: %w", err)
	}
	return requireAffected(res, store.ErrDuplicateID)
}

// GetTemplate implements [store.Store].
func (s *Store) GetTemplate(ctx context.Context, id string) (store.Template, error) {
	row := s.db.QueryRowContext(ctx, selectTemplate+` WHERE id = ?`, id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Template{}, store.ErrNotFound
	}
	if err != nil {
		return store.Template{}, fmt.Errorf("sqlite store: get template: %w", err)
	}
	return t, nil
}

// ListTemplates implements [store.Store].
func (s *Store) ListTemplates(ctx context.Context) ([]store.Template, error) {
	rows, err := s.db.QueryContext(ctx, selectTemplate+` ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list templates: %w", err)
	}
	defer rows.Close()

	var out []store.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: scan template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTemplate implements [store.Store].
func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite store: delete template: %w", err)
	}
	return requireAffected(res, store.ErrNotFound)
}

// CreateSession implements [store.Store].
func (s *Store) CreateSession(ctx context.Context, sess store.Session) error {
	if err := store.ValidateSession(sess); err != nil {
		return err
	}
	const q = `
		INSERT INTO sessions (id, user_id, template_id, count, target_count, started_at, completed_at, is_completed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, q,
		sess.ID, sess.UserID, sess.TemplateID, sess.Count, sess.TargetCount,
		toNanos(sess.StartedAt), nullNanos(sess.CompletedAt), sess.IsCompleted)
	if err != nil {
		return fmt.Errorf("sqlite store: create session: %w", err)
	}
	return requireAffected(res, store.ErrDuplicateID)
}

// GetSession implements [store.Store].
func (s *Store) GetSession(ctx context.Context, id string) (store.Session, error) {
	row := s.db.QueryRowContext(ctx, selectSession+` WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Session{}, store.ErrNotFound
	}
	if err != nil {
		return store.Session{}, fmt.Errorf("sqlite store: get session: %w", err)
	}
	return sess, nil
}

// UpdateSession implements [store.Store].
func (s *Store) UpdateSession(ctx context.Context, sess store.Session) error {
	const q = `
		UPDATE sessions
		SET    user_id = ?, template_id = ?, count = ?, target_count = ?,
		       started_at = ?, completed_at = ?, is_completed = ?
		WHERE  id = ?`
	res, err := s.db.ExecContext(ctx, q,
		sess.UserID, sess.TemplateID, sess.Count, sess.TargetCount,
		toNanos(sess.StartedAt), nullNanos(sess.CompletedAt), sess.IsCompleted, sess.ID)
	if err != nil {
		return fmt.Errorf("sqlite store: update session: %w", err)
	}
	return requireAffected(res, store.ErrNotFound)
}

// DeleteSession implements [store.Store].
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM count_events WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("sqlite store: delete count events: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("sqlite store: delete session: %w", err)
		}
		return requireAffected(res, store.ErrNotFound)
	})
}

// ListSessions implements [store.Store].
func (s *Store) ListSessions(ctx context.Context, f store.SessionFilter) ([]store.Session, error) {
	var (
		conds []string
		args  []any
	)
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.TemplateID != "" {
		conds = append(conds, "template_id = ?")
		args = append(args, f.TemplateID)
	}
	if !f.StartedFrom.IsZero() {
		conds = append(conds, "started_at >= ?")
		args = append(args, toNanos(f.StartedFrom))
	}
	if !f.StartedTo.IsZero() {
		conds = append(conds, "started_at < ?")
		args = append(args, toNanos(f.StartedTo))
	}

	q := selectSession
	if len(conds) > 0 {
		q += "\nWHERE  " + strings.Join(conds, "\n  AND  ")
	}
	q += "\nORDER  BY started_at DESC, id"
	if f.Limit > 0 {
		q += "\nLIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []store.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// RecordCount implements [store.Store]. The event insert and the counter
// bump commit together or not at all.
func (s *Store) RecordCount(ctx context.Context, sessionID string, method store.CountMethod, at time.Time) (int, error) {
	var count int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE sessions SET count = count + 1 WHERE id = ?`, sessionID)
		if err != nil {
			return fmt.Errorf("sqlite store: increment: %w", err)
		}
		if err := requireAffected(res, store.ErrNotFound); err != nil {
			return err
		}
		const ins = `INSERT INTO count_events (id, session_id, method, timestamp) VALUES (?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, ins, uuid.NewString(), sessionID, string(method), toNanos(at)); err != nil {
			return fmt.Errorf("sqlite store: insert count event: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT count FROM sessions WHERE id = ?`, sessionID).Scan(&count); err != nil {
			return fmt.Errorf("sqlite store: read count: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// CountEvents returns the events recorded for a session, oldest first.
func (s *Store) CountEvents(ctx context.Context, sessionID string) ([]store.CountEvent, error) {
	const q = `SELECT id, session_id, method, timestamp FROM count_events WHERE session_id = ? ORDER BY timestamp, id`
	rows, err := s.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list count events: %w", err)
	}
	defer rows.Close()

	var out []store.CountEvent
	for rows.Next() {
		var (
			e      store.CountEvent
			method string
			ts     int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &method, &ts); err != nil {
			return nil, fmt.Errorf("sqlite store: scan count event: %w", err)
		}
		e.Method = store.CountMethod(method)
		e.Timestamp = fromNanos(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetMeta implements [store.Store].
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sqlite store: get meta: %w", err)
	}
	return v, nil
}

// SetMeta implements [store.Store].
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	const q = `INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("sqlite store: set meta: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

const selectTemplate = `SELECT id, arabic_text, transliteration, translation, category, reference, created_at FROM templates`

const selectSession = `
SELECT id, user_id, template_id, count, target_count, started_at, completed_at, is_completed
FROM   sessions`

type scanner interface {
	Scan(dest ...any) error
}

func scanTemplate(r scanner) (store.Template, error) {
	var (
		t       store.Template
		created int64
	)
	if err := r.Scan(&t.ID, &t.ArabicText, &t.Transliteration, &t.Translation, &t.Category, &t.Reference, &created); err != nil {
		return store.Template{}, err
	}
	t.CreatedAt = fromNanos(created)
	return t, nil
}

func scanSession(r scanner) (store.Session, error) {
	var (
		sess      store.Session
		started   int64
		completed sql.NullInt64
	)
	if err := r.Scan(&sess.ID, &sess.UserID, &sess.TemplateID, &sess.Count, &sess.TargetCount,
		&started, &completed, &sess.IsCompleted); err != nil {
		return store.Session{}, err
	}
	sess.StartedAt = fromNanos(started)
	if completed.Valid {
		t := fromNanos(completed.Int64)
		sess.CompletedAt = &t
	}
	return sess, nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: commit: %w", err)
	}
	return nil
}

// requireAffected returns errNone when res touched no rows.
func requireAffected(res sql.Result, errNone error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite store: rows affected: %w", err)
	}
	if n == 0 {
		return errNone
	}
	return nil
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}
