package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/thakkir/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Store is a PostgreSQL-backed [store.Store]. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool for dsn, pings the database and runs
// [Migrate].
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close implements [store.Store].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// EnsureUser implements [store.Store].
func (s *Store) EnsureUser(ctx context.Context, u store.User) error {
	const q = `INSERT INTO users (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, q, u.ID, u.Name); err != nil {
		return fmt.Errorf("postgres store: ensure user: %w", err)
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
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`
	tag, err := s.pool.Exec(ctx, q,
		t.ID, t.ArabicText, t.Transliteration, t.Translation, t.Category, t.Reference, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres store: create template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrDuplicateID
	}
	return nil
}

// GetTemplate implements [store.Store].
func (s *Store) GetTemplate(ctx context.Context, id string) (store.Template, error) {
	rows, err := s.pool.Query(ctx, selectTemplate+` WHERE id = $1`, id)
	if err != nil {
		return store.Template{}, fmt.Errorf("postgres store: get template: %w", err)
	}
	t, err := pgx.CollectExactlyOneRow(rows, scanTemplate)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Template{}, store.ErrNotFound
	}
	if err != nil {
		return store.Template{}, fmt.Errorf("postgres store: get template: %w", err)
	}
	return t, nil
}

// ListTemplates implements [store.Store].
func (s *Store) ListTemplates(ctx context.Context) ([]store.Template, error) {
	rows, err := s.pool.Query(ctx, selectTemplate+` ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list templates: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanTemplate)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list templates: %w", err)
	}
	return out, nil
}

// DeleteTemplate implements [store.Store].
func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres store: delete template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CreateSession implements [store.Store].
func (s *Store) CreateSession(ctx context.Context, sess store.Session) error {
	if err := store.ValidateSession(sess); err != nil {
		return err
	}
	const q = `
		INSERT INTO sessions (id, user_id, template_id, count, target_count, started_at, completed_at, is_completed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`
	tag, err := s.pool.Exec(ctx, q,
		sess.ID, sess.UserID, sess.TemplateID, sess.Count, sess.TargetCount,
		sess.StartedAt, sess.CompletedAt, sess.IsCompleted)
	if err != nil {
		return fmt.Errorf("postgres store: create session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrDuplicateID
	}
	return nil
}

// GetSession implements [store.Store].
func (s *Store) GetSession(ctx context.Context, id string) (store.Session, error) {
	rows, err := s.pool.Query(ctx, selectSession+` WHERE id = $1`, id)
	if err != nil {
		return store.Session{}, fmt.Errorf("postgres store: get session: %w", err)
	}
	sess, err := pgx.CollectExactlyOneRow(rows, scanSession)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Session{}, store.ErrNotFound
	}
	if err != nil {
		return store.Session{}, fmt.Errorf("postgres store: get session: %w", err)
	}
	return sess, nil
}

// UpdateSession implements [store.Store].
func (s *Store) UpdateSession(ctx context.Context, sess store.Session) error {
	const q = `
		UPDATE sessions
		SET    user_id = $2, template_id = $3, count = $4, target_count = $5,
		       started_at = $6, completed_at = $7, is_completed = $8
		WHERE  id = $1`
	tag, err := s.pool.Exec(ctx, q,
		sess.ID, sess.UserID, sess.TemplateID, sess.Count, sess.TargetCount,
		sess.StartedAt, sess.CompletedAt, sess.IsCompleted)
	if err != nil {
		return fmt.Errorf("postgres store: update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteSession implements [store.Store]. Count events cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres store: delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListSessions implements [store.Store].
func (s *Store) ListSessions(ctx context.Context, f store.SessionFilter) ([]store.Session, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conds []string
	if f.UserID != "" {
		conds = append(conds, "user_id = "+next(f.UserID))
	}
	if f.TemplateID != "" {
		conds = append(conds, "template_id = "+next(f.TemplateID))
	}
	if !f.StartedFrom.IsZero() {
		conds = append(conds, "started_at >= "+next(f.StartedFrom))
	}
	if !f.StartedTo.IsZero() {
		conds = append(conds, "started_at < "+next(f.StartedTo))
	}

	q := selectSession
	if len(conds) > 0 {
		q += "\nWHERE  " + strings.Join(conds, "\n  AND  ")
	}
	q += "\nORDER  BY started_at DESC, id"
	if f.Limit > 0 {
		q += "\nLIMIT " + next(f.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list sessions: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list sessions: %w", err)
	}
	return out, nil
}

// RecordCount implements [store.Store]. The counter bump and the event
// insert share one transaction.
func (s *Store) RecordCount(ctx context.Context, sessionID string, method store.CountMethod, at time.Time) (int, error) {
	var count int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`UPDATE sessions SET count = count + 1 WHERE id = $1 RETURNING count`, sessionID,
		).Scan(&count)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("postgres store: increment: %w", err)
		}
		const ins = `INSERT INTO count_events (id, session_id, method, timestamp) VALUES ($1, $2, $3, $4)`
		if _, err := tx.Exec(ctx, ins, uuid.NewString(), sessionID, string(method), at); err != nil {
			return fmt.Errorf("postgres store: insert count event: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// GetMeta implements [store.Store].
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM meta WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("postgres store: get meta: %w", err)
	}
	return v, nil
}

// SetMeta implements [store.Store].
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	const q = `INSERT INTO meta (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
	if _, err := s.pool.Exec(ctx, q, key, value); err != nil {
		return fmt.Errorf("postgres store: set meta: %w", err)
	}
	return nil
}

const selectTemplate = `SELECT id, arabic_text, transliteration, translation, category, reference, created_at FROM templates`

const selectSession = `
SELECT id, user_id, template_id, count, target_count, started_at, completed_at, is_completed
FROM   sessions`

func scanTemplate(row pgx.CollectableRow) (store.Template, error) {
	var t store.Template
	err := row.Scan(&t.ID, &t.ArabicText, &t.Transliteration, &t.Translation, &t.Category, &t.Reference, &t.CreatedAt)
	t.CreatedAt = t.CreatedAt.UTC()
	return t, err
}

func scanSession(row pgx.CollectableRow) (store.Session, error) {
	var sess store.Session
	err := row.Scan(&sess.ID, &sess.UserID, &sess.TemplateID, &sess.Count, &sess.TargetCount,
		&sess.StartedAt, &sess.CompletedAt, &sess.IsCompleted)
	sess.StartedAt = sess.StartedAt.UTC()
	if sess.CompletedAt != nil {
		t := sess.CompletedAt.UTC()
		sess.CompletedAt = &t
	}
	return sess, err
}
