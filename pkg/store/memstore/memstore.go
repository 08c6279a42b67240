// Package memstore provides a thread-safe, in-memory [store.Store].
//
// It backs the "memory" driver and is the default fixture in tests. Nothing
// survives a restart.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/thakkir/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Store is an in-memory [store.Store]. The zero value is not ready to use;
// call [New].
type Store struct {
	mu        sync.RWMutex
	users     map[string]store.User
	templates map[string]store.Template
	sessions  map[string]store.Session
	events    map[string][]store.CountEvent
	meta      map[string]string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		users:     make(map[string]store.User),
		templates: make(map[string]store.Template),
		sessions:  make(map[string]store.Session),
		events:    make(map[string][]store.CountEvent),
		meta:      make(map[string]string),
	}
}

// Ping implements [store.Store].
func (s *Store) Ping(context.Context) error { return nil }

// Close implements [store.Store].
func (s *Store) Close() error { return nil }

// EnsureUser implements [store.Store].
func (s *Store) EnsureUser(_ context.Context, u store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		s.users[u.ID] = u
	}
	return nil
}

// CreateTemplate implements [store.Store].
func (s *Store) CreateTemplate(_ context.Context, t store.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.templates[t.ID]; exists {
		return store.ErrDuplicateID
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.templates[t.ID] = t
	return nil
}

// GetTemplate implements [store.Store].
func (s *Store) GetTemplate(_ context.Context, id string) (store.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return store.Template{}, store.ErrNotFound
	}
	return t, nil
}

// ListTemplates implements [store.Store].
func (s *Store) ListTemplates(context.Context) ([]store.Template, error) {
	s.mu.RLock()
	out := make([]store.Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b store.Template) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// DeleteTemplate implements [store.Store].
func (s *Store) DeleteTemplate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.templates, id)
	return nil
}

// CreateSession implements [store.Store].
func (s *Store) CreateSession(_ context.Context, sess store.Session) error {
	if err := store.ValidateSession(sess); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return store.ErrDuplicateID
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// GetSession implements [store.Store].
func (s *Store) GetSession(_ context.Context, id string) (store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	return sess.Clone(), nil
}

// UpdateSession implements [store.Store].
func (s *Store) UpdateSession(_ context.Context, sess store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return store.ErrNotFound
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// DeleteSession implements [store.Store].
func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.sessions, id)
	delete(s.events, id)
	return nil
}

// ListSessions implements [store.Store].
func (s *Store) ListSessions(_ context.Context, f store.SessionFilter) ([]store.Session, error) {
	s.mu.RLock()
	out := make([]store.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if f.Matches(sess) {
			out = append(out, sess.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b store.Session) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// RecordCount implements [store.Store].
func (s *Store) RecordCount(_ context.Context, sessionID string, method store.CountMethod, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return 0, store.ErrNotFound
	}
	sess.Count++
	s.sessions[sessionID] = sess
	s.events[sessionID] = append(s.events[sessionID], store.CountEvent{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Method:    method,
		Timestamp: at,
	})
	return sess.Count, nil
}

// Events returns the count events recorded for a session, oldest first.
func (s *Store) Events(sessionID string) []store.CountEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events[sessionID])
}

// GetMeta implements [store.Store].
func (s *Store) GetMeta(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.meta[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

// SetMeta implements [store.Store].
func (s *Store) SetMeta(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
	return nil
}
