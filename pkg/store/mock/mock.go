// Package mock provides a call-recording test double for [store.Store].
//
// The mock delegates to an in-memory store so reads observe earlier writes,
// and exposes per-method error fields for fault injection. It is safe for
// concurrent use.
//
// Typical usage:
//
//	s := mock.New()
//	s.RecordCountErr = errors.New("disk full")
//
//	// inject s into the system under test …
//
//	if got := s.CallCount("RecordCount"); got != 3 {
//	    t.Errorf("expected 3 RecordCount calls, got %d", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/thakkir/pkg/store"
	"github.com/MrWong99/thakkir/pkg/store/memstore"
)

var _ store.Store = (*Store)(nil)

// Call records the name and non-context arguments of one invocation.
type Call struct {
	Method string
	Args   []any
}

// Store is a configurable test double for [store.Store]. Non-nil *Err fields
// are returned instead of calling the backing store.
type Store struct {
	backing *memstore.Store

	mu    sync.Mutex
	calls []Call

	// Delay, when positive, is slept (honouring ctx) before every call.
	Delay time.Duration

	PingErr           error
	EnsureUserErr     error
	CreateTemplateErr error
	GetTemplateErr    error
	ListTemplatesErr  error
	DeleteTemplateErr error
	CreateSessionErr  error
	GetSessionErr     error
	UpdateSessionErr  error
	DeleteSessionErr  error
	ListSessionsErr   error
	RecordCountErr    error
	GetMetaErr        error
	SetMetaErr        error

	// DeleteSessionErrFor fails DeleteSession for specific ids only.
	DeleteSessionErrFor map[string]error
}

// New returns a mock backed by an empty in-memory store.
func New() *Store {
	return &Store{backing: memstore.New()}
}

// Backing returns the in-memory store behind the mock, for seeding and
// assertions that bypass call recording.
func (m *Store) Backing() *memstore.Store { return m.backing }

// Calls returns a copy of all recorded invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls.
func (m *Store) Reset() {
	m.mu.Lock()
	m.calls = nil
	m.mu.Unlock()
}

// SetErr sets an injected error under the lock, for tests that flip faults
// while the system under test is running.
func (m *Store) SetErr(field *error, err error) {
	m.mu.Lock()
	*field = err
	m.mu.Unlock()
}

// SetDelay is the locked counterpart of assigning Delay.
func (m *Store) SetDelay(d time.Duration) {
	m.mu.Lock()
	m.Delay = d
	m.mu.Unlock()
}

// record appends a call and returns the injected error for it, after the
// configured delay.
func (m *Store) record(ctx context.Context, method string, injected *error, args ...any) error {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: method, Args: args})
	err := *injected
	delay := m.Delay
	m.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

// Ping implements [store.Store].
func (m *Store) Ping(ctx context.Context) error {
	if err := m.record(ctx, "Ping", &m.PingErr); err != nil {
		return err
	}
	return m.backing.Ping(ctx)
}

// Close implements [store.Store].
func (m *Store) Close() error {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: "Close"})
	m.mu.Unlock()
	return nil
}

// EnsureUser implements [store.Store].
func (m *Store) EnsureUser(ctx context.Context, u store.User) error {
	if err := m.record(ctx, "EnsureUser", &m.EnsureUserErr, u); err != nil {
		return err
	}
	return m.backing.EnsureUser(ctx, u)
}

// CreateTemplate implements [store.Store].
func (m *Store) CreateTemplate(ctx context.Context, t store.Template) error {
	if err := m.record(ctx, "CreateTemplate", &m.CreateTemplateErr, t); err != nil {
		return err
	}
	return m.backing.CreateTemplate(ctx, t)
}

// GetTemplate implements [store.Store].
func (m *Store) GetTemplate(ctx context.Context, id string) (store.Template, error) {
	if err := m.record(ctx, "GetTemplate", &m.GetTemplateErr, id); err != nil {
		return store.Template{}, err
	}
	return m.backing.GetTemplate(ctx, id)
}

// ListTemplates implements [store.Store].
func (m *Store) ListTemplates(ctx context.Context) ([]store.Template, error) {
	if err := m.record(ctx, "ListTemplates", &m.ListTemplatesErr); err != nil {
		return nil, err
	}
	return m.backing.ListTemplates(ctx)
}

// DeleteTemplate implements [store.Store].
func (m *Store) DeleteTemplate(ctx context.Context, id string) error {
	if err := m.record(ctx, "DeleteTemplate", &m.DeleteTemplateErr, id); err != nil {
		return err
	}
	return m.backing.DeleteTemplate(ctx, id)
}

// CreateSession implements [store.Store].
func (m *Store) CreateSession(ctx context.Context, s store.Session) error {
	if err := m.record(ctx, "CreateSession", &m.CreateSessionErr, s.Clone()); err != nil {
		return err
	}
	return m.backing.CreateSession(ctx, s)
}

// GetSession implements [store.Store].
func (m *Store) GetSession(ctx context.Context, id string) (store.Session, error) {
	if err := m.record(ctx, "GetSession", &m.GetSessionErr, id); err != nil {
		return store.Session{}, err
	}
	return m.backing.GetSession(ctx, id)
}

// UpdateSession implements [store.Store].
func (m *Store) UpdateSession(ctx context.Context, s store.Session) error {
	if err := m.record(ctx, "UpdateSession", &m.UpdateSessionErr, s.Clone()); err != nil {
		return err
	}
	return m.backing.UpdateSession(ctx, s)
}

// DeleteSession implements [store.Store].
func (m *Store) DeleteSession(ctx context.Context, id string) error {
	if err := m.record(ctx, "DeleteSession", &m.DeleteSessionErr, id); err != nil {
		return err
	}
	m.mu.Lock()
	err := m.DeleteSessionErrFor[id]
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.backing.DeleteSession(ctx, id)
}

// ListSessions implements [store.Store].
func (m *Store) ListSessions(ctx context.Context, f store.SessionFilter) ([]store.Session, error) {
	if err := m.record(ctx, "ListSessions", &m.ListSessionsErr, f); err != nil {
		return nil, err
	}
	return m.backing.ListSessions(ctx, f)
}

// RecordCount implements [store.Store].
func (m *Store) RecordCount(ctx context.Context, sessionID string, method store.CountMethod, at time.Time) (int, error) {
	if err := m.record(ctx, "RecordCount", &m.RecordCountErr, sessionID, method, at); err != nil {
		return 0, err
	}
	return m.backing.RecordCount(ctx, sessionID, method, at)
}

// GetMeta implements [store.Store].
func (m *Store) GetMeta(ctx context.Context, key string) (string, error) {
	if err := m.record(ctx, "GetMeta", &m.GetMetaErr, key); err != nil {
		return "", err
	}
	return m.backing.GetMeta(ctx, key)
}

// SetMeta implements [store.Store].
func (m *Store) SetMeta(ctx context.Context, key, value string) error {
	if err := m.record(ctx, "SetMeta", &m.SetMetaErr, key, value); err != nil {
		return err
	}
	return m.backing.SetMeta(ctx, key, value)
}
