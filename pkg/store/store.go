// Package store defines the durable repository for dhikr templates, counting
// sessions and per-count events.
//
// The interface is public so alternative backends can be supplied without
// depending on thakkir internals. Three backends ship with the module:
// memstore (in-memory), sqlite (embedded, the default) and postgres.
//
// Every implementation must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by every backend.
var (
	// ErrNotFound is returned when a record with the requested id does not
	// exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateID is returned when creating a record whose id is taken.
	ErrDuplicateID = errors.New("store: duplicate id")
)

// CountMethod records how a single count was produced.
type CountMethod string

const (
	MethodTap   CountMethod = "tap"
	MethodVoice CountMethod = "voice"
	MethodAuto  CountMethod = "auto"
)

// Valid reports whether m is one of the known methods.
func (m CountMethod) Valid() bool {
	switch m {
	case MethodTap, MethodVoice, MethodAuto:
		return true
	}
	return false
}

// Template is the display record of a dhikr that sessions reference.
type Template struct {
	ID              string
	ArabicText      string
	Transliteration string
	Translation     string
	Category        string
	Reference       string
	CreatedAt       time.Time
}

// Session is one counting run for a template.
type Session struct {
	ID         string
	UserID     string
	TemplateID string
	Count      int

	// TargetCount is the goal for auto-completion. Zero means no target.
	TargetCount int

	StartedAt time.Time

	// CompletedAt is nil until the session completes.
	CompletedAt *time.Time

	// IsCompleted is true iff CompletedAt is non-nil.
	IsCompleted bool
}

// Complete marks s completed at t.
func (s *Session) Complete(t time.Time) {
	s.CompletedAt = &t
	s.IsCompleted = true
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		s.CompletedAt = &t
	}
	return s
}

// CountEvent is the audit record of a single increment.
type CountEvent struct {
	ID        string
	SessionID string
	Method    CountMethod
	Timestamp time.Time
}

// User is the owner of sessions. Only a single local user exists.
type User struct {
	ID   string
	Name string
}

// SessionFilter selects sessions for [Store.ListSessions]. Zero fields are
// ignored. Results are ordered newest first by StartedAt, then id.
type SessionFilter struct {
	UserID     string
	TemplateID string

	// StartedFrom is an inclusive lower bound on StartedAt.
	StartedFrom time.Time

	// StartedTo is an exclusive upper bound on StartedAt.
	StartedTo time.Time

	// Limit caps the result size. Zero means unlimited.
	Limit int
}

// Matches reports whether s satisfies every non-zero field of f, ignoring
// Limit.
func (f SessionFilter) Matches(s Session) bool {
	if f.UserID != "" && s.UserID != f.UserID {
		return false
	}
	if f.TemplateID != "" && s.TemplateID != f.TemplateID {
		return false
	}
	if !f.StartedFrom.IsZero() && s.StartedAt.Before(f.StartedFrom) {
		return false
	}
	if !f.StartedTo.IsZero() && !s.StartedAt.Before(f.StartedTo) {
		return false
	}
	return true
}

// Store is the durable repository.
type Store interface {
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error

	// EnsureUser creates u if no user with its id exists.
	EnsureUser(ctx context.Context, u User) error

	// CreateTemplate stores t. Returns [ErrDuplicateID] if the id is taken.
	CreateTemplate(ctx context.Context, t Template) error
	GetTemplate(ctx context.Context, id string) (Template, error)

	// ListTemplates returns all templates ordered by CreatedAt, then id.
	ListTemplates(ctx context.Context) ([]Template, error)
	DeleteTemplate(ctx context.Context, id string) error

	// CreateSession stores s. Returns [ErrDuplicateID] if the id is taken.
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)

	// UpdateSession overwrites every mutable field of the session with s.ID.
	// Returns [ErrNotFound] if it does not exist.
	UpdateSession(ctx context.Context, s Session) error

	// DeleteSession removes the session and its count events. Returns
	// [ErrNotFound] if it does not exist.
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, f SessionFilter) ([]Session, error)

	// RecordCount atomically appends a count event for the session and
	// increments its count, returning the new count. Returns [ErrNotFound]
	// if the session does not exist.
	RecordCount(ctx context.Context, sessionID string, method CountMethod, at time.Time) (int, error)

	// GetMeta returns the value stored under key, or [ErrNotFound].
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
}

// MetaLastCleanup is the meta key holding the RFC 3339 time of the last
// integrity cleanup.
const MetaLastCleanup = "last_cleanup"

// ValidateSession checks the fields every backend requires on create.
func ValidateSession(s Session) error {
	switch {
	case s.ID == "":
		return fmt.Errorf("store: session id is required")
	case s.TemplateID == "":
		return fmt.Errorf("store: session %s: template id is required", s.ID)
	case s.Count < 0:
		return fmt.Errorf("store: session %s: negative count %d", s.ID, s.Count)
	case s.TargetCount < 0:
		return fmt.Errorf("store: session %s: negative target %d", s.ID, s.TargetCount)
	case s.IsCompleted != (s.CompletedAt != nil):
		return fmt.Errorf("store: session %s: is_completed disagrees with completed_at", s.ID)
	}
	return nil
}
