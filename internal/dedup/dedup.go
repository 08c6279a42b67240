// Package dedup finds and removes duplicate and orphaned counting sessions.
//
// Duplicates arise when the same run is written twice, for example by a
// retried create. Two sessions are duplicates when they belong to the same
// user and template, started less than [Window] apart, and either share a
// target or have nearly equal counts.
//
// Grouping is seed-based and not transitive: each seed collects the later
// sessions that match the seed itself, so A~B and B~C with A≁C yields the
// group {A, B} and leaves C for a later seed.
package dedup

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/MrWong99/thakkir/pkg/store"
)

const (
	// Window is the maximum start-time distance between duplicates (exclusive).
	Window = 5 * time.Minute

	countTolerance = 0.1
)

// RemovalResult summarises a removal pass. Per-record failures are collected
// in Errors and do not stop the pass.
type RemovalResult struct {
	Removed int
	Kept    int
	Errors  []error
}

// Report describes the current integrity of the store.
type Report struct {
	TotalSessions     int
	TotalTemplates    int
	DuplicateSessions int
	OrphanedSessions  int

	// LastCleanup is nil if no cleanup has ever run.
	LastCleanup *time.Time
}

// CleanupResult summarises [Checker.PerformCleanup].
type CleanupResult struct {
	DuplicatesRemoved int
	OrphansRemoved    int
	Kept              int
	Errors            []error
}

// Option configures a [Checker].
type Option func(*Checker)

// WithClock overrides the time source used for the last-cleanup stamp.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// WithRemovalHook registers fn, called after every removal pass with the
// kind ("duplicate" or "orphan") and the number of sessions removed.
func WithRemovalHook(fn func(ctx context.Context, kind string, n int)) Option {
	return func(c *Checker) { c.onRemoved = fn }
}

// Checker runs integrity checks against a store.
type Checker struct {
	store     store.Store
	now       func() time.Time
	onRemoved func(ctx context.Context, kind string, n int)
}

// New returns a Checker over s.
func New(s store.Store, opts ...Option) *Checker {
	c := &Checker{store: s, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// IsDuplicate reports whether other duplicates seed. Different targets still
// match when the counts differ by at most a tenth of the seed's count (at
// least one). The tolerance is not floored, so the check is not symmetric:
// seed 21 admits 19, seed 19 does not admit 21.
func IsDuplicate(seed, other store.Session) bool {
	if seed.UserID != other.UserID || seed.TemplateID != other.TemplateID {
		return false
	}
	d := seed.StartedAt.Sub(other.StartedAt)
	if d < 0 {
		d = -d
	}
	if d >= Window {
		return false
	}
	if seed.TargetCount == other.TargetCount {
		return true
	}
	diff := seed.Count - other.Count
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) <= max(1, float64(seed.Count)*countTolerance)
}

// FindDuplicateSessions returns every group of two or more duplicate
// sessions. Each group starts with its seed, the earliest session.
func (c *Checker) FindDuplicateSessions(ctx context.Context) ([][]store.Session, error) {
	sessions, err := c.loadSessions(ctx)
	if err != nil {
		return nil, err
	}
	return groupDuplicates(sessions), nil
}

func groupDuplicates(sessions []store.Session) [][]store.Session {
	processed := make([]bool, len(sessions))
	var groups [][]store.Session
	for i, seed := range sessions {
		if processed[i] {
			continue
		}
		processed[i] = true
		group := []store.Session{seed}
		for j := i + 1; j < len(sessions); j++ {
			if processed[j] || !IsDuplicate(seed, sessions[j]) {
				continue
			}
			processed[j] = true
			group = append(group, sessions[j])
		}
		if len(group) > 1 {
			groups = append(groups, group)
		}
	}
	return groups
}

// Keeper returns the session of group that survives deduplication:
// completed first, then the higher count, then the later start, then the
// smallest id.
func Keeper(group []store.Session) store.Session {
	return slices.MinFunc(group, compareKeep)
}

// compareKeep orders sessions most-worth-keeping first.
func compareKeep(a, b store.Session) int {
	if a.IsCompleted != b.IsCompleted {
		if a.IsCompleted {
			return -1
		}
		return 1
	}
	if c := cmp.Compare(b.Count, a.Count); c != 0 {
		return c
	}
	if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// RemoveDuplicateSessions keeps one session per duplicate group and deletes
// the rest. Running it twice in a row removes nothing the second time.
func (c *Checker) RemoveDuplicateSessions(ctx context.Context) (RemovalResult, error) {
	groups, err := c.FindDuplicateSessions(ctx)
	if err != nil {
		return RemovalResult{}, err
	}

	var res RemovalResult
	for _, group := range groups {
		keep := Keeper(group)
		res.Kept++
		for _, s := range group {
			if s.ID == keep.ID {
				continue
			}
			c.remove(ctx, s, "duplicate", &res)
		}
	}
	c.report(ctx, "duplicate", res)
	return res, nil
}

// RemoveOrphanedSessions deletes every session whose template does not
// exist.
func (c *Checker) RemoveOrphanedSessions(ctx context.Context) (RemovalResult, error) {
	sessions, err := c.loadSessions(ctx)
	if err != nil {
		return RemovalResult{}, err
	}
	known, err := c.templateIDs(ctx)
	if err != nil {
		return RemovalResult{}, err
	}

	var res RemovalResult
	for _, s := range sessions {
		if _, ok := known[s.TemplateID]; ok {
			res.Kept++
			continue
		}
		c.remove(ctx, s, "orphan", &res)
	}
	c.report(ctx, "orphan", res)
	return res, nil
}

// IntegrityReport counts sessions, templates, duplicates and orphans.
func (c *Checker) IntegrityReport(ctx context.Context) (Report, error) {
	sessions, err := c.loadSessions(ctx)
	if err != nil {
		return Report{}, err
	}
	known, err := c.templateIDs(ctx)
	if err != nil {
		return Report{}, err
	}

	r := Report{
		TotalSessions:  len(sessions),
		TotalTemplates: len(known),
	}
	for _, g := range groupDuplicates(sessions) {
		r.DuplicateSessions += len(g) - 1
	}
	for _, s := range sessions {
		if _, ok := known[s.TemplateID]; !ok {
			r.OrphanedSessions++
		}
	}

	last, err := c.LastCleanup(ctx)
	if err != nil {
		slog.Warn("dedup: unreadable last cleanup time", "err", err)
	}
	r.LastCleanup = last
	return r, nil
}

// LastCleanup returns the time of the last completed cleanup, or nil if none
// has run.
func (c *Checker) LastCleanup(ctx context.Context) (*time.Time, error) {
	v, err := c.store.GetMeta(ctx, store.MetaLastCleanup)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dedup: get last cleanup: %w", err)
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("dedup: parse last cleanup %q: %w", v, err)
	}
	return &t, nil
}

// PerformCleanup removes duplicates, then orphans, then records the cleanup
// time. It returns an error only when sessions cannot be listed at all;
// every other failure is collected in the result.
func (c *Checker) PerformCleanup(ctx context.Context) (CleanupResult, error) {
	var out CleanupResult

	dups, err := c.RemoveDuplicateSessions(ctx)
	if err != nil {
		return CleanupResult{}, err
	}
	out.DuplicatesRemoved = dups.Removed
	out.Kept = dups.Kept
	out.Errors = append(out.Errors, dups.Errors...)

	orphans, err := c.RemoveOrphanedSessions(ctx)
	if err != nil {
		out.Errors = append(out.Errors, err)
	} else {
		out.OrphansRemoved = orphans.Removed
		out.Errors = append(out.Errors, orphans.Errors...)
	}

	stamp := c.now().UTC().Format(time.RFC3339)
	if err := c.store.SetMeta(ctx, store.MetaLastCleanup, stamp); err != nil {
		out.Errors = append(out.Errors, fmt.Errorf("dedup: set last cleanup: %w", err))
	}

	slog.Info("integrity cleanup finished",
		"duplicates_removed", out.DuplicatesRemoved,
		"orphans_removed", out.OrphansRemoved,
		"groups_kept", out.Kept,
		"errors", len(out.Errors),
	)
	return out, nil
}

// loadSessions returns all sessions ordered by start time, then id.
func (c *Checker) loadSessions(ctx context.Context) ([]store.Session, error) {
	sessions, err := c.store.ListSessions(ctx, store.SessionFilter{})
	if err != nil {
		return nil, fmt.Errorf("dedup: list sessions: %w", err)
	}
	slices.SortFunc(sessions, func(a, b store.Session) int {
		if n := a.StartedAt.Compare(b.StartedAt); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return sessions, nil
}

func (c *Checker) templateIDs(ctx context.Context) (map[string]struct{}, error) {
	templates, err := c.store.ListTemplates(ctx)
	if err != nil {
		return nil, fmt.Errorf("dedup: list templates: %w", err)
	}
	ids := make(map[string]struct{}, len(templates))
	for _, t := range templates {
		ids[t.ID] = struct{}{}
	}
	return ids, nil
}

// remove deletes s, treating an already-missing session as done.
func (c *Checker) remove(ctx context.Context, s store.Session, kind string, res *RemovalResult) {
	err := c.store.DeleteSession(ctx, s.ID)
	switch {
	case err == nil:
		res.Removed++
		slog.Debug("removed session", "kind", kind, "session_id", s.ID, "template_id", s.TemplateID)
	case errors.Is(err, store.ErrNotFound):
	default:
		res.Errors = append(res.Errors, fmt.Errorf("dedup: delete %s session %s: %w", kind, s.ID, err))
	}
}

func (c *Checker) report(ctx context.Context, kind string, res RemovalResult) {
	if c.onRemoved != nil && res.Removed > 0 {
		c.onRemoved(ctx, kind, res.Removed)
	}
}
