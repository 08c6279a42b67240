// Package progress summarises a user's counting history.
package progress

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/MrWong99/thakkir/pkg/store"
)

// DefaultHistoryLimit caps History when the filter sets no limit.
const DefaultHistoryLimit = 50

// TemplateStats aggregates one template's sessions.
type TemplateStats struct {
	TemplateID string
	Sessions   int
	Total      int
	Completed  int
}

// Daily is one calendar day of counting.
type Daily struct {
	// Day is local midnight of the summarised day.
	Day        time.Time
	Sessions   int
	TotalDhikr int
	Completed  int
	ByTemplate []TemplateStats
}

// Tracker reads progress from a store.
type Tracker struct {
	store store.Store
	order map[string]int
}

// New returns a Tracker. templateOrder fixes the order of
// [Daily.ByTemplate]; unknown templates follow, sorted by id.
func New(s store.Store, templateOrder []string) *Tracker {
	order := make(map[string]int, len(templateOrder))
	for i, id := range templateOrder {
		order[id] = i
	}
	return &Tracker{store: s, order: order}
}

// StartOfDay returns midnight of t's day in t's location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Today summarises userID's sessions started on now's calendar day.
func (t *Tracker) Today(ctx context.Context, userID string, now time.Time) (Daily, error) {
	day := StartOfDay(now)
	sessions, err := t.store.ListSessions(ctx, store.SessionFilter{
		UserID:      userID,
		StartedFrom: day,
		StartedTo:   day.AddDate(0, 0, 1),
	})
	if err != nil {
		return Daily{}, fmt.Errorf("progress: today: %w", err)
	}

	out := Daily{Day: day, Sessions: len(sessions)}
	byID := make(map[string]*TemplateStats)
	for _, s := range sessions {
		out.TotalDhikr += s.Count
		st, ok := byID[s.TemplateID]
		if !ok {
			st = &TemplateStats{TemplateID: s.TemplateID}
			byID[s.TemplateID] = st
		}
		st.Sessions++
		st.Total += s.Count
		if s.IsCompleted {
			out.Completed++
			st.Completed++
		}
	}
	for _, st := range byID {
		out.ByTemplate = append(out.ByTemplate, *st)
	}
	slices.SortFunc(out.ByTemplate, func(a, b TemplateStats) int {
		ra, aok := t.order[a.TemplateID]
		rb, bok := t.order[b.TemplateID]
		switch {
		case aok && bok:
			return cmp.Compare(ra, rb)
		case aok:
			return -1
		case bok:
			return 1
		}
		return cmp.Compare(a.TemplateID, b.TemplateID)
	})
	return out, nil
}

// History lists sessions newest first. A zero limit means
// [DefaultHistoryLimit].
func (t *Tracker) History(ctx context.Context, f store.SessionFilter) ([]store.Session, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultHistoryLimit
	}
	sessions, err := t.store.ListSessions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("progress: history: %w", err)
	}
	return sessions, nil
}
