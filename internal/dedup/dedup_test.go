package dedup_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrWong99/thakkir/internal/dedup"
	"github.com/MrWong99/thakkir/pkg/store"
	"github.com/MrWong99/thakkir/pkg/store/mock"
	"github.com/MrWong99/thakkir/pkg/store/storetest"
)

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func session(id string, count, target int, offset time.Duration) store.Session {
	return storetest.NewSession(id, "subhanallah", count, target, t0.Add(offset))
}

func seed(t *testing.T, sessions ...store.Session) *mock.Store {
	t.Helper()
	m := mock.New()
	ctx := context.Background()
	require.NoError(t, m.Backing().CreateTemplate(ctx, store.Template{ID: "subhanallah", CreatedAt: t0}))
	for _, s := range sessions {
		require.NoError(t, m.Backing().CreateSession(ctx, s))
	}
	return m
}

func remainingIDs(t *testing.T, s store.Store) []string {
	t.Helper()
	list, err := s.ListSessions(context.Background(), store.SessionFilter{})
	require.NoError(t, err)
	var ids []string
	for _, sess := range list {
		ids = append(ids, sess.ID)
	}
	return ids
}

func TestIsDuplicate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b store.Session
		want bool
	}{
		{"same target", session("a", 3, 33, 0), session("b", 30, 33, time.Minute), true},
		{"close counts", session("a", 100, 0, 0), session("b", 110, 50, time.Minute), true},
		{"counts too far", session("a", 100, 0, 0), session("b", 115, 50, time.Minute), false},
		{"minimum tolerance of one", session("a", 2, 0, 0), session("b", 3, 10, 0), true},
		{"window is exclusive", session("a", 1, 1, 0), session("b", 1, 1, dedup.Window), false},
		{"just inside window", session("a", 1, 1, 0), session("b", 1, 1, dedup.Window-time.Second), true},
		{"different user", session("a", 1, 1, 0), func() store.Session {
			s := session("b", 1, 1, 0)
			s.UserID = "other"
			return s
		}(), false},
		{"different template", session("a", 1, 1, 0), func() store.Session {
			s := session("b", 1, 1, 0)
			s.TemplateID = "alhamdulillah"
			return s
		}(), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, dedup.IsDuplicate(tc.a, tc.b))
			assert.Equal(t, tc.want, dedup.IsDuplicate(tc.b, tc.a), "must be symmetric")
		})
	}
}

func TestIsDuplicate_ToleranceFollowsSeed(t *testing.T) {
	t.Parallel()

	nineteen := session("a", 19, 0, 0)
	twentyOne := session("b", 21, 33, time.Minute)

	assert.False(t, dedup.IsDuplicate(nineteen, twentyOne), "seed 19 tolerates 1.9")
	assert.True(t, dedup.IsDuplicate(twentyOne, nineteen), "seed 21 tolerates 2.1")
}

func TestRemoveDuplicateSessions_SameTargetTwoMinutesApart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := seed(t,
		session("ten", 10, 33, 0),
		session("eleven", 11, 33, 2*time.Minute),
	)

	res, err := dedup.New(m).RemoveDuplicateSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 1, res.Kept)
	assert.Empty(t, res.Errors)
	assert.Equal(t, []string{"eleven"}, remainingIDs(t, m.Backing()))
}

func TestRemoveDuplicateSessions_KeepsHigherCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := seed(t,
		session("low", 10, 0, 0),
		session("high", 11, 50, 2*time.Minute),
	)
	c := dedup.New(m)

	res, err := c.RemoveDuplicateSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 1, res.Kept)
	assert.Empty(t, res.Errors)
	assert.Equal(t, []string{"high"}, remainingIDs(t, m.Backing()))

	again, err := c.RemoveDuplicateSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Removed)
	assert.Zero(t, again.Kept)
}

func TestFindDuplicateSessions_NotTransitive(t *testing.T) {
	t.Parallel()
	m := seed(t,
		session("a", 0, 33, 0),
		session("b", 0, 33, 3*time.Minute),
		session("c", 0, 33, 6*time.Minute),
	)

	groups, err := dedup.New(m).FindDuplicateSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Len(t, groups[0], 2)
	assert.Equal(t, "a", groups[0][0].ID)
	assert.Equal(t, "b", groups[0][1].ID)
}

func TestKeeper_Order(t *testing.T) {
	t.Parallel()

	completed := session("done", 5, 5, 0)
	completed.Complete(t0.Add(time.Minute))

	tests := []struct {
		name  string
		group []store.Session
		want  string
	}{
		{"completed beats higher count", []store.Session{session("big", 9, 5, 0), completed}, "done"},
		{"higher count", []store.Session{session("a", 3, 0, 0), session("b", 4, 0, 0)}, "b"},
		{"later start", []store.Session{session("early", 4, 0, 0), session("late", 4, 0, time.Minute)}, "late"},
		{"smallest id", []store.Session{session("y", 4, 0, 0), session("x", 4, 0, 0)}, "x"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, dedup.Keeper(tc.group).ID)
		})
	}
}

func TestRemoveDuplicateSessions_CollectsErrors(t *testing.T) {
	t.Parallel()
	m := seed(t,
		session("a", 1, 33, 0),
		session("b", 1, 33, time.Second),
		session("c", 1, 33, 2*time.Second),
	)
	m.DeleteSessionErrFor = map[string]error{"b": errors.New("locked")}

	res, err := dedup.New(m).RemoveDuplicateSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), "locked")
	assert.ElementsMatch(t, []string{"b", "c"}, remainingIDs(t, m.Backing()))
}

func TestRemoveOrphanedSessions(t *testing.T) {
	t.Parallel()
	orphan := session("orphan", 3, 0, time.Hour)
	orphan.TemplateID = "deleted-template"
	m := seed(t, session("ok", 3, 0, 0), orphan)

	res, err := dedup.New(m).RemoveOrphanedSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 1, res.Kept)
	assert.Equal(t, []string{"ok"}, remainingIDs(t, m.Backing()))
}

func TestPerformCleanup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	orphan := session("orphan", 3, 0, time.Hour)
	orphan.TemplateID = "gone"
	m := seed(t,
		session("low", 10, 0, 0),
		session("high", 11, 0, 2*time.Minute),
		orphan,
	)
	now := t0.Add(24 * time.Hour)

	var hooked []string
	c := dedup.New(m,
		dedup.WithClock(func() time.Time { return now }),
		dedup.WithRemovalHook(func(_ context.Context, kind string, n int) {
			hooked = append(hooked, kind)
		}),
	)

	before, err := c.IntegrityReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, dedup.Report{
		TotalSessions:     3,
		TotalTemplates:    1,
		DuplicateSessions: 1,
		OrphanedSessions:  1,
	}, before)

	res, err := c.PerformCleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DuplicatesRemoved)
	assert.Equal(t, 1, res.OrphansRemoved)
	assert.Equal(t, 1, res.Kept)
	assert.Empty(t, res.Errors)
	assert.Equal(t, []string{"duplicate", "orphan"}, hooked)

	after, err := c.IntegrityReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, after.TotalSessions)
	assert.Zero(t, after.DuplicateSessions)
	assert.Zero(t, after.OrphanedSessions)
	require.NotNil(t, after.LastCleanup)
	assert.True(t, after.LastCleanup.Equal(now))
}

func TestPerformCleanup_ListFailure(t *testing.T) {
	t.Parallel()
	m := seed(t)
	m.ListSessionsErr = errors.New("db down")

	_, err := dedup.New(m).PerformCleanup(context.Background())
	require.Error(t, err)
	assert.Zero(t, m.CallCount("SetMeta"))
}

func TestPerformCleanup_MetaFailureIsCollected(t *testing.T) {
	t.Parallel()
	m := seed(t)
	m.SetMetaErr = errors.New("read-only")

	res, err := dedup.New(m).PerformCleanup(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
}
