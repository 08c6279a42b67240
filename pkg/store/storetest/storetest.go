// Package storetest is a conformance suite for [store.Store] backends.
//
// Backend test files call [Run] with a constructor that returns a fresh,
// empty store per subtest.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrWong99/thakkir/pkg/store"
)

// Factory returns an empty store. It should register its own cleanup.
type Factory func(t *testing.T) store.Store

// base is a fixed reference time, truncated to what every backend can
// round-trip.
var base = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

// Run executes every conformance test against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Templates", func(t *testing.T) { testTemplates(t, newStore(t)) })
	t.Run("SessionCRUD", func(t *testing.T) { testSessionCRUD(t, newStore(t)) })
	t.Run("ListSessionsFilter", func(t *testing.T) { testListSessions(t, newStore(t)) })
	t.Run("RecordCount", func(t *testing.T) { testRecordCount(t, newStore(t)) })
	t.Run("RecordCountConcurrent", func(t *testing.T) { testRecordCountConcurrent(t, newStore(t)) })
	t.Run("Meta", func(t *testing.T) { testMeta(t, newStore(t)) })
	t.Run("EnsureUser", func(t *testing.T) { testEnsureUser(t, newStore(t)) })
}

// NewSession returns a valid open session for tests.
func NewSession(id, templateID string, count, target int, started time.Time) store.Session {
	return store.Session{
		ID:          id,
		UserID:      "default-user",
		TemplateID:  templateID,
		Count:       count,
		TargetCount: target,
		StartedAt:   started,
	}
}

func testTemplates(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateTemplate(ctx, store.Template{ID: "b", ArabicText: "ب", CreatedAt: base}))
	require.NoError(t, s.CreateTemplate(ctx, store.Template{ID: "a", ArabicText: "ا", CreatedAt: base}))
	require.NoError(t, s.CreateTemplate(ctx, store.Template{ID: "c", CreatedAt: base.Add(-time.Minute)}))

	err := s.CreateTemplate(ctx, store.Template{ID: "a", CreatedAt: base})
	assert.ErrorIs(t, err, store.ErrDuplicateID)

	got, err := s.GetTemplate(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "ب", got.ArabicText)

	list, err := s.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, templateIDs(list))

	require.NoError(t, s.DeleteTemplate(ctx, "c"))
	_, err = s.GetTemplate(ctx, "c")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteTemplate(ctx, "c"), store.ErrNotFound)
}

func testSessionCRUD(t *testing.T, s store.Store) {
	ctx := context.Background()

	sess := NewSession("s1", "subhanallah", 0, 33, base)
	require.NoError(t, s.CreateSession(ctx, sess))
	assert.ErrorIs(t, s.CreateSession(ctx, sess), store.ErrDuplicateID)

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 33, got.TargetCount)
	assert.False(t, got.IsCompleted)
	assert.Nil(t, got.CompletedAt)
	assert.True(t, got.StartedAt.Equal(base))

	got.Count = 33
	got.Complete(base.Add(time.Minute))
	require.NoError(t, s.UpdateSession(ctx, got))

	got, err = s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 33, got.Count)
	assert.True(t, got.IsCompleted)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(base.Add(time.Minute)))

	missing := NewSession("nope", "subhanallah", 0, 0, base)
	assert.ErrorIs(t, s.UpdateSession(ctx, missing), store.ErrNotFound)

	require.NoError(t, s.DeleteSession(ctx, "s1"))
	_, err = s.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteSession(ctx, "s1"), store.ErrNotFound)
}

func testListSessions(t *testing.T, s store.Store) {
	ctx := context.Background()

	for i, tpl := range []string{"a", "b", "a", "a"} {
		sess := NewSession(fmt.Sprintf("s%d", i), tpl, i, 0, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, s.CreateSession(ctx, sess))
	}
	other := NewSession("other", "a", 0, 0, base)
	other.UserID = "someone-else"
	require.NoError(t, s.CreateSession(ctx, other))

	all, err := s.ListSessions(ctx, store.SessionFilter{UserID: "default-user"})
	require.NoError(t, err)
	assert.Equal(t, []string{"s3", "s2", "s1", "s0"}, sessionIDs(all))

	byTpl, err := s.ListSessions(ctx, store.SessionFilter{TemplateID: "a", UserID: "default-user"})
	require.NoError(t, err)
	assert.Equal(t, []string{"s3", "s2", "s0"}, sessionIDs(byTpl))

	window, err := s.ListSessions(ctx, store.SessionFilter{
		StartedFrom: base.Add(time.Hour),
		StartedTo:   base.Add(3 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"s2", "s1"}, sessionIDs(window))

	limited, err := s.ListSessions(ctx, store.SessionFilter{UserID: "default-user", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"s3", "s2"}, sessionIDs(limited))
}

func testRecordCount(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, NewSession("s1", "a", 0, 0, base)))
	for i := 1; i <= 3; i++ {
		n, err := s.RecordCount(ctx, "s1", store.MethodVoice, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Count)

	_, err = s.RecordCount(ctx, "missing", store.MethodTap, base)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testRecordCountConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, NewSession("s1", "a", 0, 0, base)))

	const n = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.RecordCount(ctx, "s1", store.MethodTap, base); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.NoError(t, errors.Join(errs...))

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, n, got.Count)
}

func testMeta(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetMeta(ctx, store.MetaLastCleanup)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SetMeta(ctx, store.MetaLastCleanup, "one"))
	require.NoError(t, s.SetMeta(ctx, store.MetaLastCleanup, "two"))
	v, err := s.GetMeta(ctx, store.MetaLastCleanup)
	require.NoError(t, err)
	assert.Equal(t, "two", v)
}

func testEnsureUser(t *testing.T, s store.Store) {
	ctx := context.Background()
	u := store.User{ID: "default-user", Name: "Default"}
	require.NoError(t, s.EnsureUser(ctx, u))
	require.NoError(t, s.EnsureUser(ctx, u))
	require.NoError(t, s.Ping(ctx))
}

func templateIDs(ts []store.Template) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.ID
	}
	return out
}

func sessionIDs(ss []store.Session) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.ID
	}
	return out
}
