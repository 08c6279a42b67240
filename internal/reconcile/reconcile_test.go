package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/thakkir/internal/observe"
	"github.com/MrWong99/thakkir/internal/phrase"
	"github.com/MrWong99/thakkir/internal/resilience"
	"github.com/MrWong99/thakkir/pkg/store"
	"github.com/MrWong99/thakkir/pkg/store/mock"
)

var t0 = time.Date(2026, 3, 1, 5, 30, 0, 0, time.UTC)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// newReconciler returns an initialised reconciler over a fresh mock store
// with a deterministic clock and ids s1, s2, ...
func newReconciler(t *testing.T, cfg Config) (*Reconciler, *mock.Store) {
	t.Helper()
	st := mock.New()
	var seq atomic.Int64
	if cfg.NewID == nil {
		cfg.NewID = func() string { return fmt.Sprintf("s%d", seq.Add(1)) }
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return t0 }
	}
	if cfg.Templates == nil {
		cfg.Templates = phrase.DefaultTemplates()
	}
	cfg.Metrics = testMetrics(t)
	r := New(st, cfg)
	closeOnCleanup(t, r)
	if err := r.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return r, st
}

func closeOnCleanup(t *testing.T, r *Reconciler) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
}

// flush waits for queued writes so the store can be inspected.
func flush(t *testing.T, r *Reconciler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestInit_SeedsOnce(t *testing.T) {
	t.Parallel()
	r, st := newReconciler(t, Config{UserID: "u1", UserName: "Aisha"})
	ctx := context.Background()

	tpls, err := st.Backing().ListTemplates(ctx)
	if err != nil {
		t.Fatalf("ListTemplates: %v", err)
	}
	want := phrase.Default().IDs()
	if len(tpls) != len(want) {
		t.Fatalf("templates = %d, want %d", len(tpls), len(want))
	}
	for i, tpl := range tpls {
		if tpl.ID != want[i] {
			t.Errorf("template[%d] = %s, want %s (table order)", i, tpl.ID, want[i])
		}
	}

	if err := r.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if n := st.CallCount("CreateTemplate"); n != len(want) {
		t.Errorf("CreateTemplate calls = %d, want %d (no reseeding)", n, len(want))
	}
	if n := st.CallCount("EnsureUser"); n != 2 {
		t.Errorf("EnsureUser calls = %d, want 2", n)
	}
}

func TestInit_StoreDown(t *testing.T) {
	t.Parallel()
	st := mock.New()
	st.ListTemplatesErr = errors.New("disk gone")
	r := New(st, Config{Metrics: testMetrics(t)})
	closeOnCleanup(t, r)

	if err := r.Init(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := r.StartSession(context.Background(), "subhanallah", 0); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("StartSession err = %v, want ErrNotInitialized", err)
	}
}

func TestStartSession_Validation(t *testing.T) {
	t.Parallel()
	r, _ := newReconciler(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name     string
		phraseID string
		target   int
		want     error
	}{
		{"empty phrase", "", 33, ErrNoPhrase},
		{"negative target", "subhanallah", -1, ErrInvalidTarget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.StartSession(ctx, tt.phraseID, tt.target); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if r.Counter().Active {
		t.Error("failed start must not activate a session")
	}
}

func TestTargetReached_AutoCompletes(t *testing.T) {
	t.Parallel()
	r, st := newReconciler(t, Config{UserID: "u1"})
	ctx := context.Background()

	s, err := r.StartSession(ctx, "subhanallah", 5)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if s.ID != "s1" || s.UserID != "u1" || s.Count != 0 || !s.StartedAt.Equal(t0) {
		t.Errorf("session = %+v", s)
	}

	for i := 1; i <= 5; i++ {
		if !r.Increment(ctx, store.MethodVoice) {
			t.Fatalf("increment %d rejected", i)
		}
		if i < 5 {
			if c := r.Counter(); c.Count != i || !c.Active || c.Remaining() != 5-i {
				t.Fatalf("after %d: counter = %+v", i, c)
			}
		}
	}

	if c := r.Counter(); c.Active {
		t.Errorf("counter still active after target: %+v", c)
	}
	if r.Increment(ctx, store.MethodTap) {
		t.Error("increment without a session should return false")
	}

	flush(t, r)
	got, err := st.Backing().GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Count != 5 || !got.IsCompleted || got.CompletedAt == nil {
		t.Errorf("stored = %+v", got)
	}
	if n := len(st.Backing().Events("s1")); n != 5 {
		t.Errorf("count events = %d, want 5", n)
	}
}

func TestComplete(t *testing.T) {
	t.Parallel()
	r, st := newReconciler(t, Config{})
	ctx := context.Background()

	if r.Complete(ctx) {
		t.Error("Complete without a session should return false")
	}
	if _, err := r.StartSession(ctx, "alhamdulillah", 0); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	for range 40 {
		r.Increment(ctx, store.MethodTap)
	}
	if !r.Counter().Active {
		t.Fatal("open-ended session must not auto-complete")
	}
	if !r.Complete(ctx) {
		t.Fatal("Complete returned false")
	}
	flush(t, r)
	got, _ := st.Backing().GetSession(ctx, "s1")
	if got.Count != 40 || !got.IsCompleted {
		t.Errorf("stored = %+v", got)
	}
}

func TestReset_DoesNotTouchStore(t *testing.T) {
	t.Parallel()
	r, st := newReconciler(t, Config{})
	ctx := context.Background()

	if _, err := r.StartSession(ctx, "allahu-akbar", 10); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	r.Increment(ctx, store.MethodTap)
	flush(t, r)
	before := len(st.Calls())

	r.Reset()
	r.Reset()
	flush(t, r)

	if r.Counter() != (Counter{}) {
		t.Errorf("counter = %+v, want zero", r.Counter())
	}
	if after := len(st.Calls()); after != before {
		t.Errorf("Reset made %d store calls", after-before)
	}
	got, _ := st.Backing().GetSession(ctx, "s1")
	if got.IsCompleted || got.Count != 1 {
		t.Errorf("discarded session changed in store: %+v", got)
	}
}

func TestStartSession_ReplacesActive(t *testing.T) {
	t.Parallel()
	r, st := newReconciler(t, Config{})
	ctx := context.Background()

	if _, err := r.StartSession(ctx, "subhanallah", 33); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	r.Increment(ctx, store.MethodTap)
	second, err := r.StartSession(ctx, "astaghfirullah", 100)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if c := r.Counter(); c.SessionID != second.ID || c.Count != 0 || c.TemplateID != "astaghfirullah" {
		t.Errorf("counter = %+v", c)
	}
	flush(t, r)
	first, _ := st.Backing().GetSession(ctx, "s1")
	if first.IsCompleted {
		t.Error("abandoned session must not be completed")
	}
}

func TestIncrement_InvalidMethod(t *testing.T) {
	t.Parallel()
	r, st := newReconciler(t, Config{})
	ctx := context.Background()
	if _, err := r.StartSession(ctx, "subhanallah", 0); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if r.Increment(ctx, store.CountMethod("shake")) {
		t.Error("unknown method accepted")
	}
	if r.Counter().Count != 0 || st.CallCount("RecordCount") != 0 {
		t.Error("rejected increment changed state")
	}
}

func TestDegradedStore_CountsInMemory(t *testing.T) {
	t.Parallel()
	r, st := newReconciler(t, Config{})
	ctx := context.Background()
	st.SetErr(&st.CreateSessionErr, errors.New("database is locked"))

	s, err := r.StartSession(ctx, "la-ilaha-illa-allah", 3)
	if err != nil {
		t.Fatalf("StartSession must not fail on a write error: %v", err)
	}
	if !r.Counter().Active {
		t.Fatal("session not active")
	}

	// The record never made it to the store: RecordCount and UpdateSession
	// report not found, which completes in memory only.
	for range 3 {
		if !r.Increment(ctx, store.MethodVoice) {
			t.Fatal("increment rejected")
		}
	}
	if r.Counter().Active {
		t.Error("target reached but session still active")
	}
	flush(t, r)
	if _, err := st.Backing().GetSession(ctx, s.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetSession err = %v, want ErrNotFound", err)
	}
	if n := st.CallCount("UpdateSession"); n != 1 {
		t.Errorf("UpdateSession calls = %d, want 1", n)
	}
	if got := r.BreakerState(); got != resilience.StateClosed {
		t.Errorf("breaker = %s; missing records must not count as store failures", got)
	}
}

func TestConcurrentIncrements_AllPersisted(t *testing.T) {
	t.Parallel()
	r, st := newReconciler(t, Config{})
	ctx := context.Background()
	if _, err := r.StartSession(ctx, "subhanallah", 0); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	const n = 100
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Increment(ctx, store.MethodTap)
		}()
	}
	wg.Wait()
	flush(t, r)

	if got := r.Counter().Count; got != n {
		t.Errorf("memory count = %d, want %d", got, n)
	}
	got, _ := st.Backing().GetSession(ctx, "s1")
	if got.Count != n {
		t.Errorf("stored count = %d, want %d", got.Count, n)
	}
}

func TestSlowStore_BreakerOpens(t *testing.T) {
	t.Parallel()
	br := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "store",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
		CallTimeout:  20 * time.Millisecond,
	})
	r, st := newReconciler(t, Config{Breaker: br})
	ctx := context.Background()

	if _, err := r.StartSession(ctx, "subhanallah", 0); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	flush(t, r)
	st.SetDelay(time.Second)

	for range 10 {
		r.Increment(ctx, store.MethodVoice)
	}
	flush(t, r)
	if r.Counter().Count != 10 {
		t.Errorf("count = %d, want 10", r.Counter().Count)
	}
	if got := r.BreakerState(); got != resilience.StateOpen {
		t.Errorf("breaker = %s, want open", got)
	}
	if n := st.CallCount("RecordCount"); n != 2 {
		t.Errorf("RecordCount reached the store %d times, want 2 before the breaker opened", n)
	}
}

func TestCallerCancellation_DoesNotAbortWrite(t *testing.T) {
	t.Parallel()
	r, st := newReconciler(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	if _, err := r.StartSession(ctx, "subhanallah", 0); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	cancel()
	if !r.Increment(ctx, store.MethodTap) {
		t.Fatal("increment rejected")
	}
	flush(t, r)
	got, _ := st.Backing().GetSession(context.Background(), "s1")
	if got.Count != 1 {
		t.Errorf("stored count = %d, want 1", got.Count)
	}
}

func TestHungStore_CountingDoesNotWait(t *testing.T) {
	t.Parallel()
	r, st := newReconciler(t, Config{})
	ctx := context.Background()
	st.SetDelay(time.Minute)

	budget := DefaultWriteTimeout / 10
	start := time.Now()
	if _, err := r.StartSession(ctx, "subhanallah", 0); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Increment(ctx, store.MethodVoice)
		}()
	}
	wg.Wait()
	if c := r.Counter(); c.Count != 3 {
		t.Errorf("count = %d, want 3", c.Count)
	}
	if _, ok := r.ActiveSession(); !ok {
		t.Error("no active session")
	}
	if !r.Complete(ctx) {
		t.Error("Complete returned false")
	}
	if elapsed := time.Since(start); elapsed > budget {
		t.Errorf("counting took %v against a hung store, want under %v", elapsed, budget)
	}

	flushCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := r.Flush(flushCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Flush err = %v, want deadline exceeded while the store hangs", err)
	}
}

func TestWriteOrder_FollowsMemory(t *testing.T) {
	t.Parallel()
	r, st := newReconciler(t, Config{})
	ctx := context.Background()
	st.Reset()

	if _, err := r.StartSession(ctx, "subhanallah", 2); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	r.Increment(ctx, store.MethodTap)
	r.Increment(ctx, store.MethodVoice)
	flush(t, r)

	var got []string
	for _, c := range st.Calls() {
		got = append(got, c.Method)
	}
	want := []string{"CreateSession", "RecordCount", "RecordCount", "UpdateSession"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("store calls = %v, want %v", got, want)
	}
}

func TestClose_DrainsThenDrops(t *testing.T) {
	t.Parallel()
	r, st := newReconciler(t, Config{})
	ctx := context.Background()

	if _, err := r.StartSession(ctx, "subhanallah", 0); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	r.Increment(ctx, store.MethodTap)
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := st.CallCount("RecordCount"); n != 1 {
		t.Errorf("RecordCount calls = %d, want 1 drained before Close returned", n)
	}

	if !r.Increment(ctx, store.MethodTap) {
		t.Fatal("counting after Close must still work in memory")
	}
	if r.Counter().Count != 2 {
		t.Errorf("count = %d, want 2", r.Counter().Count)
	}
	if err := r.Flush(ctx); err != nil {
		t.Errorf("Flush after Close: %v", err)
	}
	if n := st.CallCount("RecordCount"); n != 1 {
		t.Errorf("RecordCount calls = %d after Close, want 1", n)
	}
}

func TestQueueFull_DropsWithoutBlocking(t *testing.T) {
	t.Parallel()
	r, st := newReconciler(t, Config{QueueSize: 1})
	ctx := context.Background()
	st.SetDelay(time.Minute)

	if _, err := r.StartSession(ctx, "subhanallah", 0); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	start := time.Now()
	for range 20 {
		if !r.Increment(ctx, store.MethodTap) {
			t.Fatal("increment rejected")
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("increments took %v with a full queue", elapsed)
	}
	if r.Counter().Count != 20 {
		t.Errorf("count = %d, want 20", r.Counter().Count)
	}
}
