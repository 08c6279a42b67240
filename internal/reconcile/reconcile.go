// Package reconcile owns the active counting session and keeps the store in
// step with it.
//
// The in-memory counter is authoritative while a session runs. Every change
// is applied in memory first and its durable write is queued. A single
// writer goroutine drains the queue in order through a circuit breaker with a
// short timeout. Write failures are logged and counted but never reach the
// caller, and counting never waits on the store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/thakkir/internal/observe"
	"github.com/MrWong99/thakkir/internal/phrase"
	"github.com/MrWong99/thakkir/internal/resilience"
	"github.com/MrWong99/thakkir/pkg/store"
)

const (
	// DefaultWriteTimeout bounds each durable write.
	DefaultWriteTimeout = 2 * time.Second

	// DefaultQueueSize is how many durable writes may wait for the writer.
	DefaultQueueSize = 1024
)

var (
	ErrNoPhrase       = errors.New("reconcile: phrase id is required")
	ErrNotInitialized = errors.New("reconcile: not initialized")
	ErrInvalidTarget  = errors.New("reconcile: target must not be negative")
)

// Counter is a snapshot of the live counter.
type Counter struct {
	Count      int
	Target     int
	Active     bool
	SessionID  string
	TemplateID string
}

// Remaining returns how many counts are left to the target, or 0 without
// one.
func (c Counter) Remaining() int {
	if c.Target == 0 || c.Count >= c.Target {
		return 0
	}
	return c.Target - c.Count
}

// Config configures a [Reconciler].
type Config struct {
	// UserID owns every session. Default "default-user".
	UserID   string
	UserName string

	// Templates are seeded by Init when the store has none.
	Templates []phrase.Template

	// WriteTimeout bounds each durable write. Ignored when Breaker is set.
	WriteTimeout time.Duration

	// Breaker guards durable writes. Default: 5 failures open it for 30s.
	Breaker *resilience.CircuitBreaker

	// QueueSize caps pending durable writes. When the queue is full the
	// write is dropped and counted as a persist error. Default 1024.
	QueueSize int

	Metrics *observe.Metrics

	Now   func() time.Time
	NewID func() string
}

// Reconciler is safe for concurrent use.
type Reconciler struct {
	store   store.Store
	cfg     Config
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics

	mu          sync.Mutex
	initialized bool
	closed      bool
	active      *store.Session

	// Writes are sent under mu, so they reach the store in the order their
	// in-memory changes happened.
	queue      chan pendingWrite
	stop       chan struct{}
	writerDone chan struct{}
}

// pendingWrite is one queued durable write. A nil fn is a flush marker whose
// done channel is closed once everything queued before it has been written.
type pendingWrite struct {
	ctx  context.Context
	op   string
	fn   func(context.Context) error
	done chan struct{}
}

// New returns a Reconciler over s. Call Init before starting sessions.
func New(s store.Store, cfg Config) *Reconciler {
	if cfg.UserID == "" {
		cfg.UserID = "default-user"
	}
	if cfg.UserName == "" {
		cfg.UserName = cfg.UserID
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	br := cfg.Breaker
	if br == nil {
		br = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:        "store",
			CallTimeout: cfg.WriteTimeout,
		})
	}
	r := &Reconciler{
		store:      s,
		cfg:        cfg,
		breaker:    br,
		metrics:    cfg.Metrics,
		queue:      make(chan pendingWrite, cfg.QueueSize),
		stop:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go r.drain()
	return r
}

// Init seeds the templates (only into an empty template table) and the
// user, then allows sessions to start.
func (r *Reconciler) Init(ctx context.Context) error {
	existing, err := r.store.ListTemplates(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: init: list templates: %w", err)
	}
	if len(existing) == 0 {
		base := r.cfg.Now()
		for i, t := range r.cfg.Templates {
			err := r.store.CreateTemplate(ctx, store.Template{
				ID:              t.ID,
				ArabicText:      t.ArabicText,
				Transliteration: t.Transliteration,
				Translation:     t.Translation,
				Category:        t.Category,
				Reference:       t.Reference,
				// Staggered so listing by creation time keeps table order.
				CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
			})
			if err != nil && !errors.Is(err, store.ErrDuplicateID) {
				return fmt.Errorf("reconcile: init: seed template %s: %w", t.ID, err)
			}
		}
		slog.Info("seeded default templates", "count", len(r.cfg.Templates))
	}
	if err := r.store.EnsureUser(ctx, store.User{ID: r.cfg.UserID, Name: r.cfg.UserName}); err != nil {
		return fmt.Errorf("reconcile: init: ensure user: %w", err)
	}

	r.mu.Lock()
	r.initialized = true
	r.mu.Unlock()
	return nil
}

// StartSession begins counting phraseID. A target of 0 means open-ended.
// An already active session is abandoned in memory, not completed.
func (r *Reconciler) StartSession(ctx context.Context, phraseID string, target int) (store.Session, error) {
	if phraseID == "" {
		return store.Session{}, ErrNoPhrase
	}
	if target < 0 {
		return store.Session{}, fmt.Errorf("%w: %d", ErrInvalidTarget, target)
	}

	r.mu.Lock()
	if !r.initialized {
		r.mu.Unlock()
		return store.Session{}, ErrNotInitialized
	}
	if r.active != nil {
		slog.Info("abandoning active session", "session_id", r.active.ID, "count", r.active.Count)
		r.metrics.ActiveSessions.Add(ctx, -1)
	}
	s := store.Session{
		ID:          r.cfg.NewID(),
		UserID:      r.cfg.UserID,
		TemplateID:  phraseID,
		TargetCount: target,
		StartedAt:   r.cfg.Now(),
	}
	r.active = &s
	snap := s.Clone()
	r.enqueueLocked(ctx, "create_session", func(ctx context.Context) error {
		return r.store.CreateSession(ctx, snap)
	})
	r.mu.Unlock()

	r.metrics.SessionsStarted.Add(ctx, 1)
	r.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("session started", "session_id", snap.ID, "template_id", phraseID, "target", target)
	return snap, nil
}

// Increment adds one to the active session. It returns false when no
// session is active or method is invalid. Reaching the target completes the
// session.
func (r *Reconciler) Increment(ctx context.Context, method store.CountMethod) bool {
	if !method.Valid() {
		slog.Warn("increment rejected: unknown method", "method", method)
		return false
	}

	r.mu.Lock()
	if r.active == nil {
		r.mu.Unlock()
		return false
	}
	now := r.cfg.Now()
	r.active.Count++
	id, count := r.active.ID, r.active.Count
	r.enqueueLocked(ctx, "record_count", func(ctx context.Context) error {
		_, err := r.store.RecordCount(ctx, id, method, now)
		return err
	})
	var completed *store.Session
	if r.active.TargetCount > 0 && count >= r.active.TargetCount {
		completed = r.completeLocked(ctx, now)
	}
	r.mu.Unlock()

	r.metrics.RecordIncrement(ctx, string(method))
	slog.Debug("count incremented", "session_id", id, "count", count, "method", method)
	if completed != nil {
		r.reportCompletion(ctx, *completed)
	}
	return true
}

// Complete finishes the active session. False if none is active.
func (r *Reconciler) Complete(ctx context.Context) bool {
	r.mu.Lock()
	if r.active == nil {
		r.mu.Unlock()
		return false
	}
	completed := r.completeLocked(ctx, r.cfg.Now())
	r.mu.Unlock()

	r.reportCompletion(ctx, *completed)
	return true
}

// completeLocked marks the active session completed, detaches it and
// queues its durable update. Caller holds mu.
func (r *Reconciler) completeLocked(ctx context.Context, now time.Time) *store.Session {
	s := r.active.Clone()
	s.Complete(now)
	r.active = nil
	r.enqueueLocked(ctx, "update_session", func(ctx context.Context) error {
		return r.store.UpdateSession(ctx, s)
	})
	return &s
}

func (r *Reconciler) reportCompletion(ctx context.Context, s store.Session) {
	r.metrics.SessionsCompleted.Add(ctx, 1)
	r.metrics.ActiveSessions.Add(ctx, -1)
	slog.Info("session completed", "session_id", s.ID, "count", s.Count, "target", s.TargetCount)
}

// Reset discards the active session without touching the store.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return
	}
	slog.Info("session reset", "session_id", r.active.ID, "count", r.active.Count)
	r.metrics.ActiveSessions.Add(context.Background(), -1)
	r.active = nil
}

// Counter returns the live counter.
func (r *Reconciler) Counter() Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return Counter{}
	}
	return Counter{
		Count:      r.active.Count,
		Target:     r.active.TargetCount,
		Active:     true,
		SessionID:  r.active.ID,
		TemplateID: r.active.TemplateID,
	}
}

// ActiveSession returns a copy of the active session.
func (r *Reconciler) ActiveSession() (store.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return store.Session{}, false
	}
	return r.active.Clone(), true
}

// BreakerState reports the write breaker's state.
func (r *Reconciler) BreakerState() resilience.State { return r.breaker.State() }

// Flush waits until every write queued before the call has reached the
// store or been given up on. Reads that must observe recent counts call it
// first.
func (r *Reconciler) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case r.queue <- pendingWrite{done: done}:
	case <-r.writerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
	case <-r.writerDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Close stops accepting writes and waits for the queued ones to drain.
// Counting after Close still works in memory; its writes are dropped.
func (r *Reconciler) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.stop)
	}
	r.mu.Unlock()
	select {
	case <-r.writerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueueLocked hands a write to the writer without blocking. Caller holds mu.
func (r *Reconciler) enqueueLocked(ctx context.Context, op string, fn func(context.Context) error) {
	if r.closed {
		r.metrics.RecordPersistError(ctx, op)
		slog.Warn("durable write after close dropped", "op", op)
		return
	}
	select {
	case r.queue <- pendingWrite{ctx: context.WithoutCancel(ctx), op: op, fn: fn}:
	default:
		r.metrics.RecordPersistError(ctx, op)
		slog.Warn("write queue full, durable write dropped", "op", op, "queue_size", cap(r.queue))
	}
}

// drain is the single writer. After stop it empties what is already queued
// and exits.
func (r *Reconciler) drain() {
	defer close(r.writerDone)
	for {
		select {
		case w := <-r.queue:
			r.handle(w)
		case <-r.stop:
			for {
				select {
				case w := <-r.queue:
					r.handle(w)
				default:
					return
				}
			}
		}
	}
}

func (r *Reconciler) handle(w pendingWrite) {
	if w.fn == nil {
		close(w.done)
		return
	}
	r.write(w.ctx, w.op, w.fn)
}

// write runs fn through the breaker. The caller's cancellation was already
// detached at enqueue; the breaker's timeout bounds the call. A missing
// record means the session only ever existed in memory and is not a store
// fault.
func (r *Reconciler) write(ctx context.Context, op string, fn func(context.Context) error) {
	var missing bool
	err := r.breaker.Do(ctx, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, store.ErrNotFound) {
			missing = true
			return nil
		}
		return err
	})
	switch {
	case err == nil && missing:
		slog.Debug("durable record missing, kept in memory only", "op", op)
	case err == nil:
	case errors.Is(err, resilience.ErrCircuitOpen):
		r.metrics.RecordPersistError(ctx, op)
		slog.Debug("store unavailable, write skipped", "op", op)
	default:
		r.metrics.RecordPersistError(ctx, op)
		slog.Warn("durable write failed", "op", op, "error", err)
	}
}
