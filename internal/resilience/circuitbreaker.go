// Package resilience provides circuit breaker and provider failover primitives.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open). The
// counter reconciler runs every durable write through one so a dead store
// costs a fast rejection instead of a timeout per count. [FallbackGroup]
// gives each speech provider its own breaker and fails over to the next
// healthy one.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a call without running
// it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until ResetTimeout has
	// passed since the last failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probe calls through. All probes
	// succeeding closes the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed while half-open.
	// Default: 3.
	HalfOpenMax int

	// CallTimeout, when positive, bounds every call made through [CircuitBreaker.Do].
	// A call that runs out of time counts as a failure.
	CallTimeout time.Duration

	// OnStateChange, if set, is called after every transition with the
	// breaker's lock released.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	callTimeout   time.Duration
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenOK      int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero config fields take their
// defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		callTimeout:   cfg.CallTimeout,
		onStateChange: cfg.OnStateChange,
		now:           cfg.Now,
		state:         StateClosed,
	}
}

// Execute runs fn through the breaker without a context.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	return cb.Do(context.Background(), func(context.Context) error { return fn() })
}

// Do runs fn if the breaker allows it, passing a context bounded by
// CallTimeout. If ctx is already done, Do returns its error without calling
// fn. An error caused by the caller cancelling ctx is returned but not
// counted against the breaker.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	probe, transition, err := cb.admit()
	cb.notify(transition)
	if err != nil {
		return err
	}

	callCtx := ctx
	if cb.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cb.callTimeout)
		defer cancel()
	}

	err = fn(callCtx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// The caller gave up; that says nothing about the protected resource.
		cb.release(probe)
		return err
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) && callCtx.Err() != nil {
		err = fmt.Errorf("%s: call timed out after %s: %w", cb.name, cb.callTimeout, err)
	}

	cb.mu.Lock()
	var t transitionEvent
	if err != nil {
		t = cb.recordFailure(probe)
	} else {
		t = cb.recordSuccess(probe)
	}
	cb.mu.Unlock()
	cb.notify(t)
	return err
}

type transitionEvent struct {
	from, to State
}

// admit decides whether a call may proceed and whether it is a probe.
func (cb *CircuitBreaker) admit() (probe bool, t transitionEvent, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			return false, t, ErrCircuitOpen
		}
		t = cb.setState(StateHalfOpen)
		cb.halfOpenCalls = 0
		cb.halfOpenOK = 0
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			return false, t, ErrCircuitOpen
		}
	}
	if cb.state == StateHalfOpen {
		cb.halfOpenCalls++
		return true, t, nil
	}
	return false, t, nil
}

// release returns an unused probe slot.
func (cb *CircuitBreaker) release(probe bool) {
	if !probe {
		return
	}
	cb.mu.Lock()
	if cb.state == StateHalfOpen && cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}
	cb.mu.Unlock()
}

// recordFailure must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(probe bool) transitionEvent {
	cb.lastFailure = cb.now()

	if probe {
		cb.consecutiveFail = cb.maxFailures
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)
		return cb.setState(StateOpen)
	}

	cb.consecutiveFail++
	if cb.state == StateClosed && cb.consecutiveFail >= cb.maxFailures {
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.consecutiveFail)
		return cb.setState(StateOpen)
	}
	return transitionEvent{}
}

// recordSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(probe bool) transitionEvent {
	if !probe {
		cb.consecutiveFail = 0
		return transitionEvent{}
	}
	if cb.state != StateHalfOpen {
		return transitionEvent{}
	}
	cb.halfOpenOK++
	if cb.halfOpenOK < cb.halfOpenMax {
		return transitionEvent{}
	}
	cb.consecutiveFail = 0
	cb.halfOpenCalls = 0
	cb.halfOpenOK = 0
	slog.Info("circuit breaker closed after successful probes", "name", cb.name)
	return cb.setState(StateClosed)
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(s State) transitionEvent {
	t := transitionEvent{from: cb.state, to: s}
	cb.state = s
	return t
}

func (cb *CircuitBreaker) notify(t transitionEvent) {
	if t.from == t.to || cb.onStateChange == nil {
		return
	}
	cb.onStateChange(cb.name, t.from, t.to)
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	t := cb.setState(StateClosed)
	cb.consecutiveFail = 0
	cb.halfOpenCalls = 0
	cb.halfOpenOK = 0
	cb.mu.Unlock()

	slog.Info("circuit breaker manually reset", "name", cb.name)
	cb.notify(t)
}
