package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has an
// open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the per-entry circuit breaker created for each
// entry in a [FallbackGroup]. The breaker Name is replaced by the entry name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// EntryStatus is a point-in-time view of one entry, used by health checks.
type EntryStatus struct {
	Name  string
	State State
}

// FallbackGroup wraps a primary and zero or more fallback instances of the same
// type. When the primary fails (or its breaker is open), the next entry is
// tried in registration order.
//
// Entries must be registered before the group is shared between goroutines.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry. Entries are tried in the order they are added.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Status returns the breaker state of every entry in order.
func (fg *FallbackGroup[T]) Status() []EntryStatus {
	out := make([]EntryStatus, len(fg.entries))
	for i := range fg.entries {
		out[i] = EntryStatus{Name: fg.entries[i].name, State: fg.entries[i].breaker.State()}
	}
	return out
}

// Execute tries fn against each entry in order until one succeeds. Entries with
// an open breaker are skipped. Cancellation of ctx stops the walk. The
// returned error wraps both [ErrAllFailed] and the last entry error.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(context.Context, T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a value.
// It is a package-level function because methods cannot have type parameters.
func ExecuteWithResult[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Do(ctx, func(ctx context.Context) error {
			var innerErr error
			result, innerErr = fn(ctx, entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", entry.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
