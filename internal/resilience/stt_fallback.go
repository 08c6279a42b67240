package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/thakkir/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with failover across several speech
// backends, each behind its own circuit breaker. Only opening a stream goes
// through the breakers; a session that drops later is the recognition
// controller's concern.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional provider.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Status reports the breaker state per backend.
func (f *STTFallback) Status() []EntryStatus { return f.group.Status() }

// StartStream opens a session against the first healthy backend. When every
// backend fails, the returned error keeps the [stt.ErrorCode] of the last
// failure so the controller can tell a permanent rejection from an outage.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	h, err := ExecuteWithResult(ctx, f.group, func(ctx context.Context, p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
	if err == nil {
		return h, nil
	}
	if errors.Is(err, ErrAllFailed) {
		code := stt.CodeOf(err)
		if errors.Is(err, ErrCircuitOpen) {
			code = stt.CodeNetwork
		}
		slog.Warn("no speech backend available", "code", code, "error", err)
		return nil, stt.NewError(code, fmt.Errorf("start stream: %w", err))
	}
	return nil, err
}
