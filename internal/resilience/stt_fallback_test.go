package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/thakkir/pkg/provider/stt"
	sttmock "github.com/MrWong99/thakkir/pkg/provider/stt/mock"
)

func newSTTFallback(primary, secondary stt.Provider) *STTFallback {
	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fb.AddFallback("secondary", secondary)
	return fb
}

func TestSTTFallback_PrimarySuccess(t *testing.T) {
	t.Parallel()
	primary, secondary := &sttmock.Provider{}, &sttmock.Provider{}
	fb := newSTTFallback(primary, secondary)

	cfg := stt.StreamConfig{SampleRate: 16000, Channels: 1, MaxAlternatives: 5}
	handle, err := fb.StartStream(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer handle.Close()

	if primary.CallCount() != 1 || secondary.CallCount() != 0 {
		t.Fatalf("calls = %d/%d, want 1/0", primary.CallCount(), secondary.CallCount())
	}
	if got := primary.StartStreamCalls[0].Cfg.MaxAlternatives; got != 5 {
		t.Errorf("MaxAlternatives = %d, want 5", got)
	}
	if handle != stt.SessionHandle(primary.LastSession()) {
		t.Error("handle is not the primary's session")
	}
}

func TestSTTFallback_Failover(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{StartStreamErr: stt.Errorf(stt.CodeNetwork, "primary down")}
	secondary := &sttmock.Provider{}
	fb := newSTTFallback(primary, secondary)

	for range 3 {
		handle, err := fb.StartStream(context.Background(), stt.StreamConfig{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		_ = handle.Close()
	}

	// The primary breaker opens after two failures.
	if primary.CallCount() != 2 {
		t.Errorf("primary calls = %d, want 2", primary.CallCount())
	}
	if secondary.CallCount() != 3 {
		t.Errorf("secondary calls = %d, want 3", secondary.CallCount())
	}
	if st := fb.Status(); st[0].State != StateOpen {
		t.Errorf("primary state = %v, want open", st[0].State)
	}
}

func TestSTTFallback_AllFailKeepsCode(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{StartStreamErr: stt.Errorf(stt.CodeNetwork, "primary down")}
	secondary := &sttmock.Provider{StartStreamErr: stt.Errorf(stt.CodeServiceNotAllowed, "bad key")}
	fb := newSTTFallback(primary, secondary)

	_, err := fb.StartStream(context.Background(), stt.StreamConfig{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if code := stt.CodeOf(err); code != stt.CodeServiceNotAllowed {
		t.Errorf("code = %q, want service-not-allowed", code)
	}
}

func TestSTTFallback_AllOpenIsNetwork(t *testing.T) {
	t.Parallel()
	down := stt.Errorf(stt.CodeServiceNotAllowed, "down")
	fb := newSTTFallback(&sttmock.Provider{StartStreamErr: down}, &sttmock.Provider{StartStreamErr: down})

	for range 2 {
		_, _ = fb.StartStream(context.Background(), stt.StreamConfig{})
	}
	_, err := fb.StartStream(context.Background(), stt.StreamConfig{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if code := stt.CodeOf(err); code != stt.CodeNetwork {
		t.Errorf("code = %q, want network", code)
	}
}
