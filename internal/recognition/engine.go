// Package recognition keeps a speech engine listening.
//
// A [Controller] owns at most one [Stream] at a time and restarts it when
// capture ends on its own, backing off when streams die quickly. Terminal
// failures (microphone denied, no device, service refused) stop listening
// and are reported once through [Config.OnError]; everything else is
// retried silently.
//
// [STTEngine] adapts an [stt.Provider] plus an [audio.Source] into an
// [Engine].
package recognition

import (
	"context"
	"errors"

	"github.com/MrWong99/thakkir/pkg/types"
)

// ErrUnsupported is returned by [Controller.Start] when the engine reports
// that recognition is not possible in this environment.
var ErrUnsupported = errors.New("recognition: not supported")

// Settings configures a recognition stream.
type Settings struct {
	// Language is a BCP-47 tag such as "ar-SA".
	Language string

	// Continuous restarts capture whenever it ends without a stop request.
	Continuous bool

	// MaxAlternatives is the number of hypotheses requested per result.
	MaxAlternatives int

	// Keywords are vocabulary hints passed to the engine.
	Keywords []types.KeywordBoost
}

// EventKind identifies an [Event].
type EventKind int

const (
	EventStarted EventKind = iota
	EventInterim
	EventFinal
	EventEnded
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventInterim:
		return "interim"
	case EventFinal:
		return "final"
	case EventEnded:
		return "ended"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is something that happened on a stream.
type Event struct {
	Kind EventKind

	// Utterance is set for EventInterim and EventFinal.
	Utterance types.Utterance

	// Err is set for EventError. Classify it with stt.CodeOf.
	Err error
}

// Stream is one running capture.
type Stream interface {
	// Events delivers stream events. Closed when capture has ended.
	Events() <-chan Event

	// Stop ends capture and waits for the stream's goroutines. Idempotent.
	// Events still buffered afterwards are stale.
	Stop()
}

// Engine opens streams.
type Engine interface {
	// Supported returns nil when recognition can run here at all.
	Supported() error

	// Open starts a stream. Errors should carry an stt.ErrorCode.
	Open(ctx context.Context, s Settings) (Stream, error)
}
