// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (Deepgram, a Whisper server,
// OpenAI, whisper.cpp) behind a uniform streaming interface. Once opened, a
// [SessionHandle] accepts raw PCM frames and emits interim and final
// [types.Utterance] values. Finals may carry alternative hypotheses, which
// the matcher tries when the primary transcript misses.
//
// Failures are reported as [*Error] values carrying an [ErrorCode], so the
// recognition controller can tell a revoked microphone permission (give up)
// from a dropped connection (restart).
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/thakkir/pkg/types"
)

// ErrNotSupported is returned by optional operations a provider does not
// implement, such as mid-session keyword updates.
var ErrNotSupported = errors.New("stt: not supported")

// StreamConfig describes the audio format and recognition hints for a new
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. 16000 for all bundled sources.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag (e.g., "ar-SA"). Empty lets the
	// provider auto-detect.
	Language string

	// MaxAlternatives is the number of hypotheses requested per final result,
	// including the primary. Providers that cannot return alternatives ignore
	// it.
	MaxAlternatives int

	// Keywords are vocabulary hints for the dhikr transliterations.
	Keywords []types.KeywordBoost
}

// SessionHandle is an open streaming session.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers a chunk of 16-bit PCM matching the StreamConfig.
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials emits interim results. Closed when the session ends.
	Partials() <-chan types.Utterance

	// Finals emits committed results. Closed when the session ends.
	Finals() <-chan types.Utterance

	// Err returns the reason the session ended on its own, or nil if it is
	// still running or was closed by the caller. Only meaningful after
	// Finals is closed.
	Err() error

	// SetKeywords replaces the keyword list mid-session. Providers that
	// cannot do this return [ErrNotSupported].
	SetKeywords(keywords []types.KeywordBoost) error

	// Close terminates the session and releases its resources. After Close
	// returns, Partials and Finals are closed. Close is idempotent.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming session. Errors should be [*Error]
	// values so callers can classify them.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
