// Package types defines the shared types used across Thakkir packages.
//
// These types are the lingua franca between audio sources, speech providers,
// the recognition controller and the matcher. Each package defines its own
// domain types; only cross-cutting data structures live here to avoid
// circular imports.
package types

import "time"

// AudioFrame is a single chunk of captured audio flowing from a source to a
// speech provider.
type AudioFrame struct {
	// Data is 16-bit signed little-endian PCM.
	Data []byte

	// SampleRate in Hz (16000 for most STT backends).
	SampleRate int

	// Channels is 1 for mono capture.
	Channels int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Utterance is one recognition result from a speech provider. Interim and
// final results share this type; only finals are handed to the matcher.
type Utterance struct {
	// Text is the primary transcript.
	Text string

	// IsFinal reports whether the provider has committed to this result.
	IsFinal bool

	// Confidence is the provider's confidence in Text (0.0–1.0). Zero when the
	// provider does not report confidence.
	Confidence float64

	// Alternatives holds the provider's other hypotheses, excluding Text.
	// May be nil.
	Alternatives []Alternative

	// Words contains per-word detail when available.
	Words []WordDetail

	// Timestamp marks when the utterance started, relative to stream start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// Alternative is a secondary transcript hypothesis.
type Alternative struct {
	Text       string
	Confidence float64
}

// WordDetail holds per-word metadata from providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost is a vocabulary hint passed to providers that support
// keyword boosting. Dhikr transliterations are rare in general-purpose
// models, so boosting them measurably improves recall.
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., "subhanallah").
	Keyword string

	// Boost is the intensity (provider-specific scale).
	Boost float64
}
