package stt

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode classifies a recognition failure.
type ErrorCode string

const (
	// CodeNoSpeech means nothing was heard before the engine gave up.
	CodeNoSpeech ErrorCode = "no-speech"

	// CodeAudioCapture means the capture device is missing or failed.
	CodeAudioCapture ErrorCode = "audio-capture"

	// CodeNotAllowed means access to the microphone was denied.
	CodeNotAllowed ErrorCode = "not-allowed"

	// CodeNetwork means the recognition service could not be reached.
	CodeNetwork ErrorCode = "network"

	// CodeAborted means the session was cancelled.
	CodeAborted ErrorCode = "aborted"

	// CodeServiceNotAllowed means the service rejected the credentials or
	// the requested configuration.
	CodeServiceNotAllowed ErrorCode = "service-not-allowed"

	// CodeOther is anything unclassified.
	CodeOther ErrorCode = "other"
)

// Terminal reports whether recognition must stop for good after this error.
// Everything else is retried by restarting the stream.
func (c ErrorCode) Terminal() bool {
	switch c {
	case CodeNotAllowed, CodeAudioCapture, CodeServiceNotAllowed:
		return true
	}
	return false
}

// Error is a classified recognition failure.
type Error struct {
	Code ErrorCode
	Err  error
}

// NewError wraps err with code.
func NewError(code ErrorCode, err error) *Error {
	return &Error{Code: code, Err: err}
}

// Errorf builds an [*Error] from a format string.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "stt: " + string(e.Code)
	}
	return fmt.Sprintf("stt: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf classifies err. It returns "" for nil, the code of the first
// [*Error] in the chain, [CodeAborted] for context cancellation,
// [CodeNetwork] for deadline expiry and [CodeOther] otherwise.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, context.Canceled):
		return CodeAborted
	case errors.Is(err, context.DeadlineExceeded):
		return CodeNetwork
	}
	return CodeOther
}

// CodeForHTTPStatus maps an HTTP status returned by a recognition service.
func CodeForHTTPStatus(status int) ErrorCode {
	switch {
	case status == 401 || status == 403:
		return CodeServiceNotAllowed
	case status == 408 || status == 429 || status >= 500:
		return CodeNetwork
	case status >= 400:
		return CodeOther
	}
	return ""
}
