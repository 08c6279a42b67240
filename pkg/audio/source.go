// Package audio defines where speech audio comes from.
//
// A [Source] opens a [Capture], which delivers 16-bit PCM frames until it is
// closed or the device fails. Implementations live in sub-packages:
// audio/malgo captures the default microphone, audio/stdin reads raw PCM or
// WAV from a reader.
//
// Capture failures are reported with the sentinels below so the recognition
// controller can tell a missing device from a revoked permission.
package audio

import (
	"context"
	"errors"

	"github.com/MrWong99/thakkir/pkg/types"
)

var (
	// ErrNoDevice means no capture device is present or it failed to start.
	ErrNoDevice = errors.New("audio: capture device unavailable")

	// ErrPermissionDenied means the OS refused access to the microphone.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrUnsupported means this build cannot capture from the source at all
	// (for example malgo without cgo).
	ErrUnsupported = errors.New("audio: source not supported in this build")
)

// Source opens captures. Implementations must be safe for concurrent use,
// but at most one capture is expected to be open at a time.
type Source interface {
	// Open starts capturing in the requested format. Sources that cannot
	// deliver it natively convert with a [Converter].
	Open(ctx context.Context, format Format) (Capture, error)
}

// Capture is a running capture.
type Capture interface {
	// Frames delivers audio. Closed when capture ends for any reason.
	Frames() <-chan types.AudioFrame

	// Err returns why capture ended on its own; nil after Close or a clean
	// end of input. Only meaningful once Frames is closed.
	Err() error

	// Close stops capture. Idempotent.
	Close() error
}

// Checker is implemented by sources that can tell up front whether capture
// is possible at all.
type Checker interface {
	Check() error
}
