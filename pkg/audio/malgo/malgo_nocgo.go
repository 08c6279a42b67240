//go:build !cgo

package malgo

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/thakkir/pkg/audio"
)

// Option configures a Source.
type Option func(*Source)

// WithPeriod is accepted for API compatibility; capture needs cgo.
func WithPeriod(time.Duration) Option { return func(*Source) {} }

// WithDeviceName is accepted for API compatibility; capture needs cgo.
func WithDeviceName(string) Option { return func(*Source) {} }

// Source is unavailable without cgo; every call fails with
// [audio.ErrUnsupported].
type Source struct{}

// New returns a Source that cannot capture.
func New(...Option) *Source { return &Source{} }

// Check always fails.
func (*Source) Check() error {
	return fmt.Errorf("malgo: built without cgo: %w", audio.ErrUnsupported)
}

// Open always fails.
func (s *Source) Open(context.Context, audio.Format) (audio.Capture, error) {
	return nil, s.Check()
}
