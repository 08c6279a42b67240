// Package mock provides a test double for [audio.Source].
//
// Each Open hands out a fresh [Capture] the test drives with Push and End:
//
//	src := &mock.Source{}
//	capt, _ := src.Open(ctx, audio.SpeechFormat)
//	src.LastCapture().Push(frame)
//	src.LastCapture().End(audio.ErrNoDevice)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/thakkir/pkg/audio"
	"github.com/MrWong99/thakkir/pkg/types"
)

// Source is a mock implementation of [audio.Source] and [audio.Checker].
type Source struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// CheckErr is returned by Check.
	CheckErr error

	// OpenCalls records the format of every Open call.
	OpenCalls []audio.Format

	captures []*Capture
}

var (
	_ audio.Source  = (*Source)(nil)
	_ audio.Checker = (*Source)(nil)
)

// Open records the call and returns a new capture or OpenErr.
func (s *Source) Open(_ context.Context, format audio.Format) (audio.Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls = append(s.OpenCalls, format)
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	c := NewCapture()
	s.captures = append(s.captures, c)
	return c, nil
}

// Check returns CheckErr.
func (s *Source) Check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CheckErr
}

// SetOpenErr changes OpenErr under the lock.
func (s *Source) SetOpenErr(err error) {
	s.mu.Lock()
	s.OpenErr = err
	s.mu.Unlock()
}

// OpenCount returns the number of Open calls.
func (s *Source) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.OpenCalls)
}

// LastCapture returns the most recent capture, or nil.
func (s *Source) LastCapture() *Capture {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.captures) == 0 {
		return nil
	}
	return s.captures[len(s.captures)-1]
}

// Capture is a mock implementation of [audio.Capture].
type Capture struct {
	mu     sync.Mutex
	frames chan types.AudioFrame
	ended  bool
	err    error
	closes int
}

var _ audio.Capture = (*Capture)(nil)

// NewCapture returns a capture with a buffered frame channel.
func NewCapture() *Capture {
	return &Capture{frames: make(chan types.AudioFrame, 64)}
}

func (c *Capture) Frames() <-chan types.AudioFrame { return c.frames }

func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Push queues a frame. Returns false once the capture ended.
func (c *Capture) Push(f types.AudioFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return false
	}
	c.frames <- f
	return true
}

// End finishes the capture with err.
func (c *Capture) End(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	c.err = err
	close(c.frames)
}

// Close ends the capture cleanly and counts the call.
func (c *Capture) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.End(nil)
	return nil
}

// CloseCount returns the number of Close calls.
func (c *Capture) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}
