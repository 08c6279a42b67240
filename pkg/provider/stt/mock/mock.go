// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that callers open sessions with the expected
// StreamConfig. Each StartStream hands out a fresh Session (unless one is
// preset) which the test drives with EmitFinal, EmitPartial and End.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.StartStream(ctx, cfg)
//	p.LastSession().EmitFinal(types.Utterance{Text: "subhan allah", IsFinal: true})
//	p.LastSession().End(stt.Errorf(stt.CodeNetwork, "dropped"))
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/thakkir/pkg/provider/stt"
	"github.com/MrWong99/thakkir/pkg/types"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session, if set, is returned by every StartStream call instead of a
	// fresh session.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned by StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	sessions []*Session
}

// StartStream records the call and returns a session or StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	s := NewSession()
	p.sessions = append(p.sessions, s)
	return s, nil
}

// SetStartStreamErr changes StartStreamErr under the lock.
func (p *Provider) SetStartStreamErr(err error) {
	p.mu.Lock()
	p.StartStreamErr = err
	p.mu.Unlock()
}

// CallCount returns the number of StartStream calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// LastSession returns the most recent session handed out, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
	p.sessions = nil
}

var _ stt.Provider = (*Provider)(nil)

// SetKeywordsCall records a single invocation of Session.SetKeywords.
type SetKeywordsCall struct {
	Keywords []types.KeywordBoost
}

// Session is a mock implementation of stt.SessionHandle. It owns its
// channels; End or Close closes them.
type Session struct {
	mu       sync.Mutex
	partials chan types.Utterance
	finals   chan types.Utterance
	ended    bool
	err      error

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SetKeywordsErr, if non-nil, is returned by every SetKeywords call.
	SetKeywordsErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	audioBytes       int
	sendAudioCount   int
	SetKeywordsCalls []SetKeywordsCall
	CloseCallCount   int
}

// NewSession returns a session with buffered channels.
func NewSession() *Session {
	return &Session{
		partials: make(chan types.Utterance, 64),
		finals:   make(chan types.Utterance, 64),
	}
}

var errClosed = errors.New("mock stt: session closed")

// SendAudio records the chunk size and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return errClosed
	}
	s.sendAudioCount++
	s.audioBytes += len(chunk)
	return s.SendAudioErr
}

// SendAudioCallCount returns the number of SendAudio calls.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendAudioCount
}

// AudioBytes returns the total number of audio bytes received.
func (s *Session) AudioBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioBytes
}

// Partials implements stt.SessionHandle.
func (s *Session) Partials() <-chan types.Utterance { return s.partials }

// Finals implements stt.SessionHandle.
func (s *Session) Finals() <-chan types.Utterance { return s.finals }

// Err implements stt.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// EmitPartial queues an interim result. Returns false once the session
// ended.
func (s *Session) EmitPartial(u types.Utterance) bool {
	return s.emit(s.partials, u)
}

// EmitFinal queues a final result. Returns false once the session ended.
func (s *Session) EmitFinal(u types.Utterance) bool {
	u.IsFinal = true
	return s.emit(s.finals, u)
}

func (s *Session) emit(ch chan types.Utterance, u types.Utterance) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	ch <- u
	return true
}

// End finishes the session on the provider side with err (nil for a clean
// end of speech).
func (s *Session) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.partials)
	close(s.finals)
}

// Ended reports whether End or Close was called.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// SetKeywords records the call and returns SetKeywordsErr.
func (s *Session) SetKeywords(keywords []types.KeywordBoost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kw := make([]types.KeywordBoost, len(keywords))
	copy(kw, keywords)
	s.SetKeywordsCalls = append(s.SetKeywordsCalls, SetKeywordsCall{Keywords: kw})
	return s.SetKeywordsErr
}

// Close ends the session without an error and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	closeErr := s.CloseErr
	s.mu.Unlock()
	s.End(nil)
	return closeErr
}

var _ stt.SessionHandle = (*Session)(nil)
