package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/thakkir/pkg/audio"
	"github.com/MrWong99/thakkir/pkg/provider/stt"
)

// STTEngine runs an [stt.Provider] over audio from an [audio.Source].
type STTEngine struct {
	provider stt.Provider
	source   audio.Source
	format   audio.Format
}

var _ Engine = (*STTEngine)(nil)

// NewSTTEngine returns an engine capturing in [audio.SpeechFormat].
func NewSTTEngine(provider stt.Provider, source audio.Source) *STTEngine {
	return &STTEngine{provider: provider, source: source, format: audio.SpeechFormat}
}

// Supported checks that both halves are present and, if the source can
// tell, that a capture device exists.
func (e *STTEngine) Supported() error {
	if e.provider == nil {
		return errors.New("no speech provider configured")
	}
	if e.source == nil {
		return errors.New("no audio source configured")
	}
	if c, ok := e.source.(audio.Checker); ok {
		if err := c.Check(); err != nil {
			return classifyAudio(err)
		}
	}
	return nil
}

// Open starts capture, then the provider session.
func (e *STTEngine) Open(ctx context.Context, s Settings) (Stream, error) {
	capt, err := e.source.Open(ctx, e.format)
	if err != nil {
		return nil, classifyAudio(err)
	}
	sess, err := e.provider.StartStream(ctx, stt.StreamConfig{
		SampleRate:      e.format.SampleRate,
		Channels:        e.format.Channels,
		Language:        s.Language,
		MaxAlternatives: s.MaxAlternatives,
		Keywords:        s.Keywords,
	})
	if err != nil {
		_ = capt.Close()
		return nil, err
	}
	st := &sttStream{
		capt:    capt,
		sess:    sess,
		events:  make(chan Event, 32),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	st.pumpWG.Add(1)
	go st.pump()
	go st.run()
	return st, nil
}

// classifyAudio maps capture failures onto recognition error codes.
func classifyAudio(err error) error {
	var code stt.ErrorCode
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		code = stt.CodeNotAllowed
	case errors.Is(err, context.Canceled):
		code = stt.CodeAborted
	default:
		code = stt.CodeAudioCapture
	}
	return stt.NewError(code, fmt.Errorf("capture: %w", err))
}

type sttStream struct {
	capt audio.Capture
	sess stt.SessionHandle

	events   chan Event
	stopped  chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	pumpWG   sync.WaitGroup

	mu      sync.Mutex
	captErr error
}

func (s *sttStream) Events() <-chan Event { return s.events }

func (s *sttStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		if err := s.sess.Close(); err != nil {
			slog.Debug("recognition: close stt session", "error", err)
		}
		_ = s.capt.Close()
	})
	<-s.done
}

// pump feeds captured audio to the session. When capture ends on its own
// the session is closed so it flushes its last results.
func (s *sttStream) pump() {
	defer s.pumpWG.Done()
	for f := range s.capt.Frames() {
		if err := s.sess.SendAudio(f.Data); err != nil {
			slog.Debug("recognition: send audio", "error", err)
			break
		}
	}
	select {
	case <-s.stopped:
		return
	default:
	}
	if err := s.capt.Err(); err != nil {
		s.mu.Lock()
		s.captErr = classifyAudio(err)
		s.mu.Unlock()
	}
	_ = s.sess.Close()
}

// run relays session results until the session ends, then reports why.
func (s *sttStream) run() {
	defer close(s.done)
	defer close(s.events)

	s.emit(Event{Kind: EventStarted})
	partials, finals := s.sess.Partials(), s.sess.Finals()
	for partials != nil || finals != nil {
		select {
		case u, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			s.emit(Event{Kind: EventInterim, Utterance: u})
		case u, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			s.emit(Event{Kind: EventFinal, Utterance: u})
		}
	}

	_ = s.capt.Close()
	s.pumpWG.Wait()

	s.mu.Lock()
	err := s.captErr
	s.mu.Unlock()
	if err == nil {
		err = s.sess.Err()
	}
	if err != nil {
		s.emit(Event{Kind: EventError, Err: err})
		return
	}
	s.emit(Event{Kind: EventEnded})
}

func (s *sttStream) emit(ev Event) {
	select {
	case <-s.stopped:
	case s.events <- ev:
	}
}
