package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/thakkir/pkg/provider/stt"
	"github.com/MrWong99/thakkir/pkg/types"
)

// TranscribeFunc turns one segment into an utterance. An empty Text means
// nothing was recognised. Errors should be [*stt.Error] values; anything else
// is reported as [stt.CodeNetwork].
type TranscribeFunc func(ctx context.Context, seg Segment) (types.Utterance, error)

// SessionOptions configures [NewSession].
type SessionOptions struct {
	// Name prefixes errors and log lines (e.g. "whisper").
	Name string

	Audio Config

	// Timeout bounds a single transcription. Default 30s.
	Timeout time.Duration
}

// Session is a batch-backed [stt.SessionHandle].
type Session struct {
	name       string
	timeout    time.Duration
	transcribe TranscribeFunc
	seg        *Segmenter

	audio    chan []byte
	partials chan types.Utterance
	finals   chan types.Utterance

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	errMu sync.Mutex
	err   error
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession starts the processing goroutine and returns the session. The
// session lives until Close or until a transcription fails.
func NewSession(opts SessionOptions, transcribe TranscribeFunc) *Session {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Name == "" {
		opts.Name = "batch"
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		name:       opts.Name,
		timeout:    opts.Timeout,
		transcribe: transcribe,
		seg:        NewSegmenter(opts.Audio),
		audio:      make(chan []byte, 256),
		partials:   make(chan types.Utterance, 64),
		finals:     make(chan types.Utterance, 64),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// SendAudio queues a PCM chunk for segmentation.
func (s *Session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("%s: session is closed", s.name)
	case <-s.ctx.Done():
		return fmt.Errorf("%s: session is closed", s.name)
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return fmt.Errorf("%s: session is closed", s.name)
	case <-s.ctx.Done():
		return fmt.Errorf("%s: session is closed", s.name)
	}
}

func (s *Session) Partials() <-chan types.Utterance { return s.partials }

func (s *Session) Finals() <-chan types.Utterance { return s.finals }

func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// SetKeywords is not supported by batch engines.
func (s *Session) SetKeywords([]types.KeywordBoost) error {
	return fmt.Errorf("%s: %w", s.name, stt.ErrNotSupported)
}

// Close flushes buffered speech, waits for the last transcription and closes
// both channels.
func (s *Session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.cancel()
	})
	return nil
}

func (s *Session) loop() {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		select {
		case <-s.done:
			s.drain()
			return
		case chunk := <-s.audio:
			seg, ok := s.seg.Push(chunk)
			if !ok {
				continue
			}
			if err := s.run(seg); err != nil {
				s.fail(err)
				return
			}
		}
	}
}

// drain transcribes whatever audio was queued before Close. Errors are not
// reported; the caller asked to stop.
func (s *Session) drain() {
	for {
		select {
		case chunk := <-s.audio:
			if seg, ok := s.seg.Push(chunk); ok {
				_ = s.run(seg)
			}
		default:
			if seg, ok := s.seg.Flush(); ok {
				_ = s.run(seg)
			}
			return
		}
	}
}

func (s *Session) run(seg Segment) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	u, err := s.transcribe(ctx, seg)
	if err != nil {
		return err
	}
	u.Text = strings.TrimSpace(u.Text)
	if u.Text == "" {
		return nil
	}
	if u.Timestamp == 0 {
		u.Timestamp = seg.Offset
	}
	if u.Duration == 0 {
		u.Duration = seg.Duration()
	}

	partial := u
	partial.IsFinal = false
	u.IsFinal = true
	// Buffered; a full channel means nobody is reading, so drop.
	select {
	case s.partials <- partial:
	default:
	}
	select {
	case s.finals <- u:
	default:
		slog.Warn("dropping final transcript, consumer too slow", "provider", s.name)
	}
	return nil
}

func (s *Session) fail(err error) {
	var se *stt.Error
	if !errors.As(err, &se) {
		err = stt.Errorf(stt.CodeNetwork, "%s: %w", s.name, err)
	}
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
	slog.Warn("batch transcription failed, ending session", "provider", s.name, "error", err)
	s.cancel()
}
