// Package stdin implements [audio.Source] over a byte stream: standard input,
// a file or a pipe. The stream is either raw 16-bit little-endian PCM in a
// configured format or a PCM WAV file, detected by its RIFF header.
//
//	arecord -f S16_LE -r 16000 -c 1 | thakkir serve --listen
package stdin

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/thakkir/pkg/audio"
	"github.com/MrWong99/thakkir/pkg/types"
)

// ErrExhausted is returned by Open once the input reached EOF.
var ErrExhausted = fmt.Errorf("stdin: input exhausted: %w", audio.ErrNoDevice)

// Option configures a Source.
type Option func(*Source)

// WithFormat sets the format of raw (headerless) input. Defaults to
// [audio.SpeechFormat]. A WAV header overrides it.
func WithFormat(f audio.Format) Option {
	return func(s *Source) { s.format = f }
}

// WithChunk sets how much audio goes into one frame. Default 100ms.
func WithChunk(d time.Duration) Option {
	return func(s *Source) { s.chunk = d }
}

// WithRealtime paces reads to the audio clock, for replaying files.
func WithRealtime(on bool) Option {
	return func(s *Source) { s.realtime = on }
}

// Source reads audio from r. One background reader feeds whichever capture
// is currently open; reopening after a Close continues where it stopped.
type Source struct {
	r        io.Reader
	format   audio.Format
	chunk    time.Duration
	realtime bool

	once   sync.Once
	frames chan types.AudioFrame

	mu      sync.Mutex
	readErr error
	eof     bool
}

var _ audio.Source = (*Source)(nil)

// New returns a Source reading from r.
func New(r io.Reader, opts ...Option) *Source {
	s := &Source{r: r, format: audio.SpeechFormat, chunk: 100 * time.Millisecond}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open starts a capture delivering frames in format.
func (s *Source) Open(ctx context.Context, format audio.Format) (audio.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	eof := s.eof
	s.mu.Unlock()
	if eof {
		return nil, ErrExhausted
	}
	s.once.Do(func() {
		s.frames = make(chan types.AudioFrame, 16)
		go s.pump()
	})

	c := &capture{
		src:  s,
		conv: &audio.Converter{Target: format},
		out:  make(chan types.AudioFrame, 16),
		done: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c, nil
}

// pump reads the stream until EOF or error and closes s.frames.
func (s *Source) pump() {
	defer close(s.frames)

	br := bufio.NewReader(s.r)
	format, err := readHeader(br, s.format)
	if err != nil {
		s.finish(err)
		return
	}
	bytesPerSec := format.SampleRate * format.Channels * 2
	size := int(int64(bytesPerSec) * int64(s.chunk) / int64(time.Second))
	size -= size % (format.Channels * 2)
	if size <= 0 {
		size = format.Channels * 2
	}

	var offset time.Duration
	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(br, buf)
		if n > 0 {
			n -= n % (format.Channels * 2)
			f := types.AudioFrame{Data: buf[:n], SampleRate: format.SampleRate, Channels: format.Channels, Timestamp: offset}
			d := time.Duration(n) * time.Second / time.Duration(bytesPerSec)
			offset += d
			s.frames <- f
			if s.realtime {
				time.Sleep(d)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = nil
			}
			s.finish(err)
			return
		}
	}
}

func (s *Source) finish(err error) {
	s.mu.Lock()
	s.eof = true
	s.readErr = err
	s.mu.Unlock()
	if err != nil {
		slog.Warn("stdin audio: read failed", "error", err)
	}
}

// readHeader consumes a WAV header if there is one.
func readHeader(br *bufio.Reader, raw audio.Format) (audio.Format, error) {
	peek, err := br.Peek(12)
	if err != nil || string(peek[0:4]) != "RIFF" || string(peek[8:12]) != "WAVE" {
		// Short or headerless input is raw PCM.
		return raw, nil
	}
	_, _ = br.Discard(12)

	format := raw
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			return format, fmt.Errorf("stdin: wav: %w", err)
		}
		id, size := string(hdr[0:4]), int(binary.LittleEndian.Uint32(hdr[4:8]))
		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(br, body); err != nil || size < 16 {
				return format, fmt.Errorf("stdin: wav: short fmt chunk")
			}
			if tag := binary.LittleEndian.Uint16(body[0:2]); tag != 1 {
				return format, fmt.Errorf("stdin: wav: format tag %d is not PCM", tag)
			}
			if bits := binary.LittleEndian.Uint16(body[14:16]); bits != 16 {
				return format, fmt.Errorf("stdin: wav: %d-bit samples, want 16", bits)
			}
			format.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
		case "data":
			return format, nil
		default:
			if _, err := br.Discard(size + size%2); err != nil {
				return format, fmt.Errorf("stdin: wav: skip %q: %w", id, err)
			}
		}
	}
}

type capture struct {
	src  *Source
	conv *audio.Converter
	out  chan types.AudioFrame
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu  sync.Mutex
	err error
}

func (c *capture) run() {
	defer c.wg.Done()
	defer close(c.out)
	for {
		select {
		case <-c.done:
			return
		case f, ok := <-c.src.frames:
			if !ok {
				c.src.mu.Lock()
				c.mu.Lock()
				c.err = c.src.readErr
				c.mu.Unlock()
				c.src.mu.Unlock()
				return
			}
			f = c.conv.Convert(f)
			if len(f.Data) == 0 {
				continue
			}
			select {
			case c.out <- f:
			case <-c.done:
				return
			}
		}
	}
}

func (c *capture) Frames() <-chan types.AudioFrame { return c.out }

func (c *capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *capture) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.wg.Wait()
	})
	return nil
}
