// Package batch turns a non-streaming transcription engine into an
// [stt.SessionHandle].
//
// Incoming PCM is cut into utterances with an energy-based silence detector.
// Each completed utterance is handed to a [TranscribeFunc]; its result is
// emitted on both Partials and Finals. The whisper server, whisper.cpp and
// OpenAI providers are all built on top of it.
package batch

import (
	"encoding/binary"
	"math"
	"time"
)

const bitsPerSample = 16

// Defaults used when a [Config] field is zero.
const (
	DefaultSampleRate       = 16000
	DefaultSilenceThreshold = 500 * time.Millisecond
	DefaultMaxBuffer        = 10 * time.Second

	// DefaultRMSThreshold is the energy (in 16-bit sample units) below which a
	// chunk counts as silence. Full scale is 32767; 300 is near-silence.
	DefaultRMSThreshold = 300.0
)

// Config describes the audio format and segmentation knobs.
type Config struct {
	SampleRate int
	Channels   int

	// SilenceThreshold is how much trailing silence ends an utterance.
	SilenceThreshold time.Duration

	// MaxBuffer forces a cut during continuous speech.
	MaxBuffer time.Duration

	RMSThreshold float64
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = DefaultSilenceThreshold
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = DefaultMaxBuffer
	}
	if c.RMSThreshold <= 0 {
		c.RMSThreshold = DefaultRMSThreshold
	}
	return c
}

// Segment is one utterance cut from the stream.
type Segment struct {
	PCM        []byte
	SampleRate int
	Channels   int

	// Offset is where the segment starts relative to the first audio byte.
	Offset time.Duration
}

// Duration returns the playback length of the segment.
func (s Segment) Duration() time.Duration {
	return pcmDuration(len(s.PCM), s.SampleRate, s.Channels)
}

// WAV wraps the segment in a RIFF/WAV container.
func (s Segment) WAV() []byte { return EncodeWAV(s.PCM, s.SampleRate, s.Channels) }

// Samples returns the segment as mono float32 in [-1, 1].
func (s Segment) Samples() []float32 { return PCMToFloat32Mono(s.PCM, s.Channels) }

// Segmenter cuts a PCM stream into utterances. Leading silence is dropped;
// trailing silence up to the threshold is kept with the utterance. It is not
// safe for concurrent use.
type Segmenter struct {
	cfg       Config
	buf       []byte
	hadSpeech bool
	silence   time.Duration
	consumed  int
	start     int
}

// NewSegmenter returns a Segmenter for cfg. Zero fields take defaults.
func NewSegmenter(cfg Config) *Segmenter {
	return &Segmenter{cfg: cfg.withDefaults()}
}

// Push feeds one chunk and returns a completed segment, if any.
func (s *Segmenter) Push(chunk []byte) (Segment, bool) {
	offset := s.consumed
	s.consumed += len(chunk)

	if ComputeRMS(chunk) < s.cfg.RMSThreshold {
		if !s.hadSpeech {
			return Segment{}, false
		}
		s.silence += pcmDuration(len(chunk), s.cfg.SampleRate, s.cfg.Channels)
		s.buf = append(s.buf, chunk...)
		if s.silence >= s.cfg.SilenceThreshold {
			return s.Flush()
		}
		return Segment{}, false
	}

	if !s.hadSpeech {
		s.hadSpeech = true
		s.start = offset
	}
	s.silence = 0
	s.buf = append(s.buf, chunk...)
	if pcmDuration(len(s.buf), s.cfg.SampleRate, s.cfg.Channels) >= s.cfg.MaxBuffer {
		return s.Flush()
	}
	return Segment{}, false
}

// Flush returns whatever speech is buffered and resets the segmenter.
func (s *Segmenter) Flush() (Segment, bool) {
	defer func() {
		s.buf = nil
		s.hadSpeech = false
		s.silence = 0
	}()
	if !s.hadSpeech || len(s.buf) == 0 {
		return Segment{}, false
	}
	return Segment{
		PCM:        s.buf,
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
		Offset:     pcmDuration(s.start, s.cfg.SampleRate, s.cfg.Channels),
	}, true
}

// ── PCM helpers ──

func pcmDuration(n, sampleRate, channels int) time.Duration {
	bytesPerSec := sampleRate * channels * bitsPerSample / 8
	if bytesPerSec <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bytesPerSec)
}

// ComputeRMS returns the root-mean-square energy of 16-bit little-endian PCM.
func ComputeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// EncodeWAV wraps 16-bit PCM in a 44-byte RIFF/WAV header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	blockAlign := channels * bitsPerSample / 8
	buf := make([]byte, 44+len(pcm))

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}

// PCMToFloat32Mono down-mixes 16-bit PCM to mono float32 by averaging the
// channels of each frame. A trailing partial frame is ignored.
func PCMToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(pcm) / (2 * channels)
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			idx := (i*channels + ch) * 2
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[idx:]))) / 32768.0
		}
		out[i] = sum / float32(channels)
	}
	return out
}
