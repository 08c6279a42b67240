package batch

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/thakkir/pkg/provider/stt"
	"github.com/MrWong99/thakkir/pkg/types"
)

// 100ms of 16 kHz mono.
const chunkSamples = 1600

func speech(samples int) []byte {
	buf := make([]byte, samples*2)
	for i := range samples {
		v := int16(10_000 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func silence(samples int) []byte { return make([]byte, samples*2) }

func TestSegmenter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		chunks      [][]byte
		wantSegment int // index of the chunk that completes a segment, -1 for none
		wantOffset  time.Duration
		wantLen     int
	}{
		{
			name:        "silence only",
			chunks:      [][]byte{silence(chunkSamples), silence(chunkSamples)},
			wantSegment: -1,
		},
		{
			name: "speech then silence",
			chunks: [][]byte{
				silence(chunkSamples), speech(chunkSamples), speech(chunkSamples),
				silence(chunkSamples * 3), silence(chunkSamples * 2),
			},
			wantSegment: 4,
			wantOffset:  100 * time.Millisecond,
			wantLen:     (2 + 3 + 2) * chunkSamples * 2,
		},
		{
			name:        "max buffer cut",
			chunks:      [][]byte{speech(chunkSamples * 50), speech(chunkSamples * 50)},
			wantSegment: 1,
			wantLen:     100 * chunkSamples * 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := NewSegmenter(Config{})
			for i, c := range tt.chunks {
				seg, ok := s.Push(c)
				if ok != (i == tt.wantSegment) {
					t.Fatalf("chunk %d: ok = %v", i, ok)
				}
				if !ok {
					continue
				}
				if seg.Offset != tt.wantOffset {
					t.Errorf("offset = %v, want %v", seg.Offset, tt.wantOffset)
				}
				if len(seg.PCM) != tt.wantLen {
					t.Errorf("len = %d, want %d", len(seg.PCM), tt.wantLen)
				}
			}
		})
	}
}

func TestSegmenter_FlushPending(t *testing.T) {
	t.Parallel()
	s := NewSegmenter(Config{})
	if _, ok := s.Flush(); ok {
		t.Fatal("empty flush returned a segment")
	}
	s.Push(speech(chunkSamples))
	seg, ok := s.Flush()
	if !ok || seg.Duration() != 100*time.Millisecond {
		t.Fatalf("flush = %v/%v", ok, seg.Duration())
	}
	if _, ok := s.Flush(); ok {
		t.Error("second flush returned a segment")
	}
}

func TestEncodeWAV(t *testing.T) {
	t.Parallel()
	pcm := speech(10)
	wav := EncodeWAV(pcm, 16000, 1)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Error("bad header markers")
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 16000 {
		t.Errorf("sample rate = %d", got)
	}
	if got := binary.LittleEndian.Uint32(wav[28:32]); got != 32000 {
		t.Errorf("byte rate = %d", got)
	}
}

func TestPCMToFloat32Mono(t *testing.T) {
	t.Parallel()
	pcm := make([]byte, 8)
	binary.LittleEndian.PutUint16(pcm[0:], 16384)  // L
	binary.LittleEndian.PutUint16(pcm[2:], 0)      // R
	binary.LittleEndian.PutUint16(pcm[4:], 0x8000) // L, -32768
	binary.LittleEndian.PutUint16(pcm[6:], 0x8000) // R

	got := PCMToFloat32Mono(pcm, 2)
	if len(got) != 2 || got[0] != 0.25 || got[1] != -1 {
		t.Errorf("stereo = %v, want [0.25 -1]", got)
	}
	if mono := PCMToFloat32Mono(pcm[:3], 1); len(mono) != 1 || mono[0] != 0.5 {
		t.Errorf("mono = %v, want [0.5]", mono)
	}
}

func TestComputeRMS(t *testing.T) {
	t.Parallel()
	if ComputeRMS(nil) != 0 || ComputeRMS(silence(10)) != 0 {
		t.Error("silence should have zero energy")
	}
	if r := ComputeRMS(speech(16000)); r < 7000 || r > 7150 {
		t.Errorf("sine RMS = %v, want about 7071", r)
	}
}

// ── Session ──

func feedUtterance(t *testing.T, s *Session) {
	t.Helper()
	for _, c := range [][]byte{speech(chunkSamples), speech(chunkSamples), silence(chunkSamples * 6)} {
		if err := s.SendAudio(c); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}
}

func TestSession_EmitsPartialAndFinal(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	s := NewSession(SessionOptions{Name: "test"}, func(_ context.Context, seg Segment) (types.Utterance, error) {
		calls.Add(1)
		if seg.SampleRate != DefaultSampleRate {
			t.Errorf("sample rate = %d", seg.SampleRate)
		}
		return types.Utterance{Text: "  alhamdulillah ", Alternatives: []types.Alternative{{Text: "al hamdu lillah"}}}, nil
	})
	defer s.Close()

	feedUtterance(t, s)

	select {
	case u := <-s.Finals():
		if u.Text != "alhamdulillah" || !u.IsFinal {
			t.Errorf("final = %+v", u)
		}
		if len(u.Alternatives) != 1 {
			t.Errorf("alternatives lost: %+v", u.Alternatives)
		}
		if u.Duration != 800*time.Millisecond {
			t.Errorf("duration = %v", u.Duration)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no final")
	}
	select {
	case u := <-s.Partials():
		if u.IsFinal {
			t.Error("partial marked final")
		}
	case <-time.After(time.Second):
		t.Fatal("no partial")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestSession_EmptyTextEmitsNothing(t *testing.T) {
	t.Parallel()
	s := NewSession(SessionOptions{}, func(context.Context, Segment) (types.Utterance, error) {
		return types.Utterance{}, nil
	})
	feedUtterance(t, s)
	_ = s.Close()

	if _, ok := <-s.Finals(); ok {
		t.Error("unexpected final")
	}
	if s.Err() != nil {
		t.Errorf("Err = %v", s.Err())
	}
}

func TestSession_CloseFlushesBuffered(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	s := NewSession(SessionOptions{}, func(context.Context, Segment) (types.Utterance, error) {
		calls.Add(1)
		return types.Utterance{Text: "allahu akbar"}, nil
	})
	_ = s.SendAudio(speech(chunkSamples))
	_ = s.Close()
	_ = s.Close()

	u, ok := <-s.Finals()
	if !ok || u.Text != "allahu akbar" {
		t.Fatalf("final = %+v/%v", u, ok)
	}
	if err := s.SendAudio(speech(1)); err == nil {
		t.Error("SendAudio after Close should fail")
	}
}

func TestSession_FailureEndsSession(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want stt.ErrorCode
	}{
		{"classified", stt.Errorf(stt.CodeServiceNotAllowed, "401"), stt.CodeServiceNotAllowed},
		{"plain", errors.New("connection refused"), stt.CodeNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := NewSession(SessionOptions{}, func(context.Context, Segment) (types.Utterance, error) {
				return types.Utterance{}, tt.err
			})
			defer s.Close()
			feedUtterance(t, s)

			select {
			case _, ok := <-s.Finals():
				if ok {
					t.Fatal("unexpected final")
				}
			case <-time.After(5 * time.Second):
				t.Fatal("finals not closed")
			}
			if got := stt.CodeOf(s.Err()); got != tt.want {
				t.Errorf("code = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSession_SetKeywordsNotSupported(t *testing.T) {
	t.Parallel()
	s := NewSession(SessionOptions{}, nil)
	defer s.Close()
	if err := s.SetKeywords(nil); !errors.Is(err, stt.ErrNotSupported) {
		t.Errorf("err = %v, want ErrNotSupported", err)
	}
}
