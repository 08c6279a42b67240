package stdin

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/MrWong99/thakkir/pkg/audio"
	"github.com/MrWong99/thakkir/pkg/types"
)

func collect(t *testing.T, c audio.Capture) []types.AudioFrame {
	t.Helper()
	var out []types.AudioFrame
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-c.Frames():
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("capture never ended")
		}
	}
}

func totalBytes(frames []types.AudioFrame) int {
	n := 0
	for _, f := range frames {
		n += len(f.Data)
	}
	return n
}

func wav(pcm []byte, rate, channels int) []byte {
	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36+4+8+len(pcm)))
	b.WriteString("WAVE")
	// An unknown chunk before fmt must be skipped.
	b.WriteString("LIST")
	_ = binary.Write(&b, binary.LittleEndian, uint32(4))
	b.WriteString("INFO")
	b.WriteString("fmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1))
	_ = binary.Write(&b, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&b, binary.LittleEndian, uint32(rate))
	_ = binary.Write(&b, binary.LittleEndian, uint32(rate*channels*2))
	_ = binary.Write(&b, binary.LittleEndian, uint16(channels*2))
	_ = binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(pcm)))
	b.Write(pcm)
	return b.Bytes()
}

func TestRawPCM(t *testing.T) {
	t.Parallel()
	// 250ms of 16 kHz mono in 100ms frames.
	src := New(bytes.NewReader(make([]byte, 8000)))

	c, err := src.Open(context.Background(), audio.SpeechFormat)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	frames := collect(t, c)
	if len(frames) != 3 || totalBytes(frames) != 8000 {
		t.Fatalf("frames = %d, bytes = %d", len(frames), totalBytes(frames))
	}
	if frames[1].Timestamp != 100*time.Millisecond || frames[2].Timestamp != 200*time.Millisecond {
		t.Errorf("timestamps = %v, %v", frames[1].Timestamp, frames[2].Timestamp)
	}
	if c.Err() != nil {
		t.Errorf("Err = %v, want nil on clean EOF", c.Err())
	}

	if _, err := src.Open(context.Background(), audio.SpeechFormat); !errors.Is(err, audio.ErrNoDevice) {
		t.Errorf("reopen after EOF = %v, want ErrNoDevice", err)
	}
}

func TestWAVConverted(t *testing.T) {
	t.Parallel()
	// 100ms of 32 kHz stereo.
	src := New(bytes.NewReader(wav(make([]byte, 12800), 32000, 2)))

	c, err := src.Open(context.Background(), audio.SpeechFormat)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	frames := collect(t, c)
	if totalBytes(frames) != 3200 {
		t.Fatalf("bytes = %d, want 3200 (100ms at 16 kHz mono)", totalBytes(frames))
	}
	for _, f := range frames {
		if f.SampleRate != 16000 || f.Channels != 1 {
			t.Fatalf("frame format = %d/%d", f.SampleRate, f.Channels)
		}
	}
}

func TestWAVUnsupported(t *testing.T) {
	t.Parallel()
	data := wav(make([]byte, 100), 16000, 1)
	// Patch the format tag to IEEE float.
	data[12+12+8] = 3

	c, err := New(bytes.NewReader(data)).Open(context.Background(), audio.SpeechFormat)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if frames := collect(t, c); len(frames) != 0 {
		t.Errorf("frames = %d, want none", len(frames))
	}
	if c.Err() == nil {
		t.Error("expected a header error")
	}
}

func TestReopenContinues(t *testing.T) {
	t.Parallel()
	pr, pw := io.Pipe()
	src := New(pr)

	first, err := src.Open(context.Background(), audio.SpeechFormat)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	go func() { _, _ = pw.Write(make([]byte, 3200)) }()
	select {
	case <-first.Frames():
	case <-time.After(5 * time.Second):
		t.Fatal("no first frame")
	}
	_ = first.Close()
	_ = first.Close()

	second, err := src.Open(context.Background(), audio.SpeechFormat)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	go func() {
		_, _ = pw.Write(make([]byte, 3200))
		_ = pw.Close()
	}()
	if frames := collect(t, second); totalBytes(frames) != 3200 {
		t.Errorf("second capture bytes = %d, want 3200", totalBytes(frames))
	}
}
