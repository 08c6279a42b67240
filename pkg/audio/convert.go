package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/thakkir/pkg/types"
)

// Format describes the sample rate and channel count of 16-bit PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// SpeechFormat is what every bundled STT provider expects.
var SpeechFormat = Format{SampleRate: 16000, Channels: 1}

func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	}
	return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
}

// Converter brings frames to a mono target format: channels are averaged
// down first, then the result is resampled. It warns once on the first
// mismatch. Not safe for concurrent use.
type Converter struct {
	Target Format

	warned sync.Once
}

// Convert returns frame in the target format. A frame that already matches is
// returned as is. Frames with a partial sample are dropped (nil Data).
func (c *Converter) Convert(frame types.AudioFrame) types.AudioFrame {
	if len(frame.Data)%2 != 0 {
		slog.Debug("audio: dropping frame with odd byte count", "bytes", len(frame.Data))
		return types.AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}
	src := Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
	if src == c.Target {
		return frame
	}
	c.warned.Do(func() {
		slog.Info("audio: converting capture format", "from", src.String(), "to", c.Target.String())
	})

	pcm := frame.Data
	if src.Channels > 1 && c.Target.Channels == 1 {
		pcm = ToMono(pcm, src.Channels)
	}
	pcm = Resample(pcm, src.SampleRate, c.Target.SampleRate)

	return types.AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// ToMono averages every frame of interleaved 16-bit PCM down to one sample.
// A trailing partial frame is dropped.
func ToMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / (2 * channels)
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[(i*channels+ch)*2:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/int32(channels))))
	}
	return out
}

// Resample converts mono 16-bit PCM between rates by linear interpolation.
// Invalid or equal rates return the input unchanged.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	n := len(pcm) / 2
	m := int(int64(n) * int64(dstRate) / int64(srcRate))
	out := make([]byte, m*2)
	step := float64(srcRate) / float64(dstRate)

	sample := func(i int) float64 {
		if i >= n {
			i = n - 1
		}
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	for i := range m {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)
		v := sample(j)*(1-frac) + sample(j+1)*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
