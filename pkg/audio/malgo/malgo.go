//go:build cgo

// Package malgo captures the default microphone through miniaudio
// (github.com/gen2brain/malgo). miniaudio converts to the requested format,
// so frames arrive as 16-bit PCM at the rate the caller asked for.
package malgo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/thakkir/pkg/audio"
	"github.com/MrWong99/thakkir/pkg/types"
)

// Option configures a Source.
type Option func(*Source)

// WithPeriod sets the device period, i.e. the frame size. Default 32ms.
func WithPeriod(d time.Duration) Option {
	return func(s *Source) { s.period = d }
}

// WithDeviceName selects a capture device by substring of its name instead
// of the system default.
func WithDeviceName(name string) Option {
	return func(s *Source) { s.deviceName = name }
}

// Source captures from a local input device.
type Source struct {
	period     time.Duration
	deviceName string
}

var (
	_ audio.Source  = (*Source)(nil)
	_ audio.Checker = (*Source)(nil)
)

// New returns a microphone Source.
func New(opts ...Option) *Source {
	s := &Source{period: 32 * time.Millisecond}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Check reports whether any capture device is present.
func (s *Source) Check() error {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return classify("init context", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()
	devs, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return classify("list devices", err)
	}
	if len(devs) == 0 {
		return fmt.Errorf("malgo: no capture devices: %w", audio.ErrNoDevice)
	}
	return nil
}

// Open starts the device.
func (s *Source) Open(ctx context.Context, format audio.Format) (audio.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, classify("init context", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInMilliseconds = uint32(s.period / time.Millisecond)
	if s.deviceName != "" {
		id, err := findDevice(mctx, s.deviceName)
		if err != nil {
			freeContext(mctx)
			return nil, err
		}
		cfg.Capture.DeviceID = id.Pointer()
	}

	c := &capture{
		mctx:   mctx,
		format: format,
		out:    make(chan types.AudioFrame, 128),
	}
	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: c.onData,
		Stop: c.onStop,
	})
	if err != nil {
		freeContext(mctx)
		return nil, classify("init device", err)
	}
	c.dev = dev
	if err := dev.Start(); err != nil {
		dev.Uninit()
		freeContext(mctx)
		return nil, classify("start device", err)
	}
	slog.Info("microphone capture started", "format", format.String(), "device_rate", dev.SampleRate())
	return c, nil
}

func findDevice(mctx *malgo.AllocatedContext, name string) (malgo.DeviceID, error) {
	devs, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceID{}, classify("list devices", err)
	}
	for _, d := range devs {
		if strings.Contains(strings.ToLower(d.Name()), strings.ToLower(name)) {
			return d.ID, nil
		}
	}
	return malgo.DeviceID{}, fmt.Errorf("malgo: no capture device matching %q: %w", name, audio.ErrNoDevice)
}

func freeContext(mctx *malgo.AllocatedContext) {
	_ = mctx.Uninit()
	mctx.Free()
}

// classify maps miniaudio failures onto the audio sentinels.
func classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "access denied") || strings.Contains(msg, "permission") {
		return fmt.Errorf("malgo: %s: %w: %v", op, audio.ErrPermissionDenied, err)
	}
	return fmt.Errorf("malgo: %s: %w: %v", op, audio.ErrNoDevice, err)
}

type capture struct {
	mctx   *malgo.AllocatedContext
	dev    *malgo.Device
	format audio.Format

	mu      sync.Mutex
	out     chan types.AudioFrame
	ended   bool
	err     error
	offset  time.Duration
	dropped atomic.Uint64

	closeOnce sync.Once
}

// onData runs on the audio thread and must not block.
func (c *capture) onData(_, in []byte, _ uint32) {
	if len(in) == 0 {
		return
	}
	data := make([]byte, len(in))
	copy(data, in)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	f := types.AudioFrame{Data: data, SampleRate: c.format.SampleRate, Channels: c.format.Channels, Timestamp: c.offset}
	c.offset += time.Duration(len(data)) * time.Second / time.Duration(c.format.SampleRate*c.format.Channels*2)
	select {
	case c.out <- f:
	default:
		if n := c.dropped.Add(1); n%100 == 1 {
			slog.Warn("microphone frames dropped, consumer too slow", "dropped", n)
		}
	}
}

// onStop fires when the device stops, including on unplug.
func (c *capture) onStop() {
	c.end(fmt.Errorf("malgo: device stopped: %w", audio.ErrNoDevice))
}

func (c *capture) end(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	c.err = err
	close(c.out)
}

func (c *capture) Frames() <-chan types.AudioFrame { return c.out }

func (c *capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *capture) Close() error {
	c.closeOnce.Do(func() {
		// Mark ended first so the stop callback is not reported as a failure.
		c.end(nil)
		_ = c.dev.Stop()
		c.dev.Uninit()
		freeContext(c.mctx)
	})
	return nil
}
