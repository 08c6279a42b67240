//go:build whispercpp

// The native provider links whisper.cpp through CGO. libwhisper.a and
// whisper.h must be reachable via LIBRARY_PATH and C_INCLUDE_PATH.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/thakkir/pkg/provider/stt"
	"github.com/MrWong99/thakkir/pkg/provider/stt/batch"
	"github.com/MrWong99/thakkir/pkg/types"
)

var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider runs whisper.cpp in-process. The model is loaded once and
// shared; each utterance gets its own whisper context.
type NativeProvider struct {
	model    whisperlib.Model
	language string
	audio    batch.Config

	// whisper.cpp saturates all cores per inference; one at a time.
	mu sync.Mutex
}

// NativeOption configures a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the default language. Defaults to "ar".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeAudio overrides the segmentation settings.
func WithNativeAudio(cfg batch.Config) NativeOption {
	return func(p *NativeProvider) { p.audio = cfg }
}

// NewNative loads the ggml model at modelPath. Call Close when done.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &NativeProvider{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the model.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// StartStream opens a session backed by the shared model.
func (p *NativeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, stt.Errorf(stt.CodeAborted, "whisper: %w", err)
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	// whisper.cpp wants ISO 639-1 ("ar"), not a full tag ("ar-SA").
	lang, _, _ = strings.Cut(lang, "-")

	audio := p.audio
	audio.SampleRate = cfg.SampleRate
	audio.Channels = cfg.Channels

	return batch.NewSession(batch.SessionOptions{Name: "whisper-native", Audio: audio},
		func(ctx context.Context, seg batch.Segment) (types.Utterance, error) {
			return p.infer(ctx, seg, lang)
		}), nil
}

func (p *NativeProvider) infer(ctx context.Context, seg batch.Segment, lang string) (types.Utterance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return types.Utterance{}, stt.Errorf(stt.CodeAborted, "whisper: %w", err)
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return types.Utterance{}, stt.Errorf(stt.CodeOther, "whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using auto-detect", "language", lang, "error", err)
	}
	if err := wctx.Process(seg.Samples(), nil, nil, nil); err != nil {
		return types.Utterance{}, stt.Errorf(stt.CodeOther, "whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return types.Utterance{}, stt.Errorf(stt.CodeOther, "whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return types.Utterance{Text: strings.Join(parts, " ")}, nil
}
