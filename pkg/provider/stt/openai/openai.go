// Package openai provides an STT provider backed by the OpenAI audio
// transcription API (whisper-1, gpt-4o-transcribe). The API is not
// streaming, so sessions are cut at pauses by package batch and each
// utterance is uploaded as a WAV file.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/thakkir/pkg/provider/stt"
	"github.com/MrWong99/thakkir/pkg/provider/stt/batch"
	"github.com/MrWong99/thakkir/pkg/types"
)

// DefaultModel is used when New gets an empty model.
const DefaultModel = oai.AudioModelWhisper1

var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
	audio  batch.Config
}

type config struct {
	baseURL    string
	timeout    time.Duration
	maxRetries int
	audio      batch.Config
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxRetries overrides the client's retry count (default 2).
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithAudio overrides the segmentation settings.
func WithAudio(cfg batch.Config) Option {
	return func(c *config) { c.audio = cfg }
}

// New constructs a Provider. If model is empty, DefaultModel is used.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	cfg := &config{maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model, audio: cfg.audio}, nil
}

// StartStream opens a batch session. Keywords become the transcription
// prompt, which biases the model towards those spellings.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, stt.Errorf(stt.CodeAborted, "openai stt: %w", err)
	}
	lang, _, _ := strings.Cut(cfg.Language, "-")
	prompt := keywordPrompt(cfg.Keywords)

	audio := p.audio
	audio.SampleRate = cfg.SampleRate
	audio.Channels = cfg.Channels

	return batch.NewSession(batch.SessionOptions{Name: "openai", Audio: audio},
		func(ctx context.Context, seg batch.Segment) (types.Utterance, error) {
			return p.transcribe(ctx, seg, lang, prompt)
		}), nil
}

func (p *Provider) transcribe(ctx context.Context, seg batch.Segment, lang, prompt string) (types.Utterance, error) {
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(seg.WAV()), "audio.wav", "audio/wav"),
		Model: oai.AudioModel(p.model),
	}
	if lang != "" {
		params.Language = oai.String(lang)
	}
	if prompt != "" {
		params.Prompt = oai.String(prompt)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return types.Utterance{}, classify(err)
	}
	return types.Utterance{Text: resp.Text}, nil
}

// classify maps client errors onto recognition error codes.
func classify(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		code := stt.CodeForHTTPStatus(apiErr.StatusCode)
		if code == "" {
			code = stt.CodeOther
		}
		return stt.Errorf(code, "openai stt: %w", err)
	}
	if code := stt.CodeOf(err); code == stt.CodeAborted {
		return stt.Errorf(code, "openai stt: %w", err)
	}
	return stt.Errorf(stt.CodeNetwork, "openai stt: %w", err)
}

func keywordPrompt(kws []types.KeywordBoost) string {
	if len(kws) == 0 {
		return ""
	}
	words := make([]string, len(kws))
	for i, kw := range kws {
		words[i] = kw.Keyword
	}
	return fmt.Sprintf("Dhikr: %s.", strings.Join(words, ", "))
}
