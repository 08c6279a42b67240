// Package whisper provides whisper.cpp-backed STT providers.
//
// [Provider] talks to a running whisper-server (POST /inference) and
// simulates streaming by cutting the audio at pauses; see package batch.
// [NativeProvider], built with the whispercpp tag, runs the model in-process
// through the CGO bindings.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("ar"),
//	    whisper.WithSilenceThreshold(700*time.Millisecond),
//	)
//	handle, err := p.StartStream(ctx, cfg)
//	handle.SendAudio(pcmChunk)
//	u := <-handle.Finals()
//	handle.Close()
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/thakkir/pkg/provider/stt"
	"github.com/MrWong99/thakkir/pkg/provider/stt/batch"
	"github.com/MrWong99/thakkir/pkg/types"
)

const defaultLanguage = "ar"

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the server. Empty uses
// whatever model the server was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default language code. Defaults to "ar".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSilenceThreshold sets how much trailing silence ends an utterance.
func WithSilenceThreshold(d time.Duration) Option {
	return func(p *Provider) { p.audio.SilenceThreshold = d }
}

// WithMaxBuffer bounds how much continuous speech is buffered before a cut.
func WithMaxBuffer(d time.Duration) Option {
	return func(p *Provider) { p.audio.MaxBuffer = d }
}

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements stt.Provider against a whisper-server HTTP endpoint.
type Provider struct {
	serverURL  string
	model      string
	language   string
	audio      batch.Config
	httpClient *http.Client
}

// New creates a Provider for the server at serverURL (e.g.
// "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a session. No connection is made until the first
// utterance is complete, so this only fails for a cancelled context.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, stt.Errorf(stt.CodeAborted, "whisper: %w", err)
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	audio := p.audio
	audio.SampleRate = cfg.SampleRate
	audio.Channels = cfg.Channels

	return batch.NewSession(batch.SessionOptions{Name: "whisper", Audio: audio},
		func(ctx context.Context, seg batch.Segment) (types.Utterance, error) {
			return p.infer(ctx, seg, lang)
		}), nil
}

// Ping checks that the server answers at all. whisper-server has no health
// route, so any HTTP response counts.
func (p *Provider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whisper: ping: %w", err)
	}
	resp.Body.Close()
	return nil
}

// infer POSTs the segment as multipart/form-data to /inference.
func (p *Provider) infer(ctx context.Context, seg batch.Segment, lang string) (types.Utterance, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return types.Utterance{}, stt.Errorf(stt.CodeOther, "whisper: create form file: %w", err)
	}
	if _, err := fw.Write(seg.WAV()); err != nil {
		return types.Utterance{}, stt.Errorf(stt.CodeOther, "whisper: write wav data: %w", err)
	}
	fields := map[string]string{"language": lang, "model": p.model, "response_format": "json"}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return types.Utterance{}, stt.Errorf(stt.CodeOther, "whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return types.Utterance{}, stt.Errorf(stt.CodeOther, "whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return types.Utterance{}, stt.Errorf(stt.CodeOther, "whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return types.Utterance{}, stt.Errorf(stt.CodeNetwork, "whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return types.Utterance{}, stt.Errorf(stt.CodeForHTTPStatus(resp.StatusCode),
			"whisper: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return types.Utterance{}, stt.Errorf(stt.CodeOther, "whisper: parse JSON response: %w", err)
	}
	return types.Utterance{Text: result.Text}, nil
}
