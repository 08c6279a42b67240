// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/thakkir/pkg/provider/stt"
	"github.com/MrWong99/thakkir/pkg/types"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-2"
	defaultLanguage   = "ar"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model (e.g., "nova-2", "nova-3").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default language when the stream config has none.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithSampleRate sets the default sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithEndpoint overrides the streaming endpoint. Tests only.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
	endpoint   string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		endpoint:   deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram. A
// rejected handshake is classified from its HTTP status.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, stt.Errorf(stt.CodeOther, "deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		code := stt.CodeNetwork
		if resp != nil {
			if c := stt.CodeForHTTPStatus(resp.StatusCode); c != "" {
				code = c
			}
		}
		if ctx.Err() != nil {
			code = stt.CodeAborted
		}
		return nil, stt.Errorf(code, "deepgram: dial: %w", err)
	}

	// The session outlives the dial context; Close is its only stop signal.
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		conn:     conn,
		cancel:   cancel,
		partials: make(chan types.Utterance, 64),
		finals:   make(chan types.Utterance, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(sessCtx)
	go sess.writeLoop(sessCtx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("interim_results", "true")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if cfg.MaxAlternatives > 1 {
		q.Set("alternatives", strconv.Itoa(cfg.MaxAlternatives))
	}

	// nova-3 replaced weighted keywords with unweighted key terms.
	keyterms := strings.HasPrefix(p.model, "nova-3")
	for _, kw := range cfg.Keywords {
		if keyterms {
			q.Add("keyterm", kw.Keyword)
		} else {
			q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
		}
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

type deepgramAlternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	Words      []struct {
		Word       string  `json:"word"`
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Confidence float64 `json:"confidence"`
	} `json:"words"`
}

// deepgramResponse is the JSON structure of a Results event.
type deepgramResponse struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []deepgramAlternative `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	cancel   context.CancelFunc
	partials chan types.Utterance
	finals   chan types.Utterance
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("deepgram: session is closed")
	}
}

func (s *session) Partials() <-chan types.Utterance { return s.partials }

func (s *session) Finals() <-chan types.Utterance { return s.finals }

func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// SetKeywords is not supported mid-stream by Deepgram.
func (s *session) SetKeywords([]types.KeywordBoost) error {
	return fmt.Errorf("deepgram: %w", stt.ErrNotSupported)
}

// Close asks Deepgram to flush, waits for both loops and closes the socket.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

func (s *session) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// writeLoop forwards queued audio as binary messages.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				if !s.closing() {
					s.setErr(stt.Errorf(stt.CodeNetwork, "deepgram: write: %w", err))
				}
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// readLoop dispatches Results messages to partials and finals.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			if !s.closing() {
				s.setErr(classifyReadError(err))
			}
			return
		}

		u, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}

		out := s.partials
		if u.IsFinal {
			out = s.finals
		}
		select {
		case out <- u:
		case <-s.done:
		}
	}
}

// classifyReadError maps a socket read failure to a recognition error code.
// Deepgram closes with 1011 after a stretch of no audio.
func classifyReadError(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure:
		return nil
	case websocket.StatusInternalError:
		return stt.Errorf(stt.CodeNoSpeech, "deepgram: %w", err)
	case websocket.StatusPolicyViolation:
		return stt.Errorf(stt.CodeServiceNotAllowed, "deepgram: %w", err)
	}
	return stt.Errorf(stt.CodeNetwork, "deepgram: read: %w", err)
}

// parseDeepgramResponse parses a raw Deepgram message into an Utterance. The
// first alternative becomes the primary transcript; the rest are kept as
// alternatives. Returns false for messages that carry no transcript.
func parseDeepgramResponse(data []byte) (types.Utterance, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return types.Utterance{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return types.Utterance{}, false
	}

	primary := resp.Channel.Alternatives[0]
	if strings.TrimSpace(primary.Transcript) == "" {
		return types.Utterance{}, false
	}

	words := make([]types.WordDetail, 0, len(primary.Words))
	for _, w := range primary.Words {
		words = append(words, types.WordDetail{
			Word:       w.Word,
			Start:      seconds(w.Start),
			End:        seconds(w.End),
			Confidence: w.Confidence,
		})
	}

	var alts []types.Alternative
	for _, a := range resp.Channel.Alternatives[1:] {
		if strings.TrimSpace(a.Transcript) == "" {
			continue
		}
		alts = append(alts, types.Alternative{Text: a.Transcript, Confidence: a.Confidence})
	}

	return types.Utterance{
		Text:         primary.Transcript,
		IsFinal:      resp.IsFinal,
		Confidence:   primary.Confidence,
		Alternatives: alts,
		Words:        words,
		Timestamp:    seconds(resp.Start),
		Duration:     seconds(resp.Duration),
	}, true
}

func seconds(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }
