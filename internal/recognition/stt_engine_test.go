package recognition

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/thakkir/pkg/audio"
	audiomock "github.com/MrWong99/thakkir/pkg/audio/mock"
	"github.com/MrWong99/thakkir/pkg/provider/stt"
	sttmock "github.com/MrWong99/thakkir/pkg/provider/stt/mock"
	"github.com/MrWong99/thakkir/pkg/types"
)

func nextEvent(t *testing.T, s Stream) (Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		return ev, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}, false
}

func expectKind(t *testing.T, s Stream, want EventKind) Event {
	t.Helper()
	ev, ok := nextEvent(t, s)
	if !ok {
		t.Fatalf("events closed, want %s", want)
	}
	if ev.Kind != want {
		t.Fatalf("event = %s (%v), want %s", ev.Kind, ev.Err, want)
	}
	return ev
}

func expectClosed(t *testing.T, s Stream) {
	t.Helper()
	if ev, ok := nextEvent(t, s); ok {
		t.Fatalf("unexpected event %s after end", ev.Kind)
	}
}

func TestSTTEngine_Supported(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		provider stt.Provider
		source   audio.Source
		wantErr  bool
		wantCode stt.ErrorCode
	}{
		{"ok", &sttmock.Provider{}, &audiomock.Source{}, false, ""},
		{"no provider", nil, &audiomock.Source{}, true, stt.CodeOther},
		{"no source", &sttmock.Provider{}, nil, true, stt.CodeOther},
		{"permission", &sttmock.Provider{}, &audiomock.Source{CheckErr: audio.ErrPermissionDenied}, true, stt.CodeNotAllowed},
		{"no device", &sttmock.Provider{}, &audiomock.Source{CheckErr: audio.ErrNoDevice}, true, stt.CodeAudioCapture},
		{"unsupported build", &sttmock.Provider{}, &audiomock.Source{CheckErr: audio.ErrUnsupported}, true, stt.CodeAudioCapture},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := NewSTTEngine(tt.provider, tt.source).Supported()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := stt.CodeOf(err); got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestSTTEngine_OpenErrors(t *testing.T) {
	t.Parallel()

	t.Run("source", func(t *testing.T) {
		t.Parallel()
		src := &audiomock.Source{OpenErr: audio.ErrPermissionDenied}
		prov := &sttmock.Provider{}
		_, err := NewSTTEngine(prov, src).Open(context.Background(), Settings{})
		if got := stt.CodeOf(err); got != stt.CodeNotAllowed {
			t.Errorf("code = %q, want not-allowed", got)
		}
		if prov.CallCount() != 0 {
			t.Error("provider opened despite capture failure")
		}
	})

	t.Run("provider", func(t *testing.T) {
		t.Parallel()
		src := &audiomock.Source{}
		prov := &sttmock.Provider{StartStreamErr: stt.Errorf(stt.CodeServiceNotAllowed, "bad key")}
		_, err := NewSTTEngine(prov, src).Open(context.Background(), Settings{})
		if got := stt.CodeOf(err); got != stt.CodeServiceNotAllowed {
			t.Errorf("code = %q", got)
		}
		if n := src.LastCapture().CloseCount(); n != 1 {
			t.Errorf("capture closed %d times, want 1", n)
		}
	})
}

func TestSTTEngine_Stream(t *testing.T) {
	t.Parallel()
	src := &audiomock.Source{}
	prov := &sttmock.Provider{}
	settings := Settings{
		Language:        "ar-SA",
		MaxAlternatives: 3,
		Keywords:        []types.KeywordBoost{{Keyword: "subhanallah", Boost: 2}},
	}

	s, err := NewSTTEngine(prov, src).Open(context.Background(), settings)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Stop()

	if got := src.OpenCalls[0]; got != audio.SpeechFormat {
		t.Errorf("capture format = %v", got)
	}
	cfg := prov.StartStreamCalls[0].Cfg
	if cfg.SampleRate != 16000 || cfg.Channels != 1 || cfg.Language != "ar-SA" || cfg.MaxAlternatives != 3 || len(cfg.Keywords) != 1 {
		t.Errorf("stream config = %+v", cfg)
	}

	expectKind(t, s, EventStarted)

	capt, sess := src.LastCapture(), prov.LastSession()
	capt.Push(types.AudioFrame{Data: make([]byte, 640), SampleRate: 16000, Channels: 1})
	waitFor(t, "audio", func() bool { return sess.AudioBytes() == 640 })

	sess.EmitPartial(types.Utterance{Text: "subhan"})
	if ev := expectKind(t, s, EventInterim); ev.Utterance.Text != "subhan" {
		t.Errorf("interim = %q", ev.Utterance.Text)
	}
	sess.EmitFinal(types.Utterance{Text: "subhanallah", Confidence: 0.9})
	if ev := expectKind(t, s, EventFinal); ev.Utterance.Text != "subhanallah" || !ev.Utterance.IsFinal {
		t.Errorf("final = %+v", ev.Utterance)
	}

	sess.End(stt.Errorf(stt.CodeNetwork, "socket dropped"))
	ev := expectKind(t, s, EventError)
	if got := stt.CodeOf(ev.Err); got != stt.CodeNetwork {
		t.Errorf("code = %q", got)
	}
	expectClosed(t, s)
	if capt.CloseCount() == 0 {
		t.Error("capture left open after session ended")
	}
}

func TestSTTEngine_CaptureEnds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantKind EventKind
		wantCode stt.ErrorCode
	}{
		{"device lost", audio.ErrNoDevice, EventError, stt.CodeAudioCapture},
		{"permission revoked", audio.ErrPermissionDenied, EventError, stt.CodeNotAllowed},
		{"end of input", nil, EventEnded, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			src := &audiomock.Source{}
			prov := &sttmock.Provider{}
			s, err := NewSTTEngine(prov, src).Open(context.Background(), Settings{})
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer s.Stop()
			expectKind(t, s, EventStarted)

			src.LastCapture().End(tt.err)
			ev := expectKind(t, s, tt.wantKind)
			if got := stt.CodeOf(ev.Err); got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
			expectClosed(t, s)
			if !prov.LastSession().Ended() {
				t.Error("session not closed after capture ended")
			}
		})
	}
}

func TestSTTEngine_Stop(t *testing.T) {
	t.Parallel()
	src := &audiomock.Source{}
	prov := &sttmock.Provider{}
	s, err := NewSTTEngine(prov, src).Open(context.Background(), Settings{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	s.Stop()
	s.Stop()

	if !prov.LastSession().Ended() || src.LastCapture().CloseCount() == 0 {
		t.Error("Stop must close both the session and the capture")
	}
	// Only buffered events may remain, and the channel is closed.
	for range s.Events() {
	}
}

func TestClassifyAudio(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want stt.ErrorCode
	}{
		{audio.ErrPermissionDenied, stt.CodeNotAllowed},
		{audio.ErrNoDevice, stt.CodeAudioCapture},
		{audio.ErrUnsupported, stt.CodeAudioCapture},
		{context.Canceled, stt.CodeAborted},
		{errors.New("read /dev/stdin: broken pipe"), stt.CodeAudioCapture},
	}
	for _, tt := range tests {
		err := classifyAudio(tt.err)
		if got := stt.CodeOf(err); got != tt.want {
			t.Errorf("classifyAudio(%v) = %q, want %q", tt.err, got, tt.want)
		}
		if !errors.Is(err, tt.err) {
			t.Errorf("classifyAudio(%v) lost the cause", tt.err)
		}
	}
}
