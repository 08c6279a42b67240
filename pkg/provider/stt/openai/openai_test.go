package openai

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/thakkir/pkg/provider/stt"
	"github.com/MrWong99/thakkir/pkg/provider/stt/batch"
	"github.com/MrWong99/thakkir/pkg/types"
)

type seenRequest struct {
	model, language, prompt, filename string
}

func newServer(t *testing.T, status int, text string) (*httptest.Server, func() []seenRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []seenRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		seen = append(seen, seenRequest{
			model:    r.FormValue("model"),
			language: r.FormValue("language"),
			prompt:   r.FormValue("prompt"),
			filename: hdr.Filename,
		})
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": "denied"}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"text": text})
	}))
	t.Cleanup(srv.Close)
	return srv, func() []seenRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]seenRequest(nil), seen...)
	}
}

func speechPCM(samples int) []byte {
	buf := make([]byte, samples*2)
	for i := range samples {
		v := int16(10_000 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func newProvider(t *testing.T, srv *httptest.Server) *Provider {
	t.Helper()
	p, err := New("sk-test", "",
		WithBaseURL(srv.URL+"/"),
		WithMaxRetries(0),
		WithAudio(batch.Config{SilenceThreshold: 100 * time.Millisecond}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func speak(t *testing.T, h stt.SessionHandle) {
	t.Helper()
	if err := h.SendAudio(speechPCM(1600)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := h.SendAudio(make([]byte, 3200)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
}

func TestNew_EmptyKey(t *testing.T) {
	t.Parallel()
	if _, err := New("", ""); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestTranscribe(t *testing.T) {
	t.Parallel()
	srv, seen := newServer(t, http.StatusOK, "astaghfirullah")
	p := newProvider(t, srv)

	h, err := p.StartStream(context.Background(), stt.StreamConfig{
		Language: "ar-SA",
		Keywords: []types.KeywordBoost{{Keyword: "astaghfirullah"}, {Keyword: "subhanallah"}},
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()
	speak(t, h)

	select {
	case u := <-h.Finals():
		if u.Text != "astaghfirullah" || !u.IsFinal {
			t.Errorf("final = %+v", u)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no final")
	}

	reqs := seen()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	want := seenRequest{
		model:    "whisper-1",
		language: "ar",
		prompt:   "Dhikr: astaghfirullah, subhanallah.",
		filename: "audio.wav",
	}
	if reqs[0] != want {
		t.Errorf("request = %+v, want %+v", reqs[0], want)
	}
}

func TestTranscribe_ErrorCodes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status int
		want   stt.ErrorCode
	}{
		{http.StatusUnauthorized, stt.CodeServiceNotAllowed},
		{http.StatusTooManyRequests, stt.CodeNetwork},
		{http.StatusBadRequest, stt.CodeOther},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()
			srv, _ := newServer(t, tt.status, "")
			p := newProvider(t, srv)
			h, err := p.StartStream(context.Background(), stt.StreamConfig{})
			if err != nil {
				t.Fatalf("StartStream: %v", err)
			}
			defer h.Close()
			speak(t, h)

			select {
			case _, ok := <-h.Finals():
				if ok {
					t.Fatal("unexpected final")
				}
			case <-time.After(5 * time.Second):
				t.Fatal("session did not end")
			}
			if got := stt.CodeOf(h.Err()); got != tt.want {
				t.Errorf("code = %q (err %v), want %q", got, h.Err(), tt.want)
			}
		})
	}
}

func TestKeywordPrompt(t *testing.T) {
	t.Parallel()
	if got := keywordPrompt(nil); got != "" {
		t.Errorf("empty = %q", got)
	}
	if got := keywordPrompt([]types.KeywordBoost{{Keyword: "allahu akbar"}}); got != "Dhikr: allahu akbar." {
		t.Errorf("prompt = %q", got)
	}
}
