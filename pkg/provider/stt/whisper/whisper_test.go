package whisper_test

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
	"github.com/MrWong99/thakkir/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

type inferenceRequest struct {
	language string
	model    string
	wavBytes int
}

// newServer answers POST /inference with status and text, recording every
// request it sees.
func newServer(t *testing.T, status int, text string) (*httptest.Server, func() []inferenceRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []inferenceRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
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
		reqs = append(reqs, inferenceRequest{
			language: r.FormValue("language"),
			model:    r.FormValue("model"),
			wavBytes: int(hdr.Size),
		})
		mu.Unlock()

		if status != http.StatusOK {
			http.Error(w, "nope", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": text})
	}))
	t.Cleanup(srv.Close)
	return srv, func() []inferenceRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]inferenceRequest(nil), reqs...)
	}
}

// speechPCM is a 440 Hz sine well above the silence threshold.
func speechPCM(samples int) []byte {
	buf := make([]byte, samples*2)
	for i := range samples {
		v := int16(10_000 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func silencePCM(samples int) []byte { return make([]byte, samples*2) }

func startUtterance(t *testing.T, p *whisper.Provider, cfg stt.StreamConfig) stt.SessionHandle {
	t.Helper()
	h, err := p.StartStream(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	if err := h.SendAudio(speechPCM(1600)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := h.SendAudio(silencePCM(1600)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	return h
}

// ---- tests ------------------------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	t.Parallel()
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty serverURL")
	}
}

func TestStartStream_CancelledContext(t *testing.T) {
	t.Parallel()
	p, _ := whisper.New("http://localhost:1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.StartStream(ctx, stt.StreamConfig{})
	if code := stt.CodeOf(err); code != stt.CodeAborted {
		t.Fatalf("code = %q, want aborted", code)
	}
}

func TestInference_Transcript(t *testing.T) {
	t.Parallel()
	srv, requests := newServer(t, http.StatusOK, " la ilaha illallah ")

	p, _ := whisper.New(srv.URL+"/",
		whisper.WithModel("small"),
		whisper.WithSilenceThreshold(100*time.Millisecond),
	)
	h := startUtterance(t, p, stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "ar-SA"})

	select {
	case u := <-h.Finals():
		if u.Text != "la ilaha illallah" || !u.IsFinal {
			t.Errorf("final = %+v", u)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for final transcript")
	}

	reqs := requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	if reqs[0].language != "ar-SA" || reqs[0].model != "small" {
		t.Errorf("form = %+v", reqs[0])
	}
	if want := 44 + 2*1600*2; reqs[0].wavBytes != want {
		t.Errorf("wav size = %d, want %d", reqs[0].wavBytes, want)
	}
}

func TestInference_DefaultLanguage(t *testing.T) {
	t.Parallel()
	srv, requests := newServer(t, http.StatusOK, "")

	p, _ := whisper.New(srv.URL, whisper.WithSilenceThreshold(100*time.Millisecond))
	h := startUtterance(t, p, stt.StreamConfig{})
	_ = h.Close()

	if _, ok := <-h.Finals(); ok {
		t.Error("empty text should not produce a final")
	}
	reqs := requests()
	if len(reqs) != 1 || reqs[0].language != "ar" {
		t.Errorf("requests = %+v, want one with language ar", reqs)
	}
}

func TestInference_ErrorEndsSession(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   stt.ErrorCode
	}{
		{http.StatusUnauthorized, stt.CodeServiceNotAllowed},
		{http.StatusInternalServerError, stt.CodeNetwork},
		{http.StatusBadRequest, stt.CodeOther},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()
			srv, _ := newServer(t, tt.status, "")
			p, _ := whisper.New(srv.URL, whisper.WithSilenceThreshold(100*time.Millisecond))
			h := startUtterance(t, p, stt.StreamConfig{})

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

func TestPing(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, http.StatusOK, "")
	p, _ := whisper.New(srv.URL)
	if err := p.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}

	down, _ := whisper.New("http://127.0.0.1:1")
	if err := down.Ping(context.Background()); err == nil {
		t.Error("Ping against closed port should fail")
	}
}
