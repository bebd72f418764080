package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxstream/pkg/types"
)

// fakeStream is an httptest-backed stand-in for the stream-input socket. It
// records every text message and answers the end-of-input marker with the
// configured audio chunks.
type fakeStream struct {
	mu       sync.Mutex
	received []map[string]any
	query    string
	path     string

	chunks  [][]byte
	errText string
}

func (f *fakeStream) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.path = r.URL.Path
		f.query = r.URL.RawQuery
		f.mu.Unlock()

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg map[string]any
			_ = json.Unmarshal(data, &msg)
			f.mu.Lock()
			f.received = append(f.received, msg)
			f.mu.Unlock()

			if msg["text"] != "" {
				continue
			}
			if f.errText != "" {
				out, _ := json.Marshal(audioResponse{Error: f.errText})
				_ = conn.Write(ctx, websocket.MessageText, out)
				return
			}
			for _, c := range f.chunks {
				out, _ := json.Marshal(audioResponse{Audio: base64.StdEncoding.EncodeToString(c)})
				_ = conn.Write(ctx, websocket.MessageText, out)
			}
			out, _ := json.Marshal(audioResponse{IsFinal: true})
			_ = conn.Write(ctx, websocket.MessageText, out)
			// Wait for the client to close.
			_, _, _ = conn.Read(ctx)
			return
		}
	}
}

func newFake(t *testing.T, f *fakeStream) *Provider {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http")
	p, err := New("xi-test", WithBaseURLs(wsBase, srv.URL), WithModel("eleven_turbo_v2"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

// ─── Synthesize ─────────────────────────────────────────────────────────

func TestSynthesize_CollectsAudio(t *testing.T) {
	t.Parallel()
	f := &fakeStream{chunks: [][]byte{{1, 2}, {3, 4}, {5, 6}}}
	p := newFake(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pcm, err := p.Synthesize(ctx, "Hello there.", types.VoiceProfile{ID: "voice-abc"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(pcm) != string([]byte{1, 2, 3, 4, 5, 6}) {
		t.Errorf("want concatenated audio, got %v", pcm)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.path != "/v1/text-to-speech/voice-abc/stream-input" {
		t.Errorf("unexpected path %q", f.path)
	}
	if !strings.Contains(f.query, "model_id=eleven_turbo_v2") || !strings.Contains(f.query, "output_format=pcm_16000") {
		t.Errorf("unexpected query %q", f.query)
	}
	if len(f.received) != 3 {
		t.Fatalf("want 3 messages (BOI, text, EOS), got %d", len(f.received))
	}
	if f.received[0]["xi_api_key"] != "xi-test" {
		t.Errorf("BOI missing api key: %v", f.received[0])
	}
	if f.received[1]["text"] != "Hello there. " {
		t.Errorf("want text %q, got %v", "Hello there. ", f.received[1]["text"])
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	t.Parallel()
	p := newFake(t, &fakeStream{errText: "quota exceeded"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := p.Synthesize(ctx, "Hi.", types.VoiceProfile{ID: "v"})
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("want quota error, got %v", err)
	}
}

func TestSynthesize_Validation(t *testing.T) {
	t.Parallel()
	p, _ := New("xi-test")
	if _, err := p.Synthesize(context.Background(), "Hi.", types.VoiceProfile{}); err == nil {
		t.Error("expected error for empty voice ID")
	}
	if _, err := p.Synthesize(context.Background(), "   ", types.VoiceProfile{ID: "v"}); err == nil {
		t.Error("expected error for empty text")
	}
	if _, err := New(""); err == nil {
		t.Error("expected error for empty api key")
	}
}

// ─── ListVoices ─────────────────────────────────────────────────────────

func TestListVoices(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != voicesPath || r.Header.Get("xi-api-key") != "xi-test" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`{"voices":[{"voice_id":"v1","name":"Rachel","category":"premade","labels":{"accent":"american"}}]}`))
	}))
	t.Cleanup(srv.Close)

	p, _ := New("xi-test", WithBaseURLs("ws://unused", srv.URL))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 {
		t.Fatalf("want 1 voice, got %d", len(voices))
	}
	v := voices[0]
	if v.ID != "v1" || v.Name != "Rachel" || v.Provider != "elevenlabs" {
		t.Errorf("unexpected profile %+v", v)
	}
	if v.Metadata["category"] != "premade" || v.Metadata["accent"] != "american" {
		t.Errorf("unexpected metadata %v", v.Metadata)
	}
}

func TestListVoices_BadStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	p, _ := New("xi-test", WithBaseURLs("ws://unused", srv.URL))
	if _, err := p.ListVoices(context.Background()); err == nil {
		t.Fatal("expected error, got nil")
	}
}
