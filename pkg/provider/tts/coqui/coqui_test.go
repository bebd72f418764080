package coqui

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxstream/pkg/audio"
	"github.com/MrWong99/voxstream/pkg/types"
)

// ─── test helpers ────────────────────────────────────────────────────────────

// mustNew is a test helper that calls New and fails the test on error.
func mustNew(t *testing.T, serverURL string, opts ...Option) *Provider {
	t.Helper()
	p, err := New(serverURL, opts...)
	if err != nil {
		t.Fatalf("New(%q): unexpected error: %v", serverURL, err)
	}
	return p
}

// recorder captures the last request the fake server received.
type recorder struct {
	mu    sync.Mutex
	query map[string]string
	body  ttsRequest
	path  string
}

func (r *recorder) snapshot() (string, map[string]string, ttsRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path, r.query, r.body
}

// newTTSServer serves both synthesis endpoints with wav and records the
// request parameters.
func newTTSServer(t *testing.T, wav []byte) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		rec.path = r.URL.Path
		rec.query = map[string]string{}
		for k, v := range r.URL.Query() {
			rec.query[k] = v[0]
		}
		if r.Method == http.MethodPost {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		rec.mu.Unlock()

		switch r.URL.Path {
		case apiTTSEndpoint, ttsEndpoint:
			w.Header().Set("Content-Type", "audio/wav")
			_, _ = w.Write(wav)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

// ─── Provider creation ───────────────────────────────────────────────────────

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		p := mustNew(t, "http://localhost:8002")
		if p.language != defaultLanguage {
			t.Errorf("language = %q, want %q", p.language, defaultLanguage)
		}
		if p.httpClient.Timeout != defaultTimeout {
			t.Errorf("timeout = %v, want %v", p.httpClient.Timeout, defaultTimeout)
		}
		if p.apiMode != APIModeStandard {
			t.Errorf("apiMode = %q, want %q", p.apiMode, APIModeStandard)
		}
	})

	t.Run("trims trailing slash", func(t *testing.T) {
		p := mustNew(t, "http://localhost:8002/")
		if p.serverURL != "http://localhost:8002" {
			t.Errorf("serverURL = %q, want trailing slash stripped", p.serverURL)
		}
	})

	t.Run("options", func(t *testing.T) {
		p := mustNew(t, "http://localhost:8002",
			WithLanguage("de"),
			WithTimeout(5*time.Second),
			WithAPIMode(APIModeXTTS),
			WithOutputSampleRate(16000),
		)
		if p.language != "de" || p.httpClient.Timeout != 5*time.Second || p.apiMode != APIModeXTTS || p.outputRate != 16000 {
			t.Errorf("options not applied: %+v", p)
		}
	})

	t.Run("errors", func(t *testing.T) {
		if _, err := New(""); err == nil {
			t.Error("expected error for empty URL")
		}
		if _, err := New("http://x", WithAPIMode("fast")); err == nil {
			t.Error("expected error for unknown api mode")
		}
	})
}

// ─── Synthesize ──────────────────────────────────────────────────────────────

func TestSynthesize_Standard(t *testing.T) {
	t.Parallel()
	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	srv, rec := newTTSServer(t, audio.EncodeWAV(pcm, audio.Format{SampleRate: 16000, Channels: 1}))
	p := mustNew(t, srv.URL, WithLanguage("en"))

	got, err := p.Synthesize(context.Background(), "Hello world.", types.VoiceProfile{ID: "p225"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(got) != string(pcm) {
		t.Errorf("want PCM %v, got %v", pcm, got)
	}

	path, query, _ := rec.snapshot()
	if path != apiTTSEndpoint {
		t.Errorf("want path %q, got %q", apiTTSEndpoint, path)
	}
	if query["text"] != "Hello world." {
		t.Errorf("want text %q, got %q", "Hello world.", query["text"])
	}
	if query["speaker_id"] != "p225" {
		t.Errorf("want speaker_id %q, got %q", "p225", query["speaker_id"])
	}
	if query["language_id"] != "en" {
		t.Errorf("want language_id %q, got %q", "en", query["language_id"])
	}
}

func TestSynthesize_XTTSUsesVoiceLanguage(t *testing.T) {
	t.Parallel()
	srv, rec := newTTSServer(t, audio.EncodeWAV(make([]byte, 4), audio.Format{SampleRate: 24000, Channels: 1}))
	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS))

	_, err := p.Synthesize(context.Background(), "你好。", types.VoiceProfile{ID: "Ana Florence", Language: "zh-cn"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	path, _, body := rec.snapshot()
	if path != ttsEndpoint {
		t.Errorf("want path %q, got %q", ttsEndpoint, path)
	}
	if body.Text != "你好。" || body.SpeakerWav != "Ana Florence" || body.Language != "zh-cn" {
		t.Errorf("unexpected request body %+v", body)
	}
}

func TestSynthesize_ResamplesToOutputRate(t *testing.T) {
	t.Parallel()
	// 8 mono samples at 32 kHz -> 4 samples at 16 kHz.
	pcm := make([]byte, 16)
	srv, _ := newTTSServer(t, audio.EncodeWAV(pcm, audio.Format{SampleRate: 32000, Channels: 1}))
	p := mustNew(t, srv.URL, WithOutputSampleRate(16000))

	got, err := p.Synthesize(context.Background(), "Resample me.", types.VoiceProfile{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(got) != 8 {
		t.Errorf("want 8 bytes, got %d", len(got))
	}
}

func TestSynthesize_Errors(t *testing.T) {
	t.Parallel()

	notWAV := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>oops</html>"))
	}))
	t.Cleanup(notWAV.Close)
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(failing.Close)

	tests := []struct {
		name    string
		url     string
		mode    APIMode
		text    string
		voice   types.VoiceProfile
		wantSub string
	}{
		{name: "empty text", url: failing.URL, mode: APIModeStandard, text: "  ", wantSub: "empty text"},
		{name: "xtts without voice", url: failing.URL, mode: APIModeXTTS, text: "Hi.", wantSub: "needs a voice id"},
		{name: "server error", url: failing.URL, mode: APIModeStandard, text: "Hi.", wantSub: "status 500"},
		{name: "not wav", url: notWAV.URL, mode: APIModeStandard, text: "Hi.", wantSub: "decode audio"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := mustNew(t, tc.url, WithAPIMode(tc.mode))
			_, err := p.Synthesize(context.Background(), tc.text, tc.voice)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("want error containing %q, got %q", tc.wantSub, err.Error())
			}
		})
	}
}

// ─── ListVoices ──────────────────────────────────────────────────────────────

func TestListVoices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case detailsEndpoint:
			_, _ = w.Write([]byte(`{"model_name":"vits","language":"en","speakers":["p226","p225"]}`))
		case studioSpeakersEndpoint:
			_, _ = w.Write([]byte(`{"Claribel Dervla":{},"Ana Florence":{}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	t.Run("standard", func(t *testing.T) {
		t.Parallel()
		voices, err := mustNew(t, srv.URL).ListVoices(context.Background())
		if err != nil {
			t.Fatalf("ListVoices: %v", err)
		}
		if len(voices) != 2 || voices[0].ID != "p225" || voices[1].ID != "p226" {
			t.Errorf("want sorted [p225 p226], got %+v", voices)
		}
		if voices[0].Metadata["model_name"] != "vits" {
			t.Errorf("want model_name %q, got %q", "vits", voices[0].Metadata["model_name"])
		}
	})

	t.Run("xtts", func(t *testing.T) {
		t.Parallel()
		voices, err := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS)).ListVoices(context.Background())
		if err != nil {
			t.Fatalf("ListVoices: %v", err)
		}
		if len(voices) != 2 || voices[0].ID != "Ana Florence" {
			t.Errorf("want sorted studio speakers, got %+v", voices)
		}
	})
}

func TestParseDetails_SingleSpeaker(t *testing.T) {
	t.Parallel()
	voices, err := parseDetails([]byte(`{"model_name":"","language":"de"}`))
	if err != nil {
		t.Fatalf("parseDetails: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "default" {
		t.Errorf("want single default voice, got %+v", voices)
	}
	if voices[0].Metadata["type"] != "single-speaker" {
		t.Errorf("want type %q, got %q", "single-speaker", voices[0].Metadata["type"])
	}
}
