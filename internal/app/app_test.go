package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/voxstream/internal/app"
	"github.com/MrWong99/voxstream/internal/config"
	"github.com/MrWong99/voxstream/pkg/memory"
	llmmock "github.com/MrWong99/voxstream/pkg/provider/llm/mock"
	ttsmock "github.com/MrWong99/voxstream/pkg/provider/tts/mock"
	vadmock "github.com/MrWong99/voxstream/pkg/provider/vad/mock"
)

// testConfig returns a defaulted config that needs no external services.
func testConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Session.DefaultModel = "test-model"
	return cfg
}

// testProviders returns mock providers for a text and audio pipeline.
func testProviders() *app.Providers {
	return &app.Providers{
		VAD: &vadmock.Engine{},
		LLM: &llmmock.Provider{},
		TTS: &ttsmock.Provider{},
	}
}

// pingStore is a history store whose Ping fails with err.
type pingStore struct {
	*memory.Buffer
	err error
}

func (p pingStore) Ping(context.Context) error { return p.err }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	h := a.Handler()

	for _, path := range []string{"/healthz", "/readyz", "/v1/models"} {
		if rec := get(t, h, path); rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, body %s", path, rec.Code, rec.Body)
		}
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestNew_MissingProviders(t *testing.T) {
	t.Parallel()

	if _, err := app.New(context.Background(), testConfig(), &app.Providers{LLM: &llmmock.Provider{}}); err == nil {
		t.Fatal("New without a VAD engine succeeded")
	}
	if _, err := app.New(context.Background(), nil, testProviders()); err == nil {
		t.Fatal("New without config succeeded")
	}
}

func TestNew_ReadinessReflectsHistoryStore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "reachable", want: http.StatusOK},
		{name: "unreachable", err: errors.New("connection refused"), want: http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store := pingStore{Buffer: memory.NewBuffer(10, 0), err: tc.err}
			a, err := app.New(context.Background(), testConfig(), testProviders(), app.WithHistoryStore(store))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			rec := get(t, a.Handler(), "/readyz")
			if rec.Code != tc.want {
				t.Errorf("readyz = %d, want %d (body %s)", rec.Code, tc.want, rec.Body)
			}
		})
	}
}

func TestNew_MetricsHandler(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	a, err := app.New(context.Background(), testConfig(), testProviders(), app.WithMetricsHandler(metrics))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := get(t, a.Handler(), "/metrics")
	if rec.Code != http.StatusOK || rec.Body.String() != "# metrics" {
		t.Errorf("GET /metrics = %d %q", rec.Code, rec.Body)
	}
}

func TestReload_ChangesCatalog(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	next := testConfig()
	next.Session.DefaultModel = "other-model"
	next.Session.Models = []string{"other-model", "test-model"}
	a.Reload(next)
	a.Reload(nil)

	var resp struct {
		Default string   `json:"default"`
		Models  []string `json:"models"`
	}
	rec := get(t, a.Handler(), "/v1/models")
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Default != "other-model" || len(resp.Models) != 2 {
		t.Errorf("models after reload = %+v", resp)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for range 2 {
		if err := a.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	a, err := app.New(context.Background(), cfg, testProviders())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Run(ctx); err != nil {
		t.Errorf("Run after cancel = %v, want nil", err)
	}
}
