// Package server is the network surface of voxstream.
//
// A [Server] owns one [http.ServeMux] with the duplex WebSocket endpoint, the
// SSE chat endpoint, the history and catalog endpoints, and the health and
// metrics probes. Every WebSocket is served by a [Conn], which groups its
// reader, writer and synthesis worker goroutines with errgroup and tears
// them down together.
//
// Configuration is read from a [config.Config] snapshot per connection.
// [Server.Reload] swaps the snapshot; connections that are already open keep
// the settings they started with.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxstream/internal/config"
	"github.com/MrWong99/voxstream/internal/health"
	"github.com/MrWong99/voxstream/internal/observe"
	"github.com/MrWong99/voxstream/internal/turn"
	"github.com/MrWong99/voxstream/pkg/memory"
	"github.com/MrWong99/voxstream/pkg/provider/llm"
	"github.com/MrWong99/voxstream/pkg/provider/stt"
	"github.com/MrWong99/voxstream/pkg/provider/tts"
	"github.com/MrWong99/voxstream/pkg/provider/vad"
)

// readHeaderTimeout bounds the request header read of every HTTP request.
const readHeaderTimeout = 10 * time.Second

// Deps are the shared collaborators of every connection.
type Deps struct {
	// VAD classifies frames for the segmenter and vad_check. Required.
	VAD vad.Engine

	// STT transcribes utterances. When nil only text turns are available.
	STT stt.Provider

	// LLM generates replies. Required.
	LLM llm.Provider

	// TTS synthesizes replies. When nil every turn is text-only.
	TTS tts.Provider

	// History stores conversation turns. May be nil.
	History memory.HistoryStore

	// Summariser backs POST /v1/history/summarize. May be nil.
	Summariser memory.Summariser

	// Health serves /healthz and /readyz. May be nil.
	Health *health.Handler

	// MetricsHandler serves /metrics. May be nil.
	MetricsHandler http.Handler

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Server serves the voxstream HTTP and WebSocket API.
type Server struct {
	deps     Deps
	cfg      atomic.Pointer[config.Config]
	sessions *SessionManager
	handler  http.Handler
	draining atomic.Bool
}

// New creates a server for cfg.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	var errs []error
	if cfg == nil {
		errs = append(errs, errors.New("config is required"))
	}
	if deps.VAD == nil {
		errs = append(errs, errors.New("vad engine is required"))
	}
	if deps.LLM == nil {
		errs = append(errs, errors.New("llm provider is required"))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("server: %w", errors.Join(errs...))
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Server{
		deps:     deps,
		sessions: NewSessionManager(deps.Metrics),
	}
	s.cfg.Store(cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/history", s.handleHistory)
	mux.HandleFunc("DELETE /v1/history", s.handleClearHistory)
	mux.HandleFunc("POST /v1/history/summarize", s.handleSummarize)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /v1/voices", s.handleVoices)
	if deps.Health != nil {
		deps.Health.Register(mux)
	}
	if deps.MetricsHandler != nil {
		mux.Handle("GET /metrics", deps.MetricsHandler)
	}
	s.handler = observe.Middleware(deps.Metrics)(mux)
	return s, nil
}

// Handler returns the root handler, wrapped in the observability middleware.
func (s *Server) Handler() http.Handler { return s.handler }

// Sessions returns the live connection tracker.
func (s *Server) Sessions() *SessionManager { return s.sessions }

// Config returns the current configuration snapshot.
func (s *Server) Config() *config.Config { return s.cfg.Load() }

// Reload replaces the configuration used by new connections and requests.
func (s *Server) Reload(cfg *config.Config) {
	if cfg != nil {
		s.cfg.Store(cfg)
	}
}

// ListenAndServe serves on the configured address until ctx is done, then
// drains live connections and shuts down within server.shutdown_timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	cfg := s.Config()
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	slog.Info("server listening", "addr", cfg.Server.ListenAddr, "tls", cfg.Server.TLS != nil)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx, srv)
}

// Shutdown marks the server as draining, closes every live connection and
// stops srv. It returns early with ctx's error if the deadline passes.
func (s *Server) Shutdown(ctx context.Context, srv *http.Server) error {
	s.draining.Store(true)
	if s.deps.Health != nil {
		s.deps.Health.SetDraining(true)
	}
	n := s.sessions.Count()
	slog.Info("server draining", "connections", n)

	s.sessions.CloseAll("server shutting down")
	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server: http shutdown: %w", err))
		}
	}
	if err := s.sessions.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server: %d connections still open: %w", s.sessions.Count(), err))
	}
	return errors.Join(errs...)
}

// turnConfig derives the orchestrator settings from cfg.
func turnConfig(cfg *config.Config) turn.Config {
	p := cfg.Pipeline
	return turn.Config{
		RecognizeTimeout:    p.RecognizeTimeout,
		GenerateTimeout:     p.GenerateTimeout,
		HistoryReadTimeout:  p.HistoryReadTimeout,
		HistoryLimit:        p.HistoryLimit,
		HistoryMaxTokens:    p.HistoryMaxTokens,
		DefaultSystemPrompt: cfg.Session.SystemPrompt,
		Temperature:         p.Temperature,
		MaxTokens:           p.MaxTokens,
	}
}
