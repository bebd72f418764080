// Package app wires the voxstream subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the history store, the
// summariser, the health checks and the HTTP server, Run serves until the
// context ends, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithHistoryStore,
// WithMetrics, and so on). When an option is not provided, New creates the
// real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MrWong99/voxstream/internal/config"
	"github.com/MrWong99/voxstream/internal/health"
	"github.com/MrWong99/voxstream/internal/observe"
	"github.com/MrWong99/voxstream/internal/server"
	"github.com/MrWong99/voxstream/pkg/memory"
	"github.com/MrWong99/voxstream/pkg/memory/postgres"
	"github.com/MrWong99/voxstream/pkg/provider/llm"
	"github.com/MrWong99/voxstream/pkg/provider/stt"
	"github.com/MrWong99/voxstream/pkg/provider/tts"
	"github.com/MrWong99/voxstream/pkg/provider/vad"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	VAD vad.Engine
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	history        memory.HistoryStore
	guard          *memory.Guard
	summariser     memory.Summariser
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	server         *server.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryStore injects a history store instead of creating one from config.
func WithHistoryStore(s memory.HistoryStore) Option {
	return func(a *App) { a.history = s }
}

// WithSummariser injects the summariser behind the history summary endpoint.
func WithSummariser(s memory.Summariser) Option {
	return func(a *App) { a.summariser = s }
}

// WithMetrics injects the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. History store ─────────────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 2. Summariser ────────────────────────────────────────────────────
	if a.summariser == nil && providers.LLM != nil {
		model := cfg.Memory.SummaryModel
		if model == "" {
			model = cfg.Session.DefaultModel
		}
		a.summariser = memory.NewLLMSummariser(providers.LLM, model)
	}

	// ── 3. Health checks ─────────────────────────────────────────────────
	a.health = health.New(a.checkers()...)

	// ── 4. Server ────────────────────────────────────────────────────────
	srv, err := server.New(cfg, server.Deps{
		VAD:            providers.VAD,
		STT:            providers.STT,
		LLM:            providers.LLM,
		TTS:            providers.TTS,
		History:        a.guard,
		Summariser:     a.summariser,
		Health:         a.health,
		MetricsHandler: a.metricsHandler,
		Metrics:        a.metrics,
	})
	if err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.server = srv

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initMemory opens the PostgreSQL store when a DSN is configured and falls
// back to the in-process buffer otherwise. Either way the store is wrapped in
// a [memory.Guard] so history failures never fail a turn.
func (a *App) initMemory(ctx context.Context) error {
	if a.history == nil {
		if dsn := a.cfg.Memory.PostgresDSN; dsn != "" {
			store, err := postgres.NewStore(ctx, dsn)
			if err != nil {
				return err
			}
			a.history = store
			a.closers = append(a.closers, func() error {
				store.Close()
				return nil
			})
			slog.Info("history store ready", "backend", "postgres")
		} else {
			a.history = memory.NewBuffer(a.cfg.Memory.BufferSize, a.cfg.Memory.MaxAge)
			slog.Info("history store ready", "backend", "buffer", "size", a.cfg.Memory.BufferSize)
		}
	}
	a.guard = memory.NewGuard(a.history)
	return nil
}

// checkers returns the readiness checks for the configured subsystems.
func (a *App) checkers() []health.Checker {
	return []health.Checker{
		{Name: "history", Check: a.guard.Ping},
		{Name: "providers", Check: a.checkProviders},
	}
}

// checkProviders fails when a required provider slot is empty.
func (a *App) checkProviders(context.Context) error {
	var missing []error
	if a.providers.VAD == nil {
		missing = append(missing, errors.New("vad not configured"))
	}
	if a.providers.LLM == nil {
		missing = append(missing, errors.New("llm not configured"))
	}
	return errors.Join(missing...)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and WebSocket traffic until ctx is cancelled, then drains
// live connections within server.shutdown_timeout.
func (a *App) Run(ctx context.Context) error {
	slog.Info("app running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"stt", a.providers.STT != nil,
		"tts", a.providers.TTS != nil,
	)
	if rep := a.health.Check(ctx); !rep.OK() {
		slog.Warn("not ready at startup", "status", rep.Status, "checks", rep.Checks)
	}
	return a.server.ListenAndServe(ctx)
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Server returns the HTTP server.
func (a *App) Server() *server.Server { return a.server }

// Reload applies a new configuration to connections opened from now on.
func (a *App) Reload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.cfg = cfg
	a.server.Reload(cfg)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// runClosers releases what New acquired before failing.
func (a *App) runClosers() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
