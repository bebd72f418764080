// Command voxstream is the main entry point for the voxstream voice server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voxstream/internal/app"
	"github.com/MrWong99/voxstream/internal/config"
	"github.com/MrWong99/voxstream/internal/observe"
	"github.com/MrWong99/voxstream/internal/resilience"
	"github.com/MrWong99/voxstream/pkg/provider/llm"
	"github.com/MrWong99/voxstream/pkg/provider/llm/anyllm"
	"github.com/MrWong99/voxstream/pkg/provider/llm/openai"
	"github.com/MrWong99/voxstream/pkg/provider/stt"
	"github.com/MrWong99/voxstream/pkg/provider/stt/whisper"
	"github.com/MrWong99/voxstream/pkg/provider/tts"
	"github.com/MrWong99/voxstream/pkg/provider/tts/coqui"
	"github.com/MrWong99/voxstream/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/voxstream/pkg/provider/vad"
	"github.com/MrWong99/voxstream/pkg/provider/vad/energy"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload session defaults and the log level when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxstream: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxstream: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(cfg.Server.LogFormat, &level))

	slog.Info("voxstream starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	var opts []app.Option
	if config.Bool(cfg.Observe.Metrics, true) {
		tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
			ServiceName:    cfg.Observe.ServiceName,
			ServiceVersion: version,
		})
		if err != nil {
			slog.Error("failed to initialise telemetry", "err", err)
			return 1
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(flushCtx); err != nil {
				slog.Warn("telemetry shutdown error", "err", err)
			}
		}()
		opts = append(opts, app.WithMetricsHandler(tel.Handler()))
	}
	metrics := observe.DefaultMetrics()
	opts = append(opts, app.WithMetrics(metrics))

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Pipeline.OutputSampleRate)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config, diff config.ConfigDiff) {
			if diff.LogLevelChanged {
				level.Set(slogLevel(diff.NewLogLevel))
				slog.Info("log level changed", "level", diff.NewLogLevel)
			}
			if diff.SessionChanged || diff.SegmenterChanged {
				application.Reload(new)
				slog.Info("config reloaded", "session_fields", diff.SessionFields, "segmenter", diff.SegmenterChanged)
			}
		}, config.WithWatcherLogger(slog.Default().With("component", "config")))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			go func() { _ = w.Run(ctx) }()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry, outputRate int) {
	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if fs := optFloat(entry.Options, "full_scale"); fs > 0 {
			opts = append(opts, energy.WithFullScale(fs))
		}
		return energy.New(opts...), nil
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	// openai also covers OpenAI-compatible gateways such as OpenRouter via
	// base_url.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// Every other any-llm-go backend shares one factory: optional APIKey and
	// BaseURL. ollama is a local server and only needs BaseURL.
	for _, backend := range anyllm.Backends() {
		if backend == "openai" {
			continue
		}
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []coqui.Option{coqui.WithOutputSampleRate(outputRate)}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	for kind, names := range reg.Names() {
		slog.Debug("registered providers", "kind", kind, "names", names)
	}
}

// buildProviders instantiates all providers named in cfg using the registry.
// Entries with fallbacks are wrapped in a circuit-breaking failover group.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*app.Providers, error) {
	ps := &app.Providers{}
	gc := resilience.GroupConfig{Metrics: metrics}

	if entry := cfg.Providers.VAD; entry.Name != "" {
		p, err := reg.CreateVAD(entry)
		if err != nil {
			return nil, fmt.Errorf("create vad provider %q: %w", entry.Name, err)
		}
		ps.VAD = p
		slog.Info("provider created", "kind", "vad", "name", entry.Name)
	}

	if entry := cfg.Providers.STT; entry.Name != "" {
		p, err := build(entry, reg.CreateSTT, func(p stt.Provider) (stt.Provider, func(string, stt.Provider)) {
			f := resilience.NewSTTFallback(entry.Name, p, gc)
			return f, f.AddFallback
		})
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
		}
		ps.STT = p
	}

	if entry := cfg.Providers.LLM; entry.Name != "" {
		p, err := build(entry, reg.CreateLLM, func(p llm.Provider) (llm.Provider, func(string, llm.Provider)) {
			f := resilience.NewLLMFallback(entry.Name, p, gc)
			return f, f.AddFallback
		})
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
		}
		ps.LLM = p
	}

	if entry := cfg.Providers.TTS; entry.Name != "" {
		p, err := build(entry, reg.CreateTTS, func(p tts.Provider) (tts.Provider, func(string, tts.Provider)) {
			f := resilience.NewTTSFallback(entry.Name, p, gc)
			return f, f.AddFallback
		})
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", entry.Name, err)
		}
		ps.TTS = p
	}

	return ps, nil
}

// build creates the primary provider for entry and, when fallbacks are
// configured, wraps it with wrap and appends each fallback in order.
func build[T any](
	entry config.ProviderEntry,
	create func(config.ProviderEntry) (T, error),
	wrap func(T) (T, func(string, T)),
) (T, error) {
	primary, err := create(entry)
	if err != nil {
		var zero T
		return zero, err
	}
	slog.Info("provider created", "name", entry.Name, "type", fmt.Sprintf("%T", primary))
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}

	group, add := wrap(primary)
	for _, fb := range entry.Fallbacks {
		p, err := create(fb)
		if err != nil {
			var zero T
			return zero, fmt.Errorf("fallback %q: %w", fb.Name, err)
		}
		add(fb.Name, p)
		slog.Info("fallback provider created", "primary", entry.Name, "name", fb.Name)
	}
	return group, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voxstream startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("VAD", cfg.Providers.VAD.Name, "", 0)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model, len(cfg.Providers.STT.Fallbacks))
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model, len(cfg.Providers.LLM.Fallbacks))
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model, len(cfg.Providers.TTS.Fallbacks))
	history := "buffer"
	if cfg.Memory.PostgresDSN != "" {
		history = "postgres"
	}
	fmt.Printf("║  History         : %-19s ║\n", history)
	fmt.Printf("║  Default model   : %-19s ║\n", truncate(cfg.Session.DefaultModel))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string, fallbacks int) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if fallbacks > 0 {
		value = fmt.Sprintf("%s +%d", value, fallbacks)
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, truncate(value))
}

func truncate(s string) string {
	if len([]rune(s)) > 19 {
		return string([]rune(s)[:18]) + "…"
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(format config.LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a numeric option. YAML decodes whole numbers as int.
func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
