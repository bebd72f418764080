package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultModel            = "deepseek/deepseek-v3-0324"
	DefaultSampleRate       = 16000
	DefaultFrameSamples     = 512
	DefaultMinSpeechFrames  = 2
	DefaultMaxSilenceFrames = 8
	DefaultMaxBufferSeconds = 10
	DefaultTrailingSeconds  = 1
	DefaultSpeechThreshold  = 0.5
	DefaultSilenceThreshold = 0.35
	DefaultQueueDepth       = 16
	DefaultHistoryLimit     = 20
	DefaultOutputSampleRate = 24000
	DefaultBufferSize       = 200
	DefaultReadLimitBytes   = 8 << 20
	DefaultShutdownTimeout  = 15 * time.Second
	DefaultServiceName      = "voxstream"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"whisper"},
	"tts": {"elevenlabs", "coqui"},
	"vad": {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. Unknown keys are rejected. An
// empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from VOXSTREAM_* environment variables. Provider API
// keys are read from VOXSTREAM_<KIND>_API_KEY.
func ApplyEnv(cfg *Config) {
	overrideString(&cfg.Server.ListenAddr, "VOXSTREAM_LISTEN_ADDR")
	if v, ok := lookup("VOXSTREAM_LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v, ok := lookup("VOXSTREAM_LOG_FORMAT"); ok {
		cfg.Server.LogFormat = LogFormat(strings.ToLower(v))
	}
	overrideString(&cfg.Memory.PostgresDSN, "VOXSTREAM_POSTGRES_DSN")
	overrideString(&cfg.Session.DefaultModel, "VOXSTREAM_DEFAULT_MODEL")
	overrideFloat(&cfg.Server.MaxMessagesPerSecond, "VOXSTREAM_MAX_MESSAGES_PER_SECOND")
	overrideInt(&cfg.Pipeline.HistoryLimit, "VOXSTREAM_HISTORY_LIMIT")

	overrideString(&cfg.Providers.STT.APIKey, "VOXSTREAM_STT_API_KEY")
	overrideString(&cfg.Providers.LLM.APIKey, "VOXSTREAM_LLM_API_KEY")
	overrideString(&cfg.Providers.TTS.APIKey, "VOXSTREAM_TTS_API_KEY")
}

// ApplyDefaults fills zero values with their defaults.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.LogFormat == "" {
		s.LogFormat = LogFormatText
	}
	if s.ReadLimitBytes == 0 {
		s.ReadLimitBytes = DefaultReadLimitBytes
	}
	if s.MaxMessagesPerSecond > 0 && s.MessageBurst <= 0 {
		s.MessageBurst = max(1, int(s.MaxMessagesPerSecond))
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = "energy"
	}

	p := &cfg.Pipeline
	seg := &p.Segmenter
	if seg.SampleRate == 0 {
		seg.SampleRate = DefaultSampleRate
	}
	if seg.FrameSamples == 0 {
		seg.FrameSamples = DefaultFrameSamples
	}
	if seg.MinSpeechFrames == 0 {
		seg.MinSpeechFrames = DefaultMinSpeechFrames
	}
	if seg.MaxSilenceFrames == 0 {
		seg.MaxSilenceFrames = DefaultMaxSilenceFrames
	}
	if seg.MaxBufferSeconds == 0 {
		seg.MaxBufferSeconds = DefaultMaxBufferSeconds
	}
	if seg.TrailingWindowSeconds == 0 {
		seg.TrailingWindowSeconds = DefaultTrailingSeconds
	}
	if seg.SpeechThreshold == 0 {
		seg.SpeechThreshold = DefaultSpeechThreshold
	}
	if seg.SilenceThreshold == 0 {
		seg.SilenceThreshold = min(DefaultSilenceThreshold, seg.SpeechThreshold)
	}
	if p.QueueDepth == 0 {
		p.QueueDepth = DefaultQueueDepth
	}
	if p.HistoryLimit == 0 {
		p.HistoryLimit = DefaultHistoryLimit
	}
	if p.OutputSampleRate == 0 {
		p.OutputSampleRate = DefaultOutputSampleRate
	}

	if cfg.Session.DefaultModel == "" {
		cfg.Session.DefaultModel = cfg.Providers.LLM.Model
	}
	if cfg.Session.DefaultModel == "" {
		cfg.Session.DefaultModel = DefaultModel
	}

	if cfg.Memory.BufferSize == 0 {
		cfg.Memory.BufferSize = DefaultBufferSize
	}
	if cfg.Observe.ServiceName == "" {
		cfg.Observe.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.MaxMessagesPerSecond < 0 {
		errs = append(errs, fmt.Errorf("server.max_messages_per_second %.2f must not be negative", cfg.Server.MaxMessagesPerSecond))
	}
	if cfg.Server.ReadLimitBytes < 0 {
		errs = append(errs, fmt.Errorf("server.read_limit_bytes %d must not be negative", cfg.Server.ReadLimitBytes))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	for kind, entry := range map[string]ProviderEntry{
		"vad": cfg.Providers.VAD,
		"stt": cfg.Providers.STT,
		"llm": cfg.Providers.LLM,
		"tts": cfg.Providers.TTS,
	} {
		validateProviderName(kind, entry.Name)
		for i, fb := range entry.Fallbacks {
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", kind, i))
				continue
			}
			validateProviderName(kind, fb.Name)
		}
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; turns will fail until one is set")
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("providers.stt is not configured; only text turns are available")
	}

	// Pipeline
	seg := cfg.Pipeline.Segmenter
	if seg.MinSpeechFrames < 0 {
		errs = append(errs, fmt.Errorf("pipeline.segmenter.min_speech_frames %d must not be negative", seg.MinSpeechFrames))
	}
	if seg.MaxSilenceFrames < 0 {
		errs = append(errs, fmt.Errorf("pipeline.segmenter.max_silence_frames %d must not be negative", seg.MaxSilenceFrames))
	}
	if seg.FrameSamples < 0 || seg.SampleRate < 0 {
		errs = append(errs, errors.New("pipeline.segmenter.frame_samples and sample_rate must not be negative"))
	}
	if seg.TrailingWindowSeconds >= seg.MaxBufferSeconds && seg.MaxBufferSeconds > 0 {
		errs = append(errs, fmt.Errorf("pipeline.segmenter.trailing_window_seconds %.2f must be less than max_buffer_seconds %.2f", seg.TrailingWindowSeconds, seg.MaxBufferSeconds))
	}
	if seg.SpeechThreshold < 0 || seg.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.segmenter.speech_threshold %.2f is out of range [0, 1]", seg.SpeechThreshold))
	}
	if seg.SilenceThreshold < 0 || seg.SilenceThreshold > seg.SpeechThreshold {
		errs = append(errs, fmt.Errorf("pipeline.segmenter.silence_threshold %.2f must be in [0, speech_threshold]", seg.SilenceThreshold))
	}
	p := cfg.Pipeline
	if p.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("pipeline.queue_depth %d must not be negative", p.QueueDepth))
	}
	if p.HistoryLimit < 0 || p.HistoryMaxTokens < 0 {
		errs = append(errs, errors.New("pipeline.history_limit and history_max_tokens must not be negative"))
	}
	if p.RecognizeTimeout < 0 || p.GenerateTimeout < 0 || p.SynthesizeTimeout < 0 || p.HistoryReadTimeout < 0 {
		errs = append(errs, errors.New("pipeline timeouts must not be negative"))
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		errs = append(errs, fmt.Errorf("pipeline.temperature %.2f is out of range [0, 2]", p.Temperature))
	}

	// Session
	s := cfg.Session
	if len(s.Models) > 0 && s.DefaultModel != "" && !slices.Contains(s.Models, s.DefaultModel) {
		errs = append(errs, fmt.Errorf("session.default_model %q is not listed in session.models", s.DefaultModel))
	}
	if len(s.Voices) > 0 && s.Voice.VoiceID != "" && !slices.Contains(s.Voices, s.Voice.VoiceID) {
		errs = append(errs, fmt.Errorf("session.voice.voice_id %q is not listed in session.voices", s.Voice.VoiceID))
	}
	if s.Voice.SpeedFactor != 0 && (s.Voice.SpeedFactor < 0.5 || s.Voice.SpeedFactor > 2.0) {
		errs = append(errs, fmt.Errorf("session.voice.speed_factor %.2f is out of range [0.5, 2.0]", s.Voice.SpeedFactor))
	}
	if s.Voice.Provider != "" && cfg.Providers.TTS.Name != "" && s.Voice.Provider != cfg.Providers.TTS.Name {
		slog.Warn("session voice provider does not match configured TTS provider",
			"voice_provider", s.Voice.Provider,
			"tts_provider", cfg.Providers.TTS.Name,
		)
	}

	// Memory
	if cfg.Memory.BufferSize < 0 || cfg.Memory.MaxAge < 0 {
		errs = append(errs, errors.New("memory.buffer_size and max_age must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func overrideString(target *string, key string) {
	if v, ok := lookup(key); ok {
		*target = v
	}
}

func overrideInt(target *int, key string) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func overrideFloat(target *float64, key string) {
	if v, ok := lookup(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}
