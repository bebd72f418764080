package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when any session default changed. New
	// connections pick up the new defaults; live ones keep theirs.
	SessionChanged bool
	SessionFields  []string

	// SegmenterChanged is true when a segmentation threshold changed.
	SegmenterChanged bool

	// RestartRequired lists changed sections that are not hot-reloadable.
	RestartRequired []string
}

// IsEmpty reports whether nothing reloadable or restart-worthy changed.
func (d ConfigDiff) IsEmpty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && !d.SegmenterChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.SessionFields = diffSession(old.Session, new.Session)
	d.SessionChanged = len(d.SessionFields) > 0

	d.SegmenterChanged = old.Pipeline.Segmenter != new.Pipeline.Segmenter

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.LogFormat != new.Server.LogFormat {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Memory.PostgresDSN != new.Memory.PostgresDSN {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}
	return d
}

func diffSession(old, new SessionConfig) []string {
	var fields []string
	add := func(changed bool, name string) {
		if changed {
			fields = append(fields, name)
		}
	}
	add(old.DefaultModel != new.DefaultModel, "default_model")
	add(!slices.Equal(old.Models, new.Models), "models")
	add(Bool(old.Stream, true) != Bool(new.Stream, true), "stream")
	add(Bool(old.TTS, true) != Bool(new.TTS, true), "tts")
	add(Bool(old.BinaryAudio, true) != Bool(new.BinaryAudio, true), "binary_audio")
	add(old.Voice != new.Voice, "voice")
	add(!slices.Equal(old.Voices, new.Voices), "voices")
	add(old.Language != new.Language, "language")
	add(old.SystemPrompt != new.SystemPrompt, "system_prompt")
	return fields
}

func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.VAD, b.VAD) && entryEqual(a.STT, b.STT) &&
		entryEqual(a.LLM, b.LLM) && entryEqual(a.TTS, b.TTS)
}

func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) || len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for k, v := range a.Options {
		if w, ok := b.Options[k]; !ok || !scalarEqual(v, w) {
			return false
		}
	}
	for i := range a.Fallbacks {
		if !entryEqual(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	return true
}

// scalarEqual compares YAML option values. Nested maps and lists are
// treated as changed.
func scalarEqual(a, b any) bool {
	switch a.(type) {
	case map[string]any, []any:
		return false
	}
	switch b.(type) {
	case map[string]any, []any:
		return false
	}
	return a == b
}
