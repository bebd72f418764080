package resilience

import (
	"context"

	"github.com/MrWong99/voxstream/pkg/provider/tts"
	"github.com/MrWong99/voxstream/pkg/types"
)

// TTSFallback is a [tts.Provider] backed by a [Group]. Voice ids are
// provider-specific, so a fallback synthesizes with the same voice profile
// and may reject it or substitute its default.
type TTSFallback struct {
	group *Group[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback wraps primary.
func NewTTSFallback(name string, primary tts.Provider, cfg GroupConfig) *TTSFallback {
	cfg.Kind = "tts"
	return &TTSFallback{group: NewGroup(name, primary, cfg)}
}

// AddFallback appends p to the trial order.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) { f.group.Add(name, p) }

// Group exposes the underlying group.
func (f *TTSFallback) Group() *Group[tts.Provider] { return f.group }

// Synthesize implements [tts.Provider].
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	return Call(ctx, f.group, func(ctx context.Context, p tts.Provider) ([]byte, error) {
		return p.Synthesize(ctx, text, voice)
	})
}

// ListVoices returns the voices of the first member that answers.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return Call(ctx, f.group, func(ctx context.Context, p tts.Provider) ([]types.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}
