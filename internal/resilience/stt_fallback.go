package resilience

import (
	"context"

	"github.com/MrWong99/voxstream/pkg/provider/stt"
)

// STTFallback is an [stt.Provider] backed by a [Group].
type STTFallback struct {
	group *Group[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback wraps primary.
func NewSTTFallback(name string, primary stt.Provider, cfg GroupConfig) *STTFallback {
	cfg.Kind = "stt"
	return &STTFallback{group: NewGroup(name, primary, cfg)}
}

// AddFallback appends p to the trial order.
func (f *STTFallback) AddFallback(name string, p stt.Provider) { f.group.Add(name, p) }

// Group exposes the underlying group.
func (f *STTFallback) Group() *Group[stt.Provider] { return f.group }

// Transcribe implements [stt.Provider].
func (f *STTFallback) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	return Call(ctx, f.group, func(ctx context.Context, p stt.Provider) (string, error) {
		return p.Transcribe(ctx, req)
	})
}
