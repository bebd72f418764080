package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/voxstream/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] backed by a [Group].
//
// A stream counts as failed when it cannot be opened or when its first chunk
// is an error chunk; in both cases the next provider is tried. Failures after
// the first chunk reach the caller as an error chunk.
type LLMFallback struct {
	group *Group[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback wraps primary.
func NewLLMFallback(name string, primary llm.Provider, cfg GroupConfig) *LLMFallback {
	cfg.Kind = "llm"
	return &LLMFallback{group: NewGroup(name, primary, cfg)}
}

// AddFallback appends p to the trial order.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) { f.group.Add(name, p) }

// Group exposes the underlying group.
func (f *LLMFallback) Group() *Group[llm.Provider] { return f.group }

// Complete implements [llm.Provider].
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Call(ctx, f.group, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

var errStreamFailed = errors.New("stream failed before the first token")

// StreamCompletion implements [llm.Provider].
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return Call(ctx, f.group, func(ctx context.Context, p llm.Provider) (<-chan llm.Chunk, error) {
		src, err := p.StreamCompletion(ctx, req)
		if err != nil {
			return nil, err
		}
		var first llm.Chunk
		var ok bool
		select {
		case first, ok = <-src:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if ok && first.FinishReason == llm.FinishReasonError && first.Text == "" {
			go drain(src)
			return nil, errStreamFailed
		}

		out := make(chan llm.Chunk)
		go func() {
			defer close(out)
			if !ok {
				return
			}
			if !send(ctx, out, first) {
				go drain(src)
				return
			}
			for c := range src {
				if !send(ctx, out, c) {
					go drain(src)
					return
				}
			}
		}()
		return out, nil
	})
}

func send(ctx context.Context, out chan<- llm.Chunk, c llm.Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// drain discards the rest of an abandoned stream. The provider closes it once
// the request context ends.
func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}
