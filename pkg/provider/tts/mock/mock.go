// Package mock provides a test double for the tts.Provider interface.
//
// By default Synthesize returns the UTF-8 bytes of the input text as "audio",
// which lets tests assert delivery order by reading the payloads back.
//
// Example:
//
//	p := &mock.Provider{
//	    FailOn: map[string]error{"Second.": errors.New("boom")},
//	}
//	pcm, _ := p.Synthesize(ctx, "First.", voice)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxstream/pkg/provider/tts"
	"github.com/MrWong99/voxstream/pkg/types"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text  string
	Voice types.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Audio, if non-nil, produces the audio returned for text. Defaults to
	// []byte(text).
	Audio func(text string) []byte

	// FailOn maps sentence text to the error Synthesize returns for it.
	FailOn map[string]error

	// Err, if non-nil, is returned by every Synthesize call not covered by FailOn.
	Err error

	// Gate, if non-nil, makes every Synthesize call wait until a value is
	// received from Gate (or Gate is closed) or ctx is done.
	Gate chan struct{}

	// Started, if non-nil, receives the text of each call as it begins. The
	// send is non-blocking.
	Started chan string

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []types.VoiceProfile

	// ListVoicesErr, if non-nil, is returned by ListVoices.
	ListVoicesErr error

	calls []SynthesizeCall
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)

// Synthesize records the call and returns the configured audio or error.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	p.mu.Lock()
	p.calls = append(p.calls, SynthesizeCall{Text: text, Voice: voice})
	gate, started, audioFn := p.Gate, p.Started, p.Audio
	err, failed := p.FailOn[text]
	if !failed {
		err = p.Err
	}
	p.mu.Unlock()

	if started != nil {
		select {
		case started <- text:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if audioFn != nil {
		return audioFn(text), nil
	}
	return []byte(text), nil
}

// ListVoices returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ListVoicesErr != nil {
		return nil, p.ListVoicesErr
	}
	return append([]types.VoiceProfile(nil), p.ListVoicesResult...), nil
}

// Calls returns a copy of every recorded Synthesize call. Thread-safe.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.calls...)
}

// Texts returns the text of every recorded Synthesize call in order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	for i, c := range p.calls {
		out[i] = c.Text
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}
