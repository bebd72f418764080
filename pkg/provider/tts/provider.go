// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or a local
// Coqui server) and turns one sentence into a complete buffer of 16-bit
// little-endian PCM. Sentence splitting and ordering are the caller's job; the
// synthesis queue calls Synthesize once per sentence.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/voxstream/pkg/types"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the given voice and returns mono 16-bit PCM at
	// the provider's configured output sample rate.
	//
	// Returns an error if the backend fails or ctx is cancelled before synthesis
	// completes. An empty voice.ID selects the provider's default voice where the
	// backend has one; providers that require a voice return an error instead.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error)

	// ListVoices returns all voice profiles available from this provider.
	//
	// Returns an error if the provider cannot be reached or if ctx is cancelled
	// before the list is retrieved.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
