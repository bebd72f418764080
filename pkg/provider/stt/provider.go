// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a batch transcription service (e.g., a local
// whisper.cpp server) and exposes a single call that turns one complete
// utterance into text. Utterance boundaries are decided upstream by the
// segmenter, so providers never see partial speech.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"

	"github.com/MrWong99/voxstream/pkg/types"
)

// Request describes one utterance to transcribe.
type Request struct {
	// Audio is the utterance payload, encoded as Format.
	Audio []byte

	// Format is the container of Audio. Providers that require WAV wrap raw
	// PCM themselves.
	Format types.AudioFormat

	// SampleRate is the PCM sample rate in Hz. Ignored for WAV, whose header
	// carries the rate.
	SampleRate int

	// Channels is the PCM channel count. Ignored for WAV.
	Channels int

	// Language is the BCP-47 language hint (e.g., "en", "zh"). An empty string
	// lets the provider auto-detect or fall back to its default.
	Language string
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe returns the recognized text for req. An utterance that
	// contains no recognizable speech yields an empty string and a nil error;
	// callers decide how to treat empty results.
	//
	// Returns an error if the backend is unreachable, rejects the audio, or ctx
	// is cancelled before a result is available.
	Transcribe(ctx context.Context, req Request) (string, error)
}
