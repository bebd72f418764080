// Package vad defines the Engine interface for the frame classifier that gates
// the utterance segmenter.
//
// A VAD engine wraps a frame-level speech detector (an RMS energy gate, a
// neural model, or a remote service) and surfaces it as a stateful, per-stream
// session. Each session keeps its own internal state (hangover counters,
// smoothing history) so that concurrent connections are classified
// independently.
//
// VAD is synchronous: ProcessFrame returns immediately with a
// [types.ClassifierResult] and runs on the per-frame path of the segmenter.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle is owned by one connection and is not shared.
package vad

import "github.com/MrWong99/voxstream/pkg/types"

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame. Common values: 8000, 16000, 48000.
	SampleRate int

	// FrameSamples is the number of samples per frame. The segmenter slices
	// incoming audio into frames of exactly this size.
	FrameSamples int

	// SpeechThreshold is the score above which a frame is classified as
	// speech. Range: [0.0, 1.0].
	SpeechThreshold float64

	// SilenceThreshold is the score below which an ongoing speech run is
	// considered ended. Must be ≤ SpeechThreshold. Zero means "same as
	// SpeechThreshold" (no hysteresis).
	SilenceThreshold float64
}

// SessionHandle represents an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame classifies a single frame of raw little-endian 16-bit PCM.
	// Returns an error if the frame is malformed or the engine fails; callers
	// in the pipeline treat an error as silence.
	ProcessFrame(frame []byte) (types.ClassifierResult, error)

	// Reset clears all accumulated detection state without closing the
	// session.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple connections may
// call NewSession simultaneously.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
