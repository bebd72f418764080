// Package types defines the shared types used across all voxstream packages.
//
// These types form the lingua franca between providers, the pipeline stages,
// the history store, and the transport. Each package defines its own domain
// types; cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// AudioFrame represents a single fixed-size frame of audio flowing through the
// pipeline. Frames are produced by the transport, classified by VAD,
// accumulated by the segmenter, and never persisted.
type AudioFrame struct {
	// PCM audio data (16-bit little-endian samples).
	Data []byte

	// SampleRate in Hz (e.g., 16000 for the classifier and recognizer).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame. Returns zero when the
// format is not set.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// ClassifierResult is the speech/non-speech judgment for exactly one
// [AudioFrame]. It is consumed by the segmenter and discarded.
type ClassifierResult struct {
	// IsSpeech reports whether the frame contains voice activity.
	IsSpeech bool

	// Confidence is the classifier's score in [0.0, 1.0].
	Confidence float64
}

// AudioFormat names the container/encoding of an audio payload handed to a
// recognizer or received from a client.
type AudioFormat string

const (
	// FormatPCM is raw 16-bit little-endian PCM without a header.
	FormatPCM AudioFormat = "pcm"

	// FormatWAV is RIFF/WAVE with a PCM payload.
	FormatWAV AudioFormat = "wav"
)

// IsValid reports whether f is a recognised audio format.
func (f AudioFormat) IsValid() bool {
	return f == FormatPCM || f == FormatWAV
}

// Role identifies the author of a chat [Message] or history [Turn].
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role Role

	// Content is the text content of the message.
	Content string
}

// Turn is one side of a conversational exchange as recorded in the history
// store. A completed turn produces two entries: the user's transcript and the
// assistant's reply. History is keyed by UserID so that a returning user
// resumes the same conversation on a new connection.
type Turn struct {
	// UserID owns the conversation. Connections that do not configure one use
	// "anonymous".
	UserID string

	// SessionID is the connection that produced the turn.
	SessionID string

	// TurnID correlates the user and assistant entries of a single exchange.
	TurnID string

	// Role is RoleUser or RoleAssistant.
	Role Role

	// Content is the transcript (user) or full reply text (assistant).
	Content string

	// Model is the LLM model that produced an assistant entry.
	Model string

	// Timestamp is when the entry was recorded.
	Timestamp time.Time
}

// Message converts the turn into an LLM conversation message.
func (t Turn) Message() Message {
	return Message{Role: t.Role, Content: t.Content}
}

// VoiceProfile describes a TTS voice configuration.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Language is the BCP-47 language hint passed to multilingual voices.
	Language string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes.
	Metadata map[string]string
}
