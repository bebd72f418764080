// Package protocol defines the JSON messages exchanged over the duplex
// WebSocket and the SSE chat endpoint.
//
// Inbound messages share one envelope, {"action": ..., "data": {...}}, and
// are decoded by [Decode] into one of the typed messages in this file.
// Outbound messages are flat JSON objects carrying "success" and "type"; they
// are built by the constructors in outbound.go. Synthesized audio may
// instead travel as binary frames with the header described in binary.go.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/voxstream/internal/session"
	"github.com/MrWong99/voxstream/internal/turn"
	"github.com/MrWong99/voxstream/pkg/audio"
	"github.com/MrWong99/voxstream/pkg/types"
)

// Action names an inbound message.
type Action string

const (
	ActionConfig    Action = "config"
	ActionAudio     Action = "audio"
	ActionVADCheck  Action = "vad_check"
	ActionText      Action = "text"
	ActionInterrupt Action = "interrupt"
	ActionPing      Action = "ping"
)

// DefaultSampleRate is assumed for audio payloads that do not state one.
const DefaultSampleRate = 16000

// Envelope is the outer shape of every inbound JSON message.
type Envelope struct {
	Action Action          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Config updates the session configuration. Absent fields are unchanged.
type Config struct {
	Model        *string `json:"model,omitempty"`
	Stream       *bool   `json:"stream,omitempty"`
	TTS          *bool   `json:"tts,omitempty"`
	Voice        *string `json:"voice,omitempty"`
	Language     *string `json:"language,omitempty"`
	SystemPrompt *string `json:"system_prompt,omitempty"`
	UserID       *string `json:"user_id,omitempty"`
	BinaryAudio  *bool   `json:"binary_audio,omitempty"`
}

// Patch converts the message into a session patch.
func (c Config) Patch() session.ConfigPatch {
	return session.ConfigPatch{
		Model:        c.Model,
		Stream:       c.Stream,
		TTS:          c.TTS,
		Voice:        c.Voice,
		Language:     c.Language,
		SystemPrompt: c.SystemPrompt,
		UserID:       c.UserID,
		BinaryAudio:  c.BinaryAudio,
	}
}

// Audio is a complete recorded utterance.
type Audio struct {
	AudioData  string            `json:"audio_data"`
	Format     types.AudioFormat `json:"format,omitempty"`
	SampleRate int               `json:"sample_rate,omitempty"`
	Channels   int               `json:"channels,omitempty"`
}

// PCM decodes the payload into raw PCM and its format. WAV payloads carry
// their own format; PCM payloads use SampleRate and Channels, defaulting to
// 16 kHz mono.
func (a Audio) PCM() ([]byte, audio.Format, error) {
	raw, err := base64.StdEncoding.DecodeString(a.AudioData)
	if err != nil {
		return nil, audio.Format{}, protocolError("audio_data is not valid base64")
	}
	if len(raw) == 0 {
		return nil, audio.Format{}, protocolError("audio_data is empty")
	}

	format := a.Format
	if format == "" {
		format = sniffFormat(raw)
	}
	switch format {
	case types.FormatWAV:
		pcm, f, err := audio.DecodeWAV(raw)
		if err != nil {
			return nil, audio.Format{}, fmt.Errorf("%w: %w", turn.ErrProtocol, err)
		}
		return pcm, f, nil
	case types.FormatPCM:
		f := audio.Format{SampleRate: a.SampleRate, Channels: a.Channels}
		if f.SampleRate <= 0 {
			f.SampleRate = DefaultSampleRate
		}
		if f.Channels <= 0 {
			f.Channels = 1
		}
		if len(raw)%(2*f.Channels) != 0 {
			return nil, audio.Format{}, protocolError("pcm payload is not whole 16-bit frames")
		}
		return raw, f, nil
	default:
		return nil, audio.Format{}, protocolError(fmt.Sprintf("unsupported audio format %q", format))
	}
}

// VADCheck asks for a single speech/non-speech judgment.
type VADCheck struct {
	AudioData  string `json:"audio_data"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// PCM decodes the payload as 16-bit mono PCM.
func (v VADCheck) PCM() ([]byte, audio.Format, error) {
	return Audio{AudioData: v.AudioData, Format: types.FormatPCM, SampleRate: v.SampleRate}.PCM()
}

// Text is a typed user message.
type Text struct {
	Message string `json:"message"`
}

// Interrupt cancels the running turn.
type Interrupt struct{}

// Ping is echoed back as a pong carrying the same timestamp.
type Ping struct {
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// Decode parses one inbound JSON message and returns a [Config], [Audio],
// [VADCheck], [Text], [Interrupt] or [Ping]. Every error wraps
// [turn.ErrProtocol].
func Decode(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, protocolError("invalid json message")
	}
	action := Action(strings.TrimSpace(string(env.Action)))
	if action == "" {
		return nil, protocolError("missing action")
	}

	switch action {
	case ActionConfig:
		var msg Config
		if err := decodeData(env.Data, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case ActionAudio:
		var msg Audio
		if err := decodeData(env.Data, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.AudioData) == "" {
			return nil, protocolError("audio.audio_data is required")
		}
		if msg.Format != "" && !msg.Format.IsValid() {
			return nil, protocolError(fmt.Sprintf("unsupported audio format %q", msg.Format))
		}
		return msg, nil
	case ActionVADCheck:
		var msg VADCheck
		if err := decodeData(env.Data, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.AudioData) == "" {
			return nil, protocolError("vad_check.audio_data is required")
		}
		return msg, nil
	case ActionText:
		var msg Text
		if err := decodeData(env.Data, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Message) == "" {
			return nil, protocolError("text.message is required")
		}
		return msg, nil
	case ActionInterrupt:
		return Interrupt{}, nil
	case ActionPing:
		var msg Ping
		if err := decodeData(env.Data, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, protocolError(fmt.Sprintf("unknown action %q", action))
	}
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return protocolError(fmt.Sprintf("invalid field %q", typeErr.Field))
		}
		return protocolError("invalid data object")
	}
	return nil
}

func protocolError(msg string) error {
	return fmt.Errorf("%w: %s", turn.ErrProtocol, msg)
}

// sniffFormat recognises a RIFF header; anything else is treated as PCM.
func sniffFormat(raw []byte) types.AudioFormat {
	if len(raw) >= 12 && string(raw[:4]) == "RIFF" && string(raw[8:12]) == "WAVE" {
		return types.FormatWAV
	}
	return types.FormatPCM
}
