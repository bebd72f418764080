package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/MrWong99/voxstream/internal/session"
	"github.com/MrWong99/voxstream/internal/turn"
	"github.com/MrWong99/voxstream/pkg/types"
)

// Outbound message types.
const (
	TypeConnected   = "connected"
	TypeConfig      = "config"
	TypeSTTResult   = "stt_result"
	TypeStreamChunk = "stream_chunk"
	TypeResponse    = "response"
	TypeVADResult   = "vad_result"
	TypeComplete    = "complete"
	TypeDone        = "done"
	TypeError       = "error"
	TypePong        = "pong"
)

// EncodingPCM16 names the synthesized audio encoding announced to clients.
const EncodingPCM16 = "pcm_s16le"

// Message is one outbound JSON object. Only the fields relevant to Type are
// set.
type Message struct {
	Success bool   `json:"success"`
	Type    string `json:"type"`

	SessionID   string       `json:"session_id,omitempty"`
	TurnID      string       `json:"turn_id,omitempty"`
	Config      *ConfigView  `json:"config,omitempty"`
	Staged      bool         `json:"staged,omitempty"`
	AudioFormat *AudioFormat `json:"audio_format,omitempty"`
	Data        any          `json:"data,omitempty"`

	IsSpeech   *bool    `json:"is_speech,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`

	Timestamp json.RawMessage `json:"timestamp,omitempty"`

	Error string    `json:"error,omitempty"`
	Kind  turn.Kind `json:"kind,omitempty"`
	Seq   *int      `json:"seq,omitempty"`
}

// ConfigView is the session configuration as reported to clients.
type ConfigView struct {
	Model        string `json:"model"`
	Stream       bool   `json:"stream"`
	TTS          bool   `json:"tts"`
	Voice        string `json:"voice,omitempty"`
	Language     string `json:"language,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	UserID       string `json:"user_id"`
	BinaryAudio  bool   `json:"binary_audio"`
}

// ViewOf renders a session configuration.
func ViewOf(c session.Config) *ConfigView {
	return &ConfigView{
		Model:        c.Model,
		Stream:       c.Stream,
		TTS:          c.TTS,
		Voice:        c.Voice.ID,
		Language:     c.Language,
		SystemPrompt: c.SystemPrompt,
		UserID:       c.UserID,
		BinaryAudio:  c.BinaryAudio,
	}
}

// AudioFormat describes the synthesized audio a connection receives.
type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// TranscriptData is the payload of stt_result.
type TranscriptData struct {
	Transcription string `json:"transcription"`
}

// ChunkData is the payload of stream_chunk. Text chunks set Text; audio
// chunks sent as JSON set Audio and Seq.
type ChunkData struct {
	Text  string `json:"text,omitempty"`
	Audio string `json:"audio,omitempty"`
	Seq   *int   `json:"seq,omitempty"`
}

// ResponseData is the payload of response.
type ResponseData struct {
	ResponseText string `json:"response_text"`
}

// Connected is the welcome message sent when a connection opens.
func Connected(sessionID string, cfg session.Config, outputRate int) Message {
	return Message{
		Success:   true,
		Type:      TypeConnected,
		SessionID: sessionID,
		Config:    ViewOf(cfg),
		AudioFormat: &AudioFormat{
			Encoding:   EncodingPCM16,
			SampleRate: outputRate,
			Channels:   1,
		},
	}
}

// ConfigAck acknowledges a config message with the effective configuration.
// staged reports that the change waits for the running turn to end.
func ConfigAck(cfg session.Config, staged bool) Message {
	return Message{Success: true, Type: TypeConfig, Config: ViewOf(cfg), Staged: staged}
}

// VADResult reports a vad_check judgment.
func VADResult(r types.ClassifierResult) Message {
	speech, conf := r.IsSpeech, r.Confidence
	return Message{Success: true, Type: TypeVADResult, IsSpeech: &speech, Confidence: &conf}
}

// Pong answers a ping.
func Pong(p Ping) Message {
	return Message{Success: true, Type: TypePong, Timestamp: p.Timestamp}
}

// ErrorMessage reports err with its wire kind.
func ErrorMessage(err error, turnID string) Message {
	msg := Message{
		Success: false,
		Type:    TypeError,
		TurnID:  turnID,
		Error:   errorText(err),
		Kind:    turn.KindOf(err),
	}
	return msg
}

// FromEvent renders a turn event as JSON. Audio is base64-encoded inside a
// stream_chunk; connections with binary audio use [EncodeAudioFrame]
// instead.
func FromEvent(ev turn.Event) Message {
	switch ev.Type {
	case turn.EventTranscript:
		return Message{Success: true, Type: TypeSTTResult, TurnID: ev.TurnID, Data: TranscriptData{Transcription: ev.Text}}
	case turn.EventReplyChunk:
		return Message{Success: true, Type: TypeStreamChunk, TurnID: ev.TurnID, Data: ChunkData{Text: ev.Text}}
	case turn.EventReply:
		return Message{Success: true, Type: TypeResponse, TurnID: ev.TurnID, Data: ResponseData{ResponseText: ev.Text}}
	case turn.EventAudio:
		seq := ev.Seq
		return Message{Success: true, Type: TypeStreamChunk, TurnID: ev.TurnID, Data: ChunkData{
			Audio: base64.StdEncoding.EncodeToString(ev.Audio),
			Seq:   &seq,
		}}
	case turn.EventSynthesisComplete:
		return Message{Success: true, Type: TypeComplete, TurnID: ev.TurnID}
	case turn.EventError:
		msg := ErrorMessage(ev.Err, ev.TurnID)
		if errors.Is(ev.Err, turn.ErrSynthesis) {
			seq := ev.Seq
			msg.Seq = &seq
		}
		return msg
	case turn.EventDone:
		return Message{Success: true, Type: TypeDone, TurnID: ev.TurnID}
	default:
		return ErrorMessage(errors.New("unknown event "+ev.Type.String()), ev.TurnID)
	}
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
