package turn

import (
	"context"
	"fmt"

	"github.com/MrWong99/voxstream/internal/session"
	"github.com/MrWong99/voxstream/internal/synthq"
)

// EventType discriminates [Event] values.
type EventType int

const (
	// EventTranscript carries the recognized user text.
	EventTranscript EventType = iota + 1

	// EventReplyChunk carries one streamed fragment of the reply.
	EventReplyChunk

	// EventReply carries the full reply when streaming is disabled.
	EventReply

	// EventAudio carries the synthesized audio of one sentence.
	EventAudio

	// EventSynthesisComplete follows the last audio of a turn.
	EventSynthesisComplete

	// EventError reports a stage failure. The turn may continue (synthesis)
	// or end (recognition, generation).
	EventError

	// EventDone is the last event of every turn.
	EventDone
)

// String returns the lower-case event name.
func (t EventType) String() string {
	switch t {
	case EventTranscript:
		return "transcript"
	case EventReplyChunk:
		return "reply_chunk"
	case EventReply:
		return "reply"
	case EventAudio:
		return "audio"
	case EventSynthesisComplete:
		return "synthesis_complete"
	case EventError:
		return "error"
	case EventDone:
		return "done"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is one ordered output of a turn.
type Event struct {
	Type   EventType
	TurnID string

	// Text is set for transcript, reply chunk and reply events.
	Text string

	// Audio and Seq are set for audio events. Seq is also set on synthesis
	// errors.
	Audio []byte
	Seq   int

	// Err is set for error events.
	Err error
}

// Sink receives turn events. Emit may be called from the orchestrator and the
// synthesis worker concurrently and must not block indefinitely.
type Sink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ev Event)

// Emit calls f(ev).
func (f SinkFunc) Emit(ev Event) { f(ev) }

// SynthesisSink adapts s into the result callback of a [synthq.Queue], turning
// audio into [EventAudio] and failures into [EventError] wrapping
// [ErrSynthesis]. Results of a turn other than sess's live turn are dropped.
func SynthesisSink(s Sink, sess *session.State) synthq.Sink {
	return func(_ context.Context, r synthq.Result) {
		if r.Job.TurnID != sess.TurnID() {
			return
		}
		if r.Err != nil {
			s.Emit(Event{Type: EventError, TurnID: r.Job.TurnID, Seq: r.Job.Seq, Err: stageError(ErrSynthesis, r.Err)})
			return
		}
		s.Emit(Event{Type: EventAudio, TurnID: r.Job.TurnID, Seq: r.Job.Seq, Audio: r.Audio})
	}
}
