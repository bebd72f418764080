package turn

import (
	"context"
	"errors"
	"fmt"
)

// Stage failures. Every error surfaced in an [EventError] wraps exactly one of
// these; [KindOf] maps them to the wire kind.
var (
	// ErrRecognition means the utterance could not be transcribed, or the
	// transcript was empty.
	ErrRecognition = errors.New("recognition failed")

	// ErrGeneration means the reply stream failed or timed out.
	ErrGeneration = errors.New("generation failed")

	// ErrSynthesis means one sentence could not be synthesized.
	ErrSynthesis = errors.New("synthesis failed")

	// ErrProtocol means the client sent something the server cannot act on.
	ErrProtocol = errors.New("protocol error")

	// ErrCancelled means the turn was interrupted. It is never sent to the
	// client.
	ErrCancelled = errors.New("turn cancelled")
)

// ErrTurnInProgress is returned when a turn is requested while another one is
// still running.
var ErrTurnInProgress = fmt.Errorf("%w: a turn is already in progress", ErrProtocol)

// Kind is the machine-readable error class sent to clients.
type Kind string

const (
	KindRecognition Kind = "recognition"
	KindGeneration  Kind = "generation"
	KindSynthesis   Kind = "synthesis"
	KindProtocol    Kind = "protocol"
	KindCancelled   Kind = "cancelled"
	KindInternal    Kind = "internal"
)

// KindOf classifies err. Errors outside the taxonomy are [KindInternal].
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRecognition):
		return KindRecognition
	case errors.Is(err, ErrGeneration):
		return KindGeneration
	case errors.Is(err, ErrSynthesis):
		return KindSynthesis
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindInternal
	}
}

// stageError wraps cause under the stage sentinel so that both match with
// errors.Is.
func stageError(stage error, cause error) error {
	if cause == nil {
		return stage
	}
	return fmt.Errorf("%w: %w", stage, cause)
}
