// Package segmenter assembles classified audio frames into utterances.
//
// A [Segmenter] consumes one [types.AudioFrame] at a time, classifies it
// through a [Classifier], and tracks whether the speaker is idle or inside an
// utterance. Once enough speech has been heard followed by enough trailing
// silence it reports [EventReady] with the buffered frames. Noise bursts that
// never reach the speech floor are abandoned with [EventDrop].
//
// While a reply turn is in progress (see [WithTurnGate]) frames are still
// classified and buffered, but no utterance is released until the gate opens.
//
// A Segmenter is owned by a single connection goroutine and is not safe for
// concurrent use.
package segmenter

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voxstream/pkg/types"
)

// Classifier judges whether one PCM frame contains speech. Every
// [vad.SessionHandle] satisfies it.
//
// [vad.SessionHandle]: github.com/MrWong99/voxstream/pkg/provider/vad.SessionHandle
type Classifier interface {
	ProcessFrame(frame []byte) (types.ClassifierResult, error)
}

// State is the segmenter's position in the utterance lifecycle.
type State int

const (
	// StateIdle means no speech has been heard since the last boundary.
	StateIdle State = iota

	// StateInUtterance means an utterance is being accumulated.
	StateInUtterance
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInUtterance:
		return "in_utterance"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventKind identifies the outcome of processing one frame.
type EventKind int

const (
	// EventContinue means the frame was absorbed and nothing was released.
	EventContinue EventKind = iota

	// EventReady carries a complete utterance for the turn orchestrator.
	EventReady

	// EventDrop means the accumulated utterance was discarded as noise.
	EventDrop
)

// String returns the lower-case event name used in logs and metrics.
func (k EventKind) String() string {
	switch k {
	case EventContinue:
		return "continue"
	case EventReady:
		return "ready"
	case EventDrop:
		return "drop"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is the result of [Segmenter.Process].
type Event struct {
	Kind EventKind

	// Utterance is set only when Kind is EventReady.
	Utterance Utterance
}

// Utterance is an ordered span of frames bounded by speech onset and a
// qualifying trailing silence.
type Utterance struct {
	// Frames holds the buffered audio. After a buffer overflow only the most
	// recent frames remain.
	Frames []types.AudioFrame

	// SpeechFrames counts every speech frame since onset, evicted or not.
	SpeechFrames int

	// SilenceFrames counts the trailing non-speech frames.
	SilenceFrames int
}

// PCM concatenates the frame payloads.
func (u Utterance) PCM() []byte {
	n := 0
	for _, f := range u.Frames {
		n += len(f.Data)
	}
	out := make([]byte, 0, n)
	for _, f := range u.Frames {
		out = append(out, f.Data...)
	}
	return out
}

// Duration returns the playback length of the buffered frames.
func (u Utterance) Duration() time.Duration {
	var d time.Duration
	for _, f := range u.Frames {
		d += f.Duration()
	}
	return d
}

// Config holds the segmenter thresholds, all expressed in frames.
type Config struct {
	// MinSpeechFrames is the speech floor an utterance must reach.
	MinSpeechFrames int

	// MaxSilenceFrames is the trailing silence that ends an utterance. Three
	// times this value without reaching MinSpeechFrames drops it.
	MaxSilenceFrames int

	// MaxBufferFrames caps the frame buffer. Zero disables the cap. An
	// utterance held by the turn gate is exempt.
	MaxBufferFrames int

	// TrailingFrames is how many of the newest frames survive an overflow.
	TrailingFrames int
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.MinSpeechFrames < 1 {
		errs = append(errs, fmt.Errorf("min speech frames must be at least 1, got %d", c.MinSpeechFrames))
	}
	if c.MaxSilenceFrames < 1 {
		errs = append(errs, fmt.Errorf("max silence frames must be at least 1, got %d", c.MaxSilenceFrames))
	}
	if c.MaxBufferFrames < 0 {
		errs = append(errs, fmt.Errorf("max buffer frames must not be negative, got %d", c.MaxBufferFrames))
	}
	if c.MaxBufferFrames > 0 && (c.TrailingFrames < 1 || c.TrailingFrames >= c.MaxBufferFrames) {
		errs = append(errs, fmt.Errorf("trailing frames must be in [1, %d), got %d", c.MaxBufferFrames, c.TrailingFrames))
	}
	return errors.Join(errs...)
}

// Frames converts a duration into a whole number of frames of length frame,
// rounding up so a non-zero duration is never zero frames.
func Frames(d, frame time.Duration) int {
	if d <= 0 || frame <= 0 {
		return 0
	}
	return int((d + frame - 1) / frame)
}

// Option is a functional option for [New].
type Option func(*Segmenter)

// WithTurnGate installs a function reporting whether a reply turn is in
// progress. While it returns true, [EventReady] is withheld.
func WithTurnGate(inProgress func() bool) Option {
	return func(s *Segmenter) { s.turnInProgress = inProgress }
}

// WithClassifierErrorHandler installs a callback invoked for every classifier
// error. The frame is treated as silence regardless.
func WithClassifierErrorHandler(fn func(error)) Option {
	return func(s *Segmenter) { s.onClassifierErr = fn }
}

// Segmenter is the per-connection utterance state machine.
type Segmenter struct {
	cfg             Config
	classifier      Classifier
	turnInProgress  func() bool
	onClassifierErr func(error)

	state   State
	frames  []types.AudioFrame
	speech  int
	silence int

	// held is set while a complete utterance waits for the turn gate.
	// Held frames are never evicted.
	held bool
}

// New creates a segmenter classifying frames with c.
func New(c Classifier, cfg Config, opts ...Option) (*Segmenter, error) {
	if c == nil {
		return nil, errors.New("segmenter: classifier must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("segmenter: %w", err)
	}
	s := &Segmenter{
		cfg:            cfg,
		classifier:     c,
		turnInProgress: func() bool { return false },
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// State returns the current lifecycle state.
func (s *Segmenter) State() State { return s.state }

// Process classifies frame and advances the state machine.
func (s *Segmenter) Process(frame types.AudioFrame) Event {
	speech := s.classify(frame)

	if s.state == StateIdle {
		if !speech {
			return Event{Kind: EventContinue}
		}
		s.state = StateInUtterance
		s.frames = append(s.frames[:0], frame)
		s.speech = 1
		s.silence = 0
	} else {
		switch {
		case speech:
			s.frames = append(s.frames, frame)
			s.speech++
			s.silence = 0
		case s.held && s.silence >= s.cfg.MaxSilenceFrames:
			// The boundary is already buffered; more silence adds nothing.
		default:
			s.frames = append(s.frames, frame)
			s.silence++
		}
		if !s.held {
			s.evict()
		}
	}

	if s.silence >= s.cfg.MaxSilenceFrames && s.speech >= s.cfg.MinSpeechFrames {
		if s.turnInProgress() {
			s.held = true
			return Event{Kind: EventContinue}
		}
		u := s.take()
		return Event{Kind: EventReady, Utterance: u}
	}

	if s.silence >= 3*s.cfg.MaxSilenceFrames && s.speech < s.cfg.MinSpeechFrames {
		s.Reset()
		return Event{Kind: EventDrop}
	}

	return Event{Kind: EventContinue}
}

// Flush releases the buffered utterance when it has reached the speech floor,
// regardless of trailing silence. Used when the connection closes or when a
// batch of audio ends. The segmenter is idle afterwards either way.
func (s *Segmenter) Flush() (Utterance, bool) {
	if s.state != StateInUtterance || s.speech < s.cfg.MinSpeechFrames {
		s.Reset()
		return Utterance{}, false
	}
	return s.take(), true
}

// Release returns the utterance held back by the turn gate once the gate
// has opened. It reports false when nothing is held or a turn is still in
// progress.
func (s *Segmenter) Release() (Utterance, bool) {
	if !s.held || s.turnInProgress() {
		return Utterance{}, false
	}
	return s.take(), true
}

// Held reports whether a complete utterance is waiting for the turn gate.
func (s *Segmenter) Held() bool { return s.held }

// Reset discards all buffered audio and returns to idle.
func (s *Segmenter) Reset() {
	s.state = StateIdle
	s.frames = nil
	s.speech = 0
	s.silence = 0
	s.held = false
}

func (s *Segmenter) classify(frame types.AudioFrame) bool {
	res, err := s.classifier.ProcessFrame(frame.Data)
	if err != nil {
		if s.onClassifierErr != nil {
			s.onClassifierErr(err)
		}
		return false
	}
	return res.IsSpeech
}

// evict drops the oldest frames once the buffer exceeds its cap. The
// survivors are copied so the evicted frames can be collected.
func (s *Segmenter) evict() {
	if s.cfg.MaxBufferFrames == 0 || len(s.frames) <= s.cfg.MaxBufferFrames {
		return
	}
	keep := make([]types.AudioFrame, s.cfg.TrailingFrames, s.cfg.MaxBufferFrames+1)
	copy(keep, s.frames[len(s.frames)-s.cfg.TrailingFrames:])
	s.frames = keep
}

func (s *Segmenter) take() Utterance {
	u := Utterance{Frames: s.frames, SpeechFrames: s.speech, SilenceFrames: s.silence}
	s.Reset()
	return u
}
