// Package session holds the per-connection conversation state.
//
// A [State] records the client's configuration (model, streaming, synthesis,
// voice, language, system prompt, user) and the turn-in-progress flag that
// keeps a second utterance from starting while a reply is still being
// produced. Configuration arrives as a [ConfigPatch]; a patch received while
// a turn runs is validated immediately but staged until the turn ends, so a
// turn always sees one consistent configuration.
//
// All methods are safe for concurrent use.
package session

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/MrWong99/voxstream/pkg/types"
)

// DefaultUserID owns the history of connections that never set a user.
const DefaultUserID = "anonymous"

// maxFieldLen bounds free-form identifiers supplied by clients.
const maxFieldLen = 128

// maxSystemPromptLen bounds the client-supplied system prompt.
const maxSystemPromptLen = 16 << 10

// ErrInvalidConfig is returned by [State.Apply] for a rejected patch.
var ErrInvalidConfig = errors.New("session: invalid config")

// Config is the effective configuration of a connection.
type Config struct {
	// Model is the LLM model id used for generation.
	Model string

	// Stream selects token streaming. When false a single complete reply is
	// generated.
	Stream bool

	// TTS enables speech synthesis of the reply.
	TTS bool

	// Voice is the synthesizer voice.
	Voice types.VoiceProfile

	// Language is the BCP-47 hint passed to the recognizer and synthesizer.
	// Empty lets the providers decide.
	Language string

	// SystemPrompt is prepended to every generation.
	SystemPrompt string

	// UserID keys the conversation history.
	UserID string

	// BinaryAudio selects binary WebSocket frames for synthesized audio.
	// When false audio is sent base64-encoded inside stream_chunk messages.
	BinaryAudio bool
}

// ConfigPatch is a partial update. Nil fields are left unchanged.
type ConfigPatch struct {
	Model        *string
	Stream       *bool
	TTS          *bool
	Voice        *string
	Language     *string
	SystemPrompt *string
	UserID       *string
	BinaryAudio  *bool
}

// IsEmpty reports whether the patch changes nothing.
func (p ConfigPatch) IsEmpty() bool {
	return p == ConfigPatch{}
}

// merge overlays the non-nil fields of next onto p.
func (p ConfigPatch) merge(next ConfigPatch) ConfigPatch {
	if next.Model != nil {
		p.Model = next.Model
	}
	if next.Stream != nil {
		p.Stream = next.Stream
	}
	if next.TTS != nil {
		p.TTS = next.TTS
	}
	if next.Voice != nil {
		p.Voice = next.Voice
	}
	if next.Language != nil {
		p.Language = next.Language
	}
	if next.SystemPrompt != nil {
		p.SystemPrompt = next.SystemPrompt
	}
	if next.UserID != nil {
		p.UserID = next.UserID
	}
	if next.BinaryAudio != nil {
		p.BinaryAudio = next.BinaryAudio
	}
	return p
}

// Option is a functional option for [New].
type Option func(*State)

// WithAllowedModels restricts Model to the given ids. An empty list allows
// any non-empty model.
func WithAllowedModels(models []string) Option {
	return func(s *State) { s.models = slices.Clone(models) }
}

// WithAllowedVoices restricts Voice to the given ids. An empty list allows
// any non-empty voice.
func WithAllowedVoices(voices []string) Option {
	return func(s *State) { s.voices = slices.Clone(voices) }
}

// State is the mutable per-connection session.
type State struct {
	id     string
	models []string
	voices []string

	inTurn atomic.Bool

	mu      sync.Mutex
	cfg     Config
	pending ConfigPatch
	turnID  string
}

// New creates a session with the given id and starting configuration. An
// empty id is replaced by a random uuid and an empty UserID by
// [DefaultUserID].
func New(id string, defaults Config, opts ...Option) *State {
	if id == "" {
		id = uuid.NewString()
	}
	if defaults.UserID == "" {
		defaults.UserID = DefaultUserID
	}
	s := &State{id: id, cfg: defaults}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ID returns the session id.
func (s *State) ID() string { return s.id }

// Snapshot returns a copy of the effective configuration.
func (s *State) Snapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply validates p and applies it. While a turn is in progress the patch is
// staged and applied by [State.EndTurn]; staged reports whether that
// happened. A rejected patch changes nothing and wraps [ErrInvalidConfig].
func (s *State) Apply(p ConfigPatch) (staged bool, err error) {
	if err := s.validate(p); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inTurn.Load() {
		s.pending = s.pending.merge(p)
		return true, nil
	}
	s.apply(p)
	return false, nil
}

// apply writes p into the configuration. Must be called with s.mu held.
func (s *State) apply(p ConfigPatch) {
	if p.Model != nil {
		s.cfg.Model = *p.Model
	}
	if p.Stream != nil {
		s.cfg.Stream = *p.Stream
	}
	if p.TTS != nil {
		s.cfg.TTS = *p.TTS
	}
	if p.Voice != nil {
		s.cfg.Voice.ID = *p.Voice
		s.cfg.Voice.Name = *p.Voice
	}
	if p.Language != nil {
		s.cfg.Language = *p.Language
	}
	if p.SystemPrompt != nil {
		s.cfg.SystemPrompt = *p.SystemPrompt
	}
	if p.UserID != nil {
		s.cfg.UserID = *p.UserID
	}
	if p.BinaryAudio != nil {
		s.cfg.BinaryAudio = *p.BinaryAudio
	}
}

func (s *State) validate(p ConfigPatch) error {
	var errs []error
	if p.Model != nil {
		switch m := *p.Model; {
		case strings.TrimSpace(m) == "":
			errs = append(errs, errors.New("model must not be empty"))
		case len(s.models) > 0 && !slices.Contains(s.models, m):
			errs = append(errs, fmt.Errorf("unknown model %q", m))
		}
	}
	if p.Voice != nil {
		switch v := *p.Voice; {
		case strings.TrimSpace(v) == "":
			errs = append(errs, errors.New("voice must not be empty"))
		case len(v) > maxFieldLen:
			errs = append(errs, fmt.Errorf("voice longer than %d bytes", maxFieldLen))
		case len(s.voices) > 0 && !slices.Contains(s.voices, v):
			errs = append(errs, fmt.Errorf("unknown voice %q", v))
		}
	}
	if p.Language != nil && len(*p.Language) > 35 {
		errs = append(errs, fmt.Errorf("language tag %q is too long", *p.Language))
	}
	if p.SystemPrompt != nil && len(*p.SystemPrompt) > maxSystemPromptLen {
		errs = append(errs, fmt.Errorf("system prompt longer than %d bytes", maxSystemPromptLen))
	}
	if p.UserID != nil {
		switch u := *p.UserID; {
		case strings.TrimSpace(u) == "":
			errs = append(errs, errors.New("user_id must not be empty"))
		case len(u) > maxFieldLen:
			errs = append(errs, fmt.Errorf("user_id longer than %d bytes", maxFieldLen))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// BeginTurn marks a turn as in progress and returns its fresh id. ok is false
// when a turn is already running.
func (s *State) BeginTurn() (turnID string, ok bool) {
	if !s.inTurn.CompareAndSwap(false, true) {
		return "", false
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.turnID = id
	s.mu.Unlock()
	return id, true
}

// EndTurn clears the in-progress flag and applies any staged patch. It
// reports whether a staged patch was applied.
func (s *State) EndTurn() (applied bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending.IsEmpty() {
		s.apply(s.pending)
		s.pending = ConfigPatch{}
		applied = true
	}
	s.turnID = ""
	s.inTurn.Store(false)
	return applied
}

// TurnInProgress reports whether a turn is running. It is cheap enough for the
// per-frame segmenter gate.
func (s *State) TurnInProgress() bool { return s.inTurn.Load() }

// CancelTurn detaches the id of the running turn. The turn stays in progress
// until EndTurn, but TurnID reports "" so its late results read as stale.
func (s *State) CancelTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnID = ""
}

// TurnID returns the id of the running turn, or "" when idle or cancelled.
func (s *State) TurnID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnID
}
