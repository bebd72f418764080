// Package turn drives one conversational turn from user input to synthesized
// reply.
//
// An [Orchestrator] is created per connection. Given a completed utterance
// (or a text message) it runs the turn state machine
//
//	Recognizing → Generating → Draining → Done
//
// emitting ordered [Event] values through a [Sink]: the transcript first,
// reply chunks as the model produces them, and audio in sentence order via
// the synthesis queue. Only one turn runs at a time; [Orchestrator.Interrupt]
// cancels it silently.
//
// # Example
//
//	orch, _ := turn.New(turn.Deps{...}, turn.Config{HistoryLimit: 20})
//	if err := orch.HandleUtterance(ctx, utterance); errors.Is(err, turn.ErrTurnInProgress) {
//	    // reject
//	}
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxstream/internal/observe"
	"github.com/MrWong99/voxstream/internal/segmenter"
	"github.com/MrWong99/voxstream/internal/session"
	"github.com/MrWong99/voxstream/internal/splitter"
	"github.com/MrWong99/voxstream/pkg/audio"
	"github.com/MrWong99/voxstream/pkg/memory"
	"github.com/MrWong99/voxstream/pkg/provider/llm"
	"github.com/MrWong99/voxstream/pkg/provider/stt"
	"github.com/MrWong99/voxstream/pkg/types"
)

const (
	// historyWriteTimeout bounds the fire-and-forget history append.
	historyWriteTimeout = 5 * time.Second

	// defaultHistoryReadTimeout bounds the history read before generation.
	defaultHistoryReadTimeout = time.Second
)

// Synthesizer is the synthesis queue as seen by the orchestrator.
// [*synthq.Queue] implements it.
type Synthesizer interface {
	BeginTurn(turnID string, voice types.VoiceProfile)
	Enqueue(ctx context.Context, text string) error
	EndTurn(ctx context.Context) (<-chan struct{}, error)
	Drop()
}

// Deps are the collaborators of an [Orchestrator].
type Deps struct {
	// Session is the connection state. Required.
	Session *session.State

	// STT transcribes utterances. Required for [Orchestrator.HandleUtterance].
	STT stt.Provider

	// LLM generates replies. Required.
	LLM llm.Provider

	// Synth receives sentences when synthesis is enabled. May be nil, in which
	// case turns are text-only regardless of the session's TTS flag.
	Synth Synthesizer

	// History provides prior turns and records new ones. May be nil.
	History memory.HistoryStore

	// Sink receives every event. Required.
	Sink Sink

	// Metrics is optional.
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Config tunes an [Orchestrator].
type Config struct {
	// RecognizeTimeout bounds the recognizer call. Zero means no deadline.
	RecognizeTimeout time.Duration

	// GenerateTimeout bounds the whole reply stream. Zero means no deadline.
	GenerateTimeout time.Duration

	// HistoryLimit is how many prior entries are loaded. Zero disables
	// history reads.
	HistoryLimit int

	// HistoryReadTimeout bounds the history read that precedes generation.
	// A read that runs out of time is skipped. Zero means one second.
	HistoryReadTimeout time.Duration

	// HistoryMaxTokens trims loaded history to an estimated token budget.
	// Zero disables trimming.
	HistoryMaxTokens int

	// DefaultSystemPrompt is used when the session has none.
	DefaultSystemPrompt string

	// Temperature and MaxTokens are passed through to the LLM.
	Temperature float64
	MaxTokens   int
}

// Orchestrator runs the turns of one connection.
//
// It is safe for concurrent use: the reader goroutine starts turns and
// interrupts them while the turn itself runs on its own goroutine.
type Orchestrator struct {
	deps Deps
	cfg  Config
	log  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc

	// wg tracks the running turn and pending history writes so callers (and
	// tests) can synchronise with the end of a turn.
	wg sync.WaitGroup
}

// New creates an orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	var errs []error
	if deps.Session == nil {
		errs = append(errs, errors.New("session is required"))
	}
	if deps.LLM == nil {
		errs = append(errs, errors.New("llm provider is required"))
	}
	if deps.Sink == nil {
		errs = append(errs, errors.New("sink is required"))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("turn: %w", errors.Join(errs...))
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session_id", deps.Session.ID())
	return &Orchestrator{deps: deps, cfg: cfg, log: log}, nil
}

// input is what starts a turn: recorded audio or typed text.
type input struct {
	utterance *segmenter.Utterance
	text      string
}

// HandleUtterance starts a turn for u. It returns [ErrTurnInProgress] when a
// turn is already running; otherwise the turn proceeds in the background and
// the call returns immediately.
func (o *Orchestrator) HandleUtterance(ctx context.Context, u segmenter.Utterance) error {
	if o.deps.STT == nil {
		return errors.New("turn: no recognizer configured")
	}
	if len(u.Frames) == 0 {
		return fmt.Errorf("%w: empty utterance", ErrProtocol)
	}
	return o.start(ctx, input{utterance: &u})
}

// HandleText starts a turn for a typed message. The recognition stage is
// skipped and no transcript event is emitted.
func (o *Orchestrator) HandleText(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: empty message", ErrProtocol)
	}
	return o.start(ctx, input{text: text})
}

func (o *Orchestrator) start(ctx context.Context, in input) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	turnID, ok := o.deps.Session.BeginTurn()
	if !ok {
		return ErrTurnInProgress
	}

	turnCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		o.run(ctx, turnCtx, turnID, in)
	}()
	return nil
}

// Interrupt cancels the running turn, if any. It reports whether a turn was
// cancelled. The turn ends with [EventDone] and no error.
func (o *Orchestrator) Interrupt() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel == nil || !o.deps.Session.TurnInProgress() {
		return false
	}
	o.deps.Session.CancelTurn()
	o.cancel()
	if o.deps.Synth != nil {
		o.deps.Synth.Drop()
	}
	return true
}

// Wait blocks until the running turn and its history writes have finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// turnState carries the per-turn values through the stages.
type turnState struct {
	id    string
	cfg   session.Config
	log   *slog.Logger
	synth bool
	user  string
	reply strings.Builder
}

// run executes one turn. connCtx is the connection context, turnCtx the
// cancellable turn context derived from it.
func (o *Orchestrator) run(connCtx, turnCtx context.Context, turnID string, in input) {
	start := time.Now()
	ts := &turnState{
		id:  turnID,
		cfg: o.deps.Session.Snapshot(),
		log: o.log.With("turn_id", turnID),
	}
	ts.synth = ts.cfg.TTS && o.deps.Synth != nil

	spanCtx, span := observe.StartSpan(turnCtx, "turn",
		trace.WithAttributes(
			attribute.String("session.id", o.deps.Session.ID()),
			attribute.String("turn.id", turnID),
			attribute.String("llm.model", ts.cfg.Model),
		),
	)
	defer span.End()
	if cid := observe.CorrelationID(spanCtx); cid != "" {
		ts.log = ts.log.With("trace_id", cid)
	}

	err := o.stages(spanCtx, ts, in)

	outcome := observe.OutcomeCompleted
	switch {
	case turnCtx.Err() != nil || errors.Is(err, ErrCancelled):
		outcome = observe.OutcomeCancelled
		if o.deps.Synth != nil {
			o.deps.Synth.Drop()
		}
		ts.log.Info("turn cancelled")
	case err != nil:
		outcome = observe.OutcomeFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		ts.log.Warn("turn failed", "err", err)
		o.emit(connCtx, Event{Type: EventError, TurnID: turnID, Err: err})
	default:
		o.recordHistory(turnCtx, ts)
	}
	span.SetAttributes(attribute.String("turn.outcome", outcome))

	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordTurn(turnCtx, outcome, time.Since(start).Seconds())
	}

	// Holding mu keeps the next turn from starting before Done is out.
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancel = nil
	if o.deps.Session.EndTurn() {
		ts.log.Debug("applied staged session config")
	}
	o.emit(connCtx, Event{Type: EventDone, TurnID: turnID})
}

// stages runs Recognizing, Generating and Draining. A returned error wraps a
// stage sentinel or [ErrCancelled].
func (o *Orchestrator) stages(ctx context.Context, ts *turnState, in input) error {
	// ── Recognizing ─────────────────────────────────────────────────────────
	if in.utterance != nil {
		text, err := o.recognize(ctx, ts, *in.utterance)
		if err != nil {
			return err
		}
		ts.user = text
		o.emit(ctx, Event{Type: EventTranscript, TurnID: ts.id, Text: text})
	} else {
		ts.user = in.text
	}

	if ts.synth {
		o.deps.Synth.BeginTurn(ts.id, o.voiceFor(ts.cfg))
	}

	// ── Generating ──────────────────────────────────────────────────────────
	genErr := o.generate(ctx, ts)
	if errors.Is(genErr, ErrCancelled) {
		return genErr
	}

	// ── Draining ────────────────────────────────────────────────────────────
	// Sentences enqueued before a generation failure are still delivered so
	// that Done stays the last event of the turn.
	if ts.synth {
		if err := o.drain(ctx, ts); err != nil {
			return err
		}
		if genErr == nil {
			o.emit(ctx, Event{Type: EventSynthesisComplete, TurnID: ts.id})
		}
	}
	return genErr
}

func (o *Orchestrator) recognize(ctx context.Context, ts *turnState, u segmenter.Utterance) (string, error) {
	ctx, span := observe.StartSpan(ctx, "turn.recognize")
	defer span.End()

	if o.cfg.RecognizeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RecognizeTimeout)
		defer cancel()
	}

	first := u.Frames[0]
	format := audio.Format{SampleRate: first.SampleRate, Channels: first.Channels}
	req := stt.Request{
		Audio:      audio.EncodeWAV(u.PCM(), format),
		Format:     types.FormatWAV,
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		Language:   ts.cfg.Language,
	}

	start := time.Now()
	text, err := o.deps.STT.Transcribe(ctx, req)
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecognitionDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return "", ErrCancelled
		}
		span.RecordError(err)
		return "", stageError(ErrRecognition, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", stageError(ErrRecognition, errors.New("empty transcript"))
	}
	ts.log.Debug("utterance recognized",
		"duration", u.Duration(),
		"speech_frames", u.SpeechFrames,
		"chars", len(text),
	)
	return text, nil
}

// generate streams (or completes) the reply and dispatches its sentences.
func (o *Orchestrator) generate(turnCtx context.Context, ts *turnState) error {
	ctx, span := observe.StartSpan(turnCtx, "turn.generate")
	defer span.End()

	req := o.buildRequest(ctx, ts)
	if turnCtx.Err() != nil {
		return ErrCancelled
	}

	if o.cfg.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.GenerateTimeout)
		defer cancel()
	}
	start := time.Now()

	// failure classifies an error that ended generation.
	failure := func(err error) error {
		if turnCtx.Err() != nil {
			return ErrCancelled
		}
		span.RecordError(err)
		return stageError(ErrGeneration, err)
	}

	var err error
	if ts.cfg.Stream {
		err = o.stream(ctx, turnCtx, ts, req, start)
	} else {
		err = o.complete(ctx, turnCtx, ts, req)
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.GenerationDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return err
		}
		return failure(err)
	}
	return nil
}

func (o *Orchestrator) stream(ctx, turnCtx context.Context, ts *turnState, req llm.CompletionRequest, start time.Time) error {
	ch, err := o.deps.LLM.StreamCompletion(ctx, req)
	if err != nil {
		return err
	}

	var sp splitter.Splitter
	first := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return o.dispatch(turnCtx, ts, sp.Flush())
			}
			if chunk.FinishReason == llm.FinishReasonError {
				msg := chunk.Text
				if msg == "" {
					msg = "stream interrupted"
				}
				return errors.New(msg)
			}
			if chunk.Text == "" {
				continue
			}
			if first {
				first = false
				if o.deps.Metrics != nil {
					o.deps.Metrics.GenerationFirstToken.Record(ctx, time.Since(start).Seconds())
				}
			}
			ts.reply.WriteString(chunk.Text)
			o.emit(turnCtx, Event{Type: EventReplyChunk, TurnID: ts.id, Text: chunk.Text})
			for _, s := range sp.Push(chunk.Text) {
				if err := o.dispatch(turnCtx, ts, s); err != nil {
					return err
				}
			}
		}
	}
}

func (o *Orchestrator) complete(ctx, turnCtx context.Context, ts *turnState, req llm.CompletionRequest) error {
	resp, err := o.deps.LLM.Complete(ctx, req)
	if err != nil {
		return err
	}
	ts.reply.WriteString(resp.Content)
	o.emit(turnCtx, Event{Type: EventReply, TurnID: ts.id, Text: resp.Content})

	sentences, rest := splitter.Split(resp.Content)
	for _, s := range append(sentences, rest) {
		if err := o.dispatch(turnCtx, ts, s); err != nil {
			return err
		}
	}
	return nil
}

// dispatch enqueues one sentence for synthesis. Blank sentences and text-only
// turns are skipped. Enqueue may block on a full queue.
func (o *Orchestrator) dispatch(turnCtx context.Context, ts *turnState, sentence string) error {
	if !ts.synth || splitter.IsBlank(sentence) {
		return nil
	}
	if err := o.deps.Synth.Enqueue(turnCtx, sentence); err != nil {
		return ErrCancelled
	}
	return nil
}

// drain waits until every enqueued sentence has been delivered.
func (o *Orchestrator) drain(ctx context.Context, ts *turnState) error {
	ctx, span := observe.StartSpan(ctx, "turn.drain")
	defer span.End()

	drained, err := o.deps.Synth.EndTurn(ctx)
	if err != nil {
		return ErrCancelled
	}
	select {
	case <-drained:
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return nil
	case <-ctx.Done():
		return ErrCancelled
	}
}

// buildRequest assembles the prompt. The history read runs under its own
// deadline so a stalled store costs at most HistoryReadTimeout.
func (o *Orchestrator) buildRequest(ctx context.Context, ts *turnState) llm.CompletionRequest {
	var msgs []types.Message
	if o.deps.History != nil && o.cfg.HistoryLimit > 0 {
		timeout := o.cfg.HistoryReadTimeout
		if timeout <= 0 {
			timeout = defaultHistoryReadTimeout
		}
		readCtx, cancel := context.WithTimeout(ctx, timeout)
		prior, err := o.deps.History.Recent(readCtx, ts.cfg.UserID, o.cfg.HistoryLimit)
		cancel()
		if err != nil {
			ts.log.Warn("history unavailable, continuing without it", "err", err)
		} else {
			msgs = append(msgs, memory.Window(memory.Messages(prior), o.cfg.HistoryMaxTokens)...)
		}
	}
	msgs = append(msgs, types.Message{Role: types.RoleUser, Content: ts.user})

	prompt := ts.cfg.SystemPrompt
	if prompt == "" {
		prompt = o.cfg.DefaultSystemPrompt
	}
	return llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: prompt,
		Model:        ts.cfg.Model,
		Temperature:  o.cfg.Temperature,
		MaxTokens:    o.cfg.MaxTokens,
	}
}

// recordHistory appends the user and assistant entries without blocking the
// turn.
func (o *Orchestrator) recordHistory(ctx context.Context, ts *turnState) {
	if o.deps.History == nil {
		return
	}
	reply := strings.TrimSpace(ts.reply.String())
	if reply == "" {
		return
	}
	now := time.Now()
	entries := []types.Turn{
		{UserID: ts.cfg.UserID, SessionID: o.deps.Session.ID(), TurnID: ts.id, Role: types.RoleUser, Content: ts.user, Timestamp: now},
		{UserID: ts.cfg.UserID, SessionID: o.deps.Session.ID(), TurnID: ts.id, Role: types.RoleAssistant, Content: reply, Model: ts.cfg.Model, Timestamp: now},
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyWriteTimeout)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		for _, e := range entries {
			if err := o.deps.History.Append(writeCtx, e); err != nil {
				ts.log.Warn("history append failed", "role", e.Role, "err", err)
				return
			}
		}
	}()
}

// voiceFor applies the session language to the configured voice.
func (o *Orchestrator) voiceFor(cfg session.Config) types.VoiceProfile {
	v := cfg.Voice
	if v.Language == "" {
		v.Language = cfg.Language
	}
	return v
}

// emit forwards ev unless ctx is done. Stage events pass the turn context so
// an interrupted turn goes quiet; Error and Done pass the connection context.
func (o *Orchestrator) emit(ctx context.Context, ev Event) {
	if ctx.Err() != nil {
		return
	}
	o.deps.Sink.Emit(ev)
}
