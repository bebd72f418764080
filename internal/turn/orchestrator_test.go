package turn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxstream/internal/segmenter"
	"github.com/MrWong99/voxstream/internal/session"
	"github.com/MrWong99/voxstream/internal/synthq"
	"github.com/MrWong99/voxstream/pkg/memory"
	"github.com/MrWong99/voxstream/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxstream/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/voxstream/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/voxstream/pkg/provider/tts/mock"
	"github.com/MrWong99/voxstream/pkg/types"
)

// recorder is a thread-safe Sink that signals each Done event.
type recorder struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{}, 8)}
}

func (r *recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if ev.Type == EventDone {
		r.done <- struct{}{}
	}
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for done; events so far: %v", eventNames(r.snapshot()))
	}
}

// eventNames lists the event types for failure messages.
func eventNames(evs []Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type.String()
	}
	return out
}

func ofType(evs []Event, typ EventType) []Event {
	var out []Event
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func indexOf(evs []Event, typ EventType) int {
	for i, ev := range evs {
		if ev.Type == typ {
			return i
		}
	}
	return -1
}

// fixture wires an orchestrator over mocks and a running synthesis queue.
type fixture struct {
	orch  *Orchestrator
	sess  *session.State
	rec   *recorder
	stt   *sttmock.Provider
	llm   *llmmock.Provider
	tts   *ttsmock.Provider
	queue *synthq.Queue
	hist  memory.HistoryStore
}

type fixtureOpt func(*fixture, *Deps, *Config)

func withHistory(h memory.HistoryStore) fixtureOpt {
	return func(f *fixture, d *Deps, _ *Config) {
		f.hist = h
		d.History = h
	}
}

func withConfig(fn func(*Config)) fixtureOpt {
	return func(_ *fixture, _ *Deps, c *Config) { fn(c) }
}

func withoutSynth() fixtureOpt {
	return func(_ *fixture, d *Deps, _ *Config) { d.Synth = nil }
}

func newFixture(t *testing.T, defaults session.Config, opts ...fixtureOpt) *fixture {
	t.Helper()
	f := &fixture{
		sess: session.New("sess-1", defaults),
		rec:  newRecorder(),
		stt:  &sttmock.Provider{Text: "hello there"},
		llm:  &llmmock.Provider{},
		tts:  &ttsmock.Provider{},
	}
	q, err := synthq.New(f.tts, SynthesisSink(f.rec, f.sess))
	if err != nil {
		t.Fatalf("synthq.New: %v", err)
	}
	f.queue = q
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	deps := Deps{
		Session: f.sess,
		STT:     f.stt,
		LLM:     f.llm,
		Synth:   q,
		Sink:    f.rec,
	}
	cfg := Config{}
	for _, o := range opts {
		o(f, &deps, &cfg)
	}
	f.orch, err = New(deps, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

// utterance builds a 16 kHz mono utterance with n silent 20 ms frames.
func utterance(n int) segmenter.Utterance {
	u := segmenter.Utterance{SpeechFrames: n}
	for range n {
		u.Frames = append(u.Frames, types.AudioFrame{Data: make([]byte, 640), SampleRate: 16000, Channels: 1})
	}
	return u
}

func streamDefaults() session.Config {
	return session.Config{Model: "gpt-4o-mini", Stream: true, TTS: true, UserID: "alice"}
}

// ─── construction ───────────────────────────────────────────────────────────

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	_, err := New(Deps{}, Config{})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"session", "llm", "sink"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

// ─── voice turns ────────────────────────────────────────────────────────────

func TestHandleUtterance_StreamingTurn(t *testing.T) {
	t.Parallel()
	f := newFixture(t, streamDefaults())
	f.llm.StreamChunks = []llm.Chunk{{Text: "Hi there. "}, {Text: "How are"}, {Text: " you?", FinishReason: "stop"}}

	if err := f.orch.HandleUtterance(context.Background(), utterance(10)); err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}
	f.rec.waitDone(t)
	f.orch.Wait()

	evs := f.rec.snapshot()
	if evs[0].Type != EventTranscript || evs[0].Text != "hello there" {
		t.Fatalf("first event should be the transcript, got %v", eventNames(evs))
	}
	if last := evs[len(evs)-1]; last.Type != EventDone {
		t.Errorf("last event should be done, got %v", last.Type)
	}

	var reply strings.Builder
	for _, ev := range ofType(evs, EventReplyChunk) {
		reply.WriteString(ev.Text)
	}
	if reply.String() != "Hi there. How are you?" {
		t.Errorf("reply chunks = %q", reply.String())
	}

	audio := ofType(evs, EventAudio)
	if len(audio) != 2 {
		t.Fatalf("want 2 audio events, got %d (%v)", len(audio), eventNames(evs))
	}
	for i, want := range []string{"Hi there.", " How are you?"} {
		if audio[i].Seq != i || string(audio[i].Audio) != want {
			t.Errorf("audio %d = seq %d %q, want seq %d %q", i, audio[i].Seq, audio[i].Audio, i, want)
		}
	}
	if c, d := indexOf(evs, EventSynthesisComplete), indexOf(evs, EventDone); c < 0 || c > d {
		t.Errorf("synthesis_complete must precede done: %v", eventNames(evs))
	}
	for _, ev := range evs {
		if ev.TurnID != evs[0].TurnID || ev.TurnID == "" {
			t.Errorf("event %v has turn id %q, want %q", ev.Type, ev.TurnID, evs[0].TurnID)
		}
	}
	if f.sess.TurnInProgress() {
		t.Error("turn still in progress after done")
	}

	calls := f.stt.Calls()
	if len(calls) != 1 || calls[0].Format != types.FormatWAV || !strings.HasPrefix(string(calls[0].Audio), "RIFF") {
		t.Errorf("recognizer should receive one WAV request, got %+v", calls)
	}
	reqs := f.llm.StreamCalls()
	if len(reqs) != 1 || reqs[0].Model != "gpt-4o-mini" {
		t.Fatalf("unexpected llm requests %+v", reqs)
	}
	if msgs := reqs[0].Messages; msgs[len(msgs)-1].Content != "hello there" {
		t.Errorf("last message should be the transcript, got %+v", msgs)
	}
}

func TestHandleUtterance_RecognitionFailure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		text string
		err  error
	}{
		{name: "provider error", err: errors.New("asr down")},
		{name: "empty transcript", text: "   "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, streamDefaults())
			f.stt.Text, f.stt.Err = tt.text, tt.err

			if err := f.orch.HandleUtterance(context.Background(), utterance(5)); err != nil {
				t.Fatalf("HandleUtterance: %v", err)
			}
			f.rec.waitDone(t)

			evs := f.rec.snapshot()
			if len(evs) != 2 || evs[0].Type != EventError || evs[1].Type != EventDone {
				t.Fatalf("want [error done], got %v", eventNames(evs))
			}
			if KindOf(evs[0].Err) != KindRecognition {
				t.Errorf("want recognition kind, got %q (%v)", KindOf(evs[0].Err), evs[0].Err)
			}
			if n := len(f.llm.StreamCalls()); n != 0 {
				t.Errorf("llm should not be called, got %d calls", n)
			}
		})
	}
}

func TestHandleUtterance_RecognitionTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, streamDefaults(), withConfig(func(c *Config) { c.RecognizeTimeout = 20 * time.Millisecond }))
	f.stt.Block = true

	if err := f.orch.HandleUtterance(context.Background(), utterance(5)); err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}
	f.rec.waitDone(t)
	evs := f.rec.snapshot()
	if errs := ofType(evs, EventError); len(errs) != 1 || !errors.Is(errs[0].Err, ErrRecognition) {
		t.Errorf("want one recognition error, got %v", eventNames(evs))
	}
}

func TestHandleUtterance_RejectsEmpty(t *testing.T) {
	t.Parallel()
	f := newFixture(t, streamDefaults())
	err := f.orch.HandleUtterance(context.Background(), segmenter.Utterance{})
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("want protocol error, got %v", err)
	}
	if f.sess.TurnInProgress() {
		t.Error("rejected utterance must not start a turn")
	}
}

// ─── text turns & modes ─────────────────────────────────────────────────────

func TestHandleText_NoTranscript(t *testing.T) {
	t.Parallel()
	f := newFixture(t, streamDefaults())
	f.llm.StreamChunks = []llm.Chunk{{Text: "Sure."}}

	if err := f.orch.HandleText(context.Background(), "tell me"); err != nil {
		t.Fatalf("HandleText: %v", err)
	}
	f.rec.waitDone(t)

	evs := f.rec.snapshot()
	if indexOf(evs, EventTranscript) >= 0 {
		t.Errorf("text turns emit no transcript: %v", eventNames(evs))
	}
	if f.stt.CallCount() != 0 {
		t.Error("recognizer should not be called for text")
	}
	if len(ofType(evs, EventAudio)) != 1 {
		t.Errorf("want one audio event, got %v", eventNames(evs))
	}
}

func TestHandleText_RejectsBlank(t *testing.T) {
	t.Parallel()
	f := newFixture(t, streamDefaults())
	if err := f.orch.HandleText(context.Background(), " \n"); !errors.Is(err, ErrProtocol) {
		t.Errorf("want protocol error, got %v", err)
	}
}

func TestNonStreamingTurn(t *testing.T) {
	t.Parallel()
	cfg := streamDefaults()
	cfg.Stream = false
	f := newFixture(t, cfg)
	f.llm.CompleteResponse = &llm.CompletionResponse{Content: "One. Two. Three"}

	if err := f.orch.HandleText(context.Background(), "count"); err != nil {
		t.Fatalf("HandleText: %v", err)
	}
	f.rec.waitDone(t)

	evs := f.rec.snapshot()
	if len(ofType(evs, EventReplyChunk)) != 0 {
		t.Error("non-streaming turns emit no reply chunks")
	}
	replies := ofType(evs, EventReply)
	if len(replies) != 1 || replies[0].Text != "One. Two. Three" {
		t.Errorf("want a single full reply, got %+v", replies)
	}
	if got := f.tts.Texts(); len(got) != 3 || got[2] != " Three" {
		t.Errorf("want three sentences synthesized, got %q", got)
	}
}

func TestTextOnlyTurn(t *testing.T) {
	t.Parallel()
	cfg := streamDefaults()
	cfg.TTS = false
	f := newFixture(t, cfg)
	f.llm.StreamChunks = []llm.Chunk{{Text: "No audio. "}, {Text: "At all."}}

	if err := f.orch.HandleText(context.Background(), "hi"); err != nil {
		t.Fatalf("HandleText: %v", err)
	}
	f.rec.waitDone(t)

	evs := f.rec.snapshot()
	if len(ofType(evs, EventAudio)) != 0 || indexOf(evs, EventSynthesisComplete) >= 0 {
		t.Errorf("tts disabled: want no audio, got %v", eventNames(evs))
	}
	if len(f.tts.Calls()) != 0 {
		t.Error("synthesizer should not be called")
	}
}

func TestNoSynthesizer(t *testing.T) {
	t.Parallel()
	f := newFixture(t, streamDefaults(), withoutSynth())
	f.llm.StreamChunks = []llm.Chunk{{Text: "Plain text."}}

	if err := f.orch.HandleText(context.Background(), "hi"); err != nil {
		t.Fatalf("HandleText: %v", err)
	}
	f.rec.waitDone(t)
	if evs := f.rec.snapshot(); len(ofType(evs, EventAudio)) != 0 {
		t.Errorf("want no audio without a synthesizer, got %v", eventNames(evs))
	}
}

// ─── failures ───────────────────────────────────────────────────────────────

func TestSynthesisFailureIsPerSentence(t *testing.T) {
	t.Parallel()
	f := newFixture(t, streamDefaults())
	f.llm.StreamChunks = []llm.Chunk{{Text: "First one. Second one. "}, {Text: "Third one."}}
	f.tts.FailOn = map[string]error{" Second one.": errors.New("voice unavailable")}

	if err := f.orch.HandleText(context.Background(), "go"); err != nil {
		t.Fatalf("HandleText: %v", err)
	}
	f.rec.waitDone(t)

	evs := f.rec.snapshot()
	audio := ofType(evs, EventAudio)
	if len(audio) != 2 || audio[0].Seq != 0 || audio[1].Seq != 2 {
		t.Fatalf("want audio for seq 0 and 2, got %v", eventNames(evs))
	}
	errs := ofType(evs, EventError)
	if len(errs) != 1 || KindOf(errs[0].Err) != KindSynthesis || errs[0].Seq != 1 {
		t.Fatalf("want one synthesis error for seq 1, got %+v", errs)
	}
	if indexOf(evs, EventSynthesisComplete) < 0 {
		t.Errorf("a synthesis failure does not end the turn: %v", eventNames(evs))
	}
}

func TestGenerationStreamError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, streamDefaults())
	f.llm.StreamChunks = []llm.Chunk{
		{Text: "Partial sentence. "},
		{Text: "rate limited", FinishReason: llm.FinishReasonError},
	}

	if err := f.orch.HandleText(context.Background(), "go"); err != nil {
		t.Fatalf("HandleText: %v", err)
	}
	f.rec.waitDone(t)

	evs := f.rec.snapshot()
	errs := ofType(evs, EventError)
	if len(errs) != 1 || KindOf(errs[0].Err) != KindGeneration {
		t.Fatalf("want one generation error, got %v", eventNames(evs))
	}
	if !strings.Contains(errs[0].Err.Error(), "rate limited") {
		t.Errorf("error should carry the provider message, got %v", errs[0].Err)
	}
	if indexOf(evs, EventSynthesisComplete) >= 0 {
		t.Error("failed generation must not report synthesis complete")
	}
	if a := ofType(evs, EventAudio); len(a) != 1 {
		t.Errorf("sentences enqueued before the failure are still delivered, got %d", len(a))
	}
	if indexOf(evs, EventAudio) > indexOf(evs, EventDone) {
		t.Error("audio after done")
	}
}

func TestGenerationOpenError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, streamDefaults())
	f.llm.StreamErr = errors.New("unauthorized")

	if err := f.orch.HandleText(context.Background(), "go"); err != nil {
		t.Fatalf("HandleText: %v", err)
	}
	f.rec.waitDone(t)
	evs := f.rec.snapshot()
	if len(evs) != 2 || KindOf(evs[0].Err) != KindGeneration {
		t.Errorf("want [error done], got %v", eventNames(evs))
	}
}

func TestGenerationTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, streamDefaults(), withConfig(func(c *Config) { c.GenerateTimeout = 30 * time.Millisecond }))
	f.llm.StreamChunks = []llm.Chunk{{Text: "Slow"}}
	f.llm.Hold = make(chan struct{})

	if err := f.orch.HandleText(context.Background(), "go"); err != nil {
		t.Fatalf("HandleText: %v", err)
	}
	f.rec.waitDone(t)
	errs := ofType(f.rec.snapshot(), EventError)
	if len(errs) != 1 || !errors.Is(errs[0].Err, ErrGeneration) {
		t.Errorf("want generation timeout error, got %+v", errs)
	}
}

// ─── concurrency ────────────────────────────────────────────────────────────

func TestSecondTurnRejectedWhileRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t, streamDefaults())
	f.llm.Hold = make(chan struct{})
	f.llm.StreamChunks = []llm.Chunk{{Text: "Working"}}

	if err := f.orch.HandleText(context.Background(), "first"); err != nil {
		t.Fatalf("first HandleText: %v", err)
	}
	err := f.orch.HandleText(context.Background(), "second")
	if !errors.Is(err, ErrTurnInProgress) || KindOf(err) != KindProtocol {
		t.Errorf("want ErrTurnInProgress, got %v", err)
	}
	err = f.orch.HandleUtterance(context.Background(), utterance(3))
	if !errors.Is(err, ErrTurnInProgress) {
		t.Errorf("want ErrTurnInProgress for utterance, got %v", err)
	}

	close(f.llm.Hold)
	f.rec.waitDone(t)
	f.orch.Wait()
	if n := len(f.llm.StreamCalls()); n != 1 {
		t.Errorf("want exactly one generation, got %d", n)
	}
}

func TestInterruptIsSilent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, streamDefaults())
	f.llm.ChunkSent = make(chan int, 4)
	f.llm.Hold = make(chan struct{})
	f.llm.StreamChunks = []llm.Chunk{{Text: "Long answer. "}}
	f.tts.Gate = make(chan struct{})

	if err := f.orch.HandleText(context.Background(), "talk"); err != nil {
		t.Fatalf("HandleText: %v", err)
	}
	select {
	case <-f.llm.ChunkSent:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never started")
	}

	if !f.orch.Interrupt() {
		t.Fatal("Interrupt reported no running turn")
	}
	f.rec.waitDone(t)
	f.orch.Wait()

	evs := f.rec.snapshot()
	if len(ofType(evs, EventError)) != 0 {
		t.Errorf("interrupt must not surface an error: %v", eventNames(evs))
	}
	if len(ofType(evs, EventAudio)) != 0 {
		t.Errorf("interrupted audio must not be delivered: %v", eventNames(evs))
	}
	if evs[len(evs)-1].Type != EventDone {
		t.Errorf("want done last, got %v", eventNames(evs))
	}
	if f.orch.Interrupt() {
		t.Error("second Interrupt should report nothing to cancel")
	}

	// The next turn starts cleanly.
	close(f.tts.Gate)
	f.llm.Hold = nil
	f.llm.ChunkSent = nil
	f.llm.StreamChunks = []llm.Chunk{{Text: "Fresh."}}
	if err := f.orch.HandleText(context.Background(), "again"); err != nil {
		t.Fatalf("HandleText after interrupt: %v", err)
	}
	f.rec.waitDone(t)
	f.orch.Wait()
	audio := ofType(f.rec.snapshot(), EventAudio)
	if len(audio) != 1 || audio[0].Seq != 0 || string(audio[0].Audio) != "Fresh." {
		t.Errorf("next turn should restart at seq 0, got %+v", audio)
	}
}

func TestSynthesisSinkDropsStaleTurn(t *testing.T) {
	t.Parallel()
	sess := session.New("s", streamDefaults())
	rec := newRecorder()
	sink := SynthesisSink(rec, sess)

	id, _ := sess.BeginTurn()
	sink(context.Background(), synthq.Result{Job: synthq.Job{TurnID: id, Seq: 0}, Audio: []byte("a")})
	sess.CancelTurn()
	sink(context.Background(), synthq.Result{Job: synthq.Job{TurnID: id, Seq: 1}, Audio: []byte("b")})
	sink(context.Background(), synthq.Result{Job: synthq.Job{TurnID: id, Seq: 2}, Err: errors.New("late")})
	sess.EndTurn()

	next, _ := sess.BeginTurn()
	sink(context.Background(), synthq.Result{Job: synthq.Job{TurnID: id, Seq: 3}, Audio: []byte("c")})
	sink(context.Background(), synthq.Result{Job: synthq.Job{TurnID: next, Seq: 0}, Audio: []byte("d")})

	evs := rec.snapshot()
	if len(evs) != 2 {
		t.Fatalf("want 2 delivered events, got %v", eventNames(evs))
	}
	if string(evs[0].Audio) != "a" || string(evs[1].Audio) != "d" || evs[1].TurnID != next {
		t.Errorf("unexpected delivery %+v", evs)
	}
}

func TestInterruptDropsQueuedSentences(t *testing.T) {
	t.Parallel()
	f := newFixture(t, streamDefaults())
	f.llm.ChunkSent = make(chan int, 4)
	f.llm.Hold = make(chan struct{})
	f.llm.StreamChunks = []llm.Chunk{{Text: "One. Two. Three. "}}
	f.tts.Gate = make(chan struct{})

	if err := f.orch.HandleText(context.Background(), "count"); err != nil {
		t.Fatalf("HandleText: %v", err)
	}
	select {
	case <-f.llm.ChunkSent:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never started")
	}
	if !f.orch.Interrupt() {
		t.Fatal("Interrupt reported no running turn")
	}
	if f.sess.TurnID() != "" {
		t.Error("interrupted turn id must no longer be live")
	}
	// Release the blocked synthesis; its result belongs to the dead turn.
	close(f.tts.Gate)
	f.rec.waitDone(t)
	f.orch.Wait()

	if audio := ofType(f.rec.snapshot(), EventAudio); len(audio) != 0 {
		t.Errorf("interrupted turn delivered audio: %+v", audio)
	}
	if n := f.queue.Len(); n != 0 {
		t.Errorf("queue still holds %d jobs", n)
	}
}

func TestStagedConfigAppliesAfterTurn(t *testing.T) {
	t.Parallel()
	f := newFixture(t, streamDefaults())
	f.llm.Hold = make(chan struct{})

	if err := f.orch.HandleText(context.Background(), "hi"); err != nil {
		t.Fatalf("HandleText: %v", err)
	}
	model := "gpt-4o"
	staged, err := f.sess.Apply(session.ConfigPatch{Model: &model})
	if err != nil || !staged {
		t.Fatalf("Apply mid-turn: staged=%v err=%v", staged, err)
	}
	close(f.llm.Hold)
	f.rec.waitDone(t)
	f.orch.Wait()

	if got := f.sess.Snapshot().Model; got != "gpt-4o" {
		t.Errorf("staged model not applied after turn, got %q", got)
	}
	if got := f.llm.StreamCalls()[0].Model; got != "gpt-4o-mini" {
		t.Errorf("running turn must keep its model, got %q", got)
	}
}

// ─── history ────────────────────────────────────────────────────────────────

func TestHistoryRecordedAndReplayed(t *testing.T) {
	t.Parallel()
	buf := memory.NewBuffer(100, 0)
	f := newFixture(t, streamDefaults(),
		withHistory(buf),
		withConfig(func(c *Config) {
			c.HistoryLimit = 10
			c.DefaultSystemPrompt = "be brief"
		}),
	)
	f.llm.StreamChunks = []llm.Chunk{{Text: "Paris."}}

	if err := f.orch.HandleText(context.Background(), "capital of France?"); err != nil {
		t.Fatalf("HandleText: %v", err)
	}
	f.rec.waitDone(t)
	f.orch.Wait()

	got, _ := buf.Recent(context.Background(), "alice", 0)
	if len(got) != 2 || got[0].Role != types.RoleUser || got[1].Content != "Paris." || got[1].Model != "gpt-4o-mini" {
		t.Fatalf("unexpected history %+v", got)
	}

	if err := f.orch.HandleText(context.Background(), "and Spain?"); err != nil {
		t.Fatalf("HandleText: %v", err)
	}
	f.rec.waitDone(t)
	f.orch.Wait()

	reqs := f.llm.StreamCalls()
	second := reqs[1]
	if second.SystemPrompt != "be brief" {
		t.Errorf("want default system prompt, got %q", second.SystemPrompt)
	}
	if len(second.Messages) != 3 || second.Messages[0].Content != "capital of France?" || second.Messages[2].Content != "and Spain?" {
		t.Errorf("history not replayed: %+v", second.Messages)
	}
}

type brokenStore struct{}

func (brokenStore) Append(context.Context, types.Turn) error { return errors.New("db gone") }
func (brokenStore) Recent(context.Context, string, int) ([]types.Turn, error) {
	return nil, errors.New("db gone")
}
func (brokenStore) Clear(context.Context, string) error { return errors.New("db gone") }

func TestHistoryFailureIsBestEffort(t *testing.T) {
	t.Parallel()
	f := newFixture(t, streamDefaults(),
		withHistory(brokenStore{}),
		withConfig(func(c *Config) { c.HistoryLimit = 5 }),
	)
	f.llm.StreamChunks = []llm.Chunk{{Text: "Still here."}}

	if err := f.orch.HandleText(context.Background(), "hi"); err != nil {
		t.Fatalf("HandleText: %v", err)
	}
	f.rec.waitDone(t)
	f.orch.Wait()

	evs := f.rec.snapshot()
	if len(ofType(evs, EventError)) != 0 {
		t.Errorf("history failures must not fail the turn: %v", eventNames(evs))
	}
	if len(ofType(evs, EventAudio)) != 1 {
		t.Errorf("want reply audio, got %v", eventNames(evs))
	}
}

// stallingStore holds every read until the caller gives up.
type stallingStore struct{}

func (stallingStore) Append(context.Context, types.Turn) error { return nil }
func (stallingStore) Recent(ctx context.Context, _ string, _ int) ([]types.Turn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (stallingStore) Clear(context.Context, string) error { return nil }

func TestStalledHistoryReadDoesNotConsumeGenerationBudget(t *testing.T) {
	t.Parallel()
	f := newFixture(t, streamDefaults(),
		withHistory(memory.NewGuard(stallingStore{})),
		withConfig(func(c *Config) {
			c.HistoryLimit = 10
			c.HistoryReadTimeout = 20 * time.Millisecond
			c.GenerateTimeout = 300 * time.Millisecond
		}),
	)
	f.llm.StreamChunks = []llm.Chunk{{Text: "Answered anyway."}}

	start := time.Now()
	if err := f.orch.HandleText(context.Background(), "hi"); err != nil {
		t.Fatalf("HandleText: %v", err)
	}
	f.rec.waitDone(t)
	f.orch.Wait()

	evs := f.rec.snapshot()
	if errs := ofType(evs, EventError); len(errs) != 0 {
		t.Fatalf("stalled history must not fail the turn: %+v", errs)
	}
	audio := ofType(evs, EventAudio)
	if len(audio) != 1 || string(audio[0].Audio) != "Answered anyway." {
		t.Errorf("want reply audio, got %v", eventNames(evs))
	}
	reqs := f.llm.StreamCalls()
	if len(reqs) != 1 || len(reqs[0].Messages) != 1 {
		t.Errorf("want a history-less prompt, got %+v", reqs)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("turn took %v behind a stalled store", elapsed)
	}
}

func TestFailedTurnNotRecorded(t *testing.T) {
	t.Parallel()
	buf := memory.NewBuffer(100, 0)
	f := newFixture(t, streamDefaults(), withHistory(buf))
	f.llm.StreamErr = errors.New("down")

	if err := f.orch.HandleText(context.Background(), "hi"); err != nil {
		t.Fatalf("HandleText: %v", err)
	}
	f.rec.waitDone(t)
	f.orch.Wait()
	if n := buf.Len("alice"); n != 0 {
		t.Errorf("failed turn recorded %d entries", n)
	}
}

func TestVoiceLanguageFromSession(t *testing.T) {
	t.Parallel()
	cfg := streamDefaults()
	cfg.Language = "de"
	cfg.Voice = types.VoiceProfile{ID: "v-de"}
	f := newFixture(t, cfg)
	f.llm.StreamChunks = []llm.Chunk{{Text: "Hallo."}}

	if err := f.orch.HandleUtterance(context.Background(), utterance(4)); err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}
	f.rec.waitDone(t)

	if calls := f.stt.Calls(); calls[0].Language != "de" {
		t.Errorf("recognizer language = %q", calls[0].Language)
	}
	calls := f.tts.Calls()
	if len(calls) != 1 || calls[0].Voice.ID != "v-de" || calls[0].Voice.Language != "de" {
		t.Errorf("unexpected synthesis calls %+v", calls)
	}
}
