// Package synthq runs the per-connection synthesis worker.
//
// A [Queue] turns reply sentences into audio one at a time, in the order they
// were enqueued: a single worker drains a bounded FIFO, so audio leaves in
// sequence order no matter how long each synthesis call takes. A full queue
// blocks [Queue.Enqueue], which in turn throttles reply generation.
//
// Each turn is bracketed by [Queue.BeginTurn] and [Queue.EndTurn]. EndTurn
// enqueues a sentinel and returns a channel that is closed once every job
// before it has been handled. [Queue.Drop] abandons the current turn: queued
// jobs are discarded unsynthesized and the in-flight call is cancelled.
//
// Enqueue, BeginTurn and EndTurn are meant to be called from a single producer
// goroutine (the turn orchestrator). Drop and Stop may be called from any
// goroutine.
package synthq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxstream/internal/observe"
	"github.com/MrWong99/voxstream/pkg/provider/tts"
	"github.com/MrWong99/voxstream/pkg/types"
)

// DefaultDepth is the queue capacity when none is configured.
const DefaultDepth = 16

// ErrStopped is returned by Enqueue and EndTurn after [Queue.Stop].
var ErrStopped = errors.New("synthq: queue stopped")

// Job is one unit of work: a sentence to synthesize or an end-of-turn
// sentinel.
type Job struct {
	// Seq is the position of the sentence within its turn, starting at 0.
	Seq int

	// TurnID identifies the turn the job belongs to.
	TurnID string

	// Text is the sentence to synthesize. Empty for the sentinel.
	Text string

	// EndOfTurn marks the sentinel job.
	EndOfTurn bool

	voice   types.VoiceProfile
	gen     uint64
	drained chan struct{}
}

// Result reports the outcome of one sentence.
type Result struct {
	Job Job

	// Audio is the synthesized PCM. Nil when Err is set.
	Audio []byte

	// Err is the synthesis failure, if any. It affects this sentence only.
	Err error
}

// Sink receives results from the worker goroutine, in sequence order.
type Sink func(ctx context.Context, r Result)

// Option is a functional option for [New].
type Option func(*Queue)

// WithDepth sets the queue capacity. Values below 1 are ignored.
func WithDepth(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.depth = n
		}
	}
}

// WithTimeout bounds each synthesis call. Zero means no per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(q *Queue) { q.timeout = d }
}

// WithMetrics records synthesis latency and queue depth to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// Queue is a bounded FIFO served by one synthesis worker.
type Queue struct {
	tts     tts.Provider
	sink    Sink
	depth   int
	timeout time.Duration
	metrics *observe.Metrics
	log     *slog.Logger

	jobs     chan Job
	stop     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	gen      uint64
	turnID   string
	voice    types.VoiceProfile
	nextSeq  int
	inflight context.CancelFunc
}

// New creates a queue that synthesizes with p and delivers results to sink.
// Call [Queue.Run] to start the worker.
func New(p tts.Provider, sink Sink, opts ...Option) (*Queue, error) {
	if p == nil {
		return nil, errors.New("synthq: tts provider must not be nil")
	}
	if sink == nil {
		return nil, errors.New("synthq: sink must not be nil")
	}
	q := &Queue{
		tts:   p,
		sink:  sink,
		depth: DefaultDepth,
		log:   slog.Default(),
		stop:  make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.jobs = make(chan Job, q.depth)
	return q, nil
}

// BeginTurn starts a new turn. Sequence numbers restart at 0 and subsequent
// jobs are synthesized with voice.
func (q *Queue) BeginTurn(turnID string, voice types.VoiceProfile) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.turnID = turnID
	q.voice = voice
	q.nextSeq = 0
}

// Enqueue appends a sentence to the current turn. It blocks while the queue is
// full and returns ctx.Err() if ctx ends first.
func (q *Queue) Enqueue(ctx context.Context, text string) error {
	q.mu.Lock()
	job := Job{
		Seq:    q.nextSeq,
		TurnID: q.turnID,
		Text:   text,
		voice:  q.voice,
		gen:    q.gen,
	}
	q.nextSeq++
	q.mu.Unlock()

	return q.push(ctx, job)
}

// EndTurn enqueues the end-of-turn sentinel and returns a channel that is
// closed once the worker reaches it, meaning every earlier sentence has been
// delivered or discarded.
func (q *Queue) EndTurn(ctx context.Context) (<-chan struct{}, error) {
	q.mu.Lock()
	job := Job{
		Seq:       q.nextSeq,
		TurnID:    q.turnID,
		EndOfTurn: true,
		gen:       q.gen,
		drained:   make(chan struct{}),
	}
	q.mu.Unlock()

	if err := q.push(ctx, job); err != nil {
		return nil, err
	}
	return job.drained, nil
}

func (q *Queue) push(ctx context.Context, job Job) error {
	select {
	case <-q.stop:
		return ErrStopped
	default:
	}
	select {
	case q.jobs <- job:
		if q.metrics != nil && !job.EndOfTurn {
			q.metrics.QueueDepth.Add(ctx, 1)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.stop:
		return ErrStopped
	}
}

// Drop abandons every job enqueued so far. Queued sentences are discarded
// without being synthesized, the in-flight call is cancelled and its result
// is not delivered. Pending drained channels are still closed.
func (q *Queue) Drop() {
	q.mu.Lock()
	q.gen++
	if q.inflight != nil {
		q.inflight()
	}
	q.mu.Unlock()

	for {
		select {
		case job := <-q.jobs:
			q.discard(job)
		default:
			return
		}
	}
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int { return len(q.jobs) }

// Stop ends the worker. Subsequent Enqueue and EndTurn calls return
// [ErrStopped]. Safe to call more than once.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stop)
		q.Drop()
	})
}

// Run executes the worker loop until ctx is done or Stop is called. It returns
// nil on Stop and ctx.Err() on cancellation.
func (q *Queue) Run(ctx context.Context) error {
	defer q.Drop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.stop:
			return nil
		case job := <-q.jobs:
			q.handle(ctx, job)
		}
	}
}

func (q *Queue) handle(ctx context.Context, job Job) {
	if job.EndOfTurn {
		close(job.drained)
		return
	}
	if q.metrics != nil {
		q.metrics.QueueDepth.Add(ctx, -1)
	}

	callCtx, cancel := q.callContext(ctx)
	q.mu.Lock()
	if job.gen != q.gen {
		q.mu.Unlock()
		cancel()
		return
	}
	q.inflight = cancel
	q.mu.Unlock()

	start := time.Now()
	audio, err := q.tts.Synthesize(callCtx, job.Text, job.voice)
	elapsed := time.Since(start)

	q.mu.Lock()
	q.inflight = nil
	stale := job.gen != q.gen
	q.mu.Unlock()
	cancel()

	if stale || ctx.Err() != nil {
		return
	}
	if q.metrics != nil {
		q.metrics.SynthesisDuration.Record(ctx, elapsed.Seconds())
	}
	if err != nil {
		q.log.Warn("synthq: sentence synthesis failed",
			"turn_id", job.TurnID, "seq", job.Seq, "err", err)
		q.sink(ctx, Result{Job: job, Err: fmt.Errorf("synthq: sentence %d: %w", job.Seq, err)})
		return
	}
	q.sink(ctx, Result{Job: job, Audio: audio})
}

func (q *Queue) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if q.timeout > 0 {
		return context.WithTimeout(ctx, q.timeout)
	}
	return context.WithCancel(ctx)
}

func (q *Queue) discard(job Job) {
	if job.EndOfTurn {
		close(job.drained)
		return
	}
	if q.metrics != nil {
		q.metrics.QueueDepth.Add(context.Background(), -1)
	}
}
