// Package resilience provides circuit breaking and provider failover.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) that
// stops sending work to a backend after repeated failures and probes it again
// once a cool-down has passed. [Group] chains a primary provider with its
// configured fallbacks, each behind its own breaker, and the LLM, STT and TTS
// wrappers in this package expose a group as a plain provider.
//
// Cancellation of the caller's context never counts as a backend failure.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Do] while the breaker rejects
// calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the reset timeout has elapsed.
	StateOpen

	// StateHalfOpen lets a bounded number of probes through. Enough
	// successful probes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [CircuitBreaker]. Zero fields take the defaults noted
// on each field.
type BreakerConfig struct {
	// Name labels log lines and state change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before probing.
	// Default 30s.
	ResetTimeout time.Duration

	// HalfOpenProbes is the number of successful probes needed to close the
	// breaker, and the number of probes allowed in flight. Default 2.
	HalfOpenProbes int

	// OnStateChange, if set, is called after every transition. It runs with
	// the breaker unlocked.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker guards calls to one backend.
type CircuitBreaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int
	successes int
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 2
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Do runs fn unless the breaker rejects the call. Errors caused by the
// cancellation of ctx are returned unchanged and leave the breaker as it was.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := cb.acquire()
	if err != nil {
		return err
	}
	err = fn(ctx)
	cb.release(probe, outcomeOf(ctx, err))
	return err
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeIgnored
)

func outcomeOf(ctx context.Context, err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return outcomeIgnored
	default:
		return outcomeFailure
	}
}

// acquire admits a call. probe reports whether it counts against the
// half-open budget.
func (cb *CircuitBreaker) acquire() (probe bool, err error) {
	cb.mu.Lock()
	var from State
	changed := false
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		from, changed = cb.transition(StateHalfOpen)
	}
	switch cb.state {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if cb.inFlight >= cb.cfg.HalfOpenProbes {
			err = ErrCircuitOpen
		} else {
			cb.inFlight++
			probe = true
		}
	}
	cb.mu.Unlock()
	if changed {
		cb.notify(from, StateHalfOpen)
	}
	return probe, err
}

func (cb *CircuitBreaker) release(probe bool, o outcome) {
	cb.mu.Lock()
	if probe {
		cb.inFlight--
	}
	var (
		from, to State
		changed  bool
	)
	switch {
	case o == outcomeIgnored:
	case cb.state == StateHalfOpen && !probe:
		// Admitted while closed; the breaker tripped meanwhile.
	case cb.state == StateHalfOpen && o == outcomeFailure:
		from, changed = cb.transition(StateOpen)
		to = StateOpen
	case cb.state == StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.HalfOpenProbes {
			from, changed = cb.transition(StateClosed)
			to = StateClosed
		}
	case cb.state == StateClosed && o == outcomeFailure:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			from, changed = cb.transition(StateOpen)
			to = StateOpen
		}
	case cb.state == StateClosed:
		cb.failures = 0
	}
	cb.mu.Unlock()
	if changed {
		cb.notify(from, to)
	}
}

// transition moves to next and resets the counters. Must hold mu.
func (cb *CircuitBreaker) transition(next State) (from State, changed bool) {
	from = cb.state
	if from == next {
		return from, false
	}
	cb.state = next
	cb.failures = 0
	cb.successes = 0
	if next == StateOpen {
		cb.openedAt = cb.now()
	}
	return from, true
}

func (cb *CircuitBreaker) notify(from, to State) {
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state changed",
		"name", cb.cfg.Name, "from", from.String(), "to", to.String())
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from, changed := cb.transition(StateClosed)
	cb.mu.Unlock()
	if changed {
		cb.notify(from, StateClosed)
	}
}
