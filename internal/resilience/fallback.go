package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxstream/internal/observe"
)

// ErrAllFailed is returned when every member of a [Group] failed or was
// skipped by its breaker.
var ErrAllFailed = errors.New("all providers failed")

// Request status labels recorded per attempt.
const (
	statusOK          = "ok"
	statusError       = "error"
	statusCircuitOpen = "circuit_open"
)

// GroupConfig configures a [Group].
type GroupConfig struct {
	// Kind labels metrics and logs: "llm", "stt" or "tts".
	Kind string

	// Breaker is the template for each member's breaker. Name is replaced
	// with the member name.
	Breaker BreakerConfig

	// Metrics, if set, records one provider request per attempt.
	Metrics *observe.Metrics
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Group tries a primary provider and then its fallbacks in order, skipping
// members whose breaker is open. Members are added before first use.
type Group[T any] struct {
	cfg     GroupConfig
	members []member[T]
}

// NewGroup returns a group with primary as its first member.
func NewGroup[T any](primaryName string, primary T, cfg GroupConfig) *Group[T] {
	g := &Group[T]{cfg: cfg}
	g.Add(primaryName, primary)
	return g
}

// Add appends a fallback.
func (g *Group[T]) Add(name string, value T) {
	bc := g.cfg.Breaker
	bc.Name = g.cfg.Kind + "/" + name
	g.members = append(g.members, member[T]{name: name, value: value, breaker: NewCircuitBreaker(bc)})
}

// Names lists the members in trial order.
func (g *Group[T]) Names() []string {
	names := make([]string, len(g.members))
	for i, m := range g.members {
		names[i] = m.name
	}
	return names
}

// Primary returns the first member.
func (g *Group[T]) Primary() T { return g.members[0].value }

// States reports each member's breaker state, keyed by member name.
func (g *Group[T]) States() map[string]State {
	out := make(map[string]State, len(g.members))
	for _, m := range g.members {
		out[m.name] = m.breaker.State()
	}
	return out
}

// Call runs fn against each member in turn until one succeeds. It stops as
// soon as ctx is done. The returned error wraps [ErrAllFailed] and every
// member's error.
func Call[T, R any](ctx context.Context, g *Group[T], fn func(ctx context.Context, p T) (R, error)) (R, error) {
	var (
		errs []error
		zero R
	)
	for _, m := range g.members {
		var out R
		err := m.breaker.Do(ctx, func(ctx context.Context) error {
			var err error
			out, err = fn(ctx, m.value)
			return err
		})
		if err == nil {
			g.record(ctx, m.name, statusOK)
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
		if errors.Is(err, ErrCircuitOpen) {
			g.record(ctx, m.name, statusCircuitOpen)
			slog.Debug("provider skipped, circuit open", "kind", g.cfg.Kind, "provider", m.name)
			continue
		}
		g.record(ctx, m.name, statusError)
		if len(g.members) > 1 {
			slog.Warn("provider failed, trying next", "kind", g.cfg.Kind, "provider", m.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%s: %w: %w", g.cfg.Kind, ErrAllFailed, errors.Join(errs...))
}

func (g *Group[T]) record(ctx context.Context, name, status string) {
	if g.cfg.Metrics == nil {
		return
	}
	g.cfg.Metrics.RecordProviderRequest(ctx, name, g.cfg.Kind, status)
	if status == statusError {
		g.cfg.Metrics.RecordProviderError(ctx, name, g.cfg.Kind)
	}
}
