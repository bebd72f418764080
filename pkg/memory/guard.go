package memory

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/voxstream/pkg/types"
)

// Compile-time check that Guard satisfies HistoryStore.
var _ HistoryStore = (*Guard)(nil)

// Guard wraps a [HistoryStore] and makes all operations non-fatal. If the
// underlying store fails, operations return empty results and log warnings
// instead of propagating errors.
//
// This keeps conversations going while the history backend is unavailable
// (database restart, network partition). [Guard.IsDegraded] reports whether
// the most recent operation failed.
//
// All methods are safe for concurrent use.
type Guard struct {
	store    HistoryStore
	degraded atomic.Bool
}

// NewGuard creates a Guard wrapping store.
func NewGuard(store HistoryStore) *Guard {
	return &Guard{store: store}
}

// Append writes t to the underlying store. On failure the error is logged and
// swallowed; the store is marked as degraded.
func (g *Guard) Append(ctx context.Context, t types.Turn) error {
	if err := g.store.Append(ctx, t); err != nil {
		g.degraded.Store(true)
		slog.Warn("memory guard: append failed, swallowing error",
			"user_id", t.UserID,
			"turn_id", t.TurnID,
			"err", err,
		)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// Recent reads from the underlying store. On failure an empty slice is
// returned and the store is marked as degraded.
func (g *Guard) Recent(ctx context.Context, userID string, limit int) ([]types.Turn, error) {
	turns, err := g.store.Recent(ctx, userID, limit)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("memory guard: recent failed, returning empty",
			"user_id", userID,
			"limit", limit,
			"err", err,
		)
		return []types.Turn{}, nil
	}
	g.degraded.Store(false)
	return turns, nil
}

// Clear is passed through unguarded: a caller that asked for deletion must
// learn whether it happened.
func (g *Guard) Clear(ctx context.Context, userID string) error {
	err := g.store.Clear(ctx, userID)
	g.degraded.Store(err != nil)
	return err
}

// Ping delegates to the underlying store when it implements [Pinger].
func (g *Guard) Ping(ctx context.Context) error {
	if p, ok := g.store.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// IsDegraded reports whether the most recent operation on the underlying
// store failed.
func (g *Guard) IsDegraded() bool {
	return g.degraded.Load()
}
