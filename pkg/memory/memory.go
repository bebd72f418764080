// Package memory defines the conversation history store used by the turn
// orchestrator.
//
// History is a time-ordered log of [types.Turn] entries keyed by user. The
// orchestrator reads the most recent entries before each generation and
// appends the user transcript and assistant reply once a turn completes. Both
// calls are best-effort: a failing store degrades the conversation to
// stateless replies but never blocks or fails a turn.
//
// Two implementations ship with voxstream: [Buffer], an in-process bounded
// store, and the PostgreSQL-backed store in package postgres.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"

	"github.com/MrWong99/voxstream/pkg/types"
)

// HistoryStore persists and retrieves conversation turns.
type HistoryStore interface {
	// Append records t under t.UserID. Entries are returned by Recent in the
	// order they were appended.
	Append(ctx context.Context, t types.Turn) error

	// Recent returns up to limit of the newest entries for userID in
	// chronological order (oldest first). A limit of zero or less returns
	// every retained entry.
	Recent(ctx context.Context, userID string, limit int) ([]types.Turn, error)

	// Clear deletes every entry for userID.
	Clear(ctx context.Context, userID string) error
}

// Pinger is implemented by stores that depend on an external service.
// Readiness checks use it to verify connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Messages converts history entries into LLM conversation messages.
func Messages(turns []types.Turn) []types.Message {
	out := make([]types.Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, t.Message())
	}
	return out
}
