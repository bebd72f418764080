package memory

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxstream/pkg/types"
)

// Compile-time interface assertion.
var _ HistoryStore = (*Buffer)(nil)

// Buffer is an in-process [HistoryStore] that retains at most maxSize entries
// per user and evicts entries older than maxAge. Nothing survives a restart.
//
// All methods are safe for concurrent use.
type Buffer struct {
	mu      sync.RWMutex
	users   map[string][]types.Turn
	maxSize int
	maxAge  time.Duration
	now     func() time.Time
}

// NewBuffer creates a buffer that retains at most maxSize entries per user and
// evicts entries older than maxAge. A maxAge of zero disables age eviction.
func NewBuffer(maxSize int, maxAge time.Duration) *Buffer {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Buffer{
		users:   make(map[string][]types.Turn),
		maxSize: maxSize,
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// Append implements [HistoryStore]. Entries with a zero Timestamp are stamped
// with the current time.
func (b *Buffer) Append(_ context.Context, t types.Turn) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.Timestamp.IsZero() {
		t.Timestamp = b.now()
	}
	b.users[t.UserID] = b.evict(append(b.users[t.UserID], t))
	return nil
}

// Recent implements [HistoryStore].
func (b *Buffer) Recent(_ context.Context, userID string, limit int) ([]types.Turn, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entries := b.users[userID]
	cutoff := b.cutoff()
	start := 0
	for start < len(entries) && entries[start].Timestamp.Before(cutoff) {
		start++
	}
	entries = entries[start:]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	out := make([]types.Turn, len(entries))
	copy(out, entries)
	return out, nil
}

// Clear implements [HistoryStore].
func (b *Buffer) Clear(_ context.Context, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.users, userID)
	return nil
}

// Len returns the number of retained entries for userID.
func (b *Buffer) Len(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.users[userID])
}

func (b *Buffer) cutoff() time.Time {
	if b.maxAge <= 0 {
		return time.Time{}
	}
	return b.now().Add(-b.maxAge)
}

// evict removes entries that are too old or exceed maxSize.
// Must be called with b.mu held.
//
// Surviving entries are copied to a fresh backing array so evicted entries do
// not stay pinned in memory.
func (b *Buffer) evict(entries []types.Turn) []types.Turn {
	cutoff := b.cutoff()

	start := 0
	for start < len(entries) && entries[start].Timestamp.Before(cutoff) {
		start++
	}
	keep := entries[start:]
	if len(keep) > b.maxSize {
		keep = keep[len(keep)-b.maxSize:]
	}

	if len(keep) == len(entries) {
		return entries
	}
	fresh := make([]types.Turn, len(keep), b.maxSize)
	copy(fresh, keep)
	return fresh
}
