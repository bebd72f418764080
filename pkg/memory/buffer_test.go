package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxstream/pkg/types"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBuffer(maxSize int, maxAge time.Duration) (*Buffer, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	b := NewBuffer(maxSize, maxAge)
	b.now = clk.Now
	return b, clk
}

func turn(user string, role types.Role, content string) types.Turn {
	return types.Turn{UserID: user, Role: role, Content: content}
}

// ─── Append / Recent ────────────────────────────────────────────────────────

func TestBuffer_RecentChronological(t *testing.T) {
	t.Parallel()
	b, clk := newTestBuffer(10, time.Hour)
	ctx := context.Background()

	for i := range 4 {
		_ = b.Append(ctx, turn("u1", types.RoleUser, fmt.Sprintf("m%d", i)))
		clk.Advance(time.Second)
	}

	got, err := b.Recent(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].Content != "m2" || got[1].Content != "m3" {
		t.Errorf("want [m2 m3], got %+v", got)
	}

	all, _ := b.Recent(ctx, "u1", 0)
	if len(all) != 4 {
		t.Errorf("want 4 entries with limit 0, got %d", len(all))
	}
}

func TestBuffer_UsersAreIsolated(t *testing.T) {
	t.Parallel()
	b, _ := newTestBuffer(10, 0)
	ctx := context.Background()

	_ = b.Append(ctx, turn("alice", types.RoleUser, "hi"))
	_ = b.Append(ctx, turn("bob", types.RoleUser, "hello"))

	got, _ := b.Recent(ctx, "alice", 10)
	if len(got) != 1 || got[0].Content != "hi" {
		t.Errorf("want alice's entry only, got %+v", got)
	}
}

func TestBuffer_StampsTimestamp(t *testing.T) {
	t.Parallel()
	b, clk := newTestBuffer(10, 0)
	_ = b.Append(context.Background(), turn("u", types.RoleUser, "x"))
	got, _ := b.Recent(context.Background(), "u", 1)
	if !got[0].Timestamp.Equal(clk.Now()) {
		t.Errorf("want timestamp %v, got %v", clk.Now(), got[0].Timestamp)
	}
}

// ─── eviction ───────────────────────────────────────────────────────────────

func TestBuffer_EvictsBySize(t *testing.T) {
	t.Parallel()
	b, _ := newTestBuffer(3, 0)
	ctx := context.Background()
	for i := range 5 {
		_ = b.Append(ctx, turn("u", types.RoleUser, fmt.Sprintf("m%d", i)))
	}
	if b.Len("u") != 3 {
		t.Fatalf("want 3 retained entries, got %d", b.Len("u"))
	}
	got, _ := b.Recent(ctx, "u", 0)
	if got[0].Content != "m2" {
		t.Errorf("want oldest retained %q, got %q", "m2", got[0].Content)
	}
}

func TestBuffer_EvictsByAge(t *testing.T) {
	t.Parallel()
	b, clk := newTestBuffer(10, time.Minute)
	ctx := context.Background()

	_ = b.Append(ctx, turn("u", types.RoleUser, "old"))
	clk.Advance(2 * time.Minute)

	// Expired entries are hidden from Recent before the next Append evicts them.
	got, _ := b.Recent(ctx, "u", 0)
	if len(got) != 0 {
		t.Errorf("want expired entry hidden, got %+v", got)
	}

	_ = b.Append(ctx, turn("u", types.RoleUser, "new"))
	if b.Len("u") != 1 {
		t.Errorf("want 1 retained entry after eviction, got %d", b.Len("u"))
	}
}

func TestBuffer_Clear(t *testing.T) {
	t.Parallel()
	b, _ := newTestBuffer(10, 0)
	ctx := context.Background()
	_ = b.Append(ctx, turn("u", types.RoleUser, "x"))
	if err := b.Clear(ctx, "u"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if b.Len("u") != 0 {
		t.Errorf("want empty history after Clear, got %d", b.Len("u"))
	}
}

func TestBuffer_RecentReturnsCopy(t *testing.T) {
	t.Parallel()
	b, _ := newTestBuffer(10, 0)
	ctx := context.Background()
	_ = b.Append(ctx, turn("u", types.RoleUser, "x"))
	got, _ := b.Recent(ctx, "u", 0)
	got[0].Content = "mutated"
	again, _ := b.Recent(ctx, "u", 0)
	if again[0].Content != "x" {
		t.Errorf("Recent must return a copy, got %q", again[0].Content)
	}
}

func TestMessages(t *testing.T) {
	t.Parallel()
	msgs := Messages([]types.Turn{
		turn("u", types.RoleUser, "hi"),
		turn("u", types.RoleAssistant, "hello"),
	})
	if len(msgs) != 2 || msgs[1].Role != types.RoleAssistant || msgs[1].Content != "hello" {
		t.Errorf("unexpected messages %+v", msgs)
	}
}

func TestBuffer_ConcurrentAppend(t *testing.T) {
	t.Parallel()
	b := NewBuffer(1000, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				_ = b.Append(ctx, turn("u", types.RoleUser, fmt.Sprintf("%d-%d", i, j)))
			}
		}()
	}
	wg.Wait()
	if b.Len("u") != 400 {
		t.Errorf("want 400 entries, got %d", b.Len("u"))
	}
}
