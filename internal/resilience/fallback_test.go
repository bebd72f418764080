package resilience

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxstream/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxstream/pkg/provider/llm/mock"
	"github.com/MrWong99/voxstream/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxstream/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/voxstream/pkg/provider/tts/mock"
	"github.com/MrWong99/voxstream/pkg/types"
)

// ─── Group ───────────────────────────────────────────────────────────────────

func TestCall(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		failing   []string
		want      string
		wantErr   bool
		wantTried []string
	}{
		{name: "primary succeeds", want: "a", wantTried: []string{"a"}},
		{name: "first fallback", failing: []string{"a"}, want: "b", wantTried: []string{"a", "b"}},
		{name: "last fallback", failing: []string{"a", "b"}, want: "c", wantTried: []string{"a", "b", "c"}},
		{name: "all fail", failing: []string{"a", "b", "c"}, wantErr: true, wantTried: []string{"a", "b", "c"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			g := NewGroup("a", "a", GroupConfig{Kind: "test"})
			g.Add("b", "b")
			g.Add("c", "c")

			var tried []string
			got, err := Call(context.Background(), g, func(_ context.Context, p string) (string, error) {
				tried = append(tried, p)
				if slices.Contains(tc.failing, p) {
					return "", errTest
				}
				return p, nil
			})
			if tc.wantErr {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
					t.Errorf("err = %v, want ErrAllFailed wrapping errTest", err)
				}
			} else if err != nil || got != tc.want {
				t.Errorf("got %q, %v; want %q", got, err, tc.want)
			}
			if !slices.Equal(tried, tc.wantTried) {
				t.Errorf("tried = %v, want %v", tried, tc.wantTried)
			}
		})
	}
}

func TestCall_SkipsOpenCircuit(t *testing.T) {
	t.Parallel()
	g := NewGroup("a", "a", GroupConfig{Kind: "test", Breaker: BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}})
	g.Add("b", "b")

	ctx := context.Background()
	calls := map[string]int{}
	fn := func(_ context.Context, p string) (string, error) {
		calls[p]++
		if p == "a" {
			return "", errTest
		}
		return p, nil
	}
	for range 3 {
		if got, err := Call(ctx, g, fn); err != nil || got != "b" {
			t.Fatalf("got %q, %v", got, err)
		}
	}
	if calls["a"] != 1 {
		t.Errorf("primary called %d times, want 1 before its circuit opened", calls["a"])
	}
	if s := g.States()["a"]; s != StateOpen {
		t.Errorf("primary state = %v, want open", s)
	}
}

func TestCall_StopsOnCancellation(t *testing.T) {
	t.Parallel()
	g := NewGroup("a", "a", GroupConfig{Kind: "test"})
	g.Add("b", "b")

	ctx, cancel := context.WithCancel(context.Background())
	var tried []string
	_, err := Call(ctx, g, func(ctx context.Context, p string) (string, error) {
		tried = append(tried, p)
		cancel()
		return "", ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if !slices.Equal(tried, []string{"a"}) {
		t.Errorf("tried = %v, want only the primary", tried)
	}
}

func TestGroup_Names(t *testing.T) {
	t.Parallel()
	g := NewGroup("openai", 1, GroupConfig{})
	g.Add("ollama", 2)
	if got := g.Names(); !slices.Equal(got, []string{"openai", "ollama"}) {
		t.Errorf("Names = %v", got)
	}
	if g.Primary() != 1 {
		t.Errorf("Primary = %d", g.Primary())
	}
}

// ─── Provider wrappers ───────────────────────────────────────────────────────

func collect(t *testing.T, ch <-chan llm.Chunk) string {
	t.Helper()
	var b strings.Builder
	for c := range ch {
		b.WriteString(c.Text)
	}
	return b.String()
}

func TestLLMFallback_Stream(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		primary   *llmmock.Provider
		want      string
		wantCalls int
	}{
		{
			name:      "primary streams",
			primary:   &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "from "}, {Text: "primary"}}},
			want:      "from primary",
			wantCalls: 0,
		},
		{
			name:      "open error",
			primary:   &llmmock.Provider{StreamErr: errTest},
			want:      "from fallback",
			wantCalls: 1,
		},
		{
			name:      "error before first token",
			primary:   &llmmock.Provider{StreamChunks: []llm.Chunk{{FinishReason: llm.FinishReasonError}}},
			want:      "from fallback",
			wantCalls: 1,
		},
		{
			name:      "error after first token is kept",
			primary:   &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "partial"}, {FinishReason: llm.FinishReasonError}}},
			want:      "partial",
			wantCalls: 0,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fallback := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "from fallback", FinishReason: "stop"}}}
			f := NewLLMFallback("primary", tc.primary, GroupConfig{})
			f.AddFallback("fallback", fallback)

			ch, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{})
			if err != nil {
				t.Fatalf("StreamCompletion: %v", err)
			}
			if got := collect(t, ch); got != tc.want {
				t.Errorf("text = %q, want %q", got, tc.want)
			}
			if n := len(fallback.StreamCalls()); n != tc.wantCalls {
				t.Errorf("fallback calls = %d, want %d", n, tc.wantCalls)
			}
		})
	}
}

func TestLLMFallback_EmptyStream(t *testing.T) {
	t.Parallel()
	f := NewLLMFallback("primary", &llmmock.Provider{}, GroupConfig{})
	ch, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	if got := collect(t, ch); got != "" {
		t.Errorf("text = %q", got)
	}
}

func TestLLMFallback_Complete(t *testing.T) {
	t.Parallel()
	f := NewLLMFallback("primary", &llmmock.Provider{CompleteErr: errTest}, GroupConfig{})
	f.AddFallback("fallback", &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}})

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil || resp.Content != "ok" {
		t.Errorf("got %+v, %v", resp, err)
	}
	if got := f.Group().Names(); !slices.Equal(got, []string{"primary", "fallback"}) {
		t.Errorf("names = %v", got)
	}
}

func TestSTTFallback(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{Err: errTest}
	f := NewSTTFallback("whisper", primary, GroupConfig{})
	f.AddFallback("backup", &sttmock.Provider{Text: "hello"})

	got, err := f.Transcribe(context.Background(), stt.Request{Audio: []byte{0, 0}, Format: types.FormatPCM})
	if err != nil || got != "hello" {
		t.Errorf("got %q, %v", got, err)
	}
	if primary.CallCount() != 1 {
		t.Errorf("primary calls = %d", primary.CallCount())
	}
}

func TestTTSFallback(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{Err: errTest, ListVoicesErr: errTest}
	backup := &ttsmock.Provider{ListVoicesResult: []types.VoiceProfile{{ID: "v1"}}}
	f := NewTTSFallback("elevenlabs", primary, GroupConfig{})
	f.AddFallback("coqui", backup)

	pcm, err := f.Synthesize(context.Background(), "Hi.", types.VoiceProfile{ID: "v1"})
	if err != nil || string(pcm) != "Hi." {
		t.Errorf("Synthesize = %q, %v", pcm, err)
	}
	voices, err := f.ListVoices(context.Background())
	if err != nil || len(voices) != 1 {
		t.Errorf("ListVoices = %v, %v", voices, err)
	}

	all := NewTTSFallback("only", &ttsmock.Provider{Err: errTest}, GroupConfig{})
	if _, err := all.Synthesize(context.Background(), "Hi.", types.VoiceProfile{}); !errors.Is(err, ErrAllFailed) {
		t.Errorf("single failing member err = %v, want ErrAllFailed", err)
	}
}
