package observe

import (
	"bytes"
	"context"
	"log/slog"
	"regexp"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var hexTraceID = regexp.MustCompile(`^[0-9a-f]{32}$`)

// useTracerProvider installs an in-memory tracer provider as the global one
// for the duration of the test.
func useTracerProvider(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	useTracerProvider(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("without span = %q, want empty", got)
	}

	ctx, span := StartSpan(context.Background(), "turn")
	defer span.End()
	if got := CorrelationID(ctx); !hexTraceID.MatchString(got) {
		t.Errorf("with span = %q, want 32 hex digits", got)
	}

	child, childSpan := StartSpan(ctx, "turn.generate")
	defer childSpan.End()
	if CorrelationID(child) != CorrelationID(ctx) {
		t.Error("child span has a different trace id than its parent")
	}
}

func TestStartSpan_RecordsOnGlobalProvider(t *testing.T) {
	exp := useTracerProvider(t)

	_, span := StartSpan(context.Background(), "turn.recognize")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "turn.recognize" {
		t.Fatalf("spans = %v", spans)
	}
	if spans[0].InstrumentationScope.Name != tracerName {
		t.Errorf("scope = %q, want %q", spans[0].InstrumentationScope.Name, tracerName)
	}
}

func TestLogger(t *testing.T) {
	useTracerProvider(t)

	tests := []struct {
		name     string
		withSpan bool
	}{
		{name: "with span", withSpan: true},
		{name: "without span"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf := captureLogs(t)
			ctx := context.Background()
			if tc.withSpan {
				c, s := StartSpan(ctx, "log")
				defer s.End()
				ctx = c
			}
			Logger(ctx).Info("hello")

			out := buf.String()
			hasTrace := bytes.Contains([]byte(out), []byte("trace_id="))
			hasSpan := bytes.Contains([]byte(out), []byte("span_id="))
			if hasTrace != tc.withSpan || hasSpan != tc.withSpan {
				t.Errorf("trace_id %v, span_id %v in %q; want both %v", hasTrace, hasSpan, out, tc.withSpan)
			}
		})
	}
}
