package observe

import (
	"bytes"
	"context"
	"log/slog"
	"regexp"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs points the default logger at a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

var hexID = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestCorrelationID(t *testing.T) {
	useTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("without span = %q, want empty", got)
	}

	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "session.audio")
		cid := CorrelationID(ctx)
		span.End()
		if !hexID.MatchString(cid) {
			t.Fatalf("correlation id %q is not a trace id", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation id %s", cid)
		}
		seen[cid] = true
	}
}

func TestStartSpan_Nesting(t *testing.T) {
	exp := useTracer(t)

	ctx, turn := StartSpan(context.Background(), "session.audio")
	_, stt := StartSpan(ctx, "stt.transcribe")
	stt.End()
	turn.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	child, parent := spans[0], spans[1]
	if child.Name != "stt.transcribe" || parent.Name != "session.audio" {
		t.Fatalf("span names = %q, %q", child.Name, parent.Name)
	}
	if child.Parent.SpanID() != parent.SpanContext.SpanID() {
		t.Error("stt span is not a child of the turn span")
	}
	if child.SpanContext.TraceID() != parent.SpanContext.TraceID() {
		t.Error("child span started a new trace")
	}
}

func TestLogger(t *testing.T) {
	useTracer(t)

	tests := []struct {
		name    string
		session string
		span    bool
		want    []string
		notWant []string
	}{
		{name: "bare", notWant: []string{"correlation_id", "trace_id", "span_id"}},
		{name: "session only", session: "sess-42", want: []string{"correlation_id=sess-42"}, notWant: []string{"trace_id"}},
		{name: "span only", span: true, want: []string{"trace_id=", "span_id="}, notWant: []string{"correlation_id"}},
		{name: "session and span", session: "sess-7", span: true, want: []string{"correlation_id=sess-7", "trace_id=", "span_id="}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			ctx := context.Background()
			if tt.session != "" {
				ctx = WithSession(ctx, tt.session)
			}
			if tt.span {
				var span trace.Span
				ctx, span = StartSpan(ctx, "session.text")
				defer span.End()
			}

			Logger(ctx).Info("attempt graded")
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q is missing %q", out, w)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(out, w) {
					t.Errorf("log %q must not contain %q", out, w)
				}
			}
		})
	}
}

func TestSessionID(t *testing.T) {
	if got := SessionID(context.Background()); got != "" {
		t.Errorf("SessionID(background) = %q", got)
	}
	ctx := WithSession(WithSession(context.Background(), "outer"), "inner")
	if got := SessionID(ctx); got != "inner" {
		t.Errorf("SessionID = %q, want inner", got)
	}
}
