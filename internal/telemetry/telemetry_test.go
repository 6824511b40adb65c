package telemetry

import (
	"context"
	"errors"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_NoEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "test", "")
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestSpanAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer = tp.Tracer("test")
	t.Cleanup(func() { tracer = nil })

	ctx, span := StartSpan(context.Background(), "gateway.request")
	AddRequestAttributes(span, "t1", "gpt-4o", "req-1", true)
	AddChannelAttributes(span, "ch-1", "openai", 1)
	AddStateAttribute(span, "dispatched")
	AddErrorAttribute(span, errors.New("boom"))

	if GetTraceID(ctx) == "" {
		t.Error("expected a trace id on a recording span")
	}
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}

	attrs := map[string]bool{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = true
	}
	for _, key := range []string{"tenant.id", "channel.id", "attempt", "error.message"} {
		if !attrs[key] {
			t.Errorf("missing attribute %q", key)
		}
	}
	if len(spans[0].Events()) == 0 {
		t.Error("expected state and error events")
	}
}

func TestGetTraceID_NoSpan(t *testing.T) {
	if id := GetTraceID(context.Background()); id != "" {
		t.Errorf("GetTraceID() = %q, want empty", id)
	}
}
