package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func setupTracerProvider(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestSpanHelpers(t *testing.T) {
	exporter := setupTracerProvider(t)

	ctx, span := StartSpan(context.Background(), "Reconciler.Reconcile")
	AddSpanAttributes(span, attribute.String("order.id", "ord_1"))
	AddSpanEvent(span, "lock.acquired", attribute.String("lock.token", "tok"))
	RecordSpanError(span, errors.New("vendor rejected"))
	if TraceID(ctx) == "" || SpanID(ctx) == "" {
		t.Error("expected trace and span ids on the span context")
	}
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	got := spans[0]
	if got.Name != "Reconciler.Reconcile" {
		t.Errorf("expected span name Reconciler.Reconcile, got %s", got.Name)
	}
	if got.Status.Code != codes.Error {
		t.Errorf("expected error status, got %v", got.Status.Code)
	}
	if len(got.Events) != 2 {
		t.Errorf("expected lock event plus exception event, got %d", len(got.Events))
	}
	if len(got.Attributes) != 1 || got.Attributes[0].Value.AsString() != "ord_1" {
		t.Errorf("expected order.id attribute, got %v", got.Attributes)
	}
}

func TestStartClientSpan(t *testing.T) {
	recorder := RecordSpans(t)

	_, span := StartClientSpan(context.Background(), "airalo.CreateOrder", "airalo")
	SetSpanSuccess(span)
	span.End()

	if names := SpanNames(recorder); len(names) != 1 || names[0] != "airalo.CreateOrder" {
		t.Fatalf("expected one airalo.CreateOrder span, got %v", names)
	}
	got := recorder.Ended()[0]
	if got.SpanKind() != trace.SpanKindClient {
		t.Errorf("expected client span kind, got %v", got.SpanKind())
	}
	if got.Status().Code != codes.Ok {
		t.Errorf("expected ok status, got %v", got.Status().Code)
	}
}

func TestHelpersTolerateNil(t *testing.T) {
	AddSpanAttributes(nil, attribute.String("k", "v"))
	AddSpanEvent(nil, "event")
	RecordSpanError(nil, errors.New("ignored"))
	SetSpanSuccess(nil)

	if TraceID(context.Background()) != "" || SpanID(context.Background()) != "" {
		t.Error("expected empty ids without a span")
	}
}
