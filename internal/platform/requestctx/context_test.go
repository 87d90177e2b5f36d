package requestctx

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestLoggerDefaultsToNoop(t *testing.T) {
	if Logger(context.Background()) != NoopLogger() {
		t.Fatalf("expected noop logger without one stored")
	}
	logger := zap.NewExample()
	if Logger(WithLogger(context.Background(), logger)) != logger {
		t.Fatalf("expected stored logger")
	}
	if Logger(WithLogger(context.Background(), nil)) != NoopLogger() {
		t.Fatalf("expected nil logger stored as noop")
	}
}

func TestTraceID(t *testing.T) {
	if TraceID(context.Background()) != "" {
		t.Fatalf("expected empty trace id")
	}
	ctx := WithTrace(context.Background(), TraceInfo{TraceID: "105445aa", Sampled: true})
	if TraceID(ctx) != "105445aa" {
		t.Fatalf("unexpected trace id %q", TraceID(ctx))
	}
}

func TestAnnotationsAreSharedWithOuterScope(t *testing.T) {
	outer, holder := WithAnnotations(context.Background())
	inner, again := WithAnnotations(context.WithValue(outer, traceKey{}, TraceInfo{}))
	if again != holder {
		t.Fatalf("expected the existing holder reused")
	}

	AnnotateOrder(inner, " 30000001 ", "price")
	AnnotateOrder(inner, "", "confirm")
	if code, action := holder.Order(); code != "30000001" || action != "confirm" {
		t.Fatalf("unexpected annotation %q/%q", code, action)
	}
	if OrderCode(outer) != "30000001" {
		t.Fatalf("expected outer context to see the annotation")
	}
}

func TestAnnotateOrderWithoutHolder(t *testing.T) {
	AnnotateOrder(context.Background(), "30000001", "confirm")
	if OrderCode(context.Background()) != "" {
		t.Fatalf("expected no annotation without a holder")
	}
}
