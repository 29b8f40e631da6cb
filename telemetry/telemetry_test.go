package telemetry

import (
	"context"
	"errors"
	"testing"
)

func TestNoopMetricsDoesNotPanic(t *testing.T) {
	var m Metrics = NoopMetrics{}
	m.Counter(context.Background(), "pub.registered", 1, map[string]string{"topic": "/test"})
}

func TestNoopTracerReturnsUsableSpan(t *testing.T) {
	var tr Tracer = NoopTracer{}
	ctx, span := tr.Start(context.Background(), "hub.spin_once", nil)
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	span.End(errors.New("some error"))
	span.End(nil)
}
