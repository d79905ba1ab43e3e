package metrics

import (
	"context"
	"errors"
	"testing"
)

func TestSimpleTracerRecordsSpans(t *testing.T) {
	tracer := NewSimpleTracer()

	ctx, end := tracer.StartSpan(context.Background(), SpanHandshakeClient,
		WithSpanKind(SpanKindClient),
		WithAttributes(map[string]interface{}{"cipher": "TLS_AES_128_GCM_SHA256"}))
	if ctx == nil {
		t.Fatal("nil context from StartSpan")
	}
	if len(tracer.Spans()) != 0 {
		t.Error("span recorded before its ender ran")
	}
	end(nil)

	spans := tracer.Spans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name != SpanHandshakeClient {
		t.Errorf("name = %s", span.Name)
	}
	if span.Kind != SpanKindClient {
		t.Errorf("kind = %v", span.Kind)
	}
	if span.Attributes["cipher"] != "TLS_AES_128_GCM_SHA256" {
		t.Errorf("attributes = %v", span.Attributes)
	}
	if span.Error != nil {
		t.Errorf("error = %v", span.Error)
	}
	if span.Duration < 0 || span.EndTime.Before(span.StartTime) {
		t.Error("span timing inconsistent")
	}
}

func TestSimpleTracerRecordsFailure(t *testing.T) {
	tracer := NewSimpleTracer()
	boom := errors.New("handshake_failure")

	_, end := tracer.StartSpan(context.Background(), SpanHandshakeClient)
	end(boom)

	spans := tracer.Spans()
	if len(spans) != 1 || !errors.Is(spans[0].Error, boom) {
		t.Errorf("spans = %v", spans)
	}

	tracer.Reset()
	if len(tracer.Spans()) != 0 {
		t.Error("reset did not clear spans")
	}
}

func TestNoOpTracer(t *testing.T) {
	ctx, end := NoOpTracer{}.StartSpan(context.Background(), "anything")
	if ctx == nil {
		t.Error("nil context")
	}
	end(nil) // must not panic
}

func TestGlobalTracer(t *testing.T) {
	if GetTracer() == nil {
		t.Fatal("no default tracer")
	}
	defer SetTracer(NoOpTracer{})

	simple := NewSimpleTracer()
	SetTracer(simple)
	if GetTracer() != Tracer(simple) {
		t.Error("SetTracer did not take effect")
	}

	// The package-level StartSpan routes through the global tracer.
	_, end := StartSpan(context.Background(), SpanNewSessionTicket)
	end(nil)
	if len(simple.Spans()) != 1 {
		t.Errorf("global StartSpan recorded %d spans", len(simple.Spans()))
	}
}

func TestOTelTracerSatisfiesInterface(t *testing.T) {
	var tracer Tracer = NewOTelTracer("tls13-test")
	_, end := tracer.StartSpan(context.Background(), SpanHandshakeClient)
	end(nil) // must not panic in either build variant
	_ = OTelEnabled()
}
