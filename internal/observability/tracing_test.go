package observability

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/pitabwire/jornada/internal/config"
	"github.com/pitabwire/jornada/model"
)

func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestInitTracing(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TracingConfig
		wantErr bool
	}{
		{"disabled", config.TracingConfig{}, false},
		{"stdout", config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}, false},
		{"jaeger is not offered", config.TracingConfig{Enabled: true, Exporter: "jaeger"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := otel.GetTracerProvider()
			t.Cleanup(func() { otel.SetTracerProvider(prev) })

			shutdown, err := InitTracing(context.Background(), tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("InitTracing: %v", err)
			}
			if err := shutdown(context.Background()); err != nil {
				t.Errorf("shutdown: %v", err)
			}
		})
	}
}

func TestEndSpanWithError(t *testing.T) {
	exporter := recordSpans(t)

	_, ok := StartSpan(context.Background(), "billing.Sweep")
	EndSpanWithError(ok, nil)
	_, failed := StartSpan(context.Background(), "journey.AdvanceStage", AttrInstanceID.String("inst-1"))
	EndSpanWithError(failed, model.NewStateConflictError(model.ConflictInstanceNotActive, "instance is not active"))

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Unset || len(spans[0].Events) != 0 {
		t.Errorf("successful span status = %v, events = %d", spans[0].Status.Code, len(spans[0].Events))
	}
	if spans[1].Status.Code != codes.Error {
		t.Errorf("failed span status = %v, want Error", spans[1].Status.Code)
	}
	if len(spans[1].Events) != 1 || spans[1].Events[0].Name != "exception" {
		t.Errorf("failed span events = %+v, want one exception", spans[1].Events)
	}
}

func TestTraceIDFromContext(t *testing.T) {
	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("without span = %q, want empty", got)
	}

	recordSpans(t)
	ctx, span := StartSpan(context.Background(), "journey.StartInstance")
	defer span.End()

	if got, want := TraceIDFromContext(ctx), span.SpanContext().TraceID().String(); got != want {
		t.Errorf("trace id = %q, want %q", got, want)
	}
}
