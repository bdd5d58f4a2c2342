package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/autoflow/internal/config"
)

// recordSpans installs a synchronous in-memory provider as the global one.
func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return exporter
}

func onlySpan(t *testing.T, exporter *tracetest.InMemoryExporter) tracetest.SpanStub {
	t.Helper()
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	return spans[0]
}

func attrs(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string, len(s.Attributes))
	for _, a := range s.Attributes {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}

func TestInitTracing(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TracingConfig
		wantErr bool
	}{
		{"disabled", config.TracingConfig{}, false},
		{"stdout", config.TracingConfig{Enabled: true, Exporter: "stdout", SampleRate: 1}, false},
		{"unknown exporter", config.TracingConfig{Enabled: true, Exporter: "zipkin"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			prev := otel.GetTracerProvider()
			t.Cleanup(func() { otel.SetTracerProvider(prev) })

			shutdown, err := InitTracing(context.Background(), tc.cfg, "autoflow", "test")
			if tc.wantErr {
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

func TestSampler(t *testing.T) {
	for _, rate := range []float64{-1, 0, 0.25, 1, 7} {
		if s := sampler(rate); s == nil || s.Description() == "" {
			t.Errorf("sampler(%v) = %v", rate, s)
		}
	}
}

func TestStartSpan_attributes(t *testing.T) {
	exporter := recordSpans(t)

	ctx, span := StartSpan(context.Background(), "workflow.step",
		AttrInstanceID.String("inst-1"),
		AttrStateID.String("fetch"),
	)
	if trace.SpanFromContext(ctx) != span {
		t.Error("returned context does not carry the span")
	}
	span.End()

	got := attrs(onlySpan(t, exporter))
	if got["autoflow.instance_id"] != "inst-1" || got["autoflow.state_id"] != "fetch" {
		t.Errorf("attributes = %v", got)
	}
}

func TestEndSpanWithError(t *testing.T) {
	exporter := recordSpans(t)

	_, ok := StartSpan(context.Background(), "ok")
	EndSpanWithError(ok, nil)
	_, failed := StartSpan(context.Background(), "failed")
	EndSpanWithError(failed, errors.New("http 503"))

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("span without error has error status")
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "http 503" {
		t.Errorf("status = %+v, want error 'http 503'", spans[1].Status)
	}
	if len(spans[1].Events) == 0 {
		t.Error("error was not recorded as an event")
	}
}

func TestTraceIDFromContext(t *testing.T) {
	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("without span = %q, want empty", got)
	}

	recordSpans(t)
	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	if got := TraceIDFromContext(ctx); got != span.SpanContext().TraceID().String() {
		t.Errorf("TraceIDFromContext = %q, want %s", got, span.SpanContext().TraceID())
	}
}

func TestInjectTraceHeaders(t *testing.T) {
	recordSpans(t)
	ctx, span := StartSpan(context.Background(), "http_request")
	defer span.End()

	h := http.Header{}
	InjectTraceHeaders(ctx, h)
	if h.Get("Traceparent") == "" {
		t.Error("Traceparent not injected")
	}
}

func TestTracingMiddleware(t *testing.T) {
	exporter := recordSpans(t)

	r := chi.NewRouter()
	r.Use(TracingMiddleware)
	r.Post("/api/instances/{instanceId}/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	const traceID = "0af7651916cd43dd8448eb211c80319c"
	req := httptest.NewRequest(http.MethodPost, "/api/instances/abc/cancel", nil)
	req.Header.Set("Traceparent", "00-"+traceID+"-b7ad6b7169203331-01")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	s := onlySpan(t, exporter)
	if s.Name != "POST /api/instances/{instanceId}/cancel" {
		t.Errorf("span name = %q, want route pattern", s.Name)
	}
	if s.SpanKind != trace.SpanKindServer {
		t.Errorf("span kind = %v, want server", s.SpanKind)
	}
	if s.SpanContext.TraceID().String() != traceID {
		t.Errorf("trace id = %s, want inbound %s", s.SpanContext.TraceID(), traceID)
	}
	if got := attrs(s)["http.response.status_code"]; got != "503" {
		t.Errorf("status attribute = %q, want 503", got)
	}
	if s.Status.Code != codes.Error {
		t.Error("5xx response should mark the span as error")
	}
	if w.Header().Get("Traceparent") == "" {
		t.Error("response is missing Traceparent")
	}
}
