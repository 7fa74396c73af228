package tracing_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"pseudos3/internal/tracing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// These tests swap the global tracer provider and therefore do not run in
// parallel.

func TestMiddlewareRecordsServerSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	h := tracing.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, trace.SpanFromContext(r.Context()).SpanContext().IsValid(), "handler sees the span")
		w.Header().Set("x-amz-request-id", "REQ1")
		w.WriteHeader(http.StatusNotFound)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bucket/key", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "GET /bucket/key", spans[0].Name())
	require.Equal(t, trace.SpanKindServer, spans[0].SpanKind())
	require.Contains(t, spans[0].Attributes(), attribute.Int("http.status_code", http.StatusNotFound))
	require.Contains(t, spans[0].Attributes(), attribute.String("s3.request_id", "REQ1"))
}

func TestInit(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	tests := []struct {
		name string
		opt  tracing.Options
	}{
		{name: "disabled", opt: tracing.Options{}},
		{name: "enabled without endpoint", opt: tracing.Options{Enabled: true, SampleRatio: 1}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			shutdown, err := tracing.Init(t.Context(), tc.opt)
			require.NoError(t, err)
			require.NotNil(t, shutdown)
			require.NoError(t, shutdown(t.Context()))
		})
	}
}
