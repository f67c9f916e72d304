package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/pitabwire/docket/internal/config"
)

// recordSpans installs an always-sampling provider backed by memory.
func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func spanNamed(t *testing.T, exporter *tracetest.InMemoryExporter, name string) tracetest.SpanStub {
	t.Helper()
	for _, s := range exporter.GetSpans() {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no span named %q", name)
	return tracetest.SpanStub{}
}

func spanAttrMap(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string)
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
		{name: "disabled", cfg: config.TracingConfig{}},
		{name: "stdout", cfg: config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}},
		{name: "jaeger", cfg: config.TracingConfig{Enabled: true, Exporter: "jaeger"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := InitTracing(context.Background(), tt.cfg, "docket", "test")
			if tt.wantErr {
				if err == nil {
					t.Fatal("InitTracing() error = nil, want unsupported exporter")
				}
				return
			}
			if err != nil {
				t.Fatalf("InitTracing() error = %v", err)
			}
			if err := shutdown(context.Background()); err != nil {
				t.Errorf("shutdown() error = %v", err)
			}
		})
	}
}

func TestSamplingRatio(t *testing.T) {
	tests := []struct {
		rate, want float64
	}{
		{0, defaultSamplingRate},
		{-1, defaultSamplingRate},
		{0.25, 0.25},
		{1, 1},
		{7, 1},
	}
	for _, tt := range tests {
		if got := samplingRatio(tt.rate); got != tt.want {
			t.Errorf("samplingRatio(%v) = %v, want %v", tt.rate, got, tt.want)
		}
	}
}

func TestStartJobSpan_tagsJobScope(t *testing.T) {
	exporter := recordSpans(t)
	ctx := WithJobScope(context.Background(), JobScope{
		JobID:     "job_20260101120000_abcd1234",
		SessionID: "sess-1",
		Source:    "pacer",
	})

	_, span := StartJobSpan(ctx, "job.run", AttrQuery.String("2:24-cv-00123"))
	span.End()

	attrs := spanAttrMap(spanNamed(t, exporter, "job.run"))
	want := map[string]string{
		"docket.job_id":     "job_20260101120000_abcd1234",
		"docket.session_id": "sess-1",
		"docket.source":     "pacer",
		"docket.query":      "2:24-cv-00123",
	}
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("attr %s = %q, want %q", k, attrs[k], v)
		}
	}
}

func TestStartJobSpan_withoutScope(t *testing.T) {
	exporter := recordSpans(t)
	_, span := StartJobSpan(context.Background(), "job.run")
	span.End()

	attrs := spanAttrMap(spanNamed(t, exporter, "job.run"))
	if _, ok := attrs["docket.job_id"]; ok {
		t.Errorf("attrs = %v, want no job id", attrs)
	}
}

func TestRecordTransition_buildsJobTimeline(t *testing.T) {
	exporter := recordSpans(t)
	ctx, span := StartSpan(context.Background(), "job.run")
	RecordTransition(ctx, "idle", "authenticating", "Signing in")
	RecordTransition(ctx, "authenticating", "searching", "Searching 2:24-cv-00123")
	span.End()

	s := spanNamed(t, exporter, "job.run")
	if len(s.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(s.Events))
	}
	last := s.Events[1]
	if last.Name != EventTransition {
		t.Errorf("event name = %q, want %q", last.Name, EventTransition)
	}
	got := map[string]string{}
	for _, a := range last.Attributes {
		got[string(a.Key)] = a.Value.Emit()
	}
	if got["docket.transition.from"] != "authenticating" || got["docket.transition.to"] != "searching" {
		t.Errorf("event attrs = %v", got)
	}
	if got := spanAttrMap(s)["docket.state"]; got != "searching" {
		t.Errorf("docket.state = %q, want searching", got)
	}
}

func TestRecordTransition_noSpanIsNoop(t *testing.T) {
	RecordTransition(context.Background(), "idle", "failed", "")
	RecordDecision(context.Background(), "court", "answered", time.Second)
}

func TestRecordDecision(t *testing.T) {
	exporter := recordSpans(t)
	ctx, span := StartSpan(context.Background(), "job.run")
	RecordDecision(ctx, "entry_selection", "timed_out", 1500*time.Millisecond)
	span.End()

	s := spanNamed(t, exporter, "job.run")
	if len(s.Events) != 1 || s.Events[0].Name != EventDecision {
		t.Fatalf("events = %+v, want one %s", s.Events, EventDecision)
	}
	got := map[string]string{}
	for _, a := range s.Events[0].Attributes {
		got[string(a.Key)] = a.Value.Emit()
	}
	if got["docket.decision.kind"] != "entry_selection" || got["docket.decision.outcome"] != "timed_out" {
		t.Errorf("event attrs = %v", got)
	}
	if got["docket.decision.wait_ms"] != "1500" {
		t.Errorf("wait_ms = %q, want 1500", got["docket.decision.wait_ms"])
	}
}

func TestEndRaceSpan(t *testing.T) {
	exporter := recordSpans(t)

	_, won := StartSpan(context.Background(), "capture.race")
	EndRaceSpan(won, "fetch", 4096, nil)
	_, lost := StartSpan(context.Background(), "capture.race.timeout")
	EndRaceSpan(lost, "", 0, errors.New("capture race timed out"))

	attrs := spanAttrMap(spanNamed(t, exporter, "capture.race"))
	if attrs["docket.capture.strategy"] != "fetch" || attrs["docket.capture.bytes"] != "4096" {
		t.Errorf("won attrs = %v", attrs)
	}
	failed := spanNamed(t, exporter, "capture.race.timeout")
	if failed.Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", failed.Status.Code)
	}
	if _, ok := spanAttrMap(failed)["docket.capture.strategy"]; ok {
		t.Error("failed race tagged with a strategy")
	}
}

func TestTraceIDFromContext(t *testing.T) {
	recordSpans(t)
	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("TraceIDFromContext() = %q, want empty", got)
	}
	ctx, span := StartSpan(context.Background(), "job.run")
	defer span.End()
	if got := TraceIDFromContext(ctx); got != span.SpanContext().TraceID().String() {
		t.Errorf("TraceIDFromContext() = %q, want span trace id", got)
	}
}

func newTracedRouter(status int) http.Handler {
	r := chi.NewRouter()
	r.Use(TracingMiddleware)
	r.Get("/jobs/{jobId}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	})
	return r
}

func TestTracingMiddleware_namesSpanByRoute(t *testing.T) {
	exporter := recordSpans(t)

	rec := httptest.NewRecorder()
	newTracedRouter(http.StatusOK).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/job_1", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "GET /jobs/{jobId}" {
		t.Errorf("span name = %q, want %q", s.Name, "GET /jobs/{jobId}")
	}
	attrs := spanAttrMap(s)
	if attrs["docket.job_id"] != "job_1" {
		t.Errorf("job id = %q, want job_1", attrs["docket.job_id"])
	}
	if attrs["http.route"] != "/jobs/{jobId}" {
		t.Errorf("http.route = %q", attrs["http.route"])
	}
	if attrs["http.response.status_code"] != "200" {
		t.Errorf("status = %q, want 200", attrs["http.response.status_code"])
	}
	if rec.Header().Get("traceparent") == "" {
		t.Error("response has no traceparent header")
	}
}

func TestTracingMiddleware_serverErrorMarksSpan(t *testing.T) {
	exporter := recordSpans(t)

	newTracedRouter(http.StatusBadGateway).ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodGet, "/jobs/job_1", nil))

	if got := exporter.GetSpans()[0].Status.Code; got != codes.Error {
		t.Errorf("status = %v, want Error", got)
	}
}

func TestTracingMiddleware_continuesInboundTrace(t *testing.T) {
	exporter := recordSpans(t)
	const parent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

	req := httptest.NewRequest(http.MethodGet, "/jobs/job_1", nil)
	req.Header.Set("traceparent", parent)
	newTracedRouter(http.StatusOK).ServeHTTP(httptest.NewRecorder(), req)

	s := exporter.GetSpans()[0]
	if got := s.SpanContext.TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %s, want inbound trace", got)
	}
	if got := s.Parent.SpanID().String(); got != "00f067aa0ba902b7" {
		t.Errorf("parent span id = %s", got)
	}
}

func TestInjectTraceHeaders(t *testing.T) {
	recordSpans(t)
	ctx, span := StartSpan(context.Background(), "capture.fetch")
	defer span.End()

	h := http.Header{}
	InjectTraceHeaders(ctx, h)
	if h.Get("traceparent") == "" {
		t.Error("traceparent not injected")
	}
}

func TestSpanHierarchy_jobRun(t *testing.T) {
	exporter := recordSpans(t)

	ctx := WithJobScope(context.Background(), JobScope{JobID: "job_1", SessionID: "sess-1"})
	ctx, run := StartJobSpan(ctx, "job.run")
	itemCtx, item := StartSpan(ctx, "job.item", AttrQuery.String("2:24-cv-00123"))
	raceCtx, race := StartSpan(itemCtx, "capture.race", AttrTargetID.String("2_24-cv-00123_17"))
	_, fetch := StartSpan(raceCtx, "capture.fetch", AttrAttempt.Int(1))
	fetch.End()
	EndRaceSpan(race, "fetch", 512, nil)
	item.End()
	run.End()

	spans := exporter.GetSpans()
	if len(spans) != 4 {
		t.Fatalf("spans = %d, want 4", len(spans))
	}
	traceID := spans[0].SpanContext.TraceID()
	for _, s := range spans {
		if s.SpanContext.TraceID() != traceID {
			t.Errorf("span %q left the job trace", s.Name)
		}
	}
	if got := spanNamed(t, exporter, "capture.race").Parent.SpanID(); got != item.SpanContext().SpanID() {
		t.Errorf("capture.race parent = %s, want job.item", got)
	}
}
