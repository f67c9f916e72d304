package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/docket/internal/config"
)

const tracerName = "github.com/pitabwire/docket"

// defaultSamplingRate applies when the configured rate is unset.
const defaultSamplingRate = 0.1

// Span attribute keys.
var (
	AttrJobID     = attribute.Key("docket.job_id")
	AttrSessionID = attribute.Key("docket.session_id")
	AttrSource    = attribute.Key("docket.source")
	AttrQuery     = attribute.Key("docket.query")
	AttrState     = attribute.Key("docket.state")
	AttrTargetID  = attribute.Key("docket.capture.target_id")
	AttrStrategy  = attribute.Key("docket.capture.strategy")
	AttrBytes     = attribute.Key("docket.capture.bytes")
	AttrAttempt   = attribute.Key("docket.attempt")

	AttrFromState       = attribute.Key("docket.transition.from")
	AttrToState         = attribute.Key("docket.transition.to")
	AttrMessage         = attribute.Key("docket.transition.message")
	AttrDecisionKind    = attribute.Key("docket.decision.kind")
	AttrDecisionOutcome = attribute.Key("docket.decision.outcome")
	AttrDecisionWaitMs  = attribute.Key("docket.decision.wait_ms")
)

// Span event names.
const (
	EventTransition = "state.transition"
	EventDecision   = "decision.resolved"
)

// InitTracing installs the global TracerProvider and W3C propagators. The
// returned shutdown flushes pending spans. With tracing disabled it is a
// no-op.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout)", cfg.Exporter)
	}
}

// samplingRatio clamps rate to (0, 1].
func samplingRatio(rate float64) float64 {
	switch {
	case rate <= 0:
		return defaultSamplingRate
	case rate > 1:
		return 1
	}
	return rate
}

// newSampler samples root spans by ratio and follows the parent otherwise,
// so a job's spans are kept or dropped together.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	ratio := samplingRatio(cfg.SamplingRate)
	if ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// Tracer returns the package tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span with the package tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	var opts []trace.SpanStartOption
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	return Tracer().Start(ctx, name, opts...)
}

// StartJobSpan starts a span tagged with the job scope stored in ctx.
func StartJobSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if scope, ok := JobScopeFrom(ctx); ok {
		attrs = append(scopeAttributes(scope), attrs...)
	}
	return StartSpan(ctx, name, attrs...)
}

func scopeAttributes(scope JobScope) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrJobID.String(scope.JobID),
		AttrSessionID.String(scope.SessionID),
	}
	if scope.Source != "" {
		attrs = append(attrs, AttrSource.String(scope.Source))
	}
	return attrs
}

// EndSpanWithError ends span, marking it failed when err is non-nil.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// EndRaceSpan ends a capture race span. A captured resource tags the span
// with the winning strategy and its size.
func EndRaceSpan(span trace.Span, winner string, size int, err error) {
	if err == nil {
		span.SetAttributes(AttrStrategy.String(winner), AttrBytes.Int(size))
	}
	EndSpanWithError(span, err)
}

// RecordTransition adds a state transition to the span in ctx, which turns
// the job span into the job's timeline.
func RecordTransition(ctx context.Context, from, to, message string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(EventTransition, trace.WithAttributes(
		AttrFromState.String(from),
		AttrToState.String(to),
		AttrMessage.String(message),
	))
	span.SetAttributes(AttrState.String(to))
}

// RecordDecision adds the resolution of an operator decision to the span in
// ctx.
func RecordDecision(ctx context.Context, kind, outcome string, wait time.Duration) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(EventDecision, trace.WithAttributes(
		AttrDecisionKind.String(kind),
		AttrDecisionOutcome.String(outcome),
		AttrDecisionWaitMs.Int64(wait.Milliseconds()),
	))
}

// TraceIDFromContext returns the trace ID of the span in ctx, or "".
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// TracingMiddleware starts a server span per request, continuing an inbound
// traceparent. Once routed, the span is named after the chi route pattern
// and tagged with the job it addresses.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			pattern := routePattern(r)
			span.SetName(r.Method + " " + pattern)
			span.SetAttributes(semconv.HTTPRouteKey.String(pattern))
			if jobID := rctx.URLParam("jobId"); jobID != "" {
				span.SetAttributes(AttrJobID.String(jobID))
			}
		}
		span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}

// InjectTraceHeaders writes the trace context of ctx into outbound request
// headers.
func InjectTraceHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}
