package telemetry

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vinayprograms/completionkit/errors"
)

// Instrumentation name reported on every span.
const instrumentation = "github.com/vinayprograms/completionkit"

// Attribute keys.
const (
	AttrParentID = attribute.Key("completion.parent_id")
	AttrFutureID = attribute.Key("completion.future_id")
	AttrKind     = attribute.Key("completion.kind")
	AttrAttempt  = attribute.Key("completion.attempt")
	AttrConsumed = attribute.Key("completion.consumed")
	AttrBytes    = attribute.Key("completion.envelope_bytes")
	AttrCode     = attribute.Key("error.code")
)

// Tracer starts completion protocol spans.
type Tracer struct {
	tracer trace.Tracer
}

// New returns a Tracer backed by tp.
func New(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(instrumentation)}
}

// Global returns a Tracer backed by the global provider.
func Global() *Tracer {
	return New(otel.GetTracerProvider())
}

// Noop returns a Tracer that records nothing.
func Noop() *Tracer {
	return New(noop.NewTracerProvider())
}

// StartSubmit starts the span around one submission.
func (t *Tracer) StartSubmit(ctx context.Context, parentID, kind string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "completion.submit",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(AttrParentID.String(parentID), AttrKind.String(kind)))
}

// StartScan starts the span around one consuming scan.
func (t *Tracer) StartScan(ctx context.Context, parentID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "completion.scan",
		trace.WithAttributes(AttrParentID.String(parentID)))
}

// StartExecute starts the span around running and persisting one task.
func (t *Tracer) StartExecute(ctx context.Context, parentID, futureID, kind string, attempt int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "executor.execute",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			AttrParentID.String(parentID),
			AttrFutureID.String(futureID),
			AttrKind.String(kind),
			AttrAttempt.Int(attempt),
		))
}

// End records err, if any, and ends span. Structured errors add their code.
func End(span trace.Span, err error) {
	if err != nil {
		if code := errors.Code(err); code != "" {
			span.SetAttributes(AttrCode.String(string(code)))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// InjectHTTP writes the trace context of ctx into h.
func InjectHTTP(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

// ExtractHTTP returns ctx carrying the trace context found in h.
func ExtractHTTP(ctx context.Context, h http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(h))
}
