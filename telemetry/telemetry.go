// Package telemetry bridges the engine to OpenTelemetry. Spans are
// created against the globally registered tracer provider, so the
// package stays inert (noop tracer) until the host process installs
// one. It also provides trace context extraction for log correlation.
package telemetry

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/flowstack-io/flowstack"

// StartSpan starts a child span of the span in ctx, or a root span when
// ctx carries none.
//
// Usage:
//
//	ctx, span := telemetry.StartSpan(ctx, "flow.execute",
//	    attribute.String("flow.id", flowID),
//	)
//	defer span.End()
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// InjectHTTP writes the current trace context into outgoing request
// headers using the globally registered propagator (W3C traceparent by
// default). Downstream webhook receivers can join the trace.
func InjectHTTP(ctx context.Context, header http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
}

// ExtractHTTP reads trace context from incoming request headers into a
// new context, so handler spans become children of the caller's span.
func ExtractHTTP(ctx context.Context, header http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(header))
}
