// Package correlation propagates a ULID correlation id across spans and published events.
package correlation

import (
	"context"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const AttributeKey = "correlation_id"

type correlationKey struct{}

// ExtractCorrelationID fetches a correlation ID from the context if present.
func ExtractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(correlationKey{}).(string); ok {
		return val
	}
	return ""
}

func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// EnsureCorrelationID guarantees a correlation ID on the context, generating one when missing.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	cid := ExtractCorrelationID(ctx)
	if cid == "" {
		cid = ulid.Make().String()
	}
	return ContextWithCorrelationID(ctx, cid), cid
}

// Headers returns the correlation and trace identifiers to stamp on an outbound message.
func Headers(ctx context.Context) map[string]string {
	_, cid := EnsureCorrelationID(ctx)
	headers := map[string]string{AttributeKey: cid}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		headers["trace_id"] = sc.TraceID().String()
		headers["span_id"] = sc.SpanID().String()
	}
	return headers
}

// SpanProcessor tags every started span with the context's correlation id.
type SpanProcessor struct{}

func (SpanProcessor) OnStart(ctx context.Context, s sdktrace.ReadWriteSpan) {
	_, cid := EnsureCorrelationID(ctx)
	s.SetAttributes(attribute.String(AttributeKey, cid))
}

func (SpanProcessor) OnEnd(sdktrace.ReadOnlySpan) {}

func (SpanProcessor) Shutdown(context.Context) error { return nil }

func (SpanProcessor) ForceFlush(context.Context) error { return nil }

var _ sdktrace.SpanProcessor = SpanProcessor{}
