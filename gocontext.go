package strand

import "context"

type contextKey struct{}

var activeSpanKey = contextKey{}

// ContextWithSpan returns a child context carrying span.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, activeSpanKey, span)
}

// SpanFromContext returns the span carried by ctx, or nil when there is
// none.
func SpanFromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(activeSpanKey).(*Span)
	return span
}

// StartSpanFromContext starts a span as a child of the span carried by
// ctx, when one is present, and returns the new span together with a
// context carrying it. Callers must still Finish the span.
func StartSpanFromContext(ctx context.Context, tracer *Tracer, operation string, opts ...StartSpanOption) (*Span, context.Context) {
	if parent := SpanFromContext(ctx); parent != nil {
		opts = append(opts, ChildOf(parent.Context()))
	}
	span := tracer.StartSpan(operation, opts...)
	return span, ContextWithSpan(ctx, span)
}
