package tracing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

type requestKey struct{}

// requestScope is what the HTTP layer attaches to every request context
type requestScope struct {
	id    string
	start time.Time
}

// NewRequestID reuses the trace id of a sampled span in ctx so log lines
// and traces share one key. Without one it falls back to a random UUID.
func NewRequestID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() && sc.IsSampled() {
		return sc.TraceID().String()
	}
	return uuid.NewString()
}

// WithRequest stores the request id and start time on ctx
func WithRequest(ctx context.Context, id string, start time.Time) context.Context {
	return context.WithValue(ctx, requestKey{}, requestScope{id: id, start: start})
}

// RequestID returns the id stored by WithRequest, or ""
func RequestID(ctx context.Context) string {
	scope, _ := ctx.Value(requestKey{}).(requestScope)
	return scope.id
}

// Elapsed is the time since the request started, zero outside a request
func Elapsed(ctx context.Context) time.Duration {
	scope, ok := ctx.Value(requestKey{}).(requestScope)
	if !ok || scope.start.IsZero() {
		return 0
	}
	return time.Since(scope.start)
}
