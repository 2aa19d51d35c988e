package pipeline

import (
	"context"
	"time"
)

// FetchTrace carries per-attempt hooks through the context handed to a
// Fetcher, in the manner of httptrace.ClientTrace. Hooks may be nil and must
// be safe for concurrent use.
type FetchTrace struct {
	// Retry fires after a transient failure, before the backoff sleep.
	// attempt is the 1-based number of the attempt that just failed.
	Retry func(attempt int, kind FetchErrorKind, backoff time.Duration)
}

type fetchTraceKey struct{}

// WithFetchTrace returns a context carrying the trace.
func WithFetchTrace(ctx context.Context, trace *FetchTrace) context.Context {
	return context.WithValue(ctx, fetchTraceKey{}, trace)
}

// ContextFetchTrace returns the trace carried by ctx, or nil when none is set.
func ContextFetchTrace(ctx context.Context) *FetchTrace {
	trace, _ := ctx.Value(fetchTraceKey{}).(*FetchTrace)
	return trace
}
