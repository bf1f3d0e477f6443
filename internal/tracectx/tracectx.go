// Package tracectx generates and threads the per-request trace id used to
// correlate a client request across logs, the response envelope, and
// downstream data-service calls.
package tracectx

import (
	"context"

	"github.com/google/uuid"

	"github.com/mccabetrow/dragonfly-api/internal/logging"
)

// HeaderName is the request/response header carrying the trace id.
const HeaderName = "X-Trace-ID"

// New generates a fresh trace id.
func New() string {
	return uuid.NewString()
}

// WithTraceID attaches id to ctx under the logging package's shared
// context key, so logging.WithContext picks it up automatically.
func WithTraceID(ctx context.Context, id string) context.Context {
	return logging.WithTraceID(ctx, id)
}

// FromContext returns the trace id carried on ctx, or "" if none.
func FromContext(ctx context.Context) string {
	return logging.GetTraceID(ctx)
}

// FromRequestOrNew returns incoming if non-empty, otherwise a fresh id.
// Used so a caller-supplied X-Trace-ID is honored rather than overwritten.
func FromRequestOrNew(incoming string) string {
	if incoming != "" {
		return incoming
	}
	return New()
}
