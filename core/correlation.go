package core

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// CorrelationHeader is the HTTP header carrying the request correlation ID
// to every outbound provider call.
const CorrelationHeader = "X-Correlation-Id"

// NewCorrelationID generates an 8-hex-char request identifier.
func NewCorrelationID() string {
	id := uuid.New().String()
	return strings.ReplaceAll(id, "-", "")[:8]
}

type correlationKey struct{}

// WithCorrelationID stores a correlation ID in the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFromContext returns the correlation ID stored in the context,
// or an empty string when none is present.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}
