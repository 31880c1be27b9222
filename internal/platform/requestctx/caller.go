// Package requestctx carries caller identity across request boundaries.
package requestctx

import "context"

type initiatorContextKey struct{}

type correlationIDContextKey struct{}

// WithInitiator stores the id of the principal issuing the request.
func WithInitiator(ctx context.Context, initiator string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, initiatorContextKey{}, initiator)
}

// InitiatorFromContext returns the initiator stored in context.
func InitiatorFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(initiatorContextKey{}).(string)
	return value
}

// WithCorrelationID stores the id tying related operations together.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, correlationIDContextKey{}, correlationID)
}

// CorrelationIDFromContext returns the correlation id stored in context.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(correlationIDContextKey{}).(string)
	return value
}
