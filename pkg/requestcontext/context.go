// Package requestcontext carries request-scoped values from the embedding
// transport layer to the managers without an HTTP dependency.
//
// Set by the caller:
//
//	ctx = requestcontext.WithRequestID(ctx, requestID)
//	ctx = requestcontext.WithActorID(ctx, ownerID)
//
// Read by the managers when they record audit events.
package requestcontext

import "context"

type (
	requestIDKey struct{}
	actorIDKey   struct{}
)

// RequestID returns the request ID, or "" when none was set.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// ActorID returns the ID of the user or system performing the change.
func ActorID(ctx context.Context) string {
	if v, ok := ctx.Value(actorIDKey{}).(string); ok {
		return v
	}
	return ""
}

func WithActorID(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorIDKey{}, actorID)
}
