package humanfn

import (
	"context"
	"strings"
)

type actorKey struct{}

// WithActor attaches the acting user or system to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorKey{}, strings.TrimSpace(actor))
}

// ActorFromContext returns the actor set by WithActor, or fallback.
func ActorFromContext(ctx context.Context, fallback string) string {
	if ctx != nil {
		if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
			return actor
		}
	}
	return fallback
}
