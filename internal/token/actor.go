package token

import "context"

// Actor describes the caller on whose behalf a credential operation runs.
// It is carried on the request context by the HTTP layer and copied into
// audit records; all fields are optional.
type Actor struct {
	IP        string
	UserAgent string
	RequestID string
}

type actorContextKey struct{}

// WithActor attaches actor information to a context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the actor attached to ctx, if any.
func ActorFromContext(ctx context.Context) Actor {
	if actor, ok := ctx.Value(actorContextKey{}).(Actor); ok {
		return actor
	}
	return Actor{}
}
