package domain

import "context"

// Actor is the request-scoped caller: the property being operated on and,
// for staff calls, the agent performing the action.
type Actor struct {
	PropertyID string
	AgentID    string
}

type actorKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
