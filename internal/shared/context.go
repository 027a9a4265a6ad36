package shared

import "context"

// Actor identifies who performed an operation, for audit trails. Identity is
// established by an upstream collaborator; this core only carries it along.
type Actor struct {
	ID   int64
	Name string
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context. A zero Actor means the
// caller supplied no identity.
func ActorFromContext(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorContextKey{}).(Actor)
	return actor
}
