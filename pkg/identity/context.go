package identity

import (
	"context"
	"errors"

	"github.com/tollgate-labs/tollgate/pkg/contracts"
)

type contextKey string

const actorKey contextKey = "actor"

// WithActor attaches a verified actor to the context.
func WithActor(ctx context.Context, actor contracts.ActorIdentity) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext retrieves the verified actor from the context.
func ActorFromContext(ctx context.Context) (contracts.ActorIdentity, error) {
	actor, ok := ctx.Value(actorKey).(contracts.ActorIdentity)
	if !ok {
		return contracts.ActorIdentity{}, errors.New("no actor in context")
	}
	return actor, nil
}
