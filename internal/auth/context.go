package auth

import (
	"context"

	"github.com/dukerupert/famledger/internal/model"
	"github.com/dukerupert/famledger/internal/policy"
)

type contextKey struct{}

func WithActor(ctx context.Context, a policy.Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, a)
}

func FromContext(ctx context.Context) (policy.Actor, bool) {
	a, ok := ctx.Value(contextKey{}).(policy.Actor)
	return a, ok
}

func MemberID(ctx context.Context) int64 {
	a, ok := FromContext(ctx)
	if !ok {
		return 0
	}
	return a.MemberID
}

// FamilyID returns the actor's family, or 0 when the actor has none.
func FamilyID(ctx context.Context) int64 {
	a, ok := FromContext(ctx)
	if !ok {
		return 0
	}
	id, _ := a.Family()
	return id
}

func IsGuardian(ctx context.Context) bool {
	a, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return a.Role == model.RoleGuardian
}
