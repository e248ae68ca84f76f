package auth

import (
	"context"
	"strings"
	"time"

	"scopegate.org/internal/scope"
)

// Actor is an authenticated caller: an identity, a role and the scope anchors
// tying it to its slice of the ownership hierarchy. Actors are immutable once
// resolved.
type Actor struct {
	ID        string
	Role      string
	Anchors   map[scope.Level]string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RequireRole returns ErrRoleMismatch unless the actor's role is one of the
// given names. Used by endpoints that are bound to a specific role namespace.
func (a *Actor) RequireRole(roles ...string) error {
	for _, r := range roles {
		if strings.EqualFold(r, a.Role) {
			return nil
		}
	}
	return ErrRoleMismatch
}

type actorContextKey struct{}
type tokenContextKey struct{}

// ContextWithActor attaches the resolved actor to the context.
func ContextWithActor(ctx context.Context, actor *Actor) context.Context {
	if actor == nil {
		return ctx
	}
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the authenticated actor from the context.
func ActorFromContext(ctx context.Context) (*Actor, bool) {
	if ctx == nil {
		return nil, false
	}
	a, ok := ctx.Value(actorContextKey{}).(*Actor)
	if !ok || a == nil {
		return nil, false
	}
	return a, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
