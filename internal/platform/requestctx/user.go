// Package requestctx carries the authenticated caller through request contexts.
package requestctx

import (
	"context"
	"strings"
)

// identityContextKey is the context key for the authenticated identity.
type identityContextKey struct{}

// Identity is the authenticated caller attached to a request.
type Identity struct {
	UserID   string
	Username string
}

// WithIdentity stores the authenticated caller in context.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	identity.UserID = strings.TrimSpace(identity.UserID)
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext returns the caller stored in context. The bool is false
// when no caller with a user id is present.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	identity, ok := ctx.Value(identityContextKey{}).(Identity)
	if !ok || identity.UserID == "" {
		return Identity{}, false
	}
	return identity, true
}

// UserIDFromContext returns the user identifier stored in context.
func UserIDFromContext(ctx context.Context) string {
	identity, _ := IdentityFromContext(ctx)
	return identity.UserID
}
