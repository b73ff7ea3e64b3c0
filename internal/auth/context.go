// ABOUTME: Authenticated identity propagated through request handlers
// ABOUTME: Provides WithIdentity/FromContext for passing the verified user via context

package auth

import (
	"context"
)

// Identity is the verified caller of a request, taken from its access token.
type Identity struct {
	UserID string
	Email  string
}

// identityContextKey is the key type for storing Identity in context.Context.
type identityContextKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, ok := ctx.Value(identityContextKey{}).(*Identity)
	if !ok {
		return nil
	}
	return id
}

// MustFromContext retrieves the Identity from the context, panicking if not present.
// Only use behind HTTPMiddleware.
func MustFromContext(ctx context.Context) *Identity {
	id := FromContext(ctx)
	if id == nil {
		panic("auth: Identity not found in context")
	}
	return id
}
