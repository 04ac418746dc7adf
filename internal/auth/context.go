// ABOUTME: Caller identity carried through request handlers
// ABOUTME: Provides WithIdentity/FromContext for propagating the user id via context

package auth

import (
	"context"
)

// Source records how an identity was established.
type Source string

const (
	SourceToken    Source = "token"
	SourceEasyAuth Source = "easy_auth"
	SourceDefault  Source = "default"
)

// Identity is the authenticated caller. UserID is opaque to the rest of the system.
type Identity struct {
	UserID string
	Name   string
	Source Source
}

type identityKey struct{}

// WithIdentity returns a new context with the identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the identity, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// UserID returns the caller's user id, or "" when unauthenticated.
func UserID(ctx context.Context) string {
	if id := FromContext(ctx); id != nil {
		return id.UserID
	}
	return ""
}
