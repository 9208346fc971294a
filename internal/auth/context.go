// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext plus the raw access token for the REST store

package auth

import (
	"context"
)

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	UserID string
	Email  string
	Role   string

	// AccessToken is the bearer token the request carried. The REST store
	// forwards it so row-level security applies as the user.
	AccessToken string
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// AccessTokenFromContext returns the request's bearer token, or "" when the
// context is unauthenticated. It matches store.AccessTokenFunc.
func AccessTokenFromContext(ctx context.Context) string {
	if a := FromContext(ctx); a != nil {
		return a.AccessToken
	}
	return ""
}
