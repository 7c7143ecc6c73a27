// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"net/http"
	"strings"
)

// Identity is the resolved caller identity. Authentication itself happens
// upstream; this layer only reads the verified identity header the auth
// proxy injects and defaults to anonymous when it is absent.
type Identity struct {
	UserID    string
	Anonymous bool
}

type identityKey struct{}

// UserIDHeader carries the verified user id set by the auth layer.
const UserIDHeader = "X-User-ID"

// ResolveIdentity attaches the caller identity to the request context.
func ResolveIdentity() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := Identity{Anonymous: true}
			if userID := strings.TrimSpace(r.Header.Get(UserIDHeader)); userID != "" {
				identity = Identity{UserID: userID}
			}
			ctx := context.WithValue(r.Context(), identityKey{}, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityFromContext returns the caller identity, anonymous when none was
// resolved.
func IdentityFromContext(ctx context.Context) Identity {
	if identity, ok := ctx.Value(identityKey{}).(Identity); ok {
		return identity
	}
	return Identity{Anonymous: true}
}
