// Package auth holds the HTTP middleware that authenticates API
// callers and attaches the verified actor identity to the request
// context. The gate binds that identity to every Action it evaluates.
package auth

import (
	"net/http"
	"strings"

	"github.com/tollgate-labs/tollgate/pkg/api"
	"github.com/tollgate-labs/tollgate/pkg/identity"
)

// publicPaths are endpoints that do not require authentication.
var publicPaths = []string{
	"/healthz",
	"/readyz",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// NewMiddleware creates JWT auth middleware. If tokens is nil, all
// non-public requests are rejected (fail closed).
func NewMiddleware(tokens *identity.TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.WriteUnauthorized(w, "Missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				api.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			if tokens == nil {
				api.WriteUnauthorized(w, "Authentication not configured")
				return
			}

			claims, err := tokens.ValidateToken(parts[1])
			if err != nil {
				api.WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			actor, err := claims.Actor()
			if err != nil {
				api.WriteUnauthorized(w, err.Error())
				return
			}

			ctx := identity.WithActor(r.Context(), actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
