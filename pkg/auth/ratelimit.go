package auth

import (
	"net/http"

	"github.com/tollgate-labs/tollgate/pkg/api"
	"github.com/tollgate-labs/tollgate/pkg/identity"
	"github.com/tollgate-labs/tollgate/pkg/ratelimit"
)

// RateLimitMiddleware enforces per-actor rate limiting at the HTTP
// layer. It keys on the authenticated actor, falling back to the
// remote address for unauthenticated paths. On limit it returns 429
// with a Retry-After header.
func RateLimitMiddleware(store ratelimit.LimiterStore, policy ratelimit.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// No store configured means no limiting (dev mode).
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}

			actorID := r.RemoteAddr
			if actor, err := identity.ActorFromContext(r.Context()); err == nil {
				actorID = actor.ID
			}

			allowed, err := store.Allow(r.Context(), actorID, policy, 1)
			if err != nil {
				// Limiter outages must not take authorization down with
				// them; the gate still decides every action.
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				retryAfter := 60 / max(policy.RPM, 1)
				if retryAfter < 1 {
					retryAfter = 1
				}
				api.WriteTooManyRequests(w, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
