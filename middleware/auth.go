package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/draftpad/server/identity"
)

type contextKey struct{}

// IdentityFrom returns the authenticated identity stored by Auth, or an
// empty ID for unauthenticated paths.
func IdentityFrom(ctx context.Context) identity.ID {
	if id, ok := ctx.Value(contextKey{}).(identity.ID); ok {
		return id
	}
	return ""
}

func Auth(registry *identity.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Health check and WebSocket bypass auth (WebSocket handles its
			// own auth). Published sessions are world-readable, so that path
			// needs no token either.
			if r.URL.Path == "/health" || r.URL.Path == "/ws" ||
				r.URL.Path == "/api/published" || strings.HasPrefix(r.URL.Path, "/api/published/") {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid authorization header", http.StatusUnauthorized)
				return
			}

			owner, err := registry.Authenticate(parts[1])
			if err != nil {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), contextKey{}, owner)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
