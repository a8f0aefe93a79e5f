// Package httpmw provides HTTP middleware for the MCP gateway.
package httpmw

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/txn2/mcp-gateway/pkg/auth"
)

// extractToken pulls the caller credential from the request headers:
// a Bearer token from Authorization, falling back to X-API-Key.
func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

// RequireAuth returns middleware that authenticates every request through
// the given authenticator. Unauthenticated requests get HTTP 401 with a
// WWW-Authenticate challenge; the resolved identity is placed on the
// request context for downstream handlers.
func RequireAuth(authenticator auth.Authenticator, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if token == "" {
				unauthorized(w, "missing authentication token")
				return
			}

			ctx := auth.WithToken(r.Context(), token)
			identity, err := authenticator.Authenticate(ctx)
			if err != nil {
				log.Warn("authentication failed", "path", r.URL.Path, "error", err)
				unauthorized(w, "invalid credentials")
				return
			}

			ctx = auth.WithIdentity(ctx, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// unauthorized writes a 401 with a Bearer challenge and a JSON body.
func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
