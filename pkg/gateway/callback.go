package gateway

import (
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"

	"github.com/txn2/mcp-gateway/pkg/oauth"
)

// AuthFlows serves the browser-facing OAuth endpoints: starting an
// authorization flow for a backend and completing it on callback.
type AuthFlows struct {
	engine *oauth.Engine
	log    *slog.Logger
}

// NewAuthFlows creates the OAuth flow handlers.
func NewAuthFlows(engine *oauth.Engine, log *slog.Logger) *AuthFlows {
	if log == nil {
		log = slog.Default()
	}
	return &AuthFlows{engine: engine, log: log}
}

// Authorize starts an authorization flow for the backend named in the
// query and redirects the browser to the backend's authorization server.
// Mount behind authentication.
func (f *AuthFlows) Authorize(w http.ResponseWriter, r *http.Request) {
	slug := r.URL.Query().Get("backend")
	if slug == "" {
		http.Error(w, "missing backend parameter", http.StatusBadRequest)
		return
	}

	// Opportunistic sweep of abandoned flows, best-effort.
	if n, err := f.engine.CleanupExpiredFlows(r.Context()); err == nil && n > 0 {
		f.log.Info("expired authorization flows cleaned up", "count", n)
	}

	authURL, state, err := f.engine.AuthorizationURL(r.Context(), slug)
	if err != nil {
		var discovery *oauth.DiscoveryError
		if errors.As(err, &discovery) {
			f.log.Error("authorization discovery failed", "backend", slug, "error", err)
			http.Error(w, "backend does not support authorization", http.StatusBadGateway)
			return
		}
		f.log.Error("starting authorization flow", "backend", slug, "error", err)
		http.Error(w, "cannot start authorization", http.StatusBadRequest)
		return
	}

	f.log.Info("authorization flow started", "backend", slug, "state", state)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback completes an authorization flow. It is state-protected rather
// than caller-authenticated: the browser arrives here straight from the
// authorization server.
func (f *AuthFlows) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if errParam := query.Get("error"); errParam != "" {
		f.log.Warn("authorization denied", "error", errParam, "description", query.Get("error_description"))
		http.Error(w, "authorization denied: "+errParam, http.StatusBadRequest)
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		http.Error(w, "missing code or state", http.StatusBadRequest)
		return
	}

	backend, err := f.engine.CompleteAuthorization(r.Context(), code, state)
	if err != nil {
		f.log.Error("completing authorization", "error", err)
		http.Error(w, "authorization failed", http.StatusBadRequest)
		return
	}

	f.log.Info("authorization completed", "backend", backend.Slug)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><body><p>Authorization for <b>%s</b> complete. You can close this window.</p></body></html>",
		html.EscapeString(backend.Slug))
}
