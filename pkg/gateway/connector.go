package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-gateway/pkg/oauth"
	"github.com/txn2/mcp-gateway/pkg/session"
	"github.com/txn2/mcp-gateway/pkg/transport"
)

// BackendSpec describes how to reach one configured backend.
type BackendSpec struct {
	Slug     string
	Endpoint string
	Strategy transport.Strategy
}

// BackendConnector opens connections to backends on behalf of sessions,
// acquiring a fresh access token from the OAuth engine first.
type BackendConnector struct {
	engine     *oauth.Engine
	backends   map[string]BackendSpec
	httpClient *http.Client
	impl       *mcp.Implementation
	log        *slog.Logger
}

// NewBackendConnector creates a connector for the given backend specs.
func NewBackendConnector(engine *oauth.Engine, specs []BackendSpec, impl *mcp.Implementation, httpClient *http.Client, log *slog.Logger) *BackendConnector {
	if log == nil {
		log = slog.Default()
	}
	backends := make(map[string]BackendSpec, len(specs))
	for _, spec := range specs {
		backends[spec.Slug] = spec
	}
	return &BackendConnector{
		engine:     engine,
		backends:   backends,
		httpClient: httpClient,
		impl:       impl,
		log:        log,
	}
}

// Connect implements session.Connector. A backend without a stored token is
// still attempted anonymously; if the backend then refuses the connection,
// the returned error carries both the reauthorization condition and the
// transport failure.
func (c *BackendConnector) Connect(ctx context.Context, sessionID, slug string) (*transport.Handle, error) {
	spec, ok := c.backends[slug]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", slug)
	}

	var accessToken string
	var reauthErr error
	token, err := c.engine.EnsureFreshToken(ctx, slug)
	switch {
	case err == nil:
		accessToken = token.AccessToken
	case errors.Is(err, oauth.ErrReauthorizationRequired):
		reauthErr = err
	default:
		return nil, fmt.Errorf("acquiring token for backend %q: %w", slug, err)
	}

	handle, err := transport.Open(ctx, transport.Options{
		Endpoint:    spec.Endpoint,
		Strategy:    spec.Strategy,
		AccessToken: accessToken,
		HTTPClient:  c.httpClient,
		Impl:        c.impl,
		Logger:      c.log,
	})
	if err != nil {
		if reauthErr != nil {
			return nil, errors.Join(reauthErr, err)
		}
		return nil, err
	}

	c.log.Debug("backend transport opened",
		"session_id", sessionID, "backend", slug, "kind", handle.Kind, "authenticated", accessToken != "")
	return handle, nil
}

// Verify interface compliance.
var _ session.Connector = (*BackendConnector)(nil)
