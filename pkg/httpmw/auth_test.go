package httpmw

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-gateway/pkg/auth"
)

// tokenAuthenticator accepts exactly one token value.
type tokenAuthenticator struct {
	accept   string
	identity *auth.Identity
}

func (a *tokenAuthenticator) Authenticate(ctx context.Context) (*auth.Identity, error) {
	if auth.TokenFrom(ctx) != a.accept {
		return nil, errors.New("invalid credentials")
	}
	return a.identity, nil
}

func newAuthedServer(t *testing.T) (*httptest.Server, *auth.Identity) {
	t.Helper()

	identity := &auth.Identity{WorkspaceID: "ws-1", Subject: "alice", Method: "jwt"}
	authenticator := &tokenAuthenticator{accept: "good-token", identity: identity}

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(RequireAuth(authenticator, nil)(handler))
	t.Cleanup(srv.Close)

	return srv, identity
}

func doRequest(t *testing.T, srv *httptest.Server, decorate func(*http.Request)) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	if decorate != nil {
		decorate(req)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestRequireAuthBearerToken(t *testing.T) {
	srv, _ := newAuthedServer(t)

	resp := doRequest(t, srv, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer good-token")
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequireAuthAPIKeyHeader(t *testing.T) {
	srv, _ := newAuthedServer(t)

	resp := doRequest(t, srv, func(r *http.Request) {
		r.Header.Set("X-API-Key", "good-token")
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequireAuthMissingCredentials(t *testing.T) {
	srv, _ := newAuthedServer(t)

	resp := doRequest(t, srv, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["error"], "missing")
}

func TestRequireAuthInvalidCredentials(t *testing.T) {
	srv, _ := newAuthedServer(t)

	resp := doRequest(t, srv, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer wrong-token")
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))
}

func TestRequireAuthBearerTakesPrecedence(t *testing.T) {
	srv, _ := newAuthedServer(t)

	// When both headers are present the Bearer token wins; a bad Bearer
	// token is not rescued by a good API key.
	resp := doRequest(t, srv, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer wrong-token")
		r.Header.Set("X-API-Key", "good-token")
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRequireAuthIdentityOnContext(t *testing.T) {
	identity := &auth.Identity{WorkspaceID: "ws-1", Subject: "alice", Method: "jwt"}
	authenticator := &tokenAuthenticator{accept: "good-token", identity: identity}

	var seen *auth.Identity
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = auth.IdentityFrom(r.Context())
	})
	srv := httptest.NewServer(RequireAuth(authenticator, nil)(handler))
	t.Cleanup(srv.Close)

	resp := doRequest(t, srv, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer good-token")
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, identity, seen)
}
