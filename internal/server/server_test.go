package server

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-gateway/pkg/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Name: "test-gateway", Version: "0.0.1"},
		Auth: config.AuthConfig{
			APIKeys: []config.APIKeyDef{{Key: "secret-key", Name: "ci", WorkspaceID: "ws-ci"}},
		},
		OAuth: config.OAuthConfig{
			RedirectURI:   "http://localhost:8080/oauth/callback",
			EncryptionKey: base64.StdEncoding.EncodeToString(make([]byte, 32)),
		},
		Backends: []config.BackendConfig{
			{Slug: "mem", URL: "https://mem.example.com/mcp", Transport: "http-only"},
		},
	}
}

func TestNew(t *testing.T) {
	g, err := New(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	require.NotNil(t, g.Handler)
	require.NotNil(t, g.Checker)
	assert.False(t, g.Checker.IsReady())
}

func TestNewDefaultsVersion(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Version = ""

	g, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	assert.Equal(t, Version, cfg.Server.Version)
}

func TestNewPreservesConfigVersion(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Version = "custom-v1"

	g, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	assert.Equal(t, "custom-v1", cfg.Server.Version)
}

func TestNewRejectsBadTransport(t *testing.T) {
	cfg := testConfig()
	cfg.Backends[0].Transport = "websocket"

	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mem")
}

func TestNewRequiresAuthentication(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = config.AuthConfig{}

	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no authentication method")
}

func TestRoutes(t *testing.T) {
	g, err := New(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	get := func(target string, header map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		for k, v := range header {
			req.Header.Set(k, v)
		}
		w := httptest.NewRecorder()
		g.Handler.ServeHTTP(w, req)
		return w
	}

	t.Run("liveness", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, get("/healthz", nil).Code)
	})

	t.Run("readiness follows checker", func(t *testing.T) {
		assert.Equal(t, http.StatusServiceUnavailable, get("/readyz", nil).Code)
		g.Checker.SetReady()
		assert.Equal(t, http.StatusOK, get("/readyz", nil).Code)
	})

	t.Run("mcp requires credentials", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, get("/mcp", nil).Code)
	})

	t.Run("authorize requires credentials", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, get("/oauth/authorize?backend=mem", nil).Code)
	})

	t.Run("callback is open but validates params", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, get("/oauth/callback", nil).Code)
	})

	t.Run("authenticated mcp reaches the endpoint", func(t *testing.T) {
		w := get("/mcp", map[string]string{"X-API-Key": "secret-key"})
		// No session header on a GET stream request.
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestNewWithConfig(t *testing.T) {
	t.Run("valid config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		content := `
server:
  name: test-gateway
auth:
  api_keys:
    - key: secret-key
      name: ci
oauth:
  redirect_uri: http://localhost:8080/oauth/callback
  encryption_key: ` + base64.StdEncoding.EncodeToString(make([]byte, 32)) + `
backends:
  - slug: mem
    url: https://mem.example.com/mcp
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		g, cfg, err := NewWithConfig(context.Background(), path, nil)
		require.NoError(t, err)
		defer func() { _ = g.Close() }()

		assert.Equal(t, "test-gateway", cfg.Server.Name)
		assert.Equal(t, ":8080", cfg.Server.Address, "defaults applied")
	})

	t.Run("missing config file", func(t *testing.T) {
		_, _, err := NewWithConfig(context.Background(), "/nonexistent/config.yaml", nil)
		assert.Error(t, err)
	})

	t.Run("invalid config content", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		// Fails validation: no backends, no auth.
		require.NoError(t, os.WriteFile(path, []byte("server:\n  name: test\n"), 0o644))

		_, _, err := NewWithConfig(context.Background(), path, nil)
		assert.Error(t, err)
	})
}
