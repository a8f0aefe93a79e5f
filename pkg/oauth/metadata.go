package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	protectedResourcePath = "/.well-known/oauth-protected-resource"
	authServerPath        = "/.well-known/oauth-authorization-server"

	// maxMetadataBytes bounds well-known document reads.
	maxMetadataBytes = 1 << 20
)

// ProtectedResourceMetadata is the RFC 9728 document a backend publishes to
// name its authorization servers.
type ProtectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`
	BearerMethods        []string `json:"bearer_methods_supported,omitempty"`
}

// ServerMetadata is the RFC 8414 authorization server metadata document.
type ServerMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported        []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported           []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// discover resolves authorization server metadata for a backend server URL.
// It first asks the backend origin for RFC 9728 protected resource metadata
// and follows its first authorization server; when the backend publishes no
// resource metadata it falls back to RFC 8414 metadata on the backend origin
// itself. All failures come back as *DiscoveryError.
func (e *Engine) discover(ctx context.Context, serverURL string) (*ServerMetadata, error) {
	origin, err := serverOrigin(serverURL)
	if err != nil {
		return nil, &DiscoveryError{ServerURL: serverURL, Err: err}
	}

	issuer := origin
	var prm ProtectedResourceMetadata
	prmErr := e.fetchJSON(ctx, origin+protectedResourcePath, &prm)
	if prmErr == nil && len(prm.AuthorizationServers) > 0 {
		issuer = strings.TrimSuffix(prm.AuthorizationServers[0], "/")
	}

	mdURL, err := serverMetadataURL(issuer)
	if err != nil {
		return nil, &DiscoveryError{ServerURL: serverURL, Err: err}
	}

	var md ServerMetadata
	if err := e.fetchJSON(ctx, mdURL, &md); err != nil {
		return nil, &DiscoveryError{ServerURL: serverURL, Err: errors.Join(prmErr, err)}
	}
	if md.AuthorizationEndpoint == "" || md.TokenEndpoint == "" {
		return nil, &DiscoveryError{
			ServerURL: serverURL,
			Err:       fmt.Errorf("metadata from %s missing authorization or token endpoint", mdURL),
		}
	}
	return &md, nil
}

// serverMetadataURL builds the RFC 8414 well-known URL for an issuer,
// inserting the well-known path segment before any issuer path component.
func serverMetadataURL(issuer string) (string, error) {
	u, err := url.Parse(issuer)
	if err != nil {
		return "", fmt.Errorf("parsing issuer %q: %w", issuer, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("issuer %q is not an absolute URL", issuer)
	}
	path := strings.TrimSuffix(u.Path, "/")
	u.Path = authServerPath + path
	return u.String(), nil
}

// serverOrigin reduces a backend server URL to scheme://host.
func serverOrigin(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parsing server URL %q: %w", serverURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("server URL %q is not an absolute URL", serverURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// fetchJSON GETs a well-known document into v.
func (e *Engine) fetchJSON(ctx context.Context, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", rawURL, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return fmt.Errorf("reading %s: %w", rawURL, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("parsing %s: %w", rawURL, err)
	}
	return nil
}
