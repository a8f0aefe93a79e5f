package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/txn2/mcp-gateway/pkg/credential"
)

// registrationRequest is the RFC 7591 dynamic client registration request.
type registrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// registrationResponse is the RFC 7591 registration response. Only the
// fields the gateway keeps are decoded.
type registrationResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// registerClient performs dynamic client registration against the given
// registration endpoint and returns the issued client.
func (e *Engine) registerClient(ctx context.Context, endpoint string, backend *Backend) (*credential.Registration, error) {
	reqBody := registrationRequest{
		RedirectURIs:            []string{e.redirectURI},
		ClientName:              e.clientName,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		Scope:                   strings.Join(backend.Scopes, " "),
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &ExchangeError{Endpoint: endpoint, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return nil, &ExchangeError{Endpoint: endpoint, Err: err}
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, &ExchangeError{Endpoint: endpoint, Status: resp.StatusCode, Body: truncateBody(body)}
	}

	var regResp registrationResponse
	if err := json.Unmarshal(body, &regResp); err != nil {
		return nil, &ExchangeError{Endpoint: endpoint, Err: fmt.Errorf("parsing registration response: %w", err)}
	}
	if regResp.ClientID == "" {
		return nil, &ExchangeError{Endpoint: endpoint, Err: fmt.Errorf("registration response missing client_id")}
	}

	return &credential.Registration{
		ClientID:     regResp.ClientID,
		ClientSecret: regResp.ClientSecret,
	}, nil
}

// truncateBody caps error bodies carried inside ExchangeError.
func truncateBody(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
