package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
)

// APIKey represents a static API key entry.
type APIKey struct {
	Key         string // The API key value
	Name        string // Display name for the key
	WorkspaceID string // Workspace the key grants access to
}

// APIKeyAuthenticator authenticates using static API keys.
type APIKeyAuthenticator struct {
	keys []APIKey
}

// NewAPIKeyAuthenticator creates an API key authenticator.
func NewAPIKeyAuthenticator(keys []APIKey) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{keys: keys}
}

// Authenticate validates the presented key and returns the caller identity.
// Comparison is constant-time.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context) (*Identity, error) {
	presented := TokenFrom(ctx)
	if presented == "" {
		return nil, ErrNoCredentials
	}

	var matched *APIKey
	for i := range a.keys {
		if subtle.ConstantTimeCompare([]byte(a.keys[i].Key), []byte(presented)) == 1 {
			matched = &a.keys[i]
		}
	}
	if matched == nil {
		return nil, fmt.Errorf("invalid API key")
	}

	workspaceID := matched.WorkspaceID
	if workspaceID == "" {
		workspaceID = matched.Name
	}

	return &Identity{
		WorkspaceID: workspaceID,
		Subject:     "apikey:" + matched.Name,
		Name:        matched.Name,
		Method:      "apikey",
	}, nil
}

// Verify interface compliance.
var _ Authenticator = (*APIKeyAuthenticator)(nil)
