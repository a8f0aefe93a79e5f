// Package auth provides caller authentication for the gateway.
package auth

import (
	"context"
	"errors"
)

// contextKey is a private type for context keys.
type contextKey int

const (
	tokenContextKey contextKey = iota
	identityContextKey
)

// ErrNoCredentials indicates no token or API key was presented.
var ErrNoCredentials = errors.New("no credentials presented")

// Identity holds the authenticated caller.
type Identity struct {
	// WorkspaceID scopes the caller's sessions.
	WorkspaceID string `json:"workspace_id"`

	// Subject is the principal the credential was issued to.
	Subject string `json:"subject"`

	// Name is a human-readable label, if the credential carries one.
	Name string `json:"name,omitempty"`

	// Method records how the caller authenticated: "jwt" or "apikey".
	Method string `json:"method"`
}

// WithToken adds the raw presented credential to the context.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey, token)
}

// TokenFrom retrieves the raw presented credential from the context.
func TokenFrom(ctx context.Context) string {
	if token, ok := ctx.Value(tokenContextKey).(string); ok {
		return token
	}
	return ""
}

// WithIdentity adds the authenticated identity to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFrom retrieves the authenticated identity from the context.
func IdentityFrom(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityContextKey).(*Identity); ok {
		return id
	}
	return nil
}

// Authenticator validates the credential carried in the context.
type Authenticator interface {
	// Authenticate validates the credential and returns the caller identity.
	Authenticate(ctx context.Context) (*Identity, error)
}

// Chain tries each authenticator in order and returns the first identity.
// The errors of all failed attempts are joined when none succeeds.
type Chain []Authenticator

// Authenticate implements Authenticator.
func (c Chain) Authenticate(ctx context.Context) (*Identity, error) {
	var errs []error
	for _, a := range c {
		id, err := a.Authenticate(ctx)
		if err == nil {
			return id, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, ErrNoCredentials
	}
	return nil, errors.Join(errs...)
}

// Verify interface compliance.
var _ Authenticator = (Chain)(nil)
