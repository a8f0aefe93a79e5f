package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig holds JWT validation configuration.
type JWTConfig struct {
	// Secret is the HMAC signing secret shared with the token issuer.
	Secret []byte

	// Issuer, when set, must match the token's iss claim.
	Issuer string

	// Audience, when set, must match one of the token's aud values.
	Audience string
}

// JWTAuthenticator validates HMAC-signed bearer tokens.
type JWTAuthenticator struct {
	secret   []byte
	issuer   string
	audience string
}

// NewJWTAuthenticator creates a JWT authenticator.
func NewJWTAuthenticator(cfg JWTConfig) (*JWTAuthenticator, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &JWTAuthenticator{
		secret:   cfg.Secret,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}, nil
}

// Authenticate validates the bearer token and returns the caller identity.
// The workspace is taken from the workspace_id claim, falling back to sub.
func (a *JWTAuthenticator) Authenticate(ctx context.Context) (*Identity, error) {
	raw := TokenFrom(ctx)
	if raw == "" {
		return nil, ErrNoCredentials
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...); err != nil {
		return nil, fmt.Errorf("validating token: %w", err)
	}

	subject, err := claims.GetSubject()
	if err != nil {
		return nil, fmt.Errorf("reading subject claim: %w", err)
	}

	workspaceID, _ := claims["workspace_id"].(string)
	if workspaceID == "" {
		workspaceID = subject
	}
	if workspaceID == "" {
		return nil, fmt.Errorf("token carries neither workspace_id nor sub")
	}

	name, _ := claims["name"].(string)

	return &Identity{
		WorkspaceID: workspaceID,
		Subject:     subject,
		Name:        name,
		Method:      "jwt",
	}, nil
}

// Verify interface compliance.
var _ Authenticator = (*JWTAuthenticator)(nil)
