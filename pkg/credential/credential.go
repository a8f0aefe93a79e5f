// Package credential provides storage for OAuth credentials the gateway
// holds on behalf of callers: dynamic client registrations, access and
// refresh tokens, and in-flight authorization state. Records are keyed by a
// hash of the canonical backend server URL.
package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"
)

// Token holds an access token issued by a backend's authorization server.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Fresh reports whether the token can still be used at the given time,
// leaving skew as a safety margin before the recorded expiry. Tokens with
// no recorded expiry are treated as non-expiring.
func (t *Token) Fresh(now time.Time, skew time.Duration) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(t.ExpiresAt.Add(-skew))
}

// Registration holds an OAuth client registration with a backend's
// authorization server, obtained statically from config or dynamically
// via RFC 7591.
type Registration struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// Credential is the durable record for one backend server.
type Credential struct {
	// ServerURLHash is the primary key: hex SHA-256 of the canonical URL.
	ServerURLHash string `json:"-"`

	// ServerURL is the canonical backend URL the hash was derived from.
	ServerURL string `json:"server_url"`

	// Registration is the OAuth client this gateway presents to the
	// backend's authorization server. Nil until registered.
	Registration *Registration `json:"registration,omitempty"`

	// Token is the current token set. Nil until an authorization completes.
	Token *Token `json:"token,omitempty"`

	// UpdatedAt is when the record was last written.
	UpdatedAt time.Time `json:"-"`
}

// FlowState is the ephemeral state of one in-flight authorization-code
// flow: the PKCE verifier bound to a one-time state token. It is erased
// when the flow completes or a new attempt for the same server begins.
type FlowState struct {
	State         string    `json:"-"`
	ServerURLHash string    `json:"-"`
	CodeVerifier  string    `json:"code_verifier"`
	RedirectURI   string    `json:"redirect_uri"`
	ExpiresAt     time.Time `json:"-"`
}

// Expired reports whether the pending authorization has timed out.
func (f *FlowState) Expired(now time.Time) bool {
	return !now.Before(f.ExpiresAt)
}

// Store defines the interface for credential persistence.
type Store interface {
	// Get retrieves a credential by server URL hash. Returns nil, nil if
	// not found.
	Get(ctx context.Context, serverURLHash string) (*Credential, error)

	// Put inserts or replaces a credential.
	Put(ctx context.Context, cred *Credential) error

	// Delete removes a credential.
	Delete(ctx context.Context, serverURLHash string) error

	// PutFlowState persists pending authorization state keyed by its
	// one-time state token.
	PutFlowState(ctx context.Context, fs *FlowState) error

	// TakeFlowState retrieves and removes pending authorization state in
	// one step, so a state token can be redeemed at most once. Returns
	// nil, nil if not found.
	TakeFlowState(ctx context.Context, state string) (*FlowState, error)

	// PurgeFlowStates removes all pending authorization state for a server.
	PurgeFlowStates(ctx context.Context, serverURLHash string) error

	// CleanupExpiredFlowStates removes pending state past its expiry and
	// returns the number removed.
	CleanupExpiredFlowStates(ctx context.Context) (int64, error)

	// Close releases store resources.
	Close() error
}

// HashServerURL returns the hex SHA-256 of the canonical form of a backend
// server URL. Equivalent URLs (case differences in scheme/host, a trailing
// slash) hash to the same key.
func HashServerURL(serverURL string) string {
	sum := sha256.Sum256([]byte(CanonicalServerURL(serverURL)))
	return hex.EncodeToString(sum[:])
}

// CanonicalServerURL normalizes a backend server URL: scheme and host are
// lowercased and any trailing slash is removed. Unparseable input is
// returned trimmed but otherwise untouched.
func CanonicalServerURL(serverURL string) string {
	raw := strings.TrimSpace(serverURL)
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.TrimSuffix(raw, "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}
