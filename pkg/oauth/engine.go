// Package oauth implements the OAuth2 client side of the gateway: it
// discovers backend authorization servers (RFC 9728 / RFC 8414), registers
// clients dynamically (RFC 7591), runs authorization-code flows with PKCE
// and resource indicators (RFC 8707), and keeps access tokens fresh with
// refresh grants. Tokens and registrations are persisted per backend server
// URL through a credential.Store.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/mcp-gateway/pkg/credential"
)

const (
	// defaultRefreshSkew is how long before expiry a token is refreshed.
	defaultRefreshSkew = 60 * time.Second

	// defaultFlowTTL is how long a pending authorization stays redeemable.
	defaultFlowTTL = 10 * time.Minute

	defaultClientName = "mcp-gateway"
)

// Backend describes one backend MCP server the engine can authorize
// against.
type Backend struct {
	// Slug is the short configured name for the backend.
	Slug string

	// ServerURL is the canonical backend URL; it is the credential key and
	// the RFC 8707 resource indicator.
	ServerURL string

	// Scopes requested during authorization. Empty means the authorization
	// server's defaults.
	Scopes []string

	// ClientID and ClientSecret hold a statically configured client,
	// skipping dynamic registration when set.
	ClientID     string
	ClientSecret string

	hash string
}

// Hash returns the credential store key for this backend.
func (b *Backend) Hash() string {
	return b.hash
}

// Config configures an Engine.
type Config struct {
	// Store persists credentials and pending flow state. Required.
	Store credential.Store

	// Backends the engine can authorize against. Required.
	Backends []Backend

	// RedirectURI is this gateway's OAuth callback URL. Required.
	RedirectURI string

	// ClientName is presented during dynamic registration.
	ClientName string

	// HTTPClient used for all authorization server traffic.
	HTTPClient *http.Client

	// RefreshSkew is how long before expiry tokens are refreshed.
	RefreshSkew time.Duration

	// FlowTTL bounds how long a pending authorization stays redeemable.
	FlowTTL time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time

	Logger *slog.Logger
}

// Engine drives OAuth flows for all configured backends. Safe for
// concurrent use: read-modify-write cycles on one backend's credential are
// serialized by a per-server-hash lock.
type Engine struct {
	store       credential.Store
	httpClient  *http.Client
	locker      *credential.Locker
	redirectURI string
	clientName  string
	skew        time.Duration
	flowTTL     time.Duration
	now         func() time.Time
	log         *slog.Logger

	bySlug map[string]*Backend
	byHash map[string]*Backend

	// metadata discovered per server URL, cached for the process lifetime
	mdMu    sync.Mutex
	mdCache map[string]*ServerMetadata
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("oauth engine requires a credential store")
	}
	if cfg.RedirectURI == "" {
		return nil, fmt.Errorf("oauth engine requires a redirect URI")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = defaultRefreshSkew
	}
	if cfg.FlowTTL <= 0 {
		cfg.FlowTTL = defaultFlowTTL
	}
	if cfg.ClientName == "" {
		cfg.ClientName = defaultClientName
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{
		store:       cfg.Store,
		httpClient:  cfg.HTTPClient,
		locker:      credential.NewLocker(),
		redirectURI: cfg.RedirectURI,
		clientName:  cfg.ClientName,
		skew:        cfg.RefreshSkew,
		flowTTL:     cfg.FlowTTL,
		now:         cfg.Now,
		log:         cfg.Logger,
		bySlug:      make(map[string]*Backend),
		byHash:      make(map[string]*Backend),
		mdCache:     make(map[string]*ServerMetadata),
	}

	for i := range cfg.Backends {
		b := cfg.Backends[i]
		b.ServerURL = credential.CanonicalServerURL(b.ServerURL)
		b.hash = credential.HashServerURL(b.ServerURL)
		if _, dup := e.bySlug[b.Slug]; dup {
			return nil, fmt.Errorf("duplicate backend slug %q", b.Slug)
		}
		e.bySlug[b.Slug] = &b
		e.byHash[b.hash] = &b
	}

	return e, nil
}

// Backend returns the configured backend for a slug.
func (e *Engine) Backend(slug string) (*Backend, error) {
	b, ok := e.bySlug[slug]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", slug)
	}
	return b, nil
}

// AuthorizationURL starts an authorization-code flow for a backend. It
// discovers the authorization server, ensures a client registration exists
// (dynamic registration when no static client is configured), persists
// fresh PKCE state under a one-time state token, and returns the URL the
// user must visit plus the state token. Any previous pending flow for the
// backend is erased.
func (e *Engine) AuthorizationURL(ctx context.Context, slug string) (string, string, error) {
	backend, err := e.Backend(slug)
	if err != nil {
		return "", "", err
	}

	md, err := e.metadata(ctx, backend.ServerURL)
	if err != nil {
		return "", "", err
	}

	unlock := e.locker.Lock(backend.hash)
	defer unlock()

	reg, err := e.ensureRegistration(ctx, backend, md)
	if err != nil {
		return "", "", err
	}

	if err := e.store.PurgeFlowStates(ctx, backend.hash); err != nil {
		return "", "", fmt.Errorf("purging stale flow state: %w", err)
	}

	verifier, err := GenerateCodeVerifier()
	if err != nil {
		return "", "", err
	}
	state := uuid.NewString()

	err = e.store.PutFlowState(ctx, &credential.FlowState{
		State:         state,
		ServerURLHash: backend.hash,
		CodeVerifier:  verifier,
		RedirectURI:   e.redirectURI,
		ExpiresAt:     e.now().Add(e.flowTTL),
	})
	if err != nil {
		return "", "", fmt.Errorf("persisting flow state: %w", err)
	}

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", reg.ClientID)
	q.Set("redirect_uri", e.redirectURI)
	q.Set("state", state)
	q.Set("code_challenge", CodeChallengeS256(verifier))
	q.Set("code_challenge_method", codeChallengeMethodS256)
	q.Set("resource", backend.ServerURL)
	if len(backend.Scopes) > 0 {
		q.Set("scope", strings.Join(backend.Scopes, " "))
	}

	sep := "?"
	if strings.Contains(md.AuthorizationEndpoint, "?") {
		sep = "&"
	}
	authURL := md.AuthorizationEndpoint + sep + q.Encode()

	e.log.Info("authorization flow started", "backend", slug, "authorization_endpoint", md.AuthorizationEndpoint)
	return authURL, state, nil
}

// CompleteAuthorization finishes an authorization-code flow. The state
// token identifies the backend and the pending PKCE verifier. When a
// refresh token is already stored the engine first attempts one silent
// refresh and skips the exchange if it succeeds; otherwise it performs
// exactly one code exchange. State tokens are single-use: a replay fails
// with *ExchangeError.
func (e *Engine) CompleteAuthorization(ctx context.Context, code, state string) (*Backend, error) {
	fs, err := e.store.TakeFlowState(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("taking flow state: %w", err)
	}
	if fs == nil {
		return nil, &ExchangeError{Err: fmt.Errorf("no pending authorization for state")}
	}
	if fs.Expired(e.now()) {
		return nil, &ExchangeError{Err: fmt.Errorf("pending authorization expired")}
	}

	backend, ok := e.byHash[fs.ServerURLHash]
	if !ok {
		return nil, &ExchangeError{Err: fmt.Errorf("pending authorization for unconfigured backend")}
	}

	md, err := e.metadata(ctx, backend.ServerURL)
	if err != nil {
		return nil, err
	}

	unlock := e.locker.Lock(backend.hash)
	defer unlock()

	cred, err := e.store.Get(ctx, backend.hash)
	if err != nil {
		return nil, fmt.Errorf("reading credential: %w", err)
	}
	if cred == nil {
		cred = &credential.Credential{ServerURLHash: backend.hash, ServerURL: backend.ServerURL}
	}
	if cred.Registration == nil {
		return nil, &ExchangeError{Err: fmt.Errorf("no client registration for backend %q", backend.Slug)}
	}

	// A concurrent flow may have already produced a refresh token. Prefer a
	// silent refresh over burning the authorization code.
	if cred.Token != nil && cred.Token.RefreshToken != "" {
		tok, refreshErr := e.refreshGrant(ctx, md, cred, backend)
		if refreshErr == nil {
			cred.Token = tok
			if err := e.store.Put(ctx, cred); err != nil {
				return nil, fmt.Errorf("persisting refreshed token: %w", err)
			}
			e.log.Info("authorization completed via silent refresh", "backend", backend.Slug)
			return backend, nil
		}
		e.log.Warn("silent refresh failed, falling back to code exchange", "backend", backend.Slug, "error", refreshErr)
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", fs.RedirectURI)
	form.Set("client_id", cred.Registration.ClientID)
	form.Set("code_verifier", fs.CodeVerifier)
	form.Set("resource", backend.ServerURL)
	if cred.Registration.ClientSecret != "" {
		form.Set("client_secret", cred.Registration.ClientSecret)
	}

	tok, err := e.tokenRequest(ctx, md.TokenEndpoint, form)
	if err != nil {
		return nil, err
	}

	cred.Token = tok
	if err := e.store.Put(ctx, cred); err != nil {
		return nil, fmt.Errorf("persisting token: %w", err)
	}

	e.log.Info("authorization completed", "backend", backend.Slug)
	return backend, nil
}

// EnsureFreshToken returns a usable access token for a backend. A stored
// token still fresh (outside the refresh skew window) is returned as is;
// otherwise the engine performs exactly one refresh grant. When no token or
// refresh token exists, or the refresh grant is rejected, the error wraps
// ErrReauthorizationRequired.
func (e *Engine) EnsureFreshToken(ctx context.Context, slug string) (*credential.Token, error) {
	backend, err := e.Backend(slug)
	if err != nil {
		return nil, err
	}

	unlock := e.locker.Lock(backend.hash)
	defer unlock()

	cred, err := e.store.Get(ctx, backend.hash)
	if err != nil {
		return nil, fmt.Errorf("reading credential: %w", err)
	}
	if cred == nil || cred.Token == nil {
		return nil, fmt.Errorf("no token for backend %q: %w", slug, ErrReauthorizationRequired)
	}
	if cred.Token.Fresh(e.now(), e.skew) {
		return cred.Token, nil
	}
	if cred.Token.RefreshToken == "" {
		return nil, fmt.Errorf("token for backend %q expired without refresh token: %w", slug, ErrReauthorizationRequired)
	}

	md, err := e.metadata(ctx, backend.ServerURL)
	if err != nil {
		return nil, err
	}

	tok, err := e.refreshGrant(ctx, md, cred, backend)
	if err != nil {
		e.log.Warn("refresh grant failed", "backend", slug, "error", err)
		return nil, fmt.Errorf("refresh for backend %q rejected: %w", slug, ErrReauthorizationRequired)
	}

	cred.Token = tok
	if err := e.store.Put(ctx, cred); err != nil {
		return nil, fmt.Errorf("persisting refreshed token: %w", err)
	}
	return tok, nil
}

// CleanupExpiredFlows removes pending authorization state past its expiry.
// Called opportunistically alongside session initialization.
func (e *Engine) CleanupExpiredFlows(ctx context.Context) (int64, error) {
	return e.store.CleanupExpiredFlowStates(ctx)
}

// ensureRegistration returns the backend's client registration, creating
// one dynamically when neither a stored nor a static client exists.
// Caller holds the per-hash lock.
func (e *Engine) ensureRegistration(ctx context.Context, backend *Backend, md *ServerMetadata) (*credential.Registration, error) {
	cred, err := e.store.Get(ctx, backend.hash)
	if err != nil {
		return nil, fmt.Errorf("reading credential: %w", err)
	}
	if cred != nil && cred.Registration != nil {
		return cred.Registration, nil
	}

	var reg *credential.Registration
	switch {
	case backend.ClientID != "":
		reg = &credential.Registration{ClientID: backend.ClientID, ClientSecret: backend.ClientSecret}
	case md.RegistrationEndpoint != "":
		reg, err = e.registerClient(ctx, md.RegistrationEndpoint, backend)
		if err != nil {
			return nil, err
		}
		e.log.Info("dynamic client registered", "backend", backend.Slug, "client_id", reg.ClientID)
	default:
		return nil, &DiscoveryError{
			ServerURL: backend.ServerURL,
			Err:       fmt.Errorf("no registration endpoint and no static client configured"),
		}
	}

	if cred == nil {
		cred = &credential.Credential{ServerURLHash: backend.hash, ServerURL: backend.ServerURL}
	}
	cred.Registration = reg
	if err := e.store.Put(ctx, cred); err != nil {
		return nil, fmt.Errorf("persisting registration: %w", err)
	}
	return reg, nil
}

// refreshGrant performs one refresh_token grant. The previous refresh token
// is kept when the server does not rotate it.
func (e *Engine) refreshGrant(ctx context.Context, md *ServerMetadata, cred *credential.Credential, backend *Backend) (*credential.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.Token.RefreshToken)
	form.Set("client_id", cred.Registration.ClientID)
	form.Set("resource", backend.ServerURL)
	if cred.Registration.ClientSecret != "" {
		form.Set("client_secret", cred.Registration.ClientSecret)
	}

	tok, err := e.tokenRequest(ctx, md.TokenEndpoint, form)
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = cred.Token.RefreshToken
	}
	return tok, nil
}

// tokenResponse is the token endpoint response per RFC 6749 §5.1.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// tokenRequest POSTs a form to a token endpoint and decodes the response.
func (e *Engine) tokenRequest(ctx context.Context, endpoint string, form url.Values) (*credential.Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
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
	if resp.StatusCode != http.StatusOK {
		return nil, &ExchangeError{Endpoint: endpoint, Status: resp.StatusCode, Body: truncateBody(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &ExchangeError{Endpoint: endpoint, Err: fmt.Errorf("parsing token response: %w", err)}
	}
	if tr.AccessToken == "" {
		return nil, &ExchangeError{Endpoint: endpoint, Err: fmt.Errorf("token response missing access_token")}
	}

	tok := &credential.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		Scope:        tr.Scope,
	}
	if tr.ExpiresIn > 0 {
		tok.ExpiresAt = e.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}

// metadata returns cached authorization server metadata for a server URL,
// running discovery on first use.
func (e *Engine) metadata(ctx context.Context, serverURL string) (*ServerMetadata, error) {
	e.mdMu.Lock()
	md, ok := e.mdCache[serverURL]
	e.mdMu.Unlock()
	if ok {
		return md, nil
	}

	md, err := e.discover(ctx, serverURL)
	if err != nil {
		return nil, err
	}

	e.mdMu.Lock()
	e.mdCache[serverURL] = md
	e.mdMu.Unlock()
	return md, nil
}
