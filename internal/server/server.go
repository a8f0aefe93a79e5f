// Package server assembles a fully wired gateway from configuration:
// stores, the OAuth engine, the session manager, and the HTTP routes.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	_ "github.com/lib/pq" // postgres driver
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-gateway/pkg/aggregator"
	"github.com/txn2/mcp-gateway/pkg/auth"
	"github.com/txn2/mcp-gateway/pkg/config"
	"github.com/txn2/mcp-gateway/pkg/credential"
	credentialpg "github.com/txn2/mcp-gateway/pkg/credential/postgres"
	"github.com/txn2/mcp-gateway/pkg/database/migrate"
	"github.com/txn2/mcp-gateway/pkg/gateway"
	"github.com/txn2/mcp-gateway/pkg/health"
	"github.com/txn2/mcp-gateway/pkg/httpmw"
	"github.com/txn2/mcp-gateway/pkg/oauth"
	"github.com/txn2/mcp-gateway/pkg/session"
	sessionpg "github.com/txn2/mcp-gateway/pkg/session/postgres"
	"github.com/txn2/mcp-gateway/pkg/transport"
)

// Version is set at build time.
var Version = "dev"

// Gateway is an assembled gateway ready to serve HTTP.
type Gateway struct {
	// Handler carries every route: the MCP endpoint, the OAuth flow
	// endpoints, and the health probes.
	Handler http.Handler

	// Checker tracks readiness; callers flip it once they are listening.
	Checker *health.Checker

	manager   *session.Manager
	credStore credential.Store
	db        *sql.DB
	log       *slog.Logger
}

// NewWithConfig loads, validates, and assembles a gateway from a config
// file.
func NewWithConfig(ctx context.Context, path string, log *slog.Logger) (*Gateway, *config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	g, err := New(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return g, cfg, nil
}

// New assembles a gateway from validated configuration.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Gateway, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = Version
	}

	checker := health.NewChecker()

	var (
		db           *sql.DB
		sessionStore session.Store
		credStore    credential.Store
	)
	if cfg.Database.DSN != "" {
		var err error
		db, err = sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("pinging database: %w", err)
		}
		if err := migrate.Run(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}

		key, err := cfg.OAuth.DecodeEncryptionKey()
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		cipher, err := credential.NewCipher(key)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("creating credential cipher: %w", err)
		}

		sessionStore = sessionpg.New(db)
		credStore = credentialpg.New(db, cipher)
		checker.AddProbe("database", db.PingContext)
	} else {
		log.Warn("no database configured, sessions and credentials will not survive restarts")
		sessionStore = session.NewMemoryStore()
		credStore = credential.NewMemoryStore()
	}

	oauthBackends := make([]oauth.Backend, 0, len(cfg.Backends))
	specs := make([]gateway.BackendSpec, 0, len(cfg.Backends))
	slugs := make([]string, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		strategy, err := transport.ParseStrategy(b.Transport)
		if err != nil {
			closeDB(db)
			return nil, fmt.Errorf("backend %q: %w", b.Slug, err)
		}
		oauthBackends = append(oauthBackends, oauth.Backend{
			Slug:         b.Slug,
			ServerURL:    b.URL,
			Scopes:       b.Scopes,
			ClientID:     b.ClientID,
			ClientSecret: b.ClientSecret,
		})
		specs = append(specs, gateway.BackendSpec{Slug: b.Slug, Endpoint: b.URL, Strategy: strategy})
		slugs = append(slugs, b.Slug)
	}

	engine, err := oauth.New(oauth.Config{
		Store:       credStore,
		Backends:    oauthBackends,
		RedirectURI: cfg.OAuth.RedirectURI,
		ClientName:  cfg.OAuth.ClientName,
		FlowTTL:     cfg.OAuth.FlowTTL,
		Logger:      log,
	})
	if err != nil {
		closeDB(db)
		return nil, fmt.Errorf("creating oauth engine: %w", err)
	}

	impl := &mcp.Implementation{Name: cfg.Server.Name, Version: cfg.Server.Version}
	connector := gateway.NewBackendConnector(engine, specs, impl, nil, log)
	manager := session.NewManager(session.ManagerConfig{
		Store:       sessionStore,
		Connector:   connector,
		StaleAfter:  cfg.Session.StaleAfter,
		MaxBackends: cfg.Session.MaxBackends,
		Logger:      log,
	})

	endpoint := gateway.NewEndpoint(gateway.EndpointConfig{
		ServerName:     cfg.Server.Name,
		ServerVersion:  cfg.Server.Version,
		Sessions:       manager,
		Aggregator:     aggregator.New(log),
		Backends:       slugs,
		RequestTimeout: cfg.Gateway.RequestTimeout,
		Logger:         log,
	})
	flows := gateway.NewAuthFlows(engine, log)

	authenticator, err := buildAuthenticator(cfg)
	if err != nil {
		manager.Close()
		closeDB(db)
		return nil, err
	}
	requireAuth := httpmw.RequireAuth(authenticator, log)

	mux := http.NewServeMux()
	mux.Handle("/mcp", requireAuth(endpoint))
	mux.Handle("/oauth/authorize", requireAuth(http.HandlerFunc(flows.Authorize)))
	mux.HandleFunc("/oauth/callback", flows.Callback)
	mux.HandleFunc("/healthz", checker.LivenessHandler())
	mux.HandleFunc("/readyz", checker.ReadinessHandler())

	return &Gateway{
		Handler:   mux,
		Checker:   checker,
		manager:   manager,
		credStore: credStore,
		db:        db,
		log:       log,
	}, nil
}

// buildAuthenticator chains the configured caller authentication methods.
func buildAuthenticator(cfg *config.Config) (auth.Authenticator, error) {
	var chain auth.Chain

	if cfg.Auth.JWT.Secret != "" {
		jwtAuth, err := auth.NewJWTAuthenticator(auth.JWTConfig{
			Secret:   []byte(cfg.Auth.JWT.Secret),
			Issuer:   cfg.Auth.JWT.Issuer,
			Audience: cfg.Auth.JWT.Audience,
		})
		if err != nil {
			return nil, fmt.Errorf("configuring jwt authentication: %w", err)
		}
		chain = append(chain, jwtAuth)
	}

	if len(cfg.Auth.APIKeys) > 0 {
		keys := make([]auth.APIKey, 0, len(cfg.Auth.APIKeys))
		for _, k := range cfg.Auth.APIKeys {
			keys = append(keys, auth.APIKey{Key: k.Key, Name: k.Name, WorkspaceID: k.WorkspaceID})
		}
		chain = append(chain, auth.NewAPIKeyAuthenticator(keys))
	}

	if len(chain) == 0 {
		return nil, fmt.Errorf("no authentication method configured")
	}
	return chain, nil
}

// Close drains the gateway: backend connections and store resources are
// released, but durable session records are kept so sessions survive a
// restart.
func (g *Gateway) Close() error {
	g.Checker.SetDraining()
	g.manager.Close()

	var errs []error
	if err := g.credStore.Close(); err != nil {
		errs = append(errs, err)
	}
	if g.db != nil {
		if err := g.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeDB(db *sql.DB) {
	if db != nil {
		_ = db.Close()
	}
}
