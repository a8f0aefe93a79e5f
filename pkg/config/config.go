// Package config loads and validates the gateway configuration.
package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txn2/mcp-gateway/pkg/credential"
	"github.com/txn2/mcp-gateway/pkg/transport"
)

// Config holds the complete gateway configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Database DatabaseConfig  `yaml:"database"`
	Auth     AuthConfig      `yaml:"auth"`
	OAuth    OAuthConfig     `yaml:"oauth"`
	Session  SessionConfig   `yaml:"session"`
	Gateway  GatewayConfig   `yaml:"gateway"`
	Backends []BackendConfig `yaml:"backends"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Address string `yaml:"address"`
}

// DatabaseConfig configures PostgreSQL. An empty DSN selects the in-memory
// stores, which do not survive restarts.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// AuthConfig configures caller authentication.
type AuthConfig struct {
	JWT     JWTAuthConfig `yaml:"jwt"`
	APIKeys []APIKeyDef   `yaml:"api_keys"`
}

// JWTAuthConfig configures bearer token validation.
type JWTAuthConfig struct {
	Secret   string `yaml:"secret"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// APIKeyDef defines a static API key.
type APIKeyDef struct {
	Key         string `yaml:"key"`
	Name        string `yaml:"name"`
	WorkspaceID string `yaml:"workspace_id"`
}

// OAuthConfig configures the client-side OAuth engine used against
// backend servers.
type OAuthConfig struct {
	// RedirectURI is this gateway's callback URL, registered with every
	// backend authorization server.
	RedirectURI string `yaml:"redirect_uri"`

	// ClientName is sent during dynamic client registration.
	ClientName string `yaml:"client_name"`

	// EncryptionKey is the base64-encoded 32-byte key sealing credentials
	// at rest.
	EncryptionKey string `yaml:"encryption_key"`

	// FlowTTL bounds how long a pending authorization flow stays valid.
	FlowTTL time.Duration `yaml:"flow_ttl"`
}

// SessionConfig configures session lifecycle.
type SessionConfig struct {
	StaleAfter  time.Duration `yaml:"stale_after"`
	MaxBackends int           `yaml:"max_backends"`
}

// GatewayConfig configures request handling.
type GatewayConfig struct {
	// RequestTimeout bounds one gateway request including all backend
	// fan-out.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// BackendConfig defines one backend MCP server.
type BackendConfig struct {
	Slug      string   `yaml:"slug"`
	URL       string   `yaml:"url"`
	Transport string   `yaml:"transport"` // "sse", "http", "sse-first", "http-first"
	Scopes    []string `yaml:"scopes"`

	// ClientID and ClientSecret skip dynamic registration when the
	// backend issued static credentials out of band.
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// Load loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the administrator.
func Load(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "mcp-gateway"
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = "1.0.0"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.OAuth.ClientName == "" {
		cfg.OAuth.ClientName = cfg.Server.Name
	}
	if cfg.OAuth.FlowTTL == 0 {
		cfg.OAuth.FlowTTL = 10 * time.Minute
	}
	if cfg.Session.StaleAfter == 0 {
		cfg.Session.StaleAfter = 24 * time.Hour
	}
	if cfg.Session.MaxBackends == 0 {
		cfg.Session.MaxBackends = 16
	}
	if cfg.Gateway.RequestTimeout == 0 {
		cfg.Gateway.RequestTimeout = 30 * time.Second
	}
}

// DecodeEncryptionKey decodes the configured base64 key.
func (c *OAuthConfig) DecodeEncryptionKey() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, fmt.Errorf("oauth.encryption_key is required")
	}
	key, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decoding oauth.encryption_key: %w", err)
	}
	if len(key) != credential.KeySize {
		return nil, fmt.Errorf("oauth.encryption_key must decode to %d bytes, got %d", credential.KeySize, len(key))
	}
	return key, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Auth.JWT.Secret == "" && len(c.Auth.APIKeys) == 0 {
		errs = append(errs, "at least one of auth.jwt.secret or auth.api_keys is required")
	}
	for i, key := range c.Auth.APIKeys {
		if key.Key == "" {
			errs = append(errs, fmt.Sprintf("auth.api_keys[%d].key is required", i))
		}
		if key.Name == "" {
			errs = append(errs, fmt.Sprintf("auth.api_keys[%d].name is required", i))
		}
	}

	if c.OAuth.RedirectURI == "" {
		errs = append(errs, "oauth.redirect_uri is required")
	} else if _, err := url.ParseRequestURI(c.OAuth.RedirectURI); err != nil {
		errs = append(errs, fmt.Sprintf("oauth.redirect_uri is not a valid URL: %v", err))
	}
	if _, err := c.OAuth.DecodeEncryptionKey(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(c.Backends) == 0 {
		errs = append(errs, "at least one backend is required")
	}
	seen := make(map[string]bool)
	for i, backend := range c.Backends {
		if backend.Slug == "" {
			errs = append(errs, fmt.Sprintf("backends[%d].slug is required", i))
		} else if seen[backend.Slug] {
			errs = append(errs, fmt.Sprintf("backends[%d].slug %q is duplicated", i, backend.Slug))
		}
		seen[backend.Slug] = true

		if strings.Contains(backend.Slug, "__") {
			errs = append(errs, fmt.Sprintf("backends[%d].slug %q must not contain %q", i, backend.Slug, "__"))
		}

		if backend.URL == "" {
			errs = append(errs, fmt.Sprintf("backends[%d].url is required", i))
		} else {
			u, err := url.Parse(backend.URL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				errs = append(errs, fmt.Sprintf("backends[%d].url %q is not a valid URL", i, backend.URL))
			}
		}

		if _, err := transport.ParseStrategy(backend.Transport); err != nil {
			errs = append(errs, fmt.Sprintf("backends[%d].transport: %v", i, err))
		}
	}

	if len(c.Backends) > c.Session.MaxBackends {
		errs = append(errs, fmt.Sprintf("session.max_backends (%d) is below the number of configured backends (%d)", c.Session.MaxBackends, len(c.Backends)))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
