// Package transport establishes outbound MCP connections to backend
// servers over SSE or streamable HTTP, following a configured strategy
// with at most one fallback attempt.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Kind identifies a concrete transport mechanism.
type Kind string

const (
	// KindSSE is the SSE client transport.
	KindSSE Kind = "sse"

	// KindHTTP is the streamable HTTP client transport.
	KindHTTP Kind = "http"
)

// Strategy selects which transports to try and in what order.
type Strategy string

const (
	StrategySSEOnly   Strategy = "sse-only"
	StrategyHTTPOnly  Strategy = "http-only"
	StrategySSEFirst  Strategy = "sse-first"
	StrategyHTTPFirst Strategy = "http-first"
)

// DefaultStrategy is used when a backend does not configure one.
const DefaultStrategy = StrategySSEFirst

// ParseStrategy validates a strategy string, defaulting empty to
// DefaultStrategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return DefaultStrategy, nil
	case StrategySSEOnly, StrategyHTTPOnly, StrategySSEFirst, StrategyHTTPFirst:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown transport strategy %q", s)
	}
}

// attempts returns the transport kinds to try, in order. The -first
// strategies allow a single fallback; the -only strategies never fall back.
func (s Strategy) attempts() []Kind {
	switch s {
	case StrategySSEOnly:
		return []Kind{KindSSE}
	case StrategyHTTPOnly:
		return []Kind{KindHTTP}
	case StrategyHTTPFirst:
		return []Kind{KindHTTP, KindSSE}
	default:
		return []Kind{KindSSE, KindHTTP}
	}
}

// Client is the subset of *mcp.ClientSession the gateway drives on an
// established connection.
type Client interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Ping(ctx context.Context, params *mcp.PingParams) error
	Close() error
}

// Verify *mcp.ClientSession satisfies Client.
var _ Client = (*mcp.ClientSession)(nil)

// Handle is an established connection to one backend.
type Handle struct {
	Client      Client
	Kind        Kind
	Endpoint    string
	ConnectedAt time.Time
}

// Close terminates the connection.
func (h *Handle) Close() error {
	return h.Client.Close()
}

// Result records the outcome of one connection attempt.
type Result struct {
	Kind Kind
	Err  error
}

// UnavailableError reports that every transport attempt allowed by the
// strategy failed to establish a connection.
type UnavailableError struct {
	Endpoint string
	Attempts []Result
}

func (e *UnavailableError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Kind, a.Err))
	}
	return fmt.Sprintf("backend %s unavailable: %s", e.Endpoint, strings.Join(parts, "; "))
}

// Options configures Open.
type Options struct {
	// Endpoint is the backend MCP URL.
	Endpoint string

	// Strategy selects transports. Zero value means DefaultStrategy.
	Strategy Strategy

	// AccessToken, when set, is sent as a bearer token on every HTTP
	// request of the connection.
	AccessToken string

	// HTTPClient is the base client; nil means http.DefaultClient.
	HTTPClient *http.Client

	// Impl identifies this gateway to backends during initialize.
	Impl *mcp.Implementation

	Logger *slog.Logger
}

// Open establishes a connection to a backend following the strategy:
// attempt the primary transport, and for the -first strategies fall back
// exactly once to the other transport if establishment fails. Failure of
// every attempt returns *UnavailableError carrying each attempt's cause.
func Open(ctx context.Context, opts Options) (*Handle, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	impl := opts.Impl
	if impl == nil {
		impl = &mcp.Implementation{Name: "mcp-gateway", Version: "dev"}
	}
	httpClient := bearerClient(opts.AccessToken, opts.HTTPClient)

	var attempts []Result
	for _, kind := range opts.Strategy.attempts() {
		session, err := connect(ctx, kind, opts.Endpoint, impl, httpClient)
		if err == nil {
			log.Debug("transport established", "endpoint", opts.Endpoint, "kind", kind)
			return &Handle{
				Client:      session,
				Kind:        kind,
				Endpoint:    opts.Endpoint,
				ConnectedAt: time.Now(),
			}, nil
		}
		log.Debug("transport attempt failed", "endpoint", opts.Endpoint, "kind", kind, "error", err)
		attempts = append(attempts, Result{Kind: kind, Err: err})
	}

	return nil, &UnavailableError{Endpoint: opts.Endpoint, Attempts: attempts}
}

// connect runs the MCP initialize handshake over one transport kind.
func connect(ctx context.Context, kind Kind, endpoint string, impl *mcp.Implementation, httpClient *http.Client) (*mcp.ClientSession, error) {
	var t mcp.Transport
	switch kind {
	case KindSSE:
		t = &mcp.SSEClientTransport{Endpoint: endpoint, HTTPClient: httpClient}
	case KindHTTP:
		t = &mcp.StreamableClientTransport{Endpoint: endpoint, HTTPClient: httpClient}
	default:
		return nil, fmt.Errorf("unknown transport kind %q", kind)
	}

	client := mcp.NewClient(impl, nil)
	session, err := client.Connect(ctx, t, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting %s transport: %w", kind, err)
	}
	return session, nil
}
