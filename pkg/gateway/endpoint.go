// Package gateway exposes the single MCP endpoint that callers talk to,
// translating inbound JSON-RPC frames into fan-out across backend servers.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-gateway/pkg/aggregator"
	"github.com/txn2/mcp-gateway/pkg/auth"
	"github.com/txn2/mcp-gateway/pkg/bridge"
	"github.com/txn2/mcp-gateway/pkg/oauth"
	"github.com/txn2/mcp-gateway/pkg/session"
	"github.com/txn2/mcp-gateway/pkg/transport"
)

const (
	sessionIDHeader = "Mcp-Session-Id"
	protocolVersion = "2025-06-18"

	// maxFrameBytes caps one inbound JSON-RPC frame.
	maxFrameBytes = 4 << 20

	// keepAliveInterval paces SSE comments on the notification stream.
	keepAliveInterval = 15 * time.Second
)

// EndpointConfig configures the gateway endpoint.
type EndpointConfig struct {
	// ServerName and ServerVersion identify this gateway to callers.
	ServerName    string
	ServerVersion string

	// Sessions manages session records and backend connections. Required.
	Sessions *session.Manager

	// Aggregator merges and routes tools. Required.
	Aggregator *aggregator.Aggregator

	// Backends lists the configured backend slugs in order. Sessions that
	// do not name integrations attach all of them.
	Backends []string

	// RequestTimeout bounds one inbound request including backend fan-out.
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// Endpoint serves the gateway's MCP route.
type Endpoint struct {
	name     string
	version  string
	sessions *session.Manager
	agg      *aggregator.Aggregator
	slugs    map[string]bool
	order    []string
	timeout  time.Duration
	log      *slog.Logger
}

// NewEndpoint creates the gateway endpoint.
func NewEndpoint(cfg EndpointConfig) *Endpoint {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = bridge.DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	slugs := make(map[string]bool, len(cfg.Backends))
	for _, slug := range cfg.Backends {
		slugs[slug] = true
	}
	return &Endpoint{
		name:     cfg.ServerName,
		version:  cfg.ServerVersion,
		sessions: cfg.Sessions,
		agg:      cfg.Aggregator,
		slugs:    slugs,
		order:    cfg.Backends,
		timeout:  cfg.RequestTimeout,
		log:      cfg.Logger,
	}
}

// ServeHTTP dispatches by HTTP method: POST carries JSON-RPC frames, DELETE
// tears the session down, GET opens the server-notification stream.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		e.handlePost(w, r)
	case http.MethodDelete:
		e.handleDelete(w, r)
	case http.MethodGet:
		e.handleStream(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (e *Endpoint) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "reading request body")
		return
	}

	msg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON-RPC frame")
		return
	}

	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		// Client-to-server responses (e.g. to server pings) are
		// acknowledged and dropped.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if req.Method == "initialize" {
		e.handleInitialize(w, r, req)
		return
	}

	ctx := r.Context()
	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, req.ID.Raw(), codeInternal, "no valid session")
		return
	}

	sess, err := e.sessions.Resolve(ctx, sessionID)
	if err != nil {
		e.log.Error("resolving session", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, req.ID.Raw(), codeInternal, "internal error")
		return
	}
	if sess == nil {
		writeError(w, http.StatusBadRequest, req.ID.Raw(), codeInternal, "no valid session")
		return
	}

	e.sessions.Touch(ctx, sess.ID)

	if strings.HasPrefix(req.Method, "notifications/") {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "ping":
		e.respond(w, req, struct{}{})
	case "tools/list":
		e.handleToolsList(w, r, req, sess)
	case "tools/call":
		e.handleToolsCall(w, r, req, sess)
	default:
		writeError(w, http.StatusOK, req.ID.Raw(), codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

// handleInitialize creates a session and eagerly opens its backend
// transports. Connection failures are logged, not fatal: the failed backend
// is retried on the next request.
func (e *Endpoint) handleInitialize(w http.ResponseWriter, r *http.Request, req *jsonrpc.Request) {
	ctx := r.Context()

	var workspaceID string
	if identity := auth.IdentityFrom(ctx); identity != nil {
		workspaceID = identity.WorkspaceID
	}

	source := r.URL.Query().Get("source")

	backends := e.order
	if raw := r.URL.Query().Get("integrations"); raw != "" {
		backends = nil
		for _, slug := range strings.Split(raw, ",") {
			slug = strings.TrimSpace(slug)
			if slug == "" {
				continue
			}
			if !e.slugs[slug] {
				writeError(w, http.StatusBadRequest, req.ID.Raw(), codeInvalidParams, fmt.Sprintf("unknown integration %q", slug))
				return
			}
			backends = append(backends, slug)
		}
	}

	sess, err := e.sessions.Create(ctx, uuid.NewString(), workspaceID, source, backends)
	if err != nil {
		e.log.Error("creating session", "workspace_id", workspaceID, "error", err)
		writeError(w, http.StatusBadRequest, req.ID.Raw(), codeInvalidParams, err.Error())
		return
	}

	if _, failures := e.sessions.Connections(ctx, sess); len(failures) > 0 {
		for slug, connErr := range failures {
			e.log.Warn("backend unavailable at session start", "session_id", sess.ID, "backend", slug, "error", connErr)
		}
	}

	result := &mcp.InitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{},
		},
		ServerInfo: &mcp.Implementation{Name: e.name, Version: e.version},
	}

	w.Header().Set(sessionIDHeader, sess.ID)
	e.respond(w, req, result)
}

func (e *Endpoint) handleToolsList(w http.ResponseWriter, r *http.Request, req *jsonrpc.Request, sess *session.Session) {
	b, failures := e.bridge(r, sess)
	defer b.Close()

	for slug, err := range failures {
		e.log.Warn("backend skipped for tool listing", "session_id", sess.ID, "backend", slug, "error", err)
	}

	tools := e.agg.ListTools(b)
	e.respond(w, req, &mcp.ListToolsResult{Tools: tools})
}

func (e *Endpoint) handleToolsCall(w http.ResponseWriter, r *http.Request, req *jsonrpc.Request, sess *session.Session) {
	var params mcp.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID.Raw(), codeInvalidParams, "invalid tools/call params")
		return
	}

	b, failures := e.bridge(r, sess)
	defer b.Close()

	slug, _, namespaced := aggregator.SplitName(params.Name)
	if namespaced {
		if connErr, failed := failures[slug]; failed {
			e.writeBackendError(w, req, sess.ID, slug, connErr)
			return
		}
	}

	result, err := e.agg.CallTool(b, params.Name, params.Arguments)
	if err != nil {
		var unknown *aggregator.UnknownToolError
		switch {
		case errors.As(err, &unknown):
			// Protocol-level error: the frame succeeds, the tool result
			// carries the failure.
			e.respond(w, req, &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: "unknown tool: " + params.Name}},
			})
		case b.TimedOut():
			writeError(w, http.StatusOK, req.ID.Raw(), codeTimeout, "request timed out")
		default:
			if namespaced {
				e.sessions.Invalidate(sess.ID, slug)
			}
			e.log.Error("tool call failed", "session_id", sess.ID, "backend", slug, "tool", params.Name, "error", err)
			writeError(w, http.StatusOK, req.ID.Raw(), codeInternal, "internal error")
		}
		return
	}

	e.respond(w, req, result)
}

func (e *Endpoint) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		http.Error(w, "missing session ID", http.StatusBadRequest)
		return
	}

	if err := e.sessions.Teardown(r.Context(), sessionID); err != nil {
		e.log.Error("session teardown failed", "session_id", sessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStream serves the server-notification stream. The gateway emits no
// notifications of its own yet, so the stream carries keep-alive comments
// until the caller disconnects.
func (e *Endpoint) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		http.Error(w, "missing session ID", http.StatusBadRequest)
		return
	}

	sess, err := e.sessions.Resolve(r.Context(), sessionID)
	if err != nil {
		e.log.Error("resolving session", "session_id", sessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if sess == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// bridge reconciles the session's backend connections and wraps the live
// ones in a per-request bridge.
func (e *Endpoint) bridge(r *http.Request, sess *session.Session) (*bridge.Bridge, map[string]error) {
	conns, failures := e.sessions.Connections(r.Context(), sess)

	legs := make([]*bridge.Leg, 0, len(conns))
	for _, conn := range conns {
		legs = append(legs, &bridge.Leg{Slug: conn.Slug, Client: conn.Handle.Client, Kind: conn.Handle.Kind})
	}
	return bridge.New(r.Context(), legs, e.timeout, e.log), failures
}

// writeBackendError maps a connection failure for the call's target backend
// onto the error taxonomy.
func (e *Endpoint) writeBackendError(w http.ResponseWriter, req *jsonrpc.Request, sessionID, slug string, err error) {
	var unavailable *transport.UnavailableError
	switch {
	case errors.Is(err, oauth.ErrReauthorizationRequired):
		writeError(w, http.StatusOK, req.ID.Raw(), codeReauthorization,
			fmt.Sprintf("backend %q requires reauthorization", slug))
	case errors.As(err, &unavailable):
		writeError(w, http.StatusOK, req.ID.Raw(), codeTransportUnavailable,
			fmt.Sprintf("backend %q is unavailable", slug))
	default:
		e.log.Error("backend connection failed", "session_id", sessionID, "backend", slug, "error", err)
		writeError(w, http.StatusOK, req.ID.Raw(), codeInternal, "internal error")
	}
}

func (e *Endpoint) respond(w http.ResponseWriter, req *jsonrpc.Request, result any) {
	if err := writeResult(w, req.ID, result); err != nil {
		e.log.Error("writing response frame", "method", req.Method, "error", err)
	}
}
