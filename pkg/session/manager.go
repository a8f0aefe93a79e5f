package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/txn2/mcp-gateway/pkg/transport"
)

const (
	// DefaultStaleAfter is how long a session stays recreatable after
	// creation before opportunistic cleanup soft-deletes it.
	DefaultStaleAfter = 24 * time.Hour

	// DefaultMaxBackends caps the backends attachable to one session.
	DefaultMaxBackends = 16

	// cleanupTimeout bounds the opportunistic cleanup pass.
	cleanupTimeout = 30 * time.Second
)

// Connector establishes a connection to one backend on behalf of a
// session, acquiring whatever credentials the backend requires.
type Connector interface {
	Connect(ctx context.Context, sessionID, slug string) (*transport.Handle, error)
}

// Connection is one live cached transport for a (session, backend) pair.
type Connection struct {
	Slug        string
	Handle      *transport.Handle
	ConnectedAt time.Time
}

// entry is the in-memory state of one session. Its mutex serializes
// connection establishment so concurrent requests for the same session
// never open duplicate transports to a backend.
type entry struct {
	mu    sync.Mutex
	conns map[string]*Connection
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Store is the durable session store. Required.
	Store Store

	// Connector opens backend connections. Required.
	Connector Connector

	// StaleAfter is the age cutoff for opportunistic cleanup.
	StaleAfter time.Duration

	// MaxBackends caps backends per session.
	MaxBackends int

	Logger *slog.Logger
}

// Manager pairs the durable session store with the in-memory connection
// cache. The durable record is the source of truth: on every request the
// cache is reconciled against it, which is also what recreates transports
// after a gateway restart.
type Manager struct {
	store       Store
	connector   Connector
	staleAfter  time.Duration
	maxBackends int
	log         *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.MaxBackends <= 0 {
		cfg.MaxBackends = DefaultMaxBackends
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		store:       cfg.Store,
		connector:   cfg.Connector,
		staleAfter:  cfg.StaleAfter,
		maxBackends: cfg.MaxBackends,
		log:         cfg.Logger,
		entries:     make(map[string]*entry),
	}
}

// Create persists a new session record and opportunistically sweeps stale
// sessions in the background.
func (m *Manager) Create(ctx context.Context, id, workspaceID, source string, backends []string) (*Session, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("session requires at least one backend")
	}
	if len(backends) > m.maxBackends {
		return nil, fmt.Errorf("session requests %d backends, limit is %d", len(backends), m.maxBackends)
	}

	now := time.Now()
	sess := &Session{
		ID:          id,
		WorkspaceID: workspaceID,
		Source:      source,
		Backends:    slices.Clone(backends),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.Upsert(ctx, sess); err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	m.log.Info("session created", "session_id", id, "workspace_id", workspaceID, "source", source, "backends", backends)

	go m.cleanupStale()

	return sess, nil
}

// Resolve returns the active session for an ID, or nil when no active
// record exists (missing or soft-deleted).
func (m *Manager) Resolve(ctx context.Context, id string) (*Session, error) {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	if !sess.Active() {
		return nil, nil //nolint:nilnil // absent and soft-deleted resolve the same way
	}
	return sess, nil
}

// Exists reports whether any durable record exists for the ID, active or
// soft-deleted.
func (m *Manager) Exists(ctx context.Context, id string) (bool, error) {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("reading session: %w", err)
	}
	return sess != nil, nil
}

// Touch records session activity, best-effort.
func (m *Manager) Touch(ctx context.Context, id string) {
	if err := m.store.Touch(ctx, id); err != nil {
		m.log.Warn("session touch failed", "session_id", id, "error", err)
	}
}

// Connections reconciles the in-memory connection cache against the
// durable record and returns the live connections in the session's backend
// order. Missing connections are established through the Connector; a
// backend that cannot be connected is reported in the failures map rather
// than failing the whole call. Establishment for one session is
// serialized, so under concurrent requests at most one live transport
// exists per (session, backend).
func (m *Manager) Connections(ctx context.Context, sess *Session) ([]*Connection, map[string]error) {
	e := m.entry(sess.ID)
	e.mu.Lock()
	defer e.mu.Unlock()

	connect, drop := reconcile(sess.Backends, e.conns)

	for _, slug := range drop {
		conn := e.conns[slug]
		if err := conn.Handle.Close(); err != nil {
			m.log.Warn("closing detached backend connection", "session_id", sess.ID, "backend", slug, "error", err)
		}
		delete(e.conns, slug)
	}

	failures := make(map[string]error)
	for _, slug := range connect {
		handle, err := m.connector.Connect(ctx, sess.ID, slug)
		if err != nil {
			failures[slug] = err
			m.log.Warn("backend connection failed", "session_id", sess.ID, "backend", slug, "error", err)
			continue
		}
		e.conns[slug] = &Connection{Slug: slug, Handle: handle, ConnectedAt: time.Now()}
		m.log.Info("backend connection established", "session_id", sess.ID, "backend", slug, "kind", handle.Kind)
	}

	conns := make([]*Connection, 0, len(e.conns))
	for _, slug := range sess.Backends {
		if conn, ok := e.conns[slug]; ok {
			conns = append(conns, conn)
		}
	}
	return conns, failures
}

// reconcile compares the durable record's backends against the cached
// connections and returns which backends to connect and which cached
// connections to drop. Pure function; the caller holds the entry lock.
func reconcile(backends []string, cached map[string]*Connection) (connect, drop []string) {
	for _, slug := range backends {
		if _, ok := cached[slug]; !ok {
			connect = append(connect, slug)
		}
	}
	for slug := range cached {
		if !slices.Contains(backends, slug) {
			drop = append(drop, slug)
		}
	}
	slices.Sort(drop)
	return connect, drop
}

// Invalidate drops a cached connection so the next request reconnects.
// Used when a call fails at the transport level mid-session.
func (m *Manager) Invalidate(sessionID, slug string) {
	e := m.entry(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()

	conn, ok := e.conns[slug]
	if !ok {
		return
	}
	_ = conn.Handle.Close()
	delete(e.conns, slug)
	m.log.Info("backend connection invalidated", "session_id", sessionID, "backend", slug)
}

// Teardown closes every cached connection for the session and soft-deletes
// the durable record. Idempotent.
func (m *Manager) Teardown(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	delete(m.entries, id)
	m.mu.Unlock()

	if ok {
		e.mu.Lock()
		for slug, conn := range e.conns {
			if err := conn.Handle.Close(); err != nil {
				m.log.Warn("closing backend connection", "session_id", id, "backend", slug, "error", err)
			}
		}
		e.conns = make(map[string]*Connection)
		e.mu.Unlock()
	}

	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	m.log.Info("session torn down", "session_id", id)
	return nil
}

// Close tears down all cached connections without touching durable
// records; sessions stay recreatable after a restart.
func (m *Manager) Close() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for id, e := range entries {
		e.mu.Lock()
		for slug, conn := range e.conns {
			if err := conn.Handle.Close(); err != nil {
				m.log.Warn("closing backend connection", "session_id", id, "backend", slug, "error", err)
			}
		}
		e.mu.Unlock()
	}
}

// entry returns the in-memory state for a session, creating it if needed.
func (m *Manager) entry(id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		e = &entry{conns: make(map[string]*Connection)}
		m.entries[id] = e
	}
	return e
}

// cleanupStale sweeps aged-out sessions, detached from any request context.
func (m *Manager) cleanupStale() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	n, err := m.store.CleanupStale(ctx, m.staleAfter)
	if err != nil {
		m.log.Warn("stale session cleanup failed", "error", err)
		return
	}
	if n > 0 {
		m.log.Info("stale sessions cleaned up", "count", n)
	}
}
