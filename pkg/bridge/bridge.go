// Package bridge pairs one inbound caller request with its outbound
// backend legs. A Bridge lives for a single request: it scopes every
// outbound call to one deadline and releases all legs when closed. The
// underlying connections are owned by the session manager and survive
// the bridge.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/txn2/mcp-gateway/pkg/transport"
)

// DefaultTimeout bounds outbound legs when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// Leg is one outbound connection used by a bridge.
type Leg struct {
	// Slug is the backend's configured name.
	Slug string

	// Client drives the backend connection.
	Client transport.Client

	// Kind is the transport the connection was established over.
	Kind transport.Kind
}

// Bridge scopes the outbound legs of one inbound request. Close is
// idempotent and cancels every in-flight outbound call; per-leg message
// order is preserved by each leg's single connection.
type Bridge struct {
	legs   []*Leg
	bySlug map[string]*Leg

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	log       *slog.Logger
}

// New creates a bridge over the given legs. The parent context is the
// inbound request's: caller disconnection propagates to every leg. A
// non-positive timeout uses DefaultTimeout.
func New(parent context.Context, legs []*Leg, timeout time.Duration, log *slog.Logger) *Bridge {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithTimeout(parent, timeout)

	bySlug := make(map[string]*Leg, len(legs))
	for _, leg := range legs {
		bySlug[leg.Slug] = leg
	}

	return &Bridge{
		legs:   legs,
		bySlug: bySlug,
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}
}

// Context returns the per-request context every outbound call must use.
func (b *Bridge) Context() context.Context {
	return b.ctx
}

// Legs returns the bridge's legs in attachment order.
func (b *Bridge) Legs() []*Leg {
	return b.legs
}

// Leg returns the leg for a backend slug.
func (b *Bridge) Leg(slug string) (*Leg, bool) {
	leg, ok := b.bySlug[slug]
	return leg, ok
}

// Close releases every leg by cancelling the request context. Safe to
// call multiple times; the connections themselves stay open for reuse by
// later requests.
func (b *Bridge) Close() {
	b.closeOnce.Do(b.cancel)
}

// TimedOut reports whether the bridge's deadline elapsed.
func (b *Bridge) TimedOut() bool {
	return errors.Is(b.ctx.Err(), context.DeadlineExceeded)
}
