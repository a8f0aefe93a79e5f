// Package session manages caller sessions: the durable record that makes a
// session survive gateway restarts, and the in-memory cache of live backend
// connections that is reconciled against it on every request.
package session

import (
	"context"
	"time"
)

// Session is the durable record of one caller session.
type Session struct {
	// ID is the unique session identifier handed to the caller.
	ID string

	// WorkspaceID identifies the authenticated caller workspace.
	WorkspaceID string

	// Source is the caller-supplied origin label from session creation.
	Source string

	// Backends are the slugs of the backend servers attached to the session.
	Backends []string

	// CreatedAt is when the session was established.
	CreatedAt time.Time

	// UpdatedAt is the most recent activity timestamp.
	UpdatedAt time.Time

	// DeletedAt marks soft deletion. Nil while the session is active.
	DeletedAt *time.Time
}

// Active reports whether the session exists and is not soft-deleted.
func (s *Session) Active() bool {
	return s != nil && s.DeletedAt == nil
}

// Store defines the interface for durable session persistence.
type Store interface {
	// Upsert inserts the session or updates its source, backends, and
	// activity timestamp.
	Upsert(ctx context.Context, s *Session) error

	// Get retrieves a session by ID, including soft-deleted records.
	// Returns nil, nil if no record exists.
	Get(ctx context.Context, id string) (*Session, error)

	// IsActive reports whether a non-deleted record exists for the ID.
	IsActive(ctx context.Context, id string) (bool, error)

	// Touch updates the session's activity timestamp.
	Touch(ctx context.Context, id string) error

	// Delete soft-deletes a session. Deleting an already-deleted or
	// missing session is a no-op.
	Delete(ctx context.Context, id string) error

	// CleanupStale soft-deletes active sessions created more than
	// olderThan ago and returns the number affected.
	CleanupStale(ctx context.Context, olderThan time.Duration) (int64, error)

	// Close releases store resources.
	Close() error
}
