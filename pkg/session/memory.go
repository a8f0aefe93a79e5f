package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store with an in-process map. Suitable for tests
// and single-node development; sessions do not survive restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Upsert inserts or updates a session.
func (s *MemoryStore) Upsert(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sess
	cp.Backends = append([]string(nil), sess.Backends...)
	if existing, ok := s.sessions[sess.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
		cp.DeletedAt = existing.DeletedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = time.Now()
	s.sessions[sess.ID] = &cp
	return nil
}

// Get retrieves a session by ID, including soft-deleted records.
// Returns nil, nil if no record exists.
func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	cp := *sess
	cp.Backends = append([]string(nil), sess.Backends...)
	return &cp, nil
}

// IsActive reports whether a non-deleted record exists for the ID.
func (s *MemoryStore) IsActive(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	return ok && sess.DeletedAt == nil, nil
}

// Touch updates the session's activity timestamp.
func (s *MemoryStore) Touch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok && sess.DeletedAt == nil {
		sess.UpdatedAt = time.Now()
	}
	return nil
}

// Delete soft-deletes a session. Idempotent.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok && sess.DeletedAt == nil {
		now := time.Now()
		sess.DeletedAt = &now
	}
	return nil
}

// CleanupStale soft-deletes active sessions created more than olderThan ago.
func (s *MemoryStore) CleanupStale(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-olderThan)
	var affected int64
	for _, sess := range s.sessions {
		if sess.DeletedAt == nil && sess.CreatedAt.Before(cutoff) {
			deletedAt := now
			sess.DeletedAt = &deletedAt
			affected++
		}
	}
	return affected, nil
}

// Close releases store resources.
func (*MemoryStore) Close() error {
	return nil
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
