package credential

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store with in-process maps. Suitable for tests
// and single-node development; credentials do not survive restarts.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]*Credential
	flows map[string]*FlowState
}

// NewMemoryStore creates an empty in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds: make(map[string]*Credential),
		flows: make(map[string]*FlowState),
	}
}

// Get retrieves a credential by server URL hash. Returns nil, nil if not found.
func (s *MemoryStore) Get(_ context.Context, serverURLHash string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.creds[serverURLHash]
	if !ok {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	cp := *cred
	return &cp, nil
}

// Put inserts or replaces a credential.
func (s *MemoryStore) Put(_ context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *cred
	cp.UpdatedAt = time.Now()
	s.creds[cred.ServerURLHash] = &cp
	return nil
}

// Delete removes a credential.
func (s *MemoryStore) Delete(_ context.Context, serverURLHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.creds, serverURLHash)
	return nil
}

// PutFlowState persists pending authorization state.
func (s *MemoryStore) PutFlowState(_ context.Context, fs *FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *fs
	s.flows[fs.State] = &cp
	return nil
}

// TakeFlowState retrieves and removes pending authorization state.
// Returns nil, nil if not found.
func (s *MemoryStore) TakeFlowState(_ context.Context, state string) (*FlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs, ok := s.flows[state]
	if !ok {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	delete(s.flows, state)
	return fs, nil
}

// PurgeFlowStates removes all pending authorization state for a server.
func (s *MemoryStore) PurgeFlowStates(_ context.Context, serverURLHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for state, fs := range s.flows {
		if fs.ServerURLHash == serverURLHash {
			delete(s.flows, state)
		}
	}
	return nil
}

// CleanupExpiredFlowStates removes pending state past its expiry.
func (s *MemoryStore) CleanupExpiredFlowStates(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var removed int64
	for state, fs := range s.flows {
		if fs.Expired(now) {
			delete(s.flows, state)
			removed++
		}
	}
	return removed, nil
}

// Close releases store resources.
func (*MemoryStore) Close() error {
	return nil
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
