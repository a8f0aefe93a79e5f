// Package postgres provides PostgreSQL storage for OAuth credentials.
// Credential payloads are encrypted before they reach the database.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/mcp-gateway/pkg/credential"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store implements credential.Store using PostgreSQL.
type Store struct {
	db     *sql.DB
	cipher *credential.Cipher
}

// New creates a new PostgreSQL credential store. All payloads are sealed
// with the given cipher before insert and opened after select.
func New(db *sql.DB, cipher *credential.Cipher) *Store {
	return &Store{db: db, cipher: cipher}
}

// Get retrieves a credential by server URL hash. Returns nil, nil if not found.
func (s *Store) Get(ctx context.Context, serverURLHash string) (*credential.Credential, error) {
	query, args, err := psq.
		Select("payload", "updated_at").
		From("credentials").
		Where(sq.Eq{"server_url_hash": serverURLHash}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building credential query: %w", err)
	}

	var payload []byte
	var updatedAt time.Time
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&payload, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("querying credential: %w", err)
	}

	plaintext, err := s.cipher.Open(payload)
	if err != nil {
		return nil, fmt.Errorf("opening credential payload: %w", err)
	}

	var cred credential.Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return nil, fmt.Errorf("unmarshaling credential: %w", err)
	}
	cred.ServerURLHash = serverURLHash
	cred.UpdatedAt = updatedAt
	return &cred, nil
}

// Put inserts or replaces a credential.
func (s *Store) Put(ctx context.Context, cred *credential.Credential) error {
	plaintext, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshaling credential: %w", err)
	}
	payload, err := s.cipher.Seal(plaintext)
	if err != nil {
		return fmt.Errorf("sealing credential payload: %w", err)
	}

	query, args, err := psq.
		Insert("credentials").
		Columns("server_url_hash", "server_url", "payload", "updated_at").
		Values(cred.ServerURLHash, cred.ServerURL, payload, time.Now()).
		Suffix("ON CONFLICT (server_url_hash) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("building credential upsert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting credential: %w", err)
	}
	return nil
}

// Delete removes a credential.
func (s *Store) Delete(ctx context.Context, serverURLHash string) error {
	query, args, err := psq.
		Delete("credentials").
		Where(sq.Eq{"server_url_hash": serverURLHash}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building credential delete: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return nil
}

// PutFlowState persists pending authorization state.
func (s *Store) PutFlowState(ctx context.Context, fs *credential.FlowState) error {
	plaintext, err := json.Marshal(fs)
	if err != nil {
		return fmt.Errorf("marshaling flow state: %w", err)
	}
	payload, err := s.cipher.Seal(plaintext)
	if err != nil {
		return fmt.Errorf("sealing flow state payload: %w", err)
	}

	query, args, err := psq.
		Insert("oauth_flow_states").
		Columns("state", "server_url_hash", "payload", "expires_at").
		Values(fs.State, fs.ServerURLHash, payload, fs.ExpiresAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("building flow state insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting flow state: %w", err)
	}
	return nil
}

// TakeFlowState retrieves and removes pending authorization state in one
// statement so a state token can be redeemed at most once, even across
// gateway replicas. Returns nil, nil if not found.
func (s *Store) TakeFlowState(ctx context.Context, state string) (*credential.FlowState, error) {
	query := `
		DELETE FROM oauth_flow_states
		WHERE state = $1
		RETURNING server_url_hash, payload, expires_at
	`
	var serverURLHash string
	var payload []byte
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, query, state).Scan(&serverURLHash, &payload, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("taking flow state: %w", err)
	}

	plaintext, err := s.cipher.Open(payload)
	if err != nil {
		return nil, fmt.Errorf("opening flow state payload: %w", err)
	}

	var fs credential.FlowState
	if err := json.Unmarshal(plaintext, &fs); err != nil {
		return nil, fmt.Errorf("unmarshaling flow state: %w", err)
	}
	fs.State = state
	fs.ServerURLHash = serverURLHash
	fs.ExpiresAt = expiresAt
	return &fs, nil
}

// PurgeFlowStates removes all pending authorization state for a server.
func (s *Store) PurgeFlowStates(ctx context.Context, serverURLHash string) error {
	query, args, err := psq.
		Delete("oauth_flow_states").
		Where(sq.Eq{"server_url_hash": serverURLHash}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building flow state purge: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("purging flow states: %w", err)
	}
	return nil
}

// CleanupExpiredFlowStates removes pending state past its expiry.
func (s *Store) CleanupExpiredFlowStates(ctx context.Context) (int64, error) {
	query, args, err := psq.
		Delete("oauth_flow_states").
		Where(sq.LtOrEq{"expires_at": time.Now()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building flow state cleanup: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("cleaning up flow states: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting cleaned flow states: %w", err)
	}
	return removed, nil
}

// Close releases store resources. The *sql.DB is shared and closed by its owner.
func (*Store) Close() error {
	return nil
}

// Verify interface compliance.
var _ credential.Store = (*Store)(nil)
