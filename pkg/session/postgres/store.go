// Package postgres provides PostgreSQL storage for sessions.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/mcp-gateway/pkg/session"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// sessionColumns lists columns returned by session SELECT queries.
var sessionColumns = []string{
	"id", "workspace_id", "source", "backends", "created_at", "updated_at", "deleted_at",
}

// Store implements session.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL session store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Upsert inserts the session or updates its source, backends, and activity
// timestamp.
func (s *Store) Upsert(ctx context.Context, sess *session.Session) error {
	backends, err := json.Marshal(sess.Backends)
	if err != nil {
		return fmt.Errorf("marshaling backends: %w", err)
	}

	now := time.Now()
	createdAt := sess.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query, args, err := psq.
		Insert("sessions").
		Columns("id", "workspace_id", "source", "backends", "created_at", "updated_at").
		Values(sess.ID, sess.WorkspaceID, sess.Source, backends, createdAt, now).
		Suffix("ON CONFLICT (id) DO UPDATE SET source = EXCLUDED.source, backends = EXCLUDED.backends, updated_at = EXCLUDED.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("building session upsert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID, including soft-deleted records.
// Returns nil, nil if no record exists.
func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	query, args, err := psq.
		Select(sessionColumns...).
		From("sessions").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session query: %w", err)
	}

	row := s.db.QueryRowContext(ctx, query, args...)
	return scanSession(row)
}

// IsActive reports whether a non-deleted record exists for the ID.
func (s *Store) IsActive(ctx context.Context, id string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1 AND deleted_at IS NULL)`

	var active bool
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&active); err != nil {
		return false, fmt.Errorf("checking session: %w", err)
	}
	return active, nil
}

// Touch updates the session's activity timestamp.
func (s *Store) Touch(ctx context.Context, id string) error {
	query := `UPDATE sessions SET updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return nil
}

// Delete soft-deletes a session. Idempotent.
func (s *Store) Delete(ctx context.Context, id string) error {
	query := `UPDATE sessions SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// CleanupStale soft-deletes active sessions created more than olderThan ago.
func (s *Store) CleanupStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	query := `UPDATE sessions SET deleted_at = NOW() WHERE deleted_at IS NULL AND created_at < $1`

	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up stale sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting cleaned sessions: %w", err)
	}
	return affected, nil
}

// Close releases store resources. The *sql.DB is shared and closed by its owner.
func (*Store) Close() error {
	return nil
}

// scanSession scans a single row into a Session.
func scanSession(row *sql.Row) (*session.Session, error) {
	var sess session.Session
	var backends []byte
	var deletedAt sql.NullTime

	err := row.Scan(&sess.ID, &sess.WorkspaceID, &sess.Source, &backends, &sess.CreatedAt, &sess.UpdatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	if len(backends) > 0 {
		if err := json.Unmarshal(backends, &sess.Backends); err != nil {
			return nil, fmt.Errorf("unmarshaling backends: %w", err)
		}
	}
	if deletedAt.Valid {
		sess.DeletedAt = &deletedAt.Time
	}
	return &sess, nil
}

// Verify interface compliance.
var _ session.Store = (*Store)(nil)
