package postgres

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-gateway/pkg/credential"
)

const testServerURL = "https://mcp.example.com"

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, *credential.Cipher) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	key := make([]byte, credential.KeySize)
	_, err = rand.Read(key)
	require.NoError(t, err)
	cipher, err := credential.NewCipher(key)
	require.NoError(t, err)

	return New(db, cipher), mock, cipher
}

func sealedCredential(t *testing.T, cipher *credential.Cipher, cred *credential.Credential) []byte {
	t.Helper()
	plaintext, err := json.Marshal(cred)
	require.NoError(t, err)
	payload, err := cipher.Seal(plaintext)
	require.NoError(t, err)
	return payload
}

func TestGetCredential(t *testing.T) {
	store, mock, cipher := newTestStore(t)

	hash := credential.HashServerURL(testServerURL)
	cred := &credential.Credential{
		ServerURL:    testServerURL,
		Registration: &credential.Registration{ClientID: "client-1"},
		Token:        &credential.Token{AccessToken: "at", RefreshToken: "rt"},
	}
	updatedAt := time.Now().Truncate(time.Second)

	rows := sqlmock.NewRows([]string{"payload", "updated_at"}).
		AddRow(sealedCredential(t, cipher, cred), updatedAt)

	mock.ExpectQuery("SELECT payload, updated_at FROM credentials").
		WithArgs(hash).
		WillReturnRows(rows)

	got, err := store.Get(context.Background(), hash)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, hash, got.ServerURLHash)
	assert.Equal(t, "client-1", got.Registration.ClientID)
	assert.Equal(t, "rt", got.Token.RefreshToken)
	assert.Equal(t, updatedAt, got.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCredential_NotFound(t *testing.T) {
	store, mock, _ := newTestStore(t)

	mock.ExpectQuery("SELECT payload, updated_at FROM credentials").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	got, err := store.Get(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCredential_DBError(t *testing.T) {
	store, mock, _ := newTestStore(t)

	mock.ExpectQuery("SELECT payload, updated_at FROM credentials").
		WithArgs("hash").
		WillReturnError(errors.New("connection refused"))

	_, err := store.Get(context.Background(), "hash")
	assert.Error(t, err)
}

func TestPutCredential(t *testing.T) {
	store, mock, _ := newTestStore(t)

	hash := credential.HashServerURL(testServerURL)
	mock.ExpectExec("INSERT INTO credentials").
		WithArgs(hash, testServerURL, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Put(context.Background(), &credential.Credential{
		ServerURLHash: hash,
		ServerURL:     testServerURL,
		Token:         &credential.Token{AccessToken: "at"},
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteCredential(t *testing.T) {
	store, mock, _ := newTestStore(t)

	mock.ExpectExec("DELETE FROM credentials").
		WithArgs("hash").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, store.Delete(context.Background(), "hash"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTakeFlowState(t *testing.T) {
	store, mock, cipher := newTestStore(t)

	fs := &credential.FlowState{CodeVerifier: "verifier", RedirectURI: "https://gw.example.com/oauth/callback"}
	plaintext, err := json.Marshal(fs)
	require.NoError(t, err)
	payload, err := cipher.Seal(plaintext)
	require.NoError(t, err)

	expiresAt := time.Now().Add(10 * time.Minute).Truncate(time.Second)
	rows := sqlmock.NewRows([]string{"server_url_hash", "payload", "expires_at"}).
		AddRow("hash-1", payload, expiresAt)

	mock.ExpectQuery("DELETE FROM oauth_flow_states").
		WithArgs("state-1").
		WillReturnRows(rows)

	got, err := store.TakeFlowState(context.Background(), "state-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "state-1", got.State)
	assert.Equal(t, "hash-1", got.ServerURLHash)
	assert.Equal(t, "verifier", got.CodeVerifier)
	assert.Equal(t, expiresAt, got.ExpiresAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTakeFlowState_NotFound(t *testing.T) {
	store, mock, _ := newTestStore(t)

	mock.ExpectQuery("DELETE FROM oauth_flow_states").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	got, err := store.TakeFlowState(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutFlowState(t *testing.T) {
	store, mock, _ := newTestStore(t)

	expiresAt := time.Now().Add(10 * time.Minute)
	mock.ExpectExec("INSERT INTO oauth_flow_states").
		WithArgs("state-1", "hash-1", sqlmock.AnyArg(), expiresAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.PutFlowState(context.Background(), &credential.FlowState{
		State:         "state-1",
		ServerURLHash: "hash-1",
		CodeVerifier:  "verifier",
		ExpiresAt:     expiresAt,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeFlowStates(t *testing.T) {
	store, mock, _ := newTestStore(t)

	mock.ExpectExec("DELETE FROM oauth_flow_states").
		WithArgs("hash-1").
		WillReturnResult(sqlmock.NewResult(0, 2))

	assert.NoError(t, store.PurgeFlowStates(context.Background(), "hash-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupExpiredFlowStates(t *testing.T) {
	store, mock, _ := newTestStore(t)

	mock.ExpectExec("DELETE FROM oauth_flow_states").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	removed, err := store.CleanupExpiredFlowStates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
}
