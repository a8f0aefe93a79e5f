package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIKeyAuthenticateValid(t *testing.T) {
	a := NewAPIKeyAuthenticator([]APIKey{
		{Key: "key-aaa", Name: "ci", WorkspaceID: "ws-ci"},
		{Key: "key-bbb", Name: "ops", WorkspaceID: "ws-ops"},
	})

	id, err := a.Authenticate(WithToken(context.Background(), "key-bbb"))
	require.NoError(t, err)
	assert.Equal(t, "ws-ops", id.WorkspaceID)
	assert.Equal(t, "apikey:ops", id.Subject)
	assert.Equal(t, "apikey", id.Method)
}

func TestAPIKeyAuthenticateWorkspaceFallsBackToName(t *testing.T) {
	a := NewAPIKeyAuthenticator([]APIKey{
		{Key: "key-aaa", Name: "ci"},
	})

	id, err := a.Authenticate(WithToken(context.Background(), "key-aaa"))
	require.NoError(t, err)
	assert.Equal(t, "ci", id.WorkspaceID)
}

func TestAPIKeyAuthenticateInvalid(t *testing.T) {
	a := NewAPIKeyAuthenticator([]APIKey{
		{Key: "key-aaa", Name: "ci"},
	})

	_, err := a.Authenticate(WithToken(context.Background(), "wrong"))
	assert.Error(t, err)
}

func TestAPIKeyAuthenticateNoToken(t *testing.T) {
	a := NewAPIKeyAuthenticator([]APIKey{{Key: "key-aaa", Name: "ci"}})

	_, err := a.Authenticate(context.Background())
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestAPIKeyAuthenticateEmptyKeySet(t *testing.T) {
	a := NewAPIKeyAuthenticator(nil)

	_, err := a.Authenticate(WithToken(context.Background(), "anything"))
	assert.Error(t, err)
}
