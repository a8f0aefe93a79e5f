package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, TokenFrom(ctx))

	ctx = WithToken(ctx, "secret-token")
	assert.Equal(t, "secret-token", TokenFrom(ctx))
}

func TestIdentityContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, IdentityFrom(ctx))

	id := &Identity{WorkspaceID: "ws-1", Subject: "alice", Method: "jwt"}
	ctx = WithIdentity(ctx, id)
	assert.Equal(t, id, IdentityFrom(ctx))
}

// staticAuthenticator returns a fixed identity or error.
type staticAuthenticator struct {
	id  *Identity
	err error
}

func (s *staticAuthenticator) Authenticate(context.Context) (*Identity, error) {
	return s.id, s.err
}

func TestChainFirstMatchWins(t *testing.T) {
	first := &Identity{WorkspaceID: "ws-1", Method: "jwt"}
	chain := Chain{
		&staticAuthenticator{id: first},
		&staticAuthenticator{id: &Identity{WorkspaceID: "ws-2", Method: "apikey"}},
	}

	id, err := chain.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, id)
}

func TestChainFallsThrough(t *testing.T) {
	want := &Identity{WorkspaceID: "ws-2", Method: "apikey"}
	chain := Chain{
		&staticAuthenticator{err: errors.New("bad signature")},
		&staticAuthenticator{id: want},
	}

	id, err := chain.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, id)
}

func TestChainJoinsErrors(t *testing.T) {
	errA := errors.New("bad signature")
	errB := errors.New("invalid API key")
	chain := Chain{
		&staticAuthenticator{err: errA},
		&staticAuthenticator{err: errB},
	}

	_, err := chain.Authenticate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
}

func TestChainEmpty(t *testing.T) {
	_, err := Chain{}.Authenticate(context.Background())
	assert.ErrorIs(t, err, ErrNoCredentials)
}
