package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-gateway/pkg/transport"
)

type stubClient struct{}

func (*stubClient) ListTools(context.Context, *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{}, nil
}

func (*stubClient) CallTool(context.Context, *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{}, nil
}

func (*stubClient) Ping(context.Context, *mcp.PingParams) error { return nil }

func (*stubClient) Close() error { return nil }

var _ transport.Client = (*stubClient)(nil)

func testLegs() []*Leg {
	return []*Leg{
		{Slug: "crm", Client: &stubClient{}, Kind: transport.KindHTTP},
		{Slug: "billing", Client: &stubClient{}, Kind: transport.KindSSE},
	}
}

func TestBridgeLegLookup(t *testing.T) {
	b := New(context.Background(), testLegs(), time.Minute, nil)
	defer b.Close()

	leg, ok := b.Leg("crm")
	require.True(t, ok)
	assert.Equal(t, "crm", leg.Slug)

	_, ok = b.Leg("nope")
	assert.False(t, ok)

	assert.Len(t, b.Legs(), 2)
}

func TestBridgeCloseIsIdempotent(t *testing.T) {
	b := New(context.Background(), testLegs(), time.Minute, nil)

	b.Close()
	b.Close()
	b.Close()

	assert.ErrorIs(t, b.Context().Err(), context.Canceled)
	assert.False(t, b.TimedOut())
}

func TestBridgeTimeout(t *testing.T) {
	b := New(context.Background(), testLegs(), 10*time.Millisecond, nil)
	defer b.Close()

	select {
	case <-b.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("bridge context did not expire")
	}
	assert.True(t, b.TimedOut())
}

func TestBridgeInheritsCallerCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	b := New(parent, testLegs(), time.Minute, nil)
	defer b.Close()

	cancel()

	select {
	case <-b.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("caller disconnection must cancel outbound legs")
	}
	assert.False(t, b.TimedOut())
}
