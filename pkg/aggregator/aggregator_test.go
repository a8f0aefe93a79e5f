package aggregator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-gateway/pkg/bridge"
	"github.com/txn2/mcp-gateway/pkg/transport"
)

// fakeClient is a scriptable backend connection.
type fakeClient struct {
	tools    []*mcp.Tool
	listErr  error
	callErr  error
	lastCall *mcp.CallToolParams
}

func (f *fakeClient) ListTools(context.Context, *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeClient) CallTool(_ context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	f.lastCall = params
	if f.callErr != nil {
		return nil, f.callErr
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "ok:" + params.Name}},
	}, nil
}

func (*fakeClient) Ping(context.Context, *mcp.PingParams) error { return nil }

func (*fakeClient) Close() error { return nil }

var _ transport.Client = (*fakeClient)(nil)

func newBridge(t *testing.T, legs []*bridge.Leg) *bridge.Bridge {
	t.Helper()
	b := bridge.New(context.Background(), legs, time.Minute, nil)
	t.Cleanup(b.Close)
	return b
}

func TestSplitName(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantSlug string
		wantTool string
		wantOK   bool
	}{
		{"simple", "crm__search", "crm", "search", true},
		{"tool name contains separator", "crm__ns__tool", "crm", "ns__tool", true},
		{"no separator", "search", "", "", false},
		{"empty slug", "__search", "", "search", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slug, tool, ok := SplitName(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				return
			}
			assert.Equal(t, tt.wantSlug, slug)
			assert.Equal(t, tt.wantTool, tool)
		})
	}
}

func TestNamespacedNameRoundTrip(t *testing.T) {
	name := NamespacedName("billing", "create_invoice")
	assert.Equal(t, "billing__create_invoice", name)

	slug, tool, ok := SplitName(name)
	require.True(t, ok)
	assert.Equal(t, "billing", slug)
	assert.Equal(t, "create_invoice", tool)
}

func TestListToolsMergesAndNamespaces(t *testing.T) {
	b := newBridge(t, []*bridge.Leg{
		{Slug: "crm", Client: &fakeClient{tools: []*mcp.Tool{
			{Name: "search", Description: "find contacts"},
			{Name: "update"},
		}}},
		{Slug: "billing", Client: &fakeClient{tools: []*mcp.Tool{
			{Name: "create_invoice"},
		}}},
	})

	tools := New(nil).ListTools(b)
	require.Len(t, tools, 3)

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"billing__create_invoice", "crm__search", "crm__update"}, names)

	assert.Equal(t, "find contacts", tools[1].Description, "tool metadata carried through")
}

func TestListToolsSkipsFailingBackend(t *testing.T) {
	b := newBridge(t, []*bridge.Leg{
		{Slug: "good", Client: &fakeClient{tools: []*mcp.Tool{{Name: "tool_a"}}}},
		{Slug: "bad", Client: &fakeClient{listErr: errors.New("connection reset")}},
	})

	tools := New(nil).ListTools(b)
	require.Len(t, tools, 1, "one backend failing must not fail the merge")
	assert.Equal(t, "good__tool_a", tools[0].Name)
}

func TestListToolsAllBackendsFailing(t *testing.T) {
	b := newBridge(t, []*bridge.Leg{
		{Slug: "bad1", Client: &fakeClient{listErr: errors.New("down")}},
		{Slug: "bad2", Client: &fakeClient{listErr: errors.New("down")}},
	})

	tools := New(nil).ListTools(b)
	assert.Empty(t, tools)
}

func TestCallToolRoutesToOwningBackend(t *testing.T) {
	crm := &fakeClient{}
	billing := &fakeClient{}
	b := newBridge(t, []*bridge.Leg{
		{Slug: "crm", Client: crm},
		{Slug: "billing", Client: billing},
	})

	args := map[string]any{"q": "smith"}
	result, err := New(nil).CallTool(b, "crm__search", args)
	require.NoError(t, err)
	require.NotEmpty(t, result.Content)

	require.NotNil(t, crm.lastCall)
	assert.Equal(t, "search", crm.lastCall.Name, "backend sees the original tool name")
	assert.Equal(t, args, crm.lastCall.Arguments)
	assert.Nil(t, billing.lastCall, "other backends are untouched")
}

func TestCallToolUnknown(t *testing.T) {
	b := newBridge(t, []*bridge.Leg{
		{Slug: "crm", Client: &fakeClient{}},
	})
	agg := New(nil)

	var ute *UnknownToolError

	_, err := agg.CallTool(b, "nosuch__tool", nil)
	require.ErrorAs(t, err, &ute)
	assert.Equal(t, "nosuch__tool", ute.Name)

	_, err = agg.CallTool(b, "not-namespaced", nil)
	require.ErrorAs(t, err, &ute)
}

func TestCallToolForwardsBackendError(t *testing.T) {
	b := newBridge(t, []*bridge.Leg{
		{Slug: "crm", Client: &fakeClient{callErr: errors.New("stream closed")}},
	})

	_, err := New(nil).CallTool(b, "crm__search", nil)
	require.Error(t, err)
	var ute *UnknownToolError
	assert.False(t, errors.As(err, &ute))
}
