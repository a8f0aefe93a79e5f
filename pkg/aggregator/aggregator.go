// Package aggregator merges the tool catalogs of a session's backends into
// one namespaced catalog and routes namespaced tool calls back to the
// owning backend.
package aggregator

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-gateway/pkg/bridge"
)

// Separator joins a backend slug and a tool name in the merged catalog.
const Separator = "__"

// NamespacedName returns the caller-visible name for a backend's tool.
func NamespacedName(slug, tool string) string {
	return slug + Separator + tool
}

// SplitName splits a caller-visible tool name into backend slug and
// original tool name. Splits on the first separator so tool names may
// themselves contain it.
func SplitName(name string) (slug, tool string, ok bool) {
	return strings.Cut(name, Separator)
}

// UnknownToolError reports a tool call whose name does not resolve to any
// backend attached to the session.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// Aggregator merges and routes tools across a bridge's legs.
type Aggregator struct {
	log *slog.Logger
}

// New creates an Aggregator.
func New(log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{log: log}
}

// ListTools queries every leg in parallel and merges the results under
// namespaced names. Listing is best-effort: a failing backend is skipped
// and logged, never failing the merged response. The merged catalog is
// sorted by name for a stable caller view.
func (a *Aggregator) ListTools(b *bridge.Bridge) []*mcp.Tool {
	ctx := b.Context()

	var mu sync.Mutex
	var merged []*mcp.Tool
	var failed []string

	var wg sync.WaitGroup
	for _, leg := range b.Legs() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := leg.Client.ListTools(ctx, nil)
			if err != nil {
				mu.Lock()
				failed = append(failed, leg.Slug)
				mu.Unlock()
				a.log.Warn("tool listing failed for backend", "backend", leg.Slug, "error", err)
				return
			}

			namespaced := make([]*mcp.Tool, 0, len(result.Tools))
			for _, tool := range result.Tools {
				t := *tool
				t.Name = NamespacedName(leg.Slug, tool.Name)
				namespaced = append(namespaced, &t)
			}

			mu.Lock()
			merged = append(merged, namespaced...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(merged, func(i, j int) bool { return merged[i].Name < merged[j].Name })

	a.log.Info("tool catalog merged",
		"backends", len(b.Legs()),
		"tools", len(merged),
		"failed", failed,
	)
	return merged
}

// CallTool routes a namespaced tool call to the owning backend and
// forwards the result unchanged. A name that does not resolve to an
// attached backend returns *UnknownToolError.
func (a *Aggregator) CallTool(b *bridge.Bridge, name string, args any) (*mcp.CallToolResult, error) {
	slug, tool, ok := SplitName(name)
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	leg, ok := b.Leg(slug)
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}

	result, err := leg.Client.CallTool(b.Context(), &mcp.CallToolParams{
		Name:      tool,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("calling tool %q on backend %q: %w", tool, slug, err)
	}
	return result, nil
}
