// Package mock provides an in-memory test double for the MCP [mcp.Host] interface.
//
// [Host] records every method call for assertion in tests and exposes exported
// fields that control what the mock returns. It is safe for concurrent use via
// an internal [sync.Mutex].
//
// Typical usage:
//
//	h := &mock.Host{}
//	h.ToolsResult = []types.ToolDefinition{{Name: "read_file"}}
//	h.ExecuteToolResult = &mcp.ToolResult{Content: "file contents"}
//
//	// inject h into the system under test …
//
//	if got := h.CallCount("ExecuteTool"); got != 1 {
//	    t.Errorf("expected 1 ExecuteTool call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/parlancehq/parlance/internal/mcp"
	"github.com/parlancehq/parlance/pkg/types"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Host is a configurable test double for [mcp.Host].
// All exported *Err fields default to nil (success); all exported *Result
// fields default to nil / zero values.
type Host struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// ──── RegisterServer ───────────────────────────────────────────────────

	// RegisterServerErr is returned by [Host.RegisterServer] when non-nil.
	RegisterServerErr error

	// ──── Tools ────────────────────────────────────────────────────────────

	// ToolsResult is returned by [Host.Tools].
	// When nil, Tools returns an empty non-nil slice.
	ToolsResult []types.ToolDefinition

	// ──── ExecuteTool ──────────────────────────────────────────────────────

	// ExecuteToolResult is returned by [Host.ExecuteTool] when ExecuteToolErr
	// is nil and no per-tool override exists.
	// When nil and ExecuteToolErr is also nil, a zero-value *ToolResult is
	// returned.
	ExecuteToolResult *mcp.ToolResult

	// ExecuteToolResults overrides ExecuteToolResult per tool name.
	ExecuteToolResults map[string]*mcp.ToolResult

	// ExecuteToolErr is returned by [Host.ExecuteTool] when non-nil.
	ExecuteToolErr error

	// ExecuteToolErrs overrides ExecuteToolErr per tool name.
	ExecuteToolErrs map[string]error

	// ──── ServerState ──────────────────────────────────────────────────────

	// ServerStates maps server names to the state returned by
	// [Host.ServerState]. Unknown names report StateReady so tests do not
	// need to pre-populate the map.
	ServerStates map[string]mcp.ServerState

	// ──── Health ───────────────────────────────────────────────────────────

	// HealthResult is returned by [Host.Health].
	HealthResult []mcp.ServerHealth

	// ──── Close ────────────────────────────────────────────────────────────

	// CloseErr is returned by [Host.Close] when non-nil.
	CloseErr error
}

// Calls returns a copy of all recorded method invocations.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Call, len(h.calls))
	copy(out, h.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (h *Host) CallCount(method string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// ExecutedTools returns the tool names passed to ExecuteTool, in order.
func (h *Host) ExecutedTools() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, c := range h.calls {
		if c.Method == "ExecuteTool" && len(c.Args) > 0 {
			if name, ok := c.Args[0].(string); ok {
				out = append(out, name)
			}
		}
	}
	return out
}

// Reset clears all recorded calls without altering response configuration.
func (h *Host) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = nil
}

// RegisterServer implements [mcp.Host].
func (h *Host) RegisterServer(_ context.Context, cfg mcp.ServerConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: "RegisterServer", Args: []any{cfg}})
	return h.RegisterServerErr
}

// Tools implements [mcp.Host].
func (h *Host) Tools() []types.ToolDefinition {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: "Tools"})
	if h.ToolsResult == nil {
		return []types.ToolDefinition{}
	}
	out := make([]types.ToolDefinition, len(h.ToolsResult))
	copy(out, h.ToolsResult)
	return out
}

// ExecuteTool implements [mcp.Host].
func (h *Host) ExecuteTool(_ context.Context, name string, args string) (*mcp.ToolResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: "ExecuteTool", Args: []any{name, args}})

	if err, ok := h.ExecuteToolErrs[name]; ok && err != nil {
		return nil, err
	}
	if h.ExecuteToolErr != nil {
		return nil, h.ExecuteToolErr
	}
	if result, ok := h.ExecuteToolResults[name]; ok && result != nil {
		cp := *result
		return &cp, nil
	}
	if h.ExecuteToolResult == nil {
		return &mcp.ToolResult{}, nil
	}
	// Return a copy so the caller cannot mutate the configured result.
	cp := *h.ExecuteToolResult
	return &cp, nil
}

// ServerState implements [mcp.Host].
func (h *Host) ServerState(name string) mcp.ServerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: "ServerState", Args: []any{name}})
	if state, ok := h.ServerStates[name]; ok {
		return state
	}
	return mcp.StateReady
}

// Health implements [mcp.Host].
func (h *Host) Health() []mcp.ServerHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: "Health"})
	out := make([]mcp.ServerHealth, len(h.HealthResult))
	copy(out, h.HealthResult)
	return out
}

// Close implements [mcp.Host].
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: "Close"})
	return h.CloseErr
}

// Ensure Host satisfies the interface at compile time.
var _ mcp.Host = (*Host)(nil)
