package mcphost

import (
	"context"
	"fmt"

	"github.com/parlancehq/parlance/pkg/types"
)

// builtinServerName is the pseudo server name used for in-process tools.
const builtinServerName = "__builtin__"

// BuiltinTool represents a tool implemented as a Go function that runs in-process.
//
// Built-in tools bypass MCP protocol overhead: ExecuteTool calls the Handler
// directly without any subprocess round-trip. They are otherwise identical to
// external tools and appear in the same catalogue.
type BuiltinTool struct {
	// Definition is the tool's public descriptor presented to the LLM.
	Definition types.ToolDefinition

	// Handler is the function invoked when ExecuteTool is called for this tool.
	// args is a JSON object string (e.g. "{}" or `{"key":"value"}`).
	// Returning a non-nil error marks the result as an error.
	Handler func(ctx context.Context, args string) (string, error)
}

// RegisterBuiltin registers a built-in tool that is called in-process.
// If a tool with the same name is already registered it is replaced.
// RegisterBuiltin is safe for concurrent use.
func (h *Host) RegisterBuiltin(tool BuiltinTool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("mcp host: builtin tool must have a non-empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("mcp host: builtin tool %q must have a non-nil handler", tool.Definition.Name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[tool.Definition.Name] = toolEntry{
		def:        tool.Definition,
		serverName: builtinServerName,
		builtinFn:  tool.Handler,
	}
	return nil
}
