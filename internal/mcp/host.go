// Package mcp defines the interface for a Model Context Protocol (MCP) host.
//
// The MCP host manages connections to one or more MCP servers, maintains a
// catalogue of the tools they expose, executes tool calls on behalf of the
// reasoning engine, and tracks per-server health so that calls against a dead
// server fail fast instead of hanging.
//
// Lifecycle:
//
//  1. Call [Host.RegisterServer] for each MCP server to connect to.
//  2. Use [Host.Tools] to enumerate the discovered tool catalogue.
//  3. Use [Host.ExecuteTool] to run tools on behalf of chat turns.
//  4. Use [Host.ServerState] to inspect a server's health.
//  5. Call [Host.Close] to release all connections and background goroutines.
//
// All methods must be safe for concurrent use.
package mcp

import (
	"context"

	"github.com/parlancehq/parlance/pkg/types"
)

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name is the human-readable identifier for this server.
	// Must be unique within a single [Host]. Used in log messages and errors.
	Name string

	// Transport specifies the connection mechanism.
	// Supported values:
	//   "stdio"           — spawn a subprocess and communicate over stdin/stdout.
	//   "streamable-http" — communicate via the MCP Streamable HTTP protocol.
	Transport Transport

	// Command is the executable path (and optional arguments) used when
	// Transport is "stdio".
	// Example: "npx -y @modelcontextprotocol/server-filesystem /srv/data"
	// Ignored for the streamable-http transport.
	Command string

	// URL is the endpoint address used when Transport is "streamable-http".
	// Ignored for the stdio transport.
	URL string

	// Env holds additional environment variables injected into the server
	// process when Transport is "stdio". May be nil.
	Env map[string]string
}

// ToolResult holds the outcome of a single tool execution.
type ToolResult struct {
	// Content is the tool's textual output, typically a JSON string or
	// human-readable text ready for insertion into an LLM context window.
	Content string

	// IsError indicates that the tool returned an application-level error
	// (as opposed to a transport or protocol failure returned via the Go error
	// return value). When IsError is true, Content contains the error message.
	IsError bool

	// DurationMs is the wall-clock time in milliseconds from when the request
	// was dispatched until the full response was received.
	DurationMs int64
}

// ServerHealth captures the measured runtime behaviour of a single server,
// exposed for the health endpoint and for operators.
type ServerHealth struct {
	// Name is the server's configured name.
	Name string

	// State is the server's current lifecycle state.
	State ServerState

	// ToolCount is the number of tools currently imported from this server.
	ToolCount int

	// CallCount is the total number of tool calls routed to this server.
	CallCount int

	// ErrorRate is the fraction of recent calls that failed (0.0–1.0).
	ErrorRate float64

	// P50Ms and P99Ms are rolling-window latency percentiles in milliseconds.
	P50Ms int64
	P99Ms int64
}

// Host manages connections to MCP servers, routes tool calls, and tracks
// per-server health.
//
// Implementations must be safe for concurrent use.
type Host interface {
	// RegisterServer connects to the MCP server described by cfg and imports
	// its tool catalogue into the host. If a server with the same Name is
	// already registered it is reconnected / refreshed rather than duplicated.
	//
	// Returns an error if the transport cannot be established or the initial
	// tool listing request fails.
	RegisterServer(ctx context.Context, cfg ServerConfig) error

	// Tools returns the full discovered tool catalogue across all live
	// servers. Tools belonging to dead servers are excluded. The returned
	// slice is a copy; callers may mutate it freely.
	Tools() []types.ToolDefinition

	// ExecuteTool calls the named tool with JSON-encoded args and returns the
	// result. name must exactly match a [types.ToolDefinition.Name] returned
	// by [Host.Tools].
	//
	// args must be a valid JSON object string conforming to the tool's
	// Parameters schema. An empty object ("{}") is valid for parameter-less tools.
	//
	// A non-nil *ToolResult is returned on success even when [ToolResult.IsError]
	// is true (application-level error). Failures map onto the shared taxonomy:
	// types.ErrToolNotFound, types.ErrToolArgsInvalid, types.ErrToolTimeout,
	// and types.ErrHostDead when the owning server is not serving calls.
	ExecuteTool(ctx context.Context, name string, args string) (*ToolResult, error)

	// ServerState reports the lifecycle state of the named server.
	// Unknown names report StateDead.
	ServerState(name string) ServerState

	// Health returns a snapshot of every registered server's health.
	Health() []ServerHealth

	// Close shuts down all server connections and releases associated resources.
	// After Close returns the Host must not be used again.
	Close() error
}
