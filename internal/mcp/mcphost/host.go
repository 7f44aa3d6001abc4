// Package mcphost provides a concrete implementation of the [mcp.Host] interface.
//
// It connects to MCP servers via stdio or streamable-HTTP transports using the
// official MCP Go SDK (github.com/modelcontextprotocol/go-sdk), maintains a
// concurrent-safe in-memory tool catalogue, enforces per-call timeouts, and
// supervises server health: a server that keeps failing is marked degraded,
// restarted in the background with exponential backoff, and declared dead once
// restart attempts are exhausted, after which its tools fail fast.
//
// Typical usage:
//
//	h := mcphost.New(mcphost.WithCallTimeout(30 * time.Second))
//
//	// Register an external MCP server.
//	err := h.RegisterServer(ctx, mcp.ServerConfig{
//	    Name:      "filesystem",
//	    Transport: mcp.TransportStdio,
//	    Command:   "npx -y @modelcontextprotocol/server-filesystem /srv/data",
//	})
//
//	// Or register a built-in Go function.
//	h.RegisterBuiltin(mcphost.BuiltinTool{
//	    Definition: types.ToolDefinition{Name: "current_time", ...},
//	    Handler:    currentTime,
//	})
//
//	tools := h.Tools()
//	result, err := h.ExecuteTool(ctx, "read_file", `{"path":"go.mod"}`)
//	h.Close()
package mcphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parlancehq/parlance/internal/mcp"
	"github.com/parlancehq/parlance/pkg/types"
)

const (
	// defaultWindowSize is the capacity of each server's rolling latency window.
	defaultWindowSize = 100

	// defaultCallTimeout bounds a single tool call.
	defaultCallTimeout = 30 * time.Second

	// failureThreshold is the number of consecutive transport failures that
	// marks a server degraded and triggers a background restart.
	failureThreshold = 3

	// degradeErrorRate is the rolling-window error rate above which a server
	// is considered degraded even without consecutive failures.
	degradeErrorRate = 0.3
)

// toolEntry holds the metadata for a single registered tool.
type toolEntry struct {
	def        types.ToolDefinition
	serverName string

	// builtinFn is non-nil for in-process tools registered via RegisterBuiltin.
	builtinFn func(ctx context.Context, args string) (string, error)
}

// serverEntry holds the live state of one registered server.
type serverEntry struct {
	cfg        mcp.ServerConfig
	session    *mcpsdk.ClientSession
	state      mcp.ServerState
	restarting bool

	consecutiveFailures int
	callCount           int
	window              *rollingWindow
}

// Host is a concrete implementation of [mcp.Host].
//
// The zero value is NOT usable; create instances with [New].
type Host struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry    // key: tool name
	servers map[string]*serverEntry // key: server name
	closed  bool

	// client is reused across all server connections. The official SDK allows
	// a single Client to manage multiple sessions concurrently.
	client *mcpsdk.Client

	callTimeout time.Duration
	maxRestarts int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	log *slog.Logger
	wg  sync.WaitGroup // restart goroutines
}

// Compile-time check: Host must implement mcp.Host.
var _ mcp.Host = (*Host)(nil)

// Option is a functional option for Host.
type Option func(*Host)

// WithCallTimeout bounds each tool call. Zero or negative keeps the default.
func WithCallTimeout(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.callTimeout = d
		}
	}
}

// WithRestartPolicy configures the background restart supervisor: maxAttempts
// restart tries per failure episode, with exponential backoff starting at base
// and capped at max.
func WithRestartPolicy(maxAttempts int, base, max time.Duration) Option {
	return func(h *Host) {
		if maxAttempts > 0 {
			h.maxRestarts = maxAttempts
		}
		if base > 0 {
			h.baseBackoff = base
		}
		if max > 0 {
			h.maxBackoff = max
		}
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(h *Host) {
		if log != nil {
			h.log = log
		}
	}
}

// New creates and returns a ready-to-use Host.
func New(opts ...Option) *Host {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "parlance-mcphost", Version: "1.0.0"},
		nil,
	)
	h := &Host{
		tools:       make(map[string]toolEntry),
		servers:     make(map[string]*serverEntry),
		client:      client,
		callTimeout: defaultCallTimeout,
		maxRestarts: 5,
		baseBackoff: time.Second,
		maxBackoff:  30 * time.Second,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// RegisterServer connects to the MCP server described by cfg and imports its
// tool catalogue into the host. If a server with the same Name is already
// registered, the old connection is closed and replaced.
//
// For [mcp.TransportStdio]: cfg.Command is split on spaces into executable +
// args; cfg.Env entries are added on top of the inherited environment.
//
// For [mcp.TransportStreamableHTTP]: cfg.URL is the endpoint address.
func (h *Host) RegisterServer(ctx context.Context, cfg mcp.ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcp host: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("mcp host: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, discovered, err := h.connect(ctx, cfg)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		_ = session.Close()
		return fmt.Errorf("mcp host: host is closed")
	}

	// Close the old connection if it exists.
	if old, ok := h.servers[cfg.Name]; ok && old.session != nil {
		_ = old.session.Close()
	}

	h.servers[cfg.Name] = &serverEntry{
		cfg:     cfg,
		session: session,
		state:   mcp.StateReady,
		window:  newRollingWindow(defaultWindowSize),
	}
	h.importToolsLocked(cfg.Name, discovered)

	h.log.Info("mcp server registered",
		"server", cfg.Name, "transport", string(cfg.Transport), "tools", len(discovered))
	return nil
}

// connect establishes a session to the configured server and lists its tools.
func (h *Host) connect(ctx context.Context, cfg mcp.ServerConfig) (*mcpsdk.ClientSession, []mcpsdk.Tool, error) {
	var transport mcpsdk.Transport

	switch cfg.Transport {
	case mcp.TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return nil, nil, fmt.Errorf("mcp host: stdio server %q requires a non-empty Command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case mcp.TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, nil, fmt.Errorf("mcp host: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("mcp host: failed to connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, nil, fmt.Errorf("mcp host: failed to list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	return session, discovered, nil
}

// importToolsLocked replaces the server's tool entries with the given listing.
// Callers must hold h.mu.
func (h *Host) importToolsLocked(serverName string, discovered []mcpsdk.Tool) {
	for name, t := range h.tools {
		if t.serverName == serverName {
			delete(h.tools, name)
		}
	}
	for _, mcpTool := range discovered {
		h.tools[mcpTool.Name] = toolEntry{
			def: types.ToolDefinition{
				Name:        mcpTool.Name,
				Description: mcpTool.Description,
				Parameters:  schemaToMap(mcpTool.InputSchema),
			},
			serverName: serverName,
		}
	}
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// Tools returns the discovered tool catalogue across all live servers.
// Tools belonging to dead servers are excluded.
func (h *Host) Tools() []types.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]types.ToolDefinition, 0, len(h.tools))
	for _, e := range h.tools {
		if e.builtinFn == nil {
			if srv, ok := h.servers[e.serverName]; !ok || srv.state == mcp.StateDead {
				continue
			}
		}
		out = append(out, e.def)
	}
	return out
}

// ExecuteTool calls the named tool with JSON-encoded args and returns the
// result. See [mcp.Host] for the error taxonomy.
func (h *Host) ExecuteTool(ctx context.Context, name string, args string) (*mcp.ToolResult, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	h.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("mcp host: %q: %w", name, types.ErrToolNotFound)
	}

	callCtx, cancel := context.WithTimeout(ctx, h.callTimeout)
	defer cancel()

	start := time.Now()

	var result *mcp.ToolResult
	var execErr error

	if entry.builtinFn != nil {
		result, execErr = h.executeBuiltin(callCtx, entry, args)
	} else {
		result, execErr = h.executeMCPTool(callCtx, entry, args)
	}

	durationMs := time.Since(start).Milliseconds()

	// Timeouts of the per-call deadline surface as the taxonomy's timeout
	// error; a caller-cancelled context stays a plain cancellation.
	if execErr != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		execErr = fmt.Errorf("mcp host: tool %q after %dms: %w", name, durationMs, types.ErrToolTimeout)
	}

	if entry.builtinFn == nil {
		h.recordOutcome(entry.serverName, durationMs, execErr != nil)
	}

	if execErr != nil {
		return nil, execErr
	}
	result.DurationMs = durationMs
	return result, nil
}

// executeBuiltin calls the in-process handler for a builtin tool.
func (h *Host) executeBuiltin(ctx context.Context, entry toolEntry, args string) (*mcp.ToolResult, error) {
	output, err := entry.builtinFn(ctx, args)
	if err != nil {
		return &mcp.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &mcp.ToolResult{Content: output}, nil
}

// executeMCPTool routes the call to the appropriate server session.
func (h *Host) executeMCPTool(ctx context.Context, entry toolEntry, args string) (*mcp.ToolResult, error) {
	h.mu.RLock()
	srv, ok := h.servers[entry.serverName]
	var session *mcpsdk.ClientSession
	var state mcp.ServerState
	if ok {
		session = srv.session
		state = srv.state
	}
	h.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("mcp host: server %q not found for tool %q: %w",
			entry.serverName, entry.def.Name, types.ErrToolNotFound)
	}
	if state == mcp.StateDead || session == nil {
		return nil, fmt.Errorf("mcp host: server %q: %w", entry.serverName, types.ErrHostDead)
	}

	// Decode args into a map for the SDK.
	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return nil, fmt.Errorf("mcp host: tool %q: %v: %w", entry.def.Name, err, types.ErrToolArgsInvalid)
		}
	}

	callResult, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      entry.def.Name,
		Arguments: argsMap,
	})
	if err != nil {
		return nil, fmt.Errorf("mcp host: call to tool %q failed: %w", entry.def.Name, err)
	}

	// Concatenate all text content from the result.
	var sb strings.Builder
	for _, c := range callResult.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}

	return &mcp.ToolResult{
		Content: sb.String(),
		IsError: callResult.IsError,
	}, nil
}

// recordOutcome updates a server's health window after a call and drives the
// ready/degraded transitions, scheduling a restart when the server keeps
// failing.
func (h *Host) recordOutcome(serverName string, durationMs int64, isError bool) {
	h.mu.Lock()
	srv, ok := h.servers[serverName]
	if !ok {
		h.mu.Unlock()
		return
	}

	srv.window.Record(durationMs, isError)
	srv.callCount++

	needsRestart := false
	if isError {
		srv.consecutiveFailures++
		if srv.consecutiveFailures >= failureThreshold || srv.window.ErrorRate() > degradeErrorRate {
			if srv.state == mcp.StateReady {
				h.log.Warn("mcp server degraded",
					"server", serverName,
					"consecutive_failures", srv.consecutiveFailures,
					"error_rate", srv.window.ErrorRate())
			}
			srv.state = mcp.StateDegraded
		}
		if srv.consecutiveFailures >= failureThreshold && !srv.restarting {
			srv.restarting = true
			needsRestart = true
		}
	} else {
		srv.consecutiveFailures = 0
		if srv.state == mcp.StateDegraded && srv.window.ErrorRate() <= degradeErrorRate {
			srv.state = mcp.StateReady
		}
	}
	h.mu.Unlock()

	if needsRestart {
		h.wg.Add(1)
		go h.restartServer(serverName)
	}
}

// ServerState implements [mcp.Host].
func (h *Host) ServerState(name string) mcp.ServerState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if srv, ok := h.servers[name]; ok {
		return srv.state
	}
	return mcp.StateDead
}

// Health implements [mcp.Host].
func (h *Host) Health() []mcp.ServerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]mcp.ServerHealth, 0, len(h.servers))
	for name, srv := range h.servers {
		toolCount := 0
		for _, t := range h.tools {
			if t.serverName == name {
				toolCount++
			}
		}
		out = append(out, mcp.ServerHealth{
			Name:      name,
			State:     srv.state,
			ToolCount: toolCount,
			CallCount: srv.callCount,
			ErrorRate: srv.window.ErrorRate(),
			P50Ms:     srv.window.P50(),
			P99Ms:     srv.window.P99(),
		})
	}
	return out
}

// Close shuts down all server connections, waits for restart goroutines, and
// releases associated resources. After Close returns the Host must not be
// used again.
func (h *Host) Close() error {
	h.mu.Lock()
	h.closed = true
	var firstErr error
	for name, srv := range h.servers {
		if srv.session != nil {
			if err := srv.session.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("mcp host: error closing server %q: %w", name, err)
			}
		}
		srv.state = mcp.StateDead
	}
	h.tools = make(map[string]toolEntry)
	h.mu.Unlock()

	h.wg.Wait()
	return firstErr
}

// splitCommand splits a command string into executable and arguments.
// e.g. "npx -y some-server /data" → ("npx", ["-y", "some-server", "/data"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
