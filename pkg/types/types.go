// Package types defines the shared types used across all Parlance packages.
//
// These types form the lingua franca between providers, the reasoning engine,
// memory layers, and the server. They are intentionally minimal — each package
// defines its own domain types, but cross-cutting data structures live here to
// avoid circular imports.
package types

// Conversation roles. Stored verbatim in the database and sent verbatim to
// provider APIs, so the values match the OpenAI-style wire convention.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content"`

	// Name is an optional participant name (for multi-speaker contexts).
	Name string `json:"name,omitempty"`

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Images holds raw image payloads attached to a user message. Only providers
	// whose Capabilities report vision support accept them.
	Images [][]byte `json:"-"`
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call. Provider-assigned for
	// native calls, generated locally for calls salvaged from raw text.
	ID string `json:"id"`

	// Name is the tool/function name.
	Name string `json:"name"`

	// Arguments is the JSON-encoded arguments string.
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string `json:"name"`

	// Description explains what the tool does (included in LLM prompts).
	Description string `json:"description"`

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any `json:"parameters"`
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// StreamChunk is a single frame of the client-facing stream protocol.
// Each frame carries at most one kind of payload: a status line, incremental
// content, tool-call notifications, an error, or the terminal done marker.
// The engine emits exactly one Done frame per turn; no content follows it.
type StreamChunk struct {
	// Status is a transient progress line (e.g. "Using read_file…").
	// Clients display it outside the message body.
	Status string `json:"status,omitempty"`

	// Content is incremental assistant text.
	Content string `json:"content,omitempty"`

	// ToolCalls announces tool invocations the assistant requested this round.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Done marks the final frame of a turn.
	Done bool `json:"done,omitempty"`

	// ConversationID identifies the conversation. Always set on the Done frame
	// so clients learn server-generated ids for new conversations.
	ConversationID string `json:"conversation_id,omitempty"`

	// Err is a human-readable failure description. A frame with Err set
	// terminates the turn.
	Err string `json:"error,omitempty"`
}
