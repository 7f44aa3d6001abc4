// Package salvage recovers tool calls that a model emitted as raw JSON in its
// text output instead of through the provider's native tool-call channel.
//
// Several local models (Qwen, some Llama fine-tunes) format tool invocations
// as a JSON object inside the assistant content, often wrapped in a markdown
// fence or surrounded by prose. The engine runs this parser over the
// accumulated content whenever a completion finishes without native tool
// calls, so those models still get their tools executed.
package salvage

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/parlancehq/parlance/pkg/types"
)

// candidate is the shape a salvageable tool call must decode into. Models
// disagree on the argument key, so both spellings are accepted.
type candidate struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
	Arguments  map[string]any `json:"arguments"`
}

// Parse scans content for JSON objects that look like tool invocations and
// returns them as ToolCalls with freshly generated ids.
//
// An object qualifies when it has a non-empty string "name" and an object
// under "parameters" or "arguments", and known(name) reports true. Anything
// else — prose, malformed JSON, unknown tool names — is skipped silently;
// Parse never fails. Objects inside markdown fences are found because the
// scan ignores everything outside balanced braces.
func Parse(content string, known func(name string) bool) []types.ToolCall {
	var calls []types.ToolCall

	for i := 0; i < len(content); i++ {
		if content[i] != '{' {
			continue
		}
		end, ok := matchObject(content, i)
		if !ok {
			// No balanced close; nothing further can start a valid object
			// inside this truncated tail either, but inner objects might
			// still match, so keep scanning character by character.
			continue
		}

		if call, ok := decodeCandidate(content[i:end+1], known); ok {
			calls = append(calls, call)
			i = end
		}
		// A rejected outer object is not skipped wholesale: its nested
		// objects may individually qualify.
	}

	return calls
}

// decodeCandidate tries to interpret a balanced JSON object as a tool call.
func decodeCandidate(raw string, known func(string) bool) (types.ToolCall, bool) {
	var c candidate
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return types.ToolCall{}, false
	}
	if c.Name == "" {
		return types.ToolCall{}, false
	}

	args := c.Parameters
	if args == nil {
		args = c.Arguments
	}
	if args == nil {
		return types.ToolCall{}, false
	}
	if known != nil && !known(c.Name) {
		return types.ToolCall{}, false
	}

	encoded, err := json.Marshal(args)
	if err != nil {
		return types.ToolCall{}, false
	}

	return types.ToolCall{
		ID:        "salvaged_" + uuid.NewString(),
		Name:      c.Name,
		Arguments: string(encoded),
	}, true
}

// matchObject returns the index of the brace closing the object that opens at
// start. The walk is string-aware: braces inside JSON string literals,
// including escaped quotes, do not affect the depth count.
func matchObject(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		ch := s[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
