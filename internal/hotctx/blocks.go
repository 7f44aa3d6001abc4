package hotctx

import (
	"fmt"
	"strings"

	"github.com/parlancehq/parlance/pkg/memory"
	"github.com/parlancehq/parlance/pkg/types"
)

// summaryMessage renders the warm tier as a system-role block.
func summaryMessage(summary string) types.Message {
	return types.Message{
		Role:    types.RoleSystem,
		Content: "Summary of the earlier conversation:\n" + strings.TrimSpace(summary),
	}
}

// recallMessage renders the cold tier as a single system-role block.
// Returns nil when nothing useful was recalled.
//
// The block is pure text, never replayed assistant/tool structures: recalled
// messages re-enter the context as reference material, not as turns the
// model should believe it just produced.
func recallMessage(similar []memory.SimilarMessage) []types.Message {
	var sb strings.Builder
	for _, s := range similar {
		text := strings.TrimSpace(s.Message.Content)
		if text == "" || s.Message.Role == types.RoleTool {
			continue
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", s.Message.Role, text)
	}
	if sb.Len() == 0 {
		return nil
	}
	return []types.Message{{
		Role:    types.RoleSystem,
		Content: "Relevant exchanges from earlier in this conversation:\n" + sb.String(),
	}}
}

// hotMessages converts stored records to prompt messages, stripping the tool
// machinery of finished turns: tool-role payloads and assistant tool-call
// structures never re-enter a later turn's context.
func hotMessages(records []memory.MessageRecord) []types.Message {
	out := make([]types.Message, 0, len(records))
	for _, r := range records {
		if r.Role == types.RoleTool {
			continue
		}
		msg := r.ChatMessage()
		msg.ToolCalls = nil
		msg.ToolCallID = ""
		if msg.Role == types.RoleAssistant && strings.TrimSpace(msg.Content) == "" {
			// Tool-call-only assistant messages have no text once the calls
			// are stripped.
			continue
		}
		out = append(out, msg)
	}
	return out
}
