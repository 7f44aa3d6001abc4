package memory

import (
	"time"

	"github.com/parlancehq/parlance/pkg/types"
)

// Conversation is the top-level record a chat turn is scoped to.
// The rolling summary (warm tier) lives on the conversation itself.
type Conversation struct {
	// ID is the unique conversation identifier (a UUID).
	ID string

	// Title is an optional human-readable label.
	Title string

	// Summary is the rolling summary of everything older than the hot
	// window. Empty until the summariser has run at least once.
	Summary string

	// SummaryUpToSeq is the highest message sequence number the summary
	// covers (inclusive). Zero when no summary exists.
	SummaryUpToSeq int64

	// LastSeq is the sequence number of the most recently appended message.
	// Zero for an empty conversation.
	LastSeq int64

	// CreatedAt is when the conversation was created.
	CreatedAt time.Time

	// UpdatedAt is bumped on every appended message and summary update.
	UpdatedAt time.Time
}

// MessageRecord is a single stored message of a conversation log.
// It mirrors [types.Message] plus the persistence fields the store assigns.
type MessageRecord struct {
	// ID is the unique message identifier (a UUID), assigned on append.
	ID string

	// ConversationID is the conversation this message belongs to.
	ConversationID string

	// Seq is the monotonic position of this message within its
	// conversation, assigned on append starting at 1.
	Seq int64

	// Role is the chat role: system, user, assistant or tool.
	Role string

	// Content is the message text. For tool-role messages this is the tool
	// result payload.
	Content string

	// ToolCalls holds the tool invocations requested by an assistant
	// message, if any.
	ToolCalls []types.ToolCall

	// ToolCallID links a tool-role message to the assistant tool call it
	// answers.
	ToolCallID string

	// Name is the tool name for tool-role messages.
	Name string

	// Model is the model that produced an assistant message. Empty for
	// user, system and tool messages.
	Model string

	// LatencyMs is the wall-clock generation time for assistant messages
	// and the execution time for tool messages, in milliseconds.
	LatencyMs int64

	// TokenCount is the completion token count reported by the provider,
	// when available.
	TokenCount int

	// CreatedAt is when the message was appended.
	CreatedAt time.Time
}

// ChatMessage converts the stored record to the wire shape used for model
// prompts.
func (m MessageRecord) ChatMessage() types.Message {
	return types.Message{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
}

// SimilarMessage pairs a recalled message with its vector-space distance from
// the query embedding. Lower distance means higher semantic similarity.
type SimilarMessage struct {
	// Message is the recalled record.
	Message MessageRecord

	// Distance is the cosine distance to the query embedding.
	Distance float64
}
