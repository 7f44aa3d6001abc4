// Package memory defines the tiered conversation memory used by the Parlance
// chat engine.
//
// Memory is organised as three tiers of decreasing recency:
//
//   - Hot: the last N messages of a conversation, fetched verbatim via
//     [ConversationStore.RecentMessages]. This is the window the model sees
//     on every turn.
//   - Warm: a rolling summary of everything older than the hot window,
//     maintained via [ConversationStore.UpdateSummary] and carried on the
//     conversation record itself.
//   - Cold: embedding-based recall over the full history via [VectorIndex],
//     used to surface older exchanges that are semantically relevant to the
//     current message.
//
// All interfaces are public so that external packages can supply alternative
// storage backends (Postgres/pgvector, in-memory, …) without depending on
// parlance internals.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a conversation or message does not exist.
// Callers should test for it with [errors.Is].
var ErrNotFound = errors.New("memory: not found")

// ConversationStore is the durable log of conversations and their messages.
//
// Messages within a conversation carry a strictly monotonic sequence number
// assigned by the store on append. Sequence numbers never repeat and never
// decrease, which lets the summariser and the vector recall layer reason
// about "everything up to seq N" without comparing timestamps.
type ConversationStore interface {
	// CreateConversation creates a new conversation with the given title and
	// returns the stored record with its assigned ID and timestamps.
	CreateConversation(ctx context.Context, title string) (Conversation, error)

	// GetConversation retrieves a conversation by ID.
	// Returns [ErrNotFound] when no such conversation exists.
	GetConversation(ctx context.Context, id string) (Conversation, error)

	// ListConversations returns conversations ordered by most recently
	// updated first. Options control pagination.
	// Returns an empty (non-nil) slice when no conversations exist.
	ListConversations(ctx context.Context, opts ...ListOpt) ([]Conversation, error)

	// DeleteConversation removes a conversation and all its messages.
	// Deleting a non-existent conversation is not an error.
	DeleteConversation(ctx context.Context, id string) error

	// AppendMessage appends msg to the conversation's log and returns the
	// stored record with its assigned ID, sequence number and timestamp.
	// The Seq, ID and CreatedAt fields of msg are ignored on input.
	// Returns [ErrNotFound] when the conversation does not exist.
	AppendMessage(ctx context.Context, conversationID string, msg MessageRecord) (MessageRecord, error)

	// RecentMessages returns the last n messages of the conversation in
	// ascending sequence order (oldest of the window first).
	// Returns an empty (non-nil) slice when the conversation has no messages.
	RecentMessages(ctx context.Context, conversationID string, n int) ([]MessageRecord, error)

	// MessagesSince returns up to limit messages with sequence numbers
	// strictly greater than afterSeq, in ascending sequence order.
	// A limit of 0 means the implementation may apply its own default.
	MessagesSince(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]MessageRecord, error)

	// UpdateSummary replaces the conversation's rolling summary and records
	// the sequence number the summary covers up to (inclusive).
	// Returns [ErrNotFound] when the conversation does not exist.
	UpdateSummary(ctx context.Context, conversationID, summary string, upToSeq int64) error
}

// VectorIndex is the embedding-based recall layer over stored messages.
//
// Callers are responsible for producing embeddings before calling
// UpsertEmbedding or SearchSimilar. Implementations must be safe for
// concurrent use.
type VectorIndex interface {
	// UpsertEmbedding attaches an embedding vector to the stored message with
	// the given ID, replacing any previous vector.
	// Returns [ErrNotFound] when no such message exists.
	UpsertEmbedding(ctx context.Context, messageID string, embedding []float32) error

	// SearchSimilar finds the topK embedded messages of the conversation
	// whose vectors are closest (cosine distance) to the query embedding.
	// Messages with sequence numbers greater than excludeAfterSeq are
	// skipped so that recall never duplicates the hot window; a value of 0
	// disables the exclusion. Results are ordered by ascending distance.
	// Returns an empty (non-nil) slice when nothing matches.
	SearchSimilar(ctx context.Context, conversationID string, embedding []float32, topK int, excludeAfterSeq int64) ([]SimilarMessage, error)
}

// Store combines both memory interfaces. The Postgres backend implements it
// on a single connection pool; tests may compose separate mocks instead.
type Store interface {
	ConversationStore
	VectorIndex
}
