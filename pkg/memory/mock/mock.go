// Package mock provides an in-memory test double for the memory layer
// interfaces.
//
// [Store] records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. It is safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.Store{}
//	store.RecentMessagesResult = []memory.MessageRecord{{Role: "user", Content: "hi"}}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("AppendMessage"); got != 2 {
//	    t.Errorf("expected 2 AppendMessage calls, got %d", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parlancehq/parlance/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [memory.Store].
//
// AppendMessage keeps a little real behaviour: it assigns incrementing
// sequence numbers and retains the appended records so tests can assert on
// what was persisted without re-implementing bookkeeping.
type Store struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// appended retains every record passed to AppendMessage, with its
	// assigned ID and sequence number.
	appended []memory.MessageRecord

	// nextSeq is the sequence counter shared across conversations. Tests
	// that need per-conversation numbering should use separate mocks.
	nextSeq int64

	// ──── CreateConversation ───────────────────────────────────────────────

	// CreateConversationResult is returned by CreateConversation when set.
	// When zero, a conversation with a fresh UUID is fabricated.
	CreateConversationResult memory.Conversation

	// CreateConversationErr is returned by CreateConversation when non-nil.
	CreateConversationErr error

	// ──── GetConversation ──────────────────────────────────────────────────

	// GetConversationResult is returned by GetConversation.
	GetConversationResult memory.Conversation

	// GetConversationErr is returned by GetConversation when non-nil.
	GetConversationErr error

	// ──── ListConversations ────────────────────────────────────────────────

	// ListConversationsResult is returned by ListConversations.
	// When nil, an empty non-nil slice is returned.
	ListConversationsResult []memory.Conversation

	// ListConversationsErr is returned by ListConversations when non-nil.
	ListConversationsErr error

	// ──── DeleteConversation ───────────────────────────────────────────────

	// DeleteConversationErr is returned by DeleteConversation when non-nil.
	DeleteConversationErr error

	// ──── AppendMessage ────────────────────────────────────────────────────

	// AppendMessageErr is returned by AppendMessage when non-nil.
	AppendMessageErr error

	// ──── RecentMessages ───────────────────────────────────────────────────

	// RecentMessagesResult is returned by RecentMessages.
	// When nil, an empty non-nil slice is returned.
	RecentMessagesResult []memory.MessageRecord

	// RecentMessagesErr is returned by RecentMessages when non-nil.
	RecentMessagesErr error

	// ──── MessagesSince ────────────────────────────────────────────────────

	// MessagesSinceResult is returned by MessagesSince.
	// When nil, an empty non-nil slice is returned.
	MessagesSinceResult []memory.MessageRecord

	// MessagesSinceErr is returned by MessagesSince when non-nil.
	MessagesSinceErr error

	// ──── UpdateSummary ────────────────────────────────────────────────────

	// UpdateSummaryErr is returned by UpdateSummary when non-nil.
	UpdateSummaryErr error

	// ──── UpsertEmbedding ──────────────────────────────────────────────────

	// UpsertEmbeddingErr is returned by UpsertEmbedding when non-nil.
	UpsertEmbeddingErr error

	// ──── SearchSimilar ────────────────────────────────────────────────────

	// SearchSimilarResult is returned by SearchSimilar.
	// When nil, an empty non-nil slice is returned.
	SearchSimilarResult []memory.SimilarMessage

	// SearchSimilarErr is returned by SearchSimilar when non-nil.
	SearchSimilarErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Appended returns a copy of every record passed to AppendMessage, in order,
// with the IDs and sequence numbers the mock assigned.
func (m *Store) Appended() []memory.MessageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]memory.MessageRecord, len(m.appended))
	copy(out, m.appended)
	return out
}

// Reset clears all recorded calls and appended records without altering
// response configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.appended = nil
	m.nextSeq = 0
}

// CreateConversation implements [memory.ConversationStore].
func (m *Store) CreateConversation(_ context.Context, title string) (memory.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "CreateConversation", Args: []any{title}})
	if m.CreateConversationErr != nil {
		return memory.Conversation{}, m.CreateConversationErr
	}
	if m.CreateConversationResult.ID != "" {
		return m.CreateConversationResult, nil
	}
	now := time.Now()
	return memory.Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetConversation implements [memory.ConversationStore].
func (m *Store) GetConversation(_ context.Context, id string) (memory.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetConversation", Args: []any{id}})
	return m.GetConversationResult, m.GetConversationErr
}

// ListConversations implements [memory.ConversationStore].
func (m *Store) ListConversations(_ context.Context, opts ...memory.ListOpt) ([]memory.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "ListConversations", Args: []any{memory.ApplyListOpts(opts)}})
	if m.ListConversationsResult == nil {
		return []memory.Conversation{}, m.ListConversationsErr
	}
	out := make([]memory.Conversation, len(m.ListConversationsResult))
	copy(out, m.ListConversationsResult)
	return out, m.ListConversationsErr
}

// DeleteConversation implements [memory.ConversationStore].
func (m *Store) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "DeleteConversation", Args: []any{id}})
	return m.DeleteConversationErr
}

// AppendMessage implements [memory.ConversationStore].
func (m *Store) AppendMessage(_ context.Context, conversationID string, msg memory.MessageRecord) (memory.MessageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "AppendMessage", Args: []any{conversationID, msg}})
	if m.AppendMessageErr != nil {
		return memory.MessageRecord{}, m.AppendMessageErr
	}
	m.nextSeq++
	stored := msg
	stored.ID = uuid.NewString()
	stored.ConversationID = conversationID
	stored.Seq = m.nextSeq
	stored.CreatedAt = time.Now()
	m.appended = append(m.appended, stored)
	return stored, nil
}

// RecentMessages implements [memory.ConversationStore].
func (m *Store) RecentMessages(_ context.Context, conversationID string, n int) ([]memory.MessageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "RecentMessages", Args: []any{conversationID, n}})
	if m.RecentMessagesResult == nil {
		return []memory.MessageRecord{}, m.RecentMessagesErr
	}
	out := make([]memory.MessageRecord, len(m.RecentMessagesResult))
	copy(out, m.RecentMessagesResult)
	return out, m.RecentMessagesErr
}

// MessagesSince implements [memory.ConversationStore].
func (m *Store) MessagesSince(_ context.Context, conversationID string, afterSeq int64, limit int) ([]memory.MessageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "MessagesSince", Args: []any{conversationID, afterSeq, limit}})
	if m.MessagesSinceResult == nil {
		return []memory.MessageRecord{}, m.MessagesSinceErr
	}
	out := make([]memory.MessageRecord, len(m.MessagesSinceResult))
	copy(out, m.MessagesSinceResult)
	return out, m.MessagesSinceErr
}

// UpdateSummary implements [memory.ConversationStore].
func (m *Store) UpdateSummary(_ context.Context, conversationID, summary string, upToSeq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "UpdateSummary", Args: []any{conversationID, summary, upToSeq}})
	return m.UpdateSummaryErr
}

// UpsertEmbedding implements [memory.VectorIndex].
func (m *Store) UpsertEmbedding(_ context.Context, messageID string, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "UpsertEmbedding", Args: []any{messageID, embedding}})
	return m.UpsertEmbeddingErr
}

// SearchSimilar implements [memory.VectorIndex].
func (m *Store) SearchSimilar(_ context.Context, conversationID string, embedding []float32, topK int, excludeAfterSeq int64) ([]memory.SimilarMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SearchSimilar", Args: []any{conversationID, embedding, topK, excludeAfterSeq}})
	if m.SearchSimilarResult == nil {
		return []memory.SimilarMessage{}, m.SearchSimilarErr
	}
	out := make([]memory.SimilarMessage, len(m.SearchSimilarResult))
	copy(out, m.SearchSimilarResult)
	return out, m.SearchSimilarErr
}

// Ensure Store satisfies the interfaces at compile time.
var _ memory.Store = (*Store)(nil)
