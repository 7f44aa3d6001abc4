package hotctx

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/parlancehq/parlance/pkg/memory"
	memmock "github.com/parlancehq/parlance/pkg/memory/mock"
	embmock "github.com/parlancehq/parlance/pkg/provider/embeddings/mock"
	"github.com/parlancehq/parlance/pkg/types"
)

func record(seq int64, role, content string) memory.MessageRecord {
	return memory.MessageRecord{
		ID:      "msg-" + content,
		Seq:     seq,
		Role:    role,
		Content: content,
	}
}

func TestCompose_LayersInOrder(t *testing.T) {
	t.Parallel()

	store := &memmock.Store{
		GetConversationResult: memory.Conversation{
			ID:      "c1",
			Summary: "they discussed dns resolution",
			LastSeq: 12,
		},
		RecentMessagesResult: []memory.MessageRecord{
			record(11, types.RoleUser, "what is a CNAME?"),
			record(12, types.RoleAssistant, "an alias record"),
		},
		SearchSimilarResult: []memory.SimilarMessage{
			{Message: record(3, types.RoleUser, "my resolver is 10.0.0.1"), Distance: 0.1},
		},
	}
	embedder := &embmock.Provider{EmbedResult: []float32{1, 0}}

	c := NewComposer(store,
		WithSystemPrompt("You are a concise assistant."),
		WithVectorRecall(store, embedder),
	)

	msgs, err := c.Compose(context.Background(), "c1", "and an A record?", nil)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	// system, summary, recall, 2 hot, current user.
	if len(msgs) != 6 {
		t.Fatalf("message count: got %d, want 6: %+v", len(msgs), msgs)
	}
	if msgs[0].Role != types.RoleSystem || msgs[0].Content != "You are a concise assistant." {
		t.Errorf("system prompt: got %+v", msgs[0])
	}
	if !strings.Contains(msgs[1].Content, "dns resolution") {
		t.Errorf("summary block: got %q", msgs[1].Content)
	}
	if !strings.Contains(msgs[2].Content, "my resolver is 10.0.0.1") {
		t.Errorf("recall block: got %q", msgs[2].Content)
	}
	if msgs[3].Content != "what is a CNAME?" || msgs[4].Content != "an alias record" {
		t.Errorf("hot window: got %q, %q", msgs[3].Content, msgs[4].Content)
	}
	last := msgs[5]
	if last.Role != types.RoleUser || last.Content != "and an A record?" {
		t.Errorf("current message: got %+v", last)
	}
}

func TestCompose_ExcludesHotWindowFromRecall(t *testing.T) {
	t.Parallel()

	store := &memmock.Store{
		GetConversationResult: memory.Conversation{ID: "c1", LastSeq: 20},
		RecentMessagesResult: []memory.MessageRecord{
			record(19, types.RoleUser, "hi"),
			record(20, types.RoleAssistant, "hello"),
		},
	}
	embedder := &embmock.Provider{EmbedResult: []float32{1}}
	c := NewComposer(store, WithVectorRecall(store, embedder), WithColdTopK(3))

	if _, err := c.Compose(context.Background(), "c1", "again", nil); err != nil {
		t.Fatalf("Compose: %v", err)
	}

	var searched bool
	for _, call := range store.Calls() {
		if call.Method == "SearchSimilar" {
			searched = true
			if got := call.Args[2].(int); got != 3 {
				t.Errorf("topK: got %d, want 3", got)
			}
			// Boundary is one below the oldest hot message.
			if got := call.Args[3].(int64); got != 18 {
				t.Errorf("excludeAfterSeq: got %d, want 18", got)
			}
		}
	}
	if !searched {
		t.Fatal("SearchSimilar was never called")
	}
}

func TestCompose_ColdRecallFailureDegrades(t *testing.T) {
	t.Parallel()

	store := &memmock.Store{
		GetConversationResult: memory.Conversation{ID: "c1", LastSeq: 9},
		RecentMessagesResult: []memory.MessageRecord{
			record(9, types.RoleUser, "hi"),
		},
		SearchSimilarErr: errors.New("index offline"),
	}
	embedder := &embmock.Provider{EmbedResult: []float32{1}}
	c := NewComposer(store, WithVectorRecall(store, embedder))

	msgs, err := c.Compose(context.Background(), "c1", "hello", nil)
	if err != nil {
		t.Fatalf("Compose should degrade, got error: %v", err)
	}
	for _, m := range msgs {
		if strings.Contains(m.Content, "Relevant exchanges") {
			t.Error("recall block present despite search failure")
		}
	}
}

func TestCompose_StoreFailureFailsTurn(t *testing.T) {
	t.Parallel()

	store := &memmock.Store{RecentMessagesErr: errors.New("pool closed")}
	c := NewComposer(store)

	if _, err := c.Compose(context.Background(), "c1", "hello", nil); err == nil {
		t.Fatal("expected error when the store is unavailable")
	}
}

func TestCompose_NoRecallForEmptyHistory(t *testing.T) {
	t.Parallel()

	store := &memmock.Store{
		GetConversationResult: memory.Conversation{ID: "c1"},
	}
	embedder := &embmock.Provider{EmbedResult: []float32{1}}
	c := NewComposer(store, WithVectorRecall(store, embedder))

	msgs, err := c.Compose(context.Background(), "c1", "first message", nil)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if store.CallCount("SearchSimilar") != 0 {
		t.Error("recall ran although everything is inside the hot window")
	}
	if len(msgs) != 1 || msgs[0].Content != "first message" {
		t.Errorf("got %+v", msgs)
	}
}

func TestHotMessages_StripsToolMachinery(t *testing.T) {
	t.Parallel()

	records := []memory.MessageRecord{
		record(1, types.RoleUser, "read the file"),
		{
			Seq:  2,
			Role: types.RoleAssistant,
			ToolCalls: []types.ToolCall{
				{ID: "call_1", Name: "read_file", Arguments: `{"path":"x"}`},
			},
		},
		{
			Seq:        3,
			Role:       types.RoleTool,
			Content:    "file contents here",
			ToolCallID: "call_1",
			Name:       "read_file",
		},
		record(4, types.RoleAssistant, "the file says hello"),
	}

	msgs := hotMessages(records)
	if len(msgs) != 2 {
		t.Fatalf("message count: got %d, want 2: %+v", len(msgs), msgs)
	}
	if msgs[0].Content != "read the file" || msgs[1].Content != "the file says hello" {
		t.Errorf("kept messages: %+v", msgs)
	}
	for _, m := range msgs {
		if len(m.ToolCalls) != 0 || m.ToolCallID != "" {
			t.Errorf("tool machinery leaked: %+v", m)
		}
	}
}

func TestRecallMessage_SkipsToolAndEmpty(t *testing.T) {
	t.Parallel()

	got := recallMessage([]memory.SimilarMessage{
		{Message: record(1, types.RoleTool, "raw tool output")},
		{Message: record(2, types.RoleAssistant, "   ")},
	})
	if got != nil {
		t.Errorf("expected no recall block, got %+v", got)
	}
}
