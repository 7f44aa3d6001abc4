package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/parlancehq/parlance/pkg/memory"
	"github.com/parlancehq/parlance/pkg/memory/postgres"
	"github.com/parlancehq/parlance/pkg/types"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if PARLANCE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("PARLANCE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PARLANCE_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
// It calls t.Cleanup to close the store when the test finishes.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	// Use a bare pool to drop and recreate the schema.
	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	store, err := postgres.NewStore(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

// mustPool opens a pgxpool with pgvector types registered.
func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// best-effort: pgvector may not be installed yet on a fresh DB
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return pool
}

// dropSchema removes all tables created by Migrate in reverse dependency order.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS messages CASCADE",
		"DROP TABLE IF EXISTS conversations CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Conversations
// ─────────────────────────────────────────────────────────────────────────────

func TestConversationCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "first chat")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if conv.ID == "" {
		t.Fatal("CreateConversation: empty ID")
	}

	got, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Title != "first chat" {
		t.Errorf("Title: want %q, got %q", "first chat", got.Title)
	}
	if got.LastSeq != 0 {
		t.Errorf("LastSeq of empty conversation: want 0, got %d", got.LastSeq)
	}

	// Missing conversation surfaces ErrNotFound.
	if _, err := store.GetConversation(ctx, "does-not-exist"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("GetConversation missing: got %v, want ErrNotFound", err)
	}

	// List returns newest-updated first.
	second, err := store.CreateConversation(ctx, "second chat")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if _, err := store.AppendMessage(ctx, conv.ID, memory.MessageRecord{Role: types.RoleUser, Content: "bump"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	list, err := store.ListConversations(ctx)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list length: want 2, got %d", len(list))
	}
	if list[0].ID != conv.ID {
		t.Errorf("list order: want %s first (most recently updated), got %s", conv.ID, list[0].ID)
	}

	// Pagination options.
	page, err := store.ListConversations(ctx, memory.WithListLimit(1), memory.WithListOffset(1))
	if err != nil {
		t.Fatalf("ListConversations paged: %v", err)
	}
	if len(page) != 1 || page[0].ID != second.ID {
		t.Errorf("paged list: want [%s], got %v", second.ID, page)
	}

	// Delete cascades to messages and is idempotent.
	if err := store.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if _, err := store.GetConversation(ctx, conv.ID); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("after delete: got %v, want ErrNotFound", err)
	}
	if err := store.DeleteConversation(ctx, conv.ID); err != nil {
		t.Errorf("DeleteConversation twice: unexpected error: %v", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Messages
// ─────────────────────────────────────────────────────────────────────────────

func TestAppendMessage_AssignsMonotonicSeq(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	for i, content := range []string{"one", "two", "three"} {
		stored, err := store.AppendMessage(ctx, conv.ID, memory.MessageRecord{
			Role:    types.RoleUser,
			Content: content,
		})
		if err != nil {
			t.Fatalf("AppendMessage[%d]: %v", i, err)
		}
		if stored.Seq != int64(i+1) {
			t.Errorf("Seq[%d]: want %d, got %d", i, i+1, stored.Seq)
		}
		if stored.ID == "" {
			t.Errorf("ID[%d]: empty", i)
		}
	}

	got, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.LastSeq != 3 {
		t.Errorf("LastSeq: want 3, got %d", got.LastSeq)
	}

	// Appending to a missing conversation surfaces ErrNotFound.
	if _, err := store.AppendMessage(ctx, "nope", memory.MessageRecord{Role: types.RoleUser}); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("append to missing: got %v, want ErrNotFound", err)
	}
}

func TestMessageWindows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	for _, content := range []string{"a", "b", "c", "d", "e"} {
		if _, err := store.AppendMessage(ctx, conv.ID, memory.MessageRecord{
			Role:    types.RoleUser,
			Content: content,
		}); err != nil {
			t.Fatalf("AppendMessage %q: %v", content, err)
		}
	}

	// RecentMessages returns the newest n in ascending order.
	recent, err := store.RecentMessages(ctx, conv.ID, 3)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("recent length: want 3, got %d", len(recent))
	}
	if recent[0].Content != "c" || recent[2].Content != "e" {
		t.Errorf("recent window: want c..e ascending, got %q..%q", recent[0].Content, recent[2].Content)
	}

	// MessagesSince is exclusive on afterSeq.
	since, err := store.MessagesSince(ctx, conv.ID, 2, 0)
	if err != nil {
		t.Fatalf("MessagesSince: %v", err)
	}
	if len(since) != 3 {
		t.Fatalf("since length: want 3, got %d", len(since))
	}
	if since[0].Seq != 3 {
		t.Errorf("since start: want seq 3, got %d", since[0].Seq)
	}

	limited, err := store.MessagesSince(ctx, conv.ID, 0, 2)
	if err != nil {
		t.Fatalf("MessagesSince limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("since limit: want 2, got %d", len(limited))
	}
}

func TestAppendMessage_ToolCallRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	calls := []types.ToolCall{{
		ID:        "call_1",
		Name:      "read_file",
		Arguments: `{"path":"/etc/hosts"}`,
	}}
	if _, err := store.AppendMessage(ctx, conv.ID, memory.MessageRecord{
		Role:      types.RoleAssistant,
		ToolCalls: calls,
	}); err != nil {
		t.Fatalf("AppendMessage assistant: %v", err)
	}
	if _, err := store.AppendMessage(ctx, conv.ID, memory.MessageRecord{
		Role:       types.RoleTool,
		Content:    "127.0.0.1 localhost",
		ToolCallID: "call_1",
		Name:       "read_file",
	}); err != nil {
		t.Fatalf("AppendMessage tool: %v", err)
	}

	msgs, err := store.RecentMessages(ctx, conv.ID, 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("length: want 2, got %d", len(msgs))
	}
	if len(msgs[0].ToolCalls) != 1 || msgs[0].ToolCalls[0].Arguments != calls[0].Arguments {
		t.Errorf("tool calls round-trip: got %+v", msgs[0].ToolCalls)
	}
	if msgs[1].ToolCallID != "call_1" || msgs[1].Name != "read_file" {
		t.Errorf("tool message fields: got %+v", msgs[1])
	}
}

func TestUpdateSummary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	if err := store.UpdateSummary(ctx, conv.ID, "talked about dns", 7); err != nil {
		t.Fatalf("UpdateSummary: %v", err)
	}
	got, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Summary != "talked about dns" || got.SummaryUpToSeq != 7 {
		t.Errorf("summary: got %q up to %d", got.Summary, got.SummaryUpToSeq)
	}

	if err := store.UpdateSummary(ctx, "nope", "x", 1); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("summary for missing: got %v, want ErrNotFound", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Vector index
// ─────────────────────────────────────────────────────────────────────────────

func TestVectorIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	embeddings := [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	}
	var ids []string
	for i, vec := range embeddings {
		stored, err := store.AppendMessage(ctx, conv.ID, memory.MessageRecord{
			Role:    types.RoleUser,
			Content: string(rune('a' + i)),
		})
		if err != nil {
			t.Fatalf("AppendMessage[%d]: %v", i, err)
		}
		if err := store.UpsertEmbedding(ctx, stored.ID, vec); err != nil {
			t.Fatalf("UpsertEmbedding[%d]: %v", i, err)
		}
		ids = append(ids, stored.ID)
	}

	// Closest to the first embedding is the first message.
	results, err := store.SearchSimilar(ctx, conv.ID, []float32{1, 0, 0, 0}, 3, 0)
	if err != nil {
		t.Fatalf("SearchSimilar: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("result length: want 3, got %d", len(results))
	}
	if results[0].Message.ID != ids[0] {
		t.Errorf("closest: want %s, got %s (distance %.4f)", ids[0], results[0].Message.ID, results[0].Distance)
	}

	// excludeAfterSeq hides the newest messages.
	excluded, err := store.SearchSimilar(ctx, conv.ID, []float32{0, 0, 1, 0}, 10, 2)
	if err != nil {
		t.Fatalf("SearchSimilar excluded: %v", err)
	}
	for _, r := range excluded {
		if r.Message.Seq > 2 {
			t.Errorf("excludeAfterSeq: got message with seq %d", r.Message.Seq)
		}
	}

	// Upsert replaces the stored vector.
	if err := store.UpsertEmbedding(ctx, ids[0], []float32{0, 0, 0, 1}); err != nil {
		t.Fatalf("UpsertEmbedding replace: %v", err)
	}
	replaced, err := store.SearchSimilar(ctx, conv.ID, []float32{0, 0, 0, 1}, 1, 0)
	if err != nil {
		t.Fatalf("SearchSimilar after upsert: %v", err)
	}
	if len(replaced) != 1 || replaced[0].Message.ID != ids[0] {
		t.Errorf("after upsert: want %s closest, got %v", ids[0], replaced)
	}

	// Unknown message ID surfaces ErrNotFound.
	if err := store.UpsertEmbedding(ctx, "nope", []float32{0, 0, 0, 0}); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("upsert missing: got %v, want ErrNotFound", err)
	}
}
