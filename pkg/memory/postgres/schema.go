// Package postgres provides a PostgreSQL-backed implementation of the Parlance
// conversation memory ([memory.ConversationStore] and [memory.VectorIndex]).
//
// Both interfaces share a single [pgxpool.Pool] connection pool. The pgvector
// extension must be available in the target database; [Migrate] installs it
// automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 768)
//	if err != nil { … }
//
//	conv, _ := store.CreateConversation(ctx, "debugging session")
//	_, _ = store.AppendMessage(ctx, conv.ID, memory.MessageRecord{Role: "user", Content: "hi"})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id                 TEXT         PRIMARY KEY,
    title              TEXT         NOT NULL DEFAULT '',
    summary            TEXT         NOT NULL DEFAULT '',
    summary_up_to_seq  BIGINT       NOT NULL DEFAULT 0,
    last_seq           BIGINT       NOT NULL DEFAULT 0,
    created_at         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversations_updated_at
    ON conversations (updated_at DESC);
`

// ddlMessages returns the messages DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlMessages(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS messages (
    id               TEXT         PRIMARY KEY,
    conversation_id  TEXT         NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
    seq              BIGINT       NOT NULL,
    role             TEXT         NOT NULL,
    content          TEXT         NOT NULL DEFAULT '',
    tool_calls       JSONB        NOT NULL DEFAULT '[]',
    tool_call_id     TEXT         NOT NULL DEFAULT '',
    name             TEXT         NOT NULL DEFAULT '',
    model            TEXT         NOT NULL DEFAULT '',
    latency_ms       BIGINT       NOT NULL DEFAULT 0,
    token_count      INT          NOT NULL DEFAULT 0,
    embedding        vector(%d),
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (conversation_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq
    ON messages (conversation_id, seq);

CREATE INDEX IF NOT EXISTS idx_messages_embedding
    ON messages USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions exist.
// It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS)
// and safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for your
// deployment (e.g., 768 for nomic-embed-text, 1536 for OpenAI
// text-embedding-3-small). Changing this value after the first migration
// requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlConversations,
		ddlMessages(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
