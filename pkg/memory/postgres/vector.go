package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/parlancehq/parlance/pkg/memory"
)

// UpsertEmbedding implements [memory.VectorIndex]. The embedding lives on the
// message row itself, so an upsert is a plain column update.
func (s *Store) UpsertEmbedding(ctx context.Context, messageID string, embedding []float32) error {
	const q = `UPDATE messages SET embedding = $2 WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q, messageID, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("vector index: upsert embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("vector index: upsert embedding for %q: %w", messageID, memory.ErrNotFound)
	}
	return nil
}

// SearchSimilar implements [memory.VectorIndex]. It finds the topK embedded
// messages of the conversation closest (cosine distance) to the query
// embedding, skipping messages newer than excludeAfterSeq.
//
// Results are ordered by ascending cosine distance (most similar first).
func (s *Store) SearchSimilar(ctx context.Context, conversationID string, embedding []float32, topK int, excludeAfterSeq int64) ([]memory.SimilarMessage, error) {
	queryVec := pgvector.NewVector(embedding)

	args := []any{queryVec, conversationID} // $1 = query vector, $2 = conversation
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"conversation_id = $2",
		"embedding IS NOT NULL",
	}
	if excludeAfterSeq > 0 {
		conditions = append(conditions, "seq <= "+next(excludeAfterSeq))
	}

	args = append(args, topK)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, conversation_id, seq, role, content, tool_calls, tool_call_id, name, created_at,
		       embedding <=> $1 AS distance
		FROM   messages
		WHERE  %s
		ORDER  BY distance
		LIMIT  %s`, strings.Join(conditions, "\n  AND  "), limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("vector index: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.SimilarMessage, error) {
		var (
			sm            memory.SimilarMessage
			toolCallsJSON []byte
		)
		if err := row.Scan(
			&sm.Message.ID,
			&sm.Message.ConversationID,
			&sm.Message.Seq,
			&sm.Message.Role,
			&sm.Message.Content,
			&toolCallsJSON,
			&sm.Message.ToolCallID,
			&sm.Message.Name,
			&sm.Message.CreatedAt,
			&sm.Distance,
		); err != nil {
			return memory.SimilarMessage{}, err
		}
		if len(toolCallsJSON) > 0 {
			if err := json.Unmarshal(toolCallsJSON, &sm.Message.ToolCalls); err != nil {
				return memory.SimilarMessage{}, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		if len(sm.Message.ToolCalls) == 0 {
			sm.Message.ToolCalls = nil
		}
		return sm, nil
	})
	if err != nil {
		return nil, fmt.Errorf("vector index: scan rows: %w", err)
	}
	if results == nil {
		results = []memory.SimilarMessage{}
	}
	return results, nil
}
