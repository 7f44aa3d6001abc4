package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/parlancehq/parlance/pkg/memory"
	"github.com/parlancehq/parlance/pkg/types"
)

// defaultListLimit bounds ListConversations when no limit option is given.
const defaultListLimit = 100

// CreateConversation implements [memory.ConversationStore].
func (s *Store) CreateConversation(ctx context.Context, title string) (memory.Conversation, error) {
	const q = `
		INSERT INTO conversations (id, title)
		VALUES ($1, $2)
		RETURNING created_at, updated_at`

	conv := memory.Conversation{
		ID:    uuid.NewString(),
		Title: title,
	}
	if err := s.pool.QueryRow(ctx, q, conv.ID, conv.Title).
		Scan(&conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return memory.Conversation{}, fmt.Errorf("conversation store: create: %w", err)
	}
	return conv, nil
}

// GetConversation implements [memory.ConversationStore].
func (s *Store) GetConversation(ctx context.Context, id string) (memory.Conversation, error) {
	const q = `
		SELECT id, title, summary, summary_up_to_seq, last_seq, created_at, updated_at
		FROM   conversations
		WHERE  id = $1`

	var conv memory.Conversation
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&conv.ID,
		&conv.Title,
		&conv.Summary,
		&conv.SummaryUpToSeq,
		&conv.LastSeq,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.Conversation{}, fmt.Errorf("conversation store: get %q: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return memory.Conversation{}, fmt.Errorf("conversation store: get: %w", err)
	}
	return conv, nil
}

// ListConversations implements [memory.ConversationStore]. Results are
// ordered by most recently updated first.
func (s *Store) ListConversations(ctx context.Context, opts ...memory.ListOpt) ([]memory.Conversation, error) {
	params := memory.ApplyListOpts(opts)
	limit := params.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	const q = `
		SELECT id, title, summary, summary_up_to_seq, last_seq, created_at, updated_at
		FROM   conversations
		ORDER  BY updated_at DESC
		LIMIT  $1 OFFSET $2`

	rows, err := s.pool.Query(ctx, q, limit, params.Offset)
	if err != nil {
		return nil, fmt.Errorf("conversation store: list: %w", err)
	}

	convs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Conversation, error) {
		var c memory.Conversation
		err := row.Scan(
			&c.ID,
			&c.Title,
			&c.Summary,
			&c.SummaryUpToSeq,
			&c.LastSeq,
			&c.CreatedAt,
			&c.UpdatedAt,
		)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("conversation store: scan rows: %w", err)
	}
	if convs == nil {
		convs = []memory.Conversation{}
	}
	return convs, nil
}

// DeleteConversation implements [memory.ConversationStore]. Messages are
// removed via ON DELETE CASCADE.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("conversation store: delete: %w", err)
	}
	return nil
}

// AppendMessage implements [memory.ConversationStore]. The sequence number is
// taken from the conversation's last_seq counter inside a single transaction,
// so concurrent appends to the same conversation never collide.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg memory.MessageRecord) (memory.MessageRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return memory.MessageRecord{}, fmt.Errorf("conversation store: begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	const bump = `
		UPDATE conversations
		SET    last_seq = last_seq + 1, updated_at = now()
		WHERE  id = $1
		RETURNING last_seq`

	var seq int64
	err = tx.QueryRow(ctx, bump, conversationID).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.MessageRecord{}, fmt.Errorf("conversation store: append to %q: %w", conversationID, memory.ErrNotFound)
	}
	if err != nil {
		return memory.MessageRecord{}, fmt.Errorf("conversation store: assign seq: %w", err)
	}

	toolCalls := msg.ToolCalls
	if toolCalls == nil {
		toolCalls = []types.ToolCall{}
	}
	toolCallsJSON, err := json.Marshal(toolCalls)
	if err != nil {
		return memory.MessageRecord{}, fmt.Errorf("conversation store: encode tool calls: %w", err)
	}

	stored := msg
	stored.ID = uuid.NewString()
	stored.ConversationID = conversationID
	stored.Seq = seq

	const insert = `
		INSERT INTO messages
		    (id, conversation_id, seq, role, content, tool_calls, tool_call_id, name, model, latency_ms, token_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at`

	if err := tx.QueryRow(ctx, insert,
		stored.ID,
		stored.ConversationID,
		stored.Seq,
		stored.Role,
		stored.Content,
		toolCallsJSON,
		stored.ToolCallID,
		stored.Name,
		stored.Model,
		stored.LatencyMs,
		stored.TokenCount,
	).Scan(&stored.CreatedAt); err != nil {
		return memory.MessageRecord{}, fmt.Errorf("conversation store: insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return memory.MessageRecord{}, fmt.Errorf("conversation store: commit append: %w", err)
	}
	return stored, nil
}

// RecentMessages implements [memory.ConversationStore]. The newest n messages
// are selected and returned in ascending sequence order.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, n int) ([]memory.MessageRecord, error) {
	const q = `
		SELECT id, conversation_id, seq, role, content, tool_calls, tool_call_id, name, model, latency_ms, token_count, created_at
		FROM (
		    SELECT id, conversation_id, seq, role, content, tool_calls, tool_call_id, name, model, latency_ms, token_count, created_at
		    FROM   messages
		    WHERE  conversation_id = $1
		    ORDER  BY seq DESC
		    LIMIT  $2
		) newest
		ORDER BY seq`

	rows, err := s.pool.Query(ctx, q, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("conversation store: recent messages: %w", err)
	}
	return collectMessages(rows)
}

// MessagesSince implements [memory.ConversationStore].
func (s *Store) MessagesSince(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]memory.MessageRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	const q = `
		SELECT id, conversation_id, seq, role, content, tool_calls, tool_call_id, name, model, latency_ms, token_count, created_at
		FROM   messages
		WHERE  conversation_id = $1
		  AND  seq > $2
		ORDER  BY seq
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, conversationID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation store: messages since: %w", err)
	}
	return collectMessages(rows)
}

// UpdateSummary implements [memory.ConversationStore].
func (s *Store) UpdateSummary(ctx context.Context, conversationID, summary string, upToSeq int64) error {
	const q = `
		UPDATE conversations
		SET    summary = $2, summary_up_to_seq = $3, updated_at = now()
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, conversationID, summary, upToSeq)
	if err != nil {
		return fmt.Errorf("conversation store: update summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation store: update summary for %q: %w", conversationID, memory.ErrNotFound)
	}
	return nil
}

// collectMessages scans pgx rows into a slice of MessageRecord values.
func collectMessages(rows pgx.Rows) ([]memory.MessageRecord, error) {
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.MessageRecord, error) {
		var (
			m             memory.MessageRecord
			toolCallsJSON []byte
			createdAt     time.Time
		)
		if err := row.Scan(
			&m.ID,
			&m.ConversationID,
			&m.Seq,
			&m.Role,
			&m.Content,
			&toolCallsJSON,
			&m.ToolCallID,
			&m.Name,
			&m.Model,
			&m.LatencyMs,
			&m.TokenCount,
			&createdAt,
		); err != nil {
			return memory.MessageRecord{}, err
		}
		m.CreatedAt = createdAt
		if len(toolCallsJSON) > 0 {
			if err := json.Unmarshal(toolCallsJSON, &m.ToolCalls); err != nil {
				return memory.MessageRecord{}, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		if len(m.ToolCalls) == 0 {
			m.ToolCalls = nil
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("conversation store: scan rows: %w", err)
	}
	if msgs == nil {
		msgs = []memory.MessageRecord{}
	}
	return msgs, nil
}
