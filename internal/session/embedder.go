package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/parlancehq/parlance/internal/cache"
	"github.com/parlancehq/parlance/pkg/memory"
	"github.com/parlancehq/parlance/pkg/provider/embeddings"
	"github.com/parlancehq/parlance/pkg/types"
)

// EmbedderOption is a functional option for [NewEmbedder].
type EmbedderOption func(*Embedder)

// WithEmbedderCache sets the embedding cache consulted before calling the
// provider. A nil cache is a valid always-miss cache.
func WithEmbedderCache(ch *cache.Cache) EmbedderOption {
	return func(e *Embedder) { e.cache = ch }
}

// WithEmbedderLogger sets the logger.
func WithEmbedderLogger(log *slog.Logger) EmbedderOption {
	return func(e *Embedder) {
		if log != nil {
			e.log = log
		}
	}
}

// Embedder maintains the cold tier: every persisted user/assistant message
// gets an embedding attached so vector recall can find it later.
type Embedder struct {
	index    memory.VectorIndex
	provider embeddings.Provider
	cache    *cache.Cache
	log      *slog.Logger
}

// NewEmbedder creates an Embedder over the vector index and embedding
// provider.
func NewEmbedder(index memory.VectorIndex, provider embeddings.Provider, opts ...EmbedderOption) *Embedder {
	e := &Embedder{
		index:    index,
		provider: provider,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// EmbedMessage embeds one stored message and upserts the vector. Messages
// with no prose worth recalling (tool payloads, system blocks, empty
// content) are skipped without error.
func (e *Embedder) EmbedMessage(ctx context.Context, rec memory.MessageRecord) error {
	if rec.Role != types.RoleUser && rec.Role != types.RoleAssistant {
		return nil
	}
	text := strings.TrimSpace(rec.Content)
	if text == "" {
		return nil
	}

	vec, ok := e.cache.Embedding(ctx, text)
	if !ok {
		var err error
		vec, err = e.provider.Embed(ctx, text)
		if err != nil {
			return fmt.Errorf("embedder: embed message %q: %w", rec.ID, err)
		}
		e.cache.SetEmbedding(ctx, text, vec)
	}

	if err := e.index.UpsertEmbedding(ctx, rec.ID, vec); err != nil {
		return fmt.Errorf("embedder: upsert for message %q: %w", rec.ID, err)
	}
	return nil
}
