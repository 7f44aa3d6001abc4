// Package cache provides the Redis-backed acceleration layer for the chat
// engine.
//
// Two things are cached:
//
//   - Assembled conversation context, keyed per conversation. Saves the
//     memory-tier fan-out on consecutive turns of the same conversation and
//     is invalidated whenever a message is appended.
//   - Embedding vectors, keyed by a digest of the embedded text. Embedding
//     the same text twice is pure waste, and user messages repeat more often
//     than one would expect.
//
// The cache never fails a turn: every Redis error is logged and treated as a
// miss, and a nil *Cache behaves as an always-miss cache so callers need no
// nil checks when Redis is not configured.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parlancehq/parlance/pkg/types"
)

// Default TTLs. Context entries are short-lived because conversations move;
// embedding entries are content-addressed and can live much longer.
const (
	DefaultContextTTL   = time.Hour
	DefaultEmbeddingTTL = 24 * time.Hour
)

// Option is a functional option for configuring a [Cache].
type Option func(*Cache)

// WithLogger sets the logger used for degraded-mode warnings.
func WithLogger(log *slog.Logger) Option {
	return func(c *Cache) {
		if log != nil {
			c.log = log
		}
	}
}

// WithContextTTL overrides the context entry TTL.
func WithContextTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.contextTTL = ttl
		}
	}
}

// WithEmbeddingTTL overrides the embedding entry TTL.
func WithEmbeddingTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.embeddingTTL = ttl
		}
	}
}

// Cache is the Redis-backed cache. The zero value and nil are both valid
// always-miss caches.
type Cache struct {
	rdb          redis.Cmdable
	log          *slog.Logger
	contextTTL   time.Duration
	embeddingTTL time.Duration
}

// New creates a Cache over the given Redis client. A nil client yields an
// always-miss cache.
func New(rdb redis.Cmdable, opts ...Option) *Cache {
	c := &Cache{
		rdb:          rdb,
		log:          slog.Default(),
		contextTTL:   DefaultContextTTL,
		embeddingTTL: DefaultEmbeddingTTL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// contextKey builds the Redis key for a conversation's assembled context.
func contextKey(conversationID string) string {
	return "conversation:" + conversationID + ":context"
}

// embeddingKey builds the Redis key for an embedding, addressed by a digest
// of the embedded text.
func embeddingKey(text string) string {
	sum := md5.Sum([]byte(text))
	return "embedding:" + hex.EncodeToString(sum[:])
}

// Context returns the cached assembled context for a conversation.
// The second return reports whether the entry was present and decodable.
func (c *Cache) Context(ctx context.Context, conversationID string) ([]types.Message, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}

	raw, err := c.rdb.Get(ctx, contextKey(conversationID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("context cache read failed", "conversation_id", conversationID, "error", err)
		}
		return nil, false
	}

	var msgs []types.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		c.log.Warn("context cache entry corrupt", "conversation_id", conversationID, "error", err)
		return nil, false
	}
	return msgs, true
}

// SetContext stores the assembled context for a conversation.
func (c *Cache) SetContext(ctx context.Context, conversationID string, msgs []types.Message) {
	if c == nil || c.rdb == nil {
		return
	}

	raw, err := json.Marshal(msgs)
	if err != nil {
		c.log.Warn("context cache encode failed", "conversation_id", conversationID, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, contextKey(conversationID), raw, c.contextTTL).Err(); err != nil {
		c.log.Warn("context cache write failed", "conversation_id", conversationID, "error", err)
	}
}

// InvalidateContext drops the cached context for a conversation. Called on
// every appended message so stale windows are never served.
func (c *Cache) InvalidateContext(ctx context.Context, conversationID string) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, contextKey(conversationID)).Err(); err != nil {
		c.log.Warn("context cache invalidate failed", "conversation_id", conversationID, "error", err)
	}
}

// Embedding returns the cached embedding for the given text.
func (c *Cache) Embedding(ctx context.Context, text string) ([]float32, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}

	raw, err := c.rdb.Get(ctx, embeddingKey(text)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("embedding cache read failed", "error", err)
		}
		return nil, false
	}

	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		c.log.Warn("embedding cache entry corrupt", "error", err)
		return nil, false
	}
	return vec, true
}

// SetEmbedding stores an embedding for the given text.
func (c *Cache) SetEmbedding(ctx context.Context, text string, vec []float32) {
	if c == nil || c.rdb == nil {
		return
	}

	raw, err := json.Marshal(vec)
	if err != nil {
		c.log.Warn("embedding cache encode failed", "error", err)
		return
	}
	if err := c.rdb.Set(ctx, embeddingKey(text), raw, c.embeddingTTL).Err(); err != nil {
		c.log.Warn("embedding cache write failed", "error", err)
	}
}

// Ping reports whether the backing Redis is reachable. Used by the health
// endpoint; an always-miss cache reports an error.
func (c *Cache) Ping(ctx context.Context) error {
	if c == nil || c.rdb == nil {
		return fmt.Errorf("cache: no redis client configured")
	}
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: ping: %w", err)
	}
	return nil
}
