// Package hotctx assembles the message list for every chat model call.
//
// The composed context layers the three memory tiers, oldest knowledge first:
//
//  1. System prompt: persona plus behavioral rules.
//  2. Warm tier: the conversation's rolling summary, when one exists.
//  3. Cold tier: top-K semantically similar messages from outside the hot
//     window, recalled via the vector index.
//  4. Hot tier: the last N stored messages verbatim.
//  5. The current user message, with any image attachments.
//
// Warm, hot and cold are fetched concurrently. Cold recall is best-effort —
// a recall failure is logged and the turn proceeds without it. Target
// assembly latency is well under the first-token latency of any model call.
package hotctx

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/parlancehq/parlance/internal/cache"
	"github.com/parlancehq/parlance/pkg/memory"
	"github.com/parlancehq/parlance/pkg/provider/embeddings"
	"github.com/parlancehq/parlance/pkg/types"
)

// Defaults for the tier sizes.
const (
	DefaultHotWindow = 50
	DefaultColdTopK  = 5
)

// Option is a functional option for [NewComposer].
type Option func(*Composer)

// WithSystemPrompt sets the persona text opening every composed context.
func WithSystemPrompt(prompt string) Option {
	return func(c *Composer) { c.systemPrompt = prompt }
}

// WithHotWindow caps how many recent messages are included verbatim.
// Defaults to 50.
func WithHotWindow(n int) Option {
	return func(c *Composer) {
		if n > 0 {
			c.hotWindow = n
		}
	}
}

// WithColdTopK caps how many recalled messages the cold tier contributes.
// Defaults to 5.
func WithColdTopK(k int) Option {
	return func(c *Composer) {
		if k > 0 {
			c.coldTopK = k
		}
	}
}

// WithVectorRecall enables the cold tier. Without it the composer runs on
// hot window and summary alone.
func WithVectorRecall(index memory.VectorIndex, embedder embeddings.Provider) Option {
	return func(c *Composer) {
		c.index = index
		c.embedder = embedder
	}
}

// WithCache sets the Redis cache consulted for assembled history and
// embeddings. A nil cache is a valid always-miss cache.
func WithCache(ch *cache.Cache) Option {
	return func(c *Composer) { c.cache = ch }
}

// WithLogger sets the logger for degraded-mode warnings.
func WithLogger(log *slog.Logger) Option {
	return func(c *Composer) {
		if log != nil {
			c.log = log
		}
	}
}

// Composer builds per-turn message lists from the memory tiers.
type Composer struct {
	store        memory.ConversationStore
	index        memory.VectorIndex
	embedder     embeddings.Provider
	cache        *cache.Cache
	log          *slog.Logger
	systemPrompt string
	hotWindow    int
	coldTopK     int
}

// NewComposer creates a Composer over the conversation store.
// Apply [Option] values to enable cold recall, caching and overrides.
func NewComposer(store memory.ConversationStore, opts ...Option) *Composer {
	c := &Composer{
		store:     store,
		log:       slog.Default(),
		hotWindow: DefaultHotWindow,
		coldTopK:  DefaultColdTopK,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Compose assembles the full message list for a turn: system prompt, warm
// summary, cold recall, hot window, then the current user message.
//
// The summary and hot window are fetched concurrently; cold recall runs in
// parallel with them once the conversation record is known. Failures of the
// store fail the turn; cold recall failures only log.
func (c *Composer) Compose(ctx context.Context, conversationID, userText string, images [][]byte) ([]types.Message, error) {
	history, err := c.history(ctx, conversationID, userText)
	if err != nil {
		return nil, err
	}

	msgs := make([]types.Message, 0, len(history)+2)
	if c.systemPrompt != "" {
		msgs = append(msgs, types.Message{Role: types.RoleSystem, Content: c.systemPrompt})
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, types.Message{
		Role:    types.RoleUser,
		Content: userText,
		Images:  images,
	})
	return msgs, nil
}

// history builds the summary + recall + hot-window prefix.
//
// The summary/hot-window portion is served from the context cache when
// possible; it is invalidated by the engine on every append, so a hit means
// nothing changed since the last assembly. A cached prefix carries no hot
// window boundary, so cold recall is skipped on hits rather than risk
// re-surfacing messages the window already contains.
func (c *Composer) history(ctx context.Context, conversationID, userText string) ([]types.Message, error) {
	if cached, ok := c.cache.Context(ctx, conversationID); ok {
		return cached, nil
	}

	var (
		conv memory.Conversation
		hot  []memory.MessageRecord
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		conv, err = c.store.GetConversation(egCtx, conversationID)
		if err != nil {
			return fmt.Errorf("hotctx: get conversation %q: %w", conversationID, err)
		}
		return nil
	})
	eg.Go(func() error {
		var err error
		hot, err = c.store.RecentMessages(egCtx, conversationID, c.hotWindow)
		if err != nil {
			return fmt.Errorf("hotctx: recent messages for %q: %w", conversationID, err)
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	prefix := make([]types.Message, 0, len(hot)+1)
	if conv.Summary != "" {
		prefix = append(prefix, summaryMessage(conv.Summary))
	}
	prefix = append(prefix, hotMessages(hot)...)
	c.cache.SetContext(ctx, conversationID, prefix)

	// Recall considers only messages older than the hot window so the model
	// never sees the same exchange twice.
	boundary := int64(0)
	if len(hot) > 0 {
		boundary = hot[0].Seq - 1
	}
	if boundary <= 0 {
		return prefix, nil
	}
	recalled := c.recall(ctx, conversationID, userText, boundary)
	if len(recalled) == 0 {
		return prefix, nil
	}

	// Recalled context goes before the hot window: older knowledge first.
	out := make([]types.Message, 0, len(prefix)+len(recalled))
	if conv.Summary != "" {
		out = append(out, prefix[0])
		prefix = prefix[1:]
	}
	out = append(out, recalled...)
	out = append(out, prefix...)
	return out, nil
}

// recall runs the cold tier: embed the user text (through the embedding
// cache) and search the vector index. Any failure degrades to no recall.
func (c *Composer) recall(ctx context.Context, conversationID, userText string, excludeAfterSeq int64) []types.Message {
	if c.index == nil || c.embedder == nil || userText == "" {
		return nil
	}

	vec, ok := c.cache.Embedding(ctx, userText)
	if !ok {
		var err error
		vec, err = c.embedder.Embed(ctx, userText)
		if err != nil {
			c.log.Warn("cold recall: embedding failed",
				"conversation_id", conversationID, "error", err)
			return nil
		}
		c.cache.SetEmbedding(ctx, userText, vec)
	}

	similar, err := c.index.SearchSimilar(ctx, conversationID, vec, c.coldTopK, excludeAfterSeq)
	if err != nil {
		c.log.Warn("cold recall: vector search failed",
			"conversation_id", conversationID, "error", err)
		return nil
	}
	return recallMessage(similar)
}
