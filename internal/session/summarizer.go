// Package session provides the background maintenance of conversation memory:
// rolling summarisation of the warm tier ([Summarizer]), embedding of
// persisted messages for cold recall ([Embedder]), and the bounded worker
// pool both run on ([Pool]).
//
// Maintenance is strictly isolated from the request path: jobs carry their
// own detached contexts and a failure is logged, never surfaced to a turn.
//
// All exported types are safe for concurrent use.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/parlancehq/parlance/pkg/memory"
	"github.com/parlancehq/parlance/pkg/provider/llm"
	"github.com/parlancehq/parlance/pkg/types"
)

// DefaultSummaryThreshold is how many unsummarised messages accumulate
// before a summary pass runs.
const DefaultSummaryThreshold = 20

// maxSummaryFetch caps how many messages a single pass reads. A very long
// backlog is summarised incrementally over several passes.
const maxSummaryFetch = 100

// Model parameters for the two summarisation calls. The consolidation call
// gets a larger budget because it must hold the merged history.
const (
	summaryMaxTokens     = 200
	consolidateMaxTokens = 300
	summaryTemperature   = 0.3
)

const summaryPrompt = `Summarize the conversation below.
Preserve: decisions made, facts established, names, file paths, numbers,
open questions and anything the user asked to remember.
Be concise; plain prose, no headings.`

const consolidatePrompt = `Merge the two conversation summaries below into one.
The first covers the older part of the conversation, the second the newer part.
Preserve all decisions, facts, names and open questions from both.
Be concise; plain prose, no headings.`

// SummarizerOption is a functional option for [NewSummarizer].
type SummarizerOption func(*Summarizer)

// WithSummaryThreshold overrides the unsummarised-message threshold.
func WithSummaryThreshold(n int) SummarizerOption {
	return func(s *Summarizer) {
		if n > 0 {
			s.threshold = n
		}
	}
}

// WithSummarizerLogger sets the logger.
func WithSummarizerLogger(log *slog.Logger) SummarizerOption {
	return func(s *Summarizer) {
		if log != nil {
			s.log = log
		}
	}
}

// Summarizer maintains the warm tier: when enough messages have accumulated
// past the last summary, it condenses them and folds the result into the
// conversation's rolling summary.
type Summarizer struct {
	store     memory.ConversationStore
	provider  llm.Provider
	threshold int
	log       *slog.Logger
}

// NewSummarizer creates a Summarizer backed by the given store and provider.
func NewSummarizer(store memory.ConversationStore, provider llm.Provider, opts ...SummarizerOption) *Summarizer {
	s := &Summarizer{
		store:     store,
		provider:  provider,
		threshold: DefaultSummaryThreshold,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Summarize runs one summary pass for the conversation. It is a no-op when
// fewer than the threshold of messages have accumulated since the last pass.
func (s *Summarizer) Summarize(ctx context.Context, conversationID string) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("summarizer: get conversation: %w", err)
	}
	if conv.LastSeq-conv.SummaryUpToSeq < int64(s.threshold) {
		return nil
	}

	msgs, err := s.store.MessagesSince(ctx, conversationID, conv.SummaryUpToSeq, maxSummaryFetch)
	if err != nil {
		return fmt.Errorf("summarizer: fetch messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	fresh, err := s.summarizeTranscript(ctx, msgs)
	if err != nil {
		return err
	}

	summary := fresh
	if conv.Summary != "" {
		summary, err = s.consolidate(ctx, conv.Summary, fresh)
		if err != nil {
			return err
		}
	}

	upTo := msgs[len(msgs)-1].Seq
	if err := s.store.UpdateSummary(ctx, conversationID, summary, upTo); err != nil {
		return fmt.Errorf("summarizer: update summary: %w", err)
	}
	s.log.Debug("conversation summarized",
		"conversation_id", conversationID,
		"up_to_seq", upTo,
		"messages", len(msgs))
	return nil
}

// summarizeTranscript condenses a message batch into a fresh summary.
func (s *Summarizer) summarizeTranscript(ctx context.Context, msgs []memory.MessageRecord) (string, error) {
	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summaryPrompt,
		Messages: []types.Message{{
			Role:    types.RoleUser,
			Content: formatTranscript(msgs),
		}},
		MaxTokens:   summaryMaxTokens,
		Temperature: summaryTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("summarizer: summarize: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// consolidate merges the previous rolling summary with a fresh one.
func (s *Summarizer) consolidate(ctx context.Context, previous, fresh string) (string, error) {
	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: consolidatePrompt,
		Messages: []types.Message{{
			Role:    types.RoleUser,
			Content: "Older summary:\n" + previous + "\n\nNewer summary:\n" + fresh,
		}},
		MaxTokens:   consolidateMaxTokens,
		Temperature: summaryTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("summarizer: consolidate: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// formatTranscript renders messages as a readable [role]: text transcript.
// Tool payloads are skipped: their content is transient mechanics, not
// conversation worth remembering.
func formatTranscript(msgs []memory.MessageRecord) string {
	var sb strings.Builder
	for _, m := range msgs {
		if m.Role == types.RoleTool {
			continue
		}
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, text)
	}
	return sb.String()
}
