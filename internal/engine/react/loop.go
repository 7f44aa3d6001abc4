package react

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/parlancehq/parlance/internal/salvage"
	"github.com/parlancehq/parlance/pkg/memory"
	"github.com/parlancehq/parlance/pkg/provider/llm"
	"github.com/parlancehq/parlance/pkg/types"
)

// synthesisGuidance is appended as a transient user message when the round
// budget runs out, forcing the model to answer from what it has.
const synthesisGuidance = "Answer now using the information gathered so far. Do not request any more tools."

// completion is the accumulated outcome of one streamed provider call.
type completion struct {
	content   string
	toolCalls []types.ToolCall
}

// streamOnce runs one streaming completion, accumulating the full text and
// any native tool calls. When forward is true, content frames are relayed to
// out as they arrive; tool-loop rounds pass false and decide after the round
// whether the buffered text is an answer to flush or tool-call scratch to
// drop, so neither raw tool-call JSON nor pre-call preamble reaches the
// client.
//
// The provider's terminal chunk is consumed here and never forwarded: the
// caller decides whether the turn is actually done. A chunk with the in-band
// "error" finish reason aborts with [types.ErrProviderBadOutput].
func (e *Engine) streamOnce(ctx context.Context, req llm.CompletionRequest, out chan<- types.StreamChunk, forward bool) (completion, error) {
	ch, err := e.provider.StreamCompletion(ctx, req)
	if err != nil {
		e.metrics.RecordProviderError(ctx, e.providerName, "stream_start")
		return completion{}, fmt.Errorf("react: start stream: %w", err)
	}
	e.metrics.RecordProviderRequest(ctx, e.providerName, req.Model, "ok")

	var buf strings.Builder
	var calls []types.ToolCall
	for {
		select {
		case <-ctx.Done():
			go drainChunks(ch)
			return completion{}, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				return completion{content: buf.String(), toolCalls: calls}, nil
			}
			if chunk.FinishReason == "error" {
				go drainChunks(ch)
				e.metrics.RecordProviderError(ctx, e.providerName, "stream")
				msg := strings.TrimSpace(chunk.Text)
				if msg == "" {
					msg = "stream failed"
				}
				return completion{}, fmt.Errorf("react: provider: %s: %w", msg, types.ErrProviderBadOutput)
			}
			if chunk.Text != "" {
				buf.WriteString(chunk.Text)
				if forward {
					emit(ctx, out, types.StreamChunk{Content: chunk.Text})
				}
			}
			calls = append(calls, chunk.ToolCalls...)
			if chunk.FinishReason != "" {
				go drainChunks(ch)
				return completion{content: buf.String(), toolCalls: calls}, nil
			}
		}
	}
}

// toolLoop runs completion rounds until the model answers without tool calls
// or the shared round budget runs out. It returns the working message list so
// agentic steps can continue on the accumulated context.
//
// Every assistant tool call is answered by exactly one tool-role message with
// the matching call id before the next provider call, and assistant records
// carrying tool calls are persisted with empty content.
func (e *Engine) toolLoop(ctx context.Context, st *turnState, msgs []types.Message, tools []types.ToolDefinition, model string, out chan<- types.StreamChunk, budget *int) ([]types.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return msgs, err
		}
		if *budget <= 0 {
			if err := e.synthesize(ctx, st, msgs, model, out); err != nil {
				return msgs, err
			}
			return msgs, fmt.Errorf("react: tool rounds exhausted: %w", types.ErrIterationLimit)
		}
		*budget--

		start := time.Now()
		res, err := e.streamOnce(ctx, llm.CompletionRequest{Messages: msgs, Tools: tools, Model: model}, out, false)
		if err != nil {
			return msgs, err
		}

		calls := res.toolCalls
		if len(calls) == 0 && e.registry != nil {
			calls = salvage.Parse(res.content, e.registry.Known)
			if len(calls) > 0 {
				e.metrics.RecordSalvagedCalls(ctx, len(calls))
				e.log.Info("salvaged tool calls from raw content",
					"conversation_id", st.conversationID,
					"count", len(calls))
			}
		}

		// A round that produced tool calls keeps its text to itself: anything
		// the model wrote alongside the calls is scratch, not an answer. Only
		// a call-free round flushes its buffered text to the client.
		content := res.content
		if len(calls) > 0 {
			content = ""
		} else if content != "" {
			emit(ctx, out, types.StreamChunk{Content: content})
		}
		e.appendRecord(ctx, st, memory.MessageRecord{
			Role:      types.RoleAssistant,
			Content:   content,
			ToolCalls: calls,
			Model:     model,
			LatencyMs: time.Since(start).Milliseconds(),
		})
		msgs = append(msgs, types.Message{
			Role:      types.RoleAssistant,
			Content:   content,
			ToolCalls: calls,
		})

		if len(calls) == 0 {
			return msgs, nil
		}

		emit(ctx, out, types.StreamChunk{ToolCalls: calls})
		for _, call := range calls {
			emit(ctx, out, types.StreamChunk{Status: "Using " + call.Name + "…"})

			execStart := time.Now()
			result := e.executeTool(ctx, call)
			e.appendRecord(ctx, st, memory.MessageRecord{
				Role:       types.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
				Name:       call.Name,
				LatencyMs:  time.Since(execStart).Milliseconds(),
			})
			msgs = append(msgs, types.Message{
				Role:       types.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
	}
}

// executeTool runs one tool call and always produces the text fed back to
// the model. Failures of any kind become the in-band error convention the
// model can react to instead of ending the turn.
func (e *Engine) executeTool(ctx context.Context, call types.ToolCall) string {
	start := time.Now()
	text, err := e.callTool(ctx, call)

	status := "ok"
	if err != nil {
		status = "error"
	}
	e.metrics.RecordToolCall(ctx, call.Name, status, time.Since(start))

	if err != nil {
		e.log.Warn("tool call failed", "tool", call.Name, "error", err)
		return fmt.Sprintf("Error executing tool %s: %v", call.Name, err)
	}
	return e.capResult(text)
}

// truncationMarker ends every tool result cut at the configured limit, so the
// model knows the content is incomplete instead of silently short.
const truncationMarker = "… [truncated]"

// capResult enforces the tool result limit, cutting at a rune boundary before
// appending the marker.
func (e *Engine) capResult(text string) string {
	if e.toolResultLimit <= 0 || len(text) <= e.toolResultLimit {
		return text
	}
	cut := e.toolResultLimit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + truncationMarker
}

// callTool validates and dispatches a single tool call to the host with the
// per-call timeout applied.
func (e *Engine) callTool(ctx context.Context, call types.ToolCall) (string, error) {
	if e.registry != nil && !e.registry.Known(call.Name) {
		return "", fmt.Errorf("%q: %w", call.Name, types.ErrToolNotFound)
	}

	args := strings.TrimSpace(call.Arguments)
	if args == "" {
		args = "{}"
	}
	if !json.Valid([]byte(args)) {
		return "", fmt.Errorf("%q: %w", call.Name, types.ErrToolArgsInvalid)
	}

	ctx, cancel := context.WithTimeout(ctx, e.toolTimeout)
	defer cancel()

	result, err := e.host.ExecuteTool(ctx, call.Name, args)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// synthesize streams one final completion with no tools offered, so an
// exhausted loop still leaves the client with an answer.
func (e *Engine) synthesize(ctx context.Context, st *turnState, msgs []types.Message, model string, out chan<- types.StreamChunk) error {
	msgs = append(msgs, types.Message{Role: types.RoleUser, Content: synthesisGuidance})

	start := time.Now()
	res, err := e.streamOnce(ctx, llm.CompletionRequest{Messages: msgs, Model: model}, out, true)
	if err != nil {
		return err
	}
	e.appendRecord(ctx, st, memory.MessageRecord{
		Role:      types.RoleAssistant,
		Content:   res.content,
		Model:     model,
		LatencyMs: time.Since(start).Milliseconds(),
	})
	return nil
}

// drainChunks discards the remainder of a provider stream so its goroutine
// can exit.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}
