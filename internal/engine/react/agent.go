package react

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/parlancehq/parlance/internal/classify"
	"github.com/parlancehq/parlance/pkg/provider/llm"
	"github.com/parlancehq/parlance/pkg/types"
)

// Agentic path bounds.
const (
	// planMaxSteps caps the plan length regardless of what the model emits.
	planMaxSteps = 6

	// agentToolMax is the widened per-step tool cap. Steps may need tool
	// families the original intent filter excluded.
	agentToolMax = 8

	planMaxTokens   = 300
	planTemperature = 0.2

	// planFallbackStep is the single-step plan used when the planning call
	// fails or its output cannot be parsed.
	planFallbackStep = "Answer the request directly"
)

const planPrompt = `You are planning how to answer a complex request. Break it
into between 3 and 6 concrete, sequential steps. Respond with a numbered list
only, one step per line, no preamble and no commentary.`

// stepKeywords maps tool-intent categories to the step wording that suggests
// them. Ordered so expansion is deterministic.
var stepKeywords = []struct {
	intent   string
	keywords []string
}{
	{classify.IntentFilesystem, []string{"file", "directory", "folder", "read", "write", "list", "save"}},
	{classify.IntentGit, []string{"git", "repository", "repo", "commit", "branch", "history"}},
	{classify.IntentFetch, []string{"fetch", "url", "http", "web", "download", "website"}},
	{classify.IntentCode, []string{"code", "run", "execute", "test", "script"}},
}

// runAgentic plans the request into steps and runs the tool loop per step
// under a shared round budget and the agentic deadline.
func (e *Engine) runAgentic(ctx context.Context, st *turnState, msgs []types.Message, label classify.Result, model, userText string, out chan<- types.StreamChunk) error {
	ctx, cancel := context.WithTimeout(ctx, e.agentTimeout)
	defer cancel()

	steps := e.plan(ctx, userText, model)

	var baseTools []types.ToolDefinition
	if e.registry != nil {
		baseTools = e.registry.ToolsFor(label.Intent, userText, 0)
	}

	budget := e.maxAgentRounds
	var err error
	for i, step := range steps {
		emit(ctx, out, types.StreamChunk{
			Status: fmt.Sprintf("Step %d/%d: %s", i+1, len(steps), step),
		})

		tools := e.expandTools(step, baseTools)
		msgs = append(msgs, types.Message{
			Role:    types.RoleUser,
			Content: fmt.Sprintf("Step %d of %d: %s\nComplete this step, then stop.", i+1, len(steps), step),
		})

		msgs, err = e.toolLoop(ctx, st, msgs, tools, model, out, &budget)
		if err != nil {
			// The deadline is a hard cap like the round budget; report it
			// the same way so clients see one failure mode for "ran long".
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("react: agent deadline reached: %w", types.ErrIterationLimit)
			}
			return err
		}
	}
	return nil
}

// plan asks the provider for a numbered step list. Planning is advisory:
// any failure degrades to the single fallback step.
func (e *Engine) plan(ctx context.Context, userText, model string) []string {
	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: planPrompt,
		Messages:     []types.Message{{Role: types.RoleUser, Content: userText}},
		Model:        model,
		MaxTokens:    planMaxTokens,
		Temperature:  planTemperature,
	})
	if err != nil || resp == nil {
		e.log.Warn("planning call failed, using fallback plan", "error", err)
		return []string{planFallbackStep}
	}

	steps := parsePlan(resp.Content)
	if len(steps) == 0 {
		e.log.Warn("unparseable plan, using fallback plan", "plan", resp.Content)
		return []string{planFallbackStep}
	}
	if len(steps) > planMaxSteps {
		steps = steps[:planMaxSteps]
	}
	return steps
}

// parsePlan extracts numbered steps ("1. do x", "2) do y") from the model's
// plan output, ignoring everything else.
func parsePlan(content string) []string {
	var steps []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		i := 0
		for i < len(line) && line[i] >= '0' && line[i] <= '9' {
			i++
		}
		if i == 0 || i >= len(line) || (line[i] != '.' && line[i] != ')') {
			continue
		}
		step := strings.TrimSpace(line[i+1:])
		if step != "" {
			steps = append(steps, step)
		}
	}
	return steps
}

// expandTools widens the base tool set with the families a step's wording
// suggests, capped at agentToolMax.
func (e *Engine) expandTools(step string, base []types.ToolDefinition) []types.ToolDefinition {
	merged := make([]types.ToolDefinition, 0, agentToolMax)
	seen := make(map[string]bool)
	add := func(tds []types.ToolDefinition) {
		for _, td := range tds {
			if len(merged) >= agentToolMax {
				return
			}
			if seen[td.Name] {
				continue
			}
			seen[td.Name] = true
			merged = append(merged, td)
		}
	}

	add(base)
	if e.registry == nil {
		return merged
	}

	lower := strings.ToLower(step)
	for _, sk := range stepKeywords {
		if len(merged) >= agentToolMax {
			break
		}
		for _, kw := range sk.keywords {
			if strings.Contains(lower, kw) {
				add(e.registry.ToolsFor(sk.intent, step, agentToolMax))
				break
			}
		}
	}
	return merged
}
