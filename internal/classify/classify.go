// Package classify routes each incoming message onto one of the engine's
// reasoning paths.
//
// A single cheap model call labels the message with an intent (what kind of
// tools, if any, could help) and a complexity (how much orchestration the
// answer needs). The classifier is advisory: any failure, timeout or
// malformed model output falls back to the (GENERAL, SIMPLE) defaults and
// the turn proceeds normally.
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/parlancehq/parlance/pkg/provider/llm"
	"github.com/parlancehq/parlance/pkg/types"
)

// Intent categories. GENERAL means no tool family looks relevant.
const (
	IntentGeneral    = "GENERAL"
	IntentFilesystem = "FILESYSTEM"
	IntentGit        = "GIT"
	IntentFetch      = "FETCH"
	IntentCode       = "CODE"
)

// Complexity levels.
const (
	ComplexitySimple    = "SIMPLE"
	ComplexityMultiStep = "MULTI_STEP"
	ComplexityComplex   = "COMPLEX"
)

// Request parameters for the classification call. The output is two short
// uppercase lines, so the token cap is tiny and the temperature near-greedy.
const (
	classifyMaxTokens   = 20
	classifyTemperature = 0.1
)

var validIntents = map[string]bool{
	IntentGeneral:    true,
	IntentFilesystem: true,
	IntentGit:        true,
	IntentFetch:      true,
	IntentCode:       true,
}

var validComplexities = map[string]bool{
	ComplexitySimple:    true,
	ComplexityMultiStep: true,
	ComplexityComplex:   true,
}

const classifyPrompt = `Classify the user message below for an assistant that can use tools.

Respond with exactly two lines and nothing else:
INTENT: one of GENERAL, FILESYSTEM, GIT, FETCH, CODE
COMPLEXITY: one of SIMPLE, MULTI_STEP, COMPLEX

GENERAL means no tool is needed. FILESYSTEM covers reading, writing or
listing files. GIT covers repository history and status. FETCH covers
retrieving web content. CODE covers inspecting or running code.
SIMPLE is a single direct answer, MULTI_STEP needs a few tool calls,
COMPLEX needs a multi-stage plan.

User message:
%s`

// Result is the label pair driving path selection.
type Result struct {
	Intent     string
	Complexity string
}

// ToolIntent reports whether the intent suggests offering tools.
func (r Result) ToolIntent() bool {
	return r.Intent != IntentGeneral
}

// Default is the fallback used whenever classification cannot run or its
// output is unusable.
func Default() Result {
	return Result{Intent: IntentGeneral, Complexity: ComplexitySimple}
}

// Option is a functional option for configuring a [Classifier].
type Option func(*Classifier)

// WithLogger sets the logger for classification fallbacks.
func WithLogger(log *slog.Logger) Option {
	return func(c *Classifier) {
		if log != nil {
			c.log = log
		}
	}
}

// Classifier labels messages via a single model call.
type Classifier struct {
	provider llm.Provider
	log      *slog.Logger
}

// New creates a Classifier backed by the given provider, typically the same
// small local model that serves fast-path turns.
func New(provider llm.Provider, opts ...Option) *Classifier {
	c := &Classifier{
		provider: provider,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify labels the message. It never returns an error: fallbacks are
// logged and the defaults returned instead.
//
// Messages carrying media attachments bypass the model entirely — they go to
// the vision model on the fast path, where tool schemas are not offered.
func (c *Classifier) Classify(ctx context.Context, text string, hasMedia bool) Result {
	if hasMedia {
		return Default()
	}

	resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
		Messages: []types.Message{{
			Role:    types.RoleUser,
			Content: fmt.Sprintf(classifyPrompt, text),
		}},
		MaxTokens:   classifyMaxTokens,
		Temperature: classifyTemperature,
	})
	if err != nil {
		c.log.Warn("classification failed, using defaults", "error", err)
		return Default()
	}
	if resp == nil {
		return Default()
	}

	result, ok := parseLabels(resp.Content)
	if !ok {
		c.log.Warn("unparseable classification output, using defaults",
			"output", resp.Content)
	}
	return result
}

// parseLabels extracts the INTENT/COMPLEXITY pair from model output.
// Parsing is line-based and tolerant of extra prose, markdown fences and
// casing; each label falls back independently. The second return reports
// whether both labels were found and valid.
func parseLabels(output string) (Result, bool) {
	result := Default()
	foundIntent, foundComplexity := false, false

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(strings.Trim(strings.TrimSpace(line), "`*"))
		upper := strings.ToUpper(line)

		if value, ok := strings.CutPrefix(upper, "INTENT:"); ok {
			value = strings.TrimSpace(value)
			if validIntents[value] {
				result.Intent = value
				foundIntent = true
			}
			continue
		}
		if value, ok := strings.CutPrefix(upper, "COMPLEXITY:"); ok {
			value = strings.TrimSpace(value)
			if validComplexities[value] {
				result.Complexity = value
				foundComplexity = true
			}
		}
	}

	return result, foundIntent && foundComplexity
}
