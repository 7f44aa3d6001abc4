package react

import (
	"context"
	"strings"
	"testing"

	"github.com/parlancehq/parlance/internal/engine"
	"github.com/parlancehq/parlance/pkg/provider/llm"
	"github.com/parlancehq/parlance/pkg/types"
)

const complexLabel = "INTENT: GENERAL\nCOMPLEXITY: COMPLEX"

func TestRun_AgenticFollowsPlan(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, complexLabel)
	env.provider.completes = []*llm.CompletionResponse{
		{Content: "1. Read the config file\n2. Summarize the findings"},
	}
	env.provider.streams = [][]llm.Chunk{
		{{Text: "step one done. "}, {FinishReason: "stop"}},
		{{Text: "all findings summarized"}, {FinishReason: "stop"}},
	}

	ch, err := env.engine.Run(context.Background(), engine.Request{
		ConversationID: "c1",
		Text:           "audit the whole config setup",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	frames := collect(t, ch)

	var statuses []string
	for _, f := range frames {
		if f.Status != "" {
			statuses = append(statuses, f.Status)
		}
	}
	if len(statuses) != 2 {
		t.Fatalf("status frames: got %v", statuses)
	}
	if statuses[0] != "Step 1/2: Read the config file" {
		t.Errorf("step 1 status: got %q", statuses[0])
	}
	if statuses[1] != "Step 2/2: Summarize the findings" {
		t.Errorf("step 2 status: got %q", statuses[1])
	}
	if last := lastFrame(t, frames); !last.Done {
		t.Errorf("terminal frame: %+v", last)
	}

	// Each step's round carries its guidance message.
	if len(env.provider.StreamReqs) != 2 {
		t.Fatalf("stream calls: got %d, want 2", len(env.provider.StreamReqs))
	}
	firstMsgs := env.provider.StreamReqs[0].Messages
	guidance := firstMsgs[len(firstMsgs)-1]
	if guidance.Role != types.RoleUser || !strings.Contains(guidance.Content, "Step 1 of 2") {
		t.Errorf("step guidance: %+v", guidance)
	}
}

func TestRun_AgenticFallbackPlan(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, complexLabel)
	env.provider.completes = []*llm.CompletionResponse{
		{Content: "I would rather chat about plans in prose."},
	}
	env.provider.streams = [][]llm.Chunk{
		{{Text: "direct answer"}, {FinishReason: "stop"}},
	}

	ch, err := env.engine.Run(context.Background(), engine.Request{
		ConversationID: "c1",
		Text:           "do something complicated",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	frames := collect(t, ch)

	var statuses []string
	for _, f := range frames {
		if f.Status != "" {
			statuses = append(statuses, f.Status)
		}
	}
	if len(statuses) != 1 || !strings.Contains(statuses[0], planFallbackStep) {
		t.Errorf("fallback statuses: %v", statuses)
	}
	if last := lastFrame(t, frames); !last.Done {
		t.Errorf("terminal frame: %+v", last)
	}
}

func TestRun_AgenticRoundBudgetShared(t *testing.T) {
	t.Parallel()

	// Two steps but only one round in the budget: step one burns it on a
	// tool call, so the turn ends in forced synthesis + iteration error.
	env := newTestEnv(t, complexLabel, WithMaxAgentRounds(1))
	env.provider.completes = []*llm.CompletionResponse{
		{Content: "1. Gather data\n2. Write it up"},
	}
	call := types.ToolCall{ID: "t1", Name: "read_file", Arguments: `{}`}
	env.provider.streams = [][]llm.Chunk{
		{{ToolCalls: []types.ToolCall{call}, FinishReason: "tool_calls"}},
		{{Text: "what I have so far"}, {FinishReason: "stop"}},
	}

	ch, err := env.engine.Run(context.Background(), engine.Request{
		ConversationID: "c1",
		Text:           "research and report",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	frames := collect(t, ch)

	last := lastFrame(t, frames)
	if last.Err == "" || last.Done {
		t.Fatalf("terminal frame: %+v", last)
	}
	if got := contentOf(frames); got != "what I have so far" {
		t.Errorf("synthesis content: got %q", got)
	}
}

func TestParsePlan(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "dotted numbering",
			in:   "1. First thing\n2. Second thing",
			want: []string{"First thing", "Second thing"},
		},
		{
			name: "parenthesis numbering",
			in:   "1) alpha\n2) beta\n3) gamma",
			want: []string{"alpha", "beta", "gamma"},
		},
		{
			name: "prose around the list",
			in:   "Here is my plan:\n1. Do the work\nThat should cover it.",
			want: []string{"Do the work"},
		},
		{
			name: "no numbering",
			in:   "just ramble on without structure",
			want: nil,
		},
		{
			name: "empty",
			in:   "",
			want: nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parsePlan(tc.in)
			if len(got) != len(tc.want) {
				t.Fatalf("steps: got %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("step %d: got %q, want %q", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestPlanCapsSteps(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "")
	env.provider.completes = []*llm.CompletionResponse{
		{Content: "1. a\n2. b\n3. c\n4. d\n5. e\n6. f\n7. g\n8. h"},
	}

	steps := env.engine.plan(context.Background(), "big request", "")
	if len(steps) != planMaxSteps {
		t.Errorf("steps: got %d, want %d", len(steps), planMaxSteps)
	}
}

func TestExpandTools(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "")
	base := env.engine.registry.ToolsFor("FILESYSTEM", "", 0)

	// A step that mentions the web pulls the fetch family in.
	tools := env.engine.expandTools("Download the page from the website", base)
	var names []string
	for _, td := range tools {
		names = append(names, td.Name)
	}
	joined := strings.Join(names, ",")
	if !strings.Contains(joined, "fetch_url") {
		t.Errorf("fetch tool not expanded in: %v", names)
	}
	if len(tools) > agentToolMax {
		t.Errorf("tool cap exceeded: %d", len(tools))
	}

	// Duplicates are not re-added.
	seen := map[string]bool{}
	for _, td := range tools {
		if seen[td.Name] {
			t.Errorf("duplicate tool %q", td.Name)
		}
		seen[td.Name] = true
	}
}
