package anyllm

import (
	"os"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/parlancehq/parlance/pkg/provider/llm"
	"github.com/parlancehq/parlance/pkg/types"
)

// TestNew_EmptyBackendName checks that an empty backend name returns an error.
func TestNew_EmptyBackendName(t *testing.T) {
	_, err := New("", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for empty backend name, got nil")
	}
}

// TestNew_EmptyModel checks that an empty model name returns an error.
func TestNew_EmptyModel(t *testing.T) {
	_, err := New("openai", "")
	if err == nil {
		t.Fatal("expected error for empty model, got nil")
	}
}

// TestNew_UnsupportedBackend checks that an unknown backend name returns an error.
func TestNew_UnsupportedBackend(t *testing.T) {
	_, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy"))
	if err == nil {
		t.Fatal("expected error for unsupported backend, got nil")
	}
}

// TestNew_KnownBackends checks that every supported backend constructs when
// given an API key (local backends need none).
func TestNew_KnownBackends(t *testing.T) {
	for _, name := range []string{
		"openai", "anthropic", "gemini", "ollama",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		t.Run(name, func(t *testing.T) {
			p, err := New(name, "some-model", anyllmlib.WithAPIKey("test-key"))
			if err != nil {
				t.Fatalf("New(%q): %v", name, err)
			}
			if p == nil {
				t.Fatal("New returned nil provider")
			}
		})
	}
}

// TestNew_MissingAPIKey checks that hosted backends fail without a key when
// the conventional environment variable is unset.
func TestNew_MissingAPIKey(t *testing.T) {
	old := os.Getenv("OPENAI_API_KEY")
	os.Unsetenv("OPENAI_API_KEY")
	defer os.Setenv("OPENAI_API_KEY", old)

	_, err := New("openai", "gpt-4o")
	if err == nil {
		t.Fatal("expected error when no API key is available, got nil")
	}
}

// TestBuildParams_ModelOverride checks that a per-request model takes
// precedence over the constructor default.
func TestBuildParams_ModelOverride(t *testing.T) {
	p := &Provider{model: "gpt-4o"}

	params := p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	})
	if params.Model != "gpt-4o" {
		t.Errorf("default model: got %q, want %q", params.Model, "gpt-4o")
	}

	params = p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
		Model:    "gpt-4o-mini",
	})
	if params.Model != "gpt-4o-mini" {
		t.Errorf("override model: got %q, want %q", params.Model, "gpt-4o-mini")
	}
}

// TestBuildParams_SystemPromptAndTools checks message ordering and tool
// definition conversion.
func TestBuildParams_SystemPromptAndTools(t *testing.T) {
	p := &Provider{model: "gpt-4o"}

	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are terse.",
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "list files"},
		},
		Tools: []types.ToolDefinition{{
			Name:        "list_directory",
			Description: "List directory entries",
			Parameters:  map[string]any{"type": "object"},
		}},
		Temperature: 0.2,
		MaxTokens:   256,
	})

	if len(params.Messages) != 2 {
		t.Fatalf("message count: got %d, want 2", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first role: got %q, want system", params.Messages[0].Role)
	}
	if len(params.Tools) != 1 || params.Tools[0].Function.Name != "list_directory" {
		t.Errorf("tools: got %+v", params.Tools)
	}
	if params.Temperature == nil || *params.Temperature != 0.2 {
		t.Errorf("temperature: got %v, want 0.2", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("max tokens: got %v, want 256", params.MaxTokens)
	}
}

// TestConvertMessage_ToolHistory checks that assistant tool calls and tool
// replies survive conversion with ids intact.
func TestConvertMessage_ToolHistory(t *testing.T) {
	asst := convertMessage(types.Message{
		Role: types.RoleAssistant,
		ToolCalls: []types.ToolCall{
			{ID: "call_1", Name: "read_file", Arguments: `{"path":"a.txt"}`},
		},
	})
	if len(asst.ToolCalls) != 1 {
		t.Fatalf("tool calls: got %d, want 1", len(asst.ToolCalls))
	}
	if asst.ToolCalls[0].ID != "call_1" || asst.ToolCalls[0].Function.Name != "read_file" {
		t.Errorf("tool call: got %+v", asst.ToolCalls[0])
	}

	reply := convertMessage(types.Message{
		Role:       types.RoleTool,
		Content:    "file contents",
		ToolCallID: "call_1",
	})
	if reply.ToolCallID != "call_1" {
		t.Errorf("tool call id: got %q, want %q", reply.ToolCallID, "call_1")
	}
}

// TestModelCapabilities checks the capability table for representative models.
func TestModelCapabilities(t *testing.T) {
	for _, tc := range []struct {
		model      string
		wantVision bool
		wantTools  bool
	}{
		{"gpt-4o", true, true},
		{"gpt-3.5-turbo", false, true},
		{"o1-mini", false, false},
		{"claude-sonnet-4-5", true, true},
		{"gemini-2.0-flash", true, true},
		{"totally-unknown-model", false, true},
	} {
		t.Run(tc.model, func(t *testing.T) {
			caps := modelCapabilities(tc.model)
			if caps.SupportsVision != tc.wantVision {
				t.Errorf("SupportsVision: got %v, want %v", caps.SupportsVision, tc.wantVision)
			}
			if caps.SupportsToolCalling != tc.wantTools {
				t.Errorf("SupportsToolCalling: got %v, want %v", caps.SupportsToolCalling, tc.wantTools)
			}
			if caps.ContextWindow <= 0 {
				t.Errorf("ContextWindow: got %d, want > 0", caps.ContextWindow)
			}
		})
	}
}

// TestCountTokens checks the character-based approximation.
func TestCountTokens(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	n, err := p.CountTokens([]types.Message{
		{Role: types.RoleUser, Content: "12345678"}, // 2 tokens + 4 overhead
	})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if n != 6 {
		t.Errorf("token count: got %d, want 6", n)
	}
}
