package ollama_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/parlancehq/parlance/pkg/provider/llm"
	"github.com/parlancehq/parlance/pkg/provider/llm/ollama"
	"github.com/parlancehq/parlance/pkg/types"
)

// mockChatServer starts a test HTTP server that handles /api/chat requests by
// writing the given NDJSON lines verbatim. It records the decoded request body
// into captured for assertions.
func mockChatServer(t *testing.T, lines []string, captured *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path: got %q, want /api/chat", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if captured != nil {
			if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, line := range lines {
			if _, err := w.Write([]byte(line + "\n")); err != nil {
				t.Errorf("write line: %v", err)
			}
		}
	}))
}

// drain collects every chunk from the stream channel.
func drain(ch <-chan llm.Chunk) []llm.Chunk {
	var out []llm.Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

// TestNew_EmptyModel verifies that constructing a Provider without a model
// name returns an error.
func TestNew_EmptyModel(t *testing.T) {
	_, err := ollama.New("", "")
	if err == nil {
		t.Fatal("expected error for empty model, got nil")
	}
}

// TestStreamCompletion_Text verifies that NDJSON content lines are surfaced
// as incremental chunks and that the final line carries a stop finish reason.
func TestStreamCompletion_Text(t *testing.T) {
	lines := []string{
		`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
		`{"message":{"role":"assistant","content":"lo"},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`,
	}
	srv := mockChatServer(t, lines, nil)
	defer srv.Close()

	p, err := ollama.New(srv.URL, "qwen2.5:7b")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	chunks := drain(ch)
	if len(chunks) != 3 {
		t.Fatalf("chunk count: got %d, want 3", len(chunks))
	}

	var text strings.Builder
	for _, c := range chunks {
		text.WriteString(c.Text)
	}
	if text.String() != "Hello" {
		t.Errorf("text: got %q, want %q", text.String(), "Hello")
	}
	if chunks[2].FinishReason != "stop" {
		t.Errorf("finish reason: got %q, want %q", chunks[2].FinishReason, "stop")
	}
}

// TestStreamCompletion_ToolCalls verifies that native tool calls are decoded
// with their argument objects re-encoded as JSON strings and flagged with the
// tool_calls finish reason.
func TestStreamCompletion_ToolCalls(t *testing.T) {
	lines := []string{
		`{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"read_file","arguments":{"path":"go.mod"}}}]},"done":true,"done_reason":"stop"}`,
	}
	srv := mockChatServer(t, lines, nil)
	defer srv.Close()

	p, err := ollama.New(srv.URL, "qwen2.5:7b")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "read go.mod"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	chunks := drain(ch)
	if len(chunks) != 1 {
		t.Fatalf("chunk count: got %d, want 1", len(chunks))
	}
	c := chunks[0]
	if c.FinishReason != "tool_calls" {
		t.Errorf("finish reason: got %q, want %q", c.FinishReason, "tool_calls")
	}
	if len(c.ToolCalls) != 1 {
		t.Fatalf("tool calls: got %d, want 1", len(c.ToolCalls))
	}
	if c.ToolCalls[0].Name != "read_file" {
		t.Errorf("tool name: got %q, want %q", c.ToolCalls[0].Name, "read_file")
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(c.ToolCalls[0].Arguments), &args); err != nil {
		t.Fatalf("arguments not valid JSON: %v", err)
	}
	if args["path"] != "go.mod" {
		t.Errorf("arguments path: got %v, want %q", args["path"], "go.mod")
	}
}

// TestStreamCompletion_ServerError verifies that an error line becomes an
// in-band chunk with the error finish reason.
func TestStreamCompletion_ServerError(t *testing.T) {
	lines := []string{
		`{"error":"model not found"}`,
	}
	srv := mockChatServer(t, lines, nil)
	defer srv.Close()

	p, err := ollama.New(srv.URL, "missing-model")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	chunks := drain(ch)
	if len(chunks) != 1 {
		t.Fatalf("chunk count: got %d, want 1", len(chunks))
	}
	if chunks[0].FinishReason != "error" {
		t.Errorf("finish reason: got %q, want %q", chunks[0].FinishReason, "error")
	}
	if !strings.Contains(chunks[0].Text, "model not found") {
		t.Errorf("error text: got %q, want it to mention the server error", chunks[0].Text)
	}
}

// TestBuildRequest_ImagesAndOptions verifies that image attachments are
// base64-encoded onto the images side-channel and that temperature and
// max tokens map onto the options object.
func TestBuildRequest_ImagesAndOptions(t *testing.T) {
	lines := []string{
		`{"message":{"role":"assistant","content":"a cat"},"done":true,"done_reason":"stop"}`,
	}
	var captured map[string]any
	srv := mockChatServer(t, lines, &captured)
	defer srv.Close()

	p, err := ollama.New(srv.URL, "llava")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{
			Role:    types.RoleUser,
			Content: "what is this?",
			Images:  [][]byte{{0x89, 0x50, 0x4e, 0x47}},
		}},
		Temperature: 0.7,
		MaxTokens:   128,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	msgs, ok := captured["messages"].([]any)
	if !ok || len(msgs) != 1 {
		t.Fatalf("messages: got %v", captured["messages"])
	}
	msg := msgs[0].(map[string]any)
	images, ok := msg["images"].([]any)
	if !ok || len(images) != 1 {
		t.Fatalf("images: got %v", msg["images"])
	}
	if images[0] != "iVBORw==" {
		t.Errorf("image encoding: got %q, want %q", images[0], "iVBORw==")
	}

	options, ok := captured["options"].(map[string]any)
	if !ok {
		t.Fatalf("options missing: %v", captured["options"])
	}
	if options["temperature"] != 0.7 {
		t.Errorf("temperature: got %v, want 0.7", options["temperature"])
	}
	if options["num_predict"] != float64(128) {
		t.Errorf("num_predict: got %v, want 128", options["num_predict"])
	}
}

// TestCapabilities_VisionModels verifies vision detection by model name.
func TestCapabilities_VisionModels(t *testing.T) {
	for _, tc := range []struct {
		model string
		want  bool
	}{
		{"llava", true},
		{"llama3.2-vision", true},
		{"qwen2.5:7b", false},
	} {
		t.Run(tc.model, func(t *testing.T) {
			p, err := ollama.New("", tc.model)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if got := p.Capabilities().SupportsVision; got != tc.want {
				t.Errorf("SupportsVision: got %v, want %v", got, tc.want)
			}
		})
	}
}
