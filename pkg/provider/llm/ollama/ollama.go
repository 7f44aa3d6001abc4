// Package ollama provides an LLM provider backed by a local Ollama server.
//
// Unlike the hosted backends, Ollama is a long-running companion process on the
// same machine (or LAN) reached over its native HTTP API. This package speaks
// the /api/chat endpoint directly rather than the OpenAI-compatible shim so it
// can pass image attachments through the images side-channel, which the shim
// does not expose.
//
// Example usage:
//
//	p, err := ollama.New("", "qwen2.5:7b") // connects to http://localhost:11434
//	ch, err := p.StreamCompletion(ctx, req)
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/parlancehq/parlance/pkg/provider/llm"
	"github.com/parlancehq/parlance/pkg/types"
)

// DefaultBaseURL is the default base URL for a locally running Ollama instance.
const DefaultBaseURL = "http://localhost:11434"

// Ensure Provider implements the llm.Provider interface at compile time.
var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider using a local Ollama server.
// It is safe for concurrent use.
type Provider struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// config holds optional configuration collected from functional options.
type config struct {
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout on the underlying HTTP client.
// A zero or negative value means no timeout (the default). Note that local
// models can take minutes on first load, so prefer context deadlines over a
// blanket client timeout for streaming calls.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new Ollama LLM Provider.
//
// baseURL is the base URL of the Ollama server. If empty, DefaultBaseURL is
// used. A trailing slash is stripped automatically.
//
// model is the default Ollama model (e.g., "qwen2.5:7b", "llava"). Requests
// may override it per call via CompletionRequest.Model.
func New(baseURL string, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	httpClient := &http.Client{}
	if cfg.timeout > 0 {
		httpClient.Timeout = cfg.timeout
	}

	return &Provider{
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
	}, nil
}

// chatMessage is a single message in Ollama's /api/chat wire format.
type chatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Images    []string       `json:"images,omitempty"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

// wireToolCall mirrors Ollama's tool call shape. Arguments arrive as a JSON
// object, not a string.
type wireToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

// chatRequest is the JSON request body for /api/chat.
type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Tools    []wireTool     `json:"tools,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

// wireTool is a tool definition in Ollama's wire format.
type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

// chatResponse is one NDJSON line of a /api/chat response.
type chatResponse struct {
	Message    chatMessage `json:"message"`
	Done       bool        `json:"done"`
	DoneReason string      `json:"done_reason"`
	Error      string      `json:"error"`
}

// StreamCompletion implements llm.Provider.
//
// Ollama streams NDJSON: one JSON object per line, with done=true on the last
// line. Tool calls are delivered whole on a single line, never fragmented, so
// no cross-chunk accumulation is needed.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	body, err := p.buildRequest(req, true)
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}

	resp, err := p.doChat(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("ollama: start stream: %w", err)
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		// Lines carrying whole tool calls or long content can exceed the
		// default 64KiB token limit.
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var cr chatResponse
			if err := json.Unmarshal(line, &cr); err != nil {
				// Skip malformed lines; the stream may still recover.
				continue
			}
			if cr.Error != "" {
				select {
				case ch <- llm.Chunk{FinishReason: "error", Text: cr.Error}:
				case <-ctx.Done():
				}
				return
			}

			out := llm.Chunk{Text: cr.Message.Content}
			out.ToolCalls = convertWireToolCalls(cr.Message.ToolCalls)

			if cr.Done {
				switch {
				case len(out.ToolCalls) > 0:
					out.FinishReason = "tool_calls"
				case cr.DoneReason != "":
					out.FinishReason = cr.DoneReason
				default:
					out.FinishReason = "stop"
				}
			} else if len(out.ToolCalls) > 0 {
				out.FinishReason = "tool_calls"
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: "error", Text: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	body, err := p.buildRequest(req, false)
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}

	resp, err := p.doChat(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("ollama: chat: %w", err)
	}
	defer resp.Body.Close()

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}
	if cr.Error != "" {
		return nil, fmt.Errorf("ollama: server error: %s", cr.Error)
	}

	return &llm.CompletionResponse{
		Content:   cr.Message.Content,
		ToolCalls: convertWireToolCalls(cr.Message.ToolCalls),
	}, nil
}

// CountTokens implements llm.Provider.
// TODO: query /api/show for the model's tokenizer instead of approximating.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total, nil
}

// Capabilities implements llm.Provider.
//
// Local models vary widely; context window is reported conservatively and
// vision support is inferred from well-known multimodal model names.
func (p *Provider) Capabilities() types.ModelCapabilities {
	lower := strings.ToLower(p.model)
	vision := strings.Contains(lower, "llava") ||
		strings.Contains(lower, "vision") ||
		strings.Contains(lower, "moondream") ||
		strings.Contains(lower, "bakllava")

	return types.ModelCapabilities{
		ContextWindow:       8_192,
		MaxOutputTokens:     4_096,
		SupportsToolCalling: true,
		SupportsVision:      vision,
		SupportsStreaming:   true,
	}
}

// Healthy reports whether the companion server is reachable, using the cheap
// /api/tags listing endpoint.
func (p *Provider) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// doChat posts the encoded request body to /api/chat and verifies the status.
func (p *Provider) doChat(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp, nil
}

// buildRequest converts a CompletionRequest into the /api/chat JSON body.
func (p *Provider) buildRequest(req llm.CompletionRequest, stream bool) ([]byte, error) {
	var messages []chatMessage

	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: types.RoleSystem, Content: req.SystemPrompt})
	}

	for _, m := range req.Messages {
		cm := chatMessage{Role: m.Role, Content: m.Content}
		for _, img := range m.Images {
			cm.Images = append(cm.Images, base64.StdEncoding.EncodeToString(img))
		}
		for _, tc := range m.ToolCalls {
			var wtc wireToolCall
			wtc.Function.Name = tc.Name
			if tc.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Arguments), &wtc.Function.Arguments); err != nil {
					return nil, fmt.Errorf("encode tool call %q arguments: %w", tc.Name, err)
				}
			}
			cm.ToolCalls = append(cm.ToolCalls, wtc)
		}
		messages = append(messages, cm)
	}

	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	cr := chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
	}

	options := map[string]any{}
	if req.Temperature != 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(options) > 0 {
		cr.Options = options
	}

	for _, td := range req.Tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = td.Name
		wt.Function.Description = td.Description
		wt.Function.Parameters = td.Parameters
		cr.Tools = append(cr.Tools, wt)
	}

	return json.Marshal(cr)
}

// convertWireToolCalls maps Ollama tool calls onto types.ToolCall, serialising
// the argument object back to a JSON string. Ollama does not assign call ids;
// callers that need correlation ids generate them.
func convertWireToolCalls(wire []wireToolCall) []types.ToolCall {
	var out []types.ToolCall
	for _, wtc := range wire {
		args := "{}"
		if wtc.Function.Arguments != nil {
			if b, err := json.Marshal(wtc.Function.Arguments); err == nil {
				args = string(b)
			}
		}
		out = append(out, types.ToolCall{
			Name:      wtc.Function.Name,
			Arguments: args,
		})
	}
	return out
}
