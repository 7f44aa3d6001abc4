package app

import (
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/parlancehq/parlance/internal/config"
	"github.com/parlancehq/parlance/pkg/provider/embeddings"
	embollama "github.com/parlancehq/parlance/pkg/provider/embeddings/ollama"
	embopenai "github.com/parlancehq/parlance/pkg/provider/embeddings/openai"
	"github.com/parlancehq/parlance/pkg/provider/llm"
	"github.com/parlancehq/parlance/pkg/provider/llm/anyllm"
	llmollama "github.com/parlancehq/parlance/pkg/provider/llm/ollama"
	llmopenai "github.com/parlancehq/parlance/pkg/provider/llm/openai"
)

// anyLLMBackends are the hosted backends served through the any-llm-go
// bridge. OpenAI and Ollama use the native providers instead, which carry
// streaming tool-call support and organization options.
var anyLLMBackends = []string{
	"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// BuiltinProviders returns the provider registry with factories for every
// supported LLM and embeddings backend. main.go hands this to New via the
// default; tests override it with WithProviderFactories.
func BuiltinProviders() *config.Registry {
	reg := config.NewRegistry()

	reg.RegisterLLM("openai", func(s config.ProviderSettings) (llm.Provider, error) {
		var opts []llmopenai.Option
		if s.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(s.BaseURL))
		}
		if s.Timeout > 0 {
			opts = append(opts, llmopenai.WithTimeout(s.Timeout))
		}
		return llmopenai.New(s.APIKey, s.Model, opts...)
	})

	reg.RegisterLLM("ollama", func(s config.ProviderSettings) (llm.Provider, error) {
		var opts []llmollama.Option
		if s.Timeout > 0 {
			opts = append(opts, llmollama.WithTimeout(s.Timeout))
		}
		return llmollama.New(s.BaseURL, s.Model, opts...)
	})

	for _, name := range anyLLMBackends {
		reg.RegisterLLM(name, func(s config.ProviderSettings) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if s.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(s.APIKey))
			}
			if s.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(s.BaseURL))
			}
			return anyllm.New(s.Name, s.Model, opts...)
		})
	}

	reg.RegisterEmbeddings("openai", func(s config.ProviderSettings) (embeddings.Provider, error) {
		var opts []embopenai.Option
		if s.BaseURL != "" {
			opts = append(opts, embopenai.WithBaseURL(s.BaseURL))
		}
		if s.Timeout > 0 {
			opts = append(opts, embopenai.WithTimeout(s.Timeout))
		}
		return embopenai.New(s.APIKey, s.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(s config.ProviderSettings) (embeddings.Provider, error) {
		var opts []embollama.Option
		if s.Timeout > 0 {
			opts = append(opts, embollama.WithTimeout(s.Timeout))
		}
		return embollama.New(s.BaseURL, s.Model, opts...)
	})

	return reg
}
