package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parlancehq/parlance/internal/mcp"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Defaults for the engine and memory sections, applied by [ApplyDefaults]
// when the corresponding field is zero.
const (
	DefaultMaxToolTurns     = 5
	DefaultMaxAgentRounds   = 8
	DefaultToolFilterMax    = 5
	DefaultToolResultLimit  = 8192
	DefaultHotWindowSize    = 50
	DefaultSummaryThreshold = 20
	DefaultColdTopK         = 5
	DefaultEmbeddingDims    = 1536

	DefaultToolTimeout  = 30 * time.Second
	DefaultLLMTimeout   = 120 * time.Second
	DefaultTurnTimeout  = 600 * time.Second
	DefaultAgentTimeout = 300 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. Environment variable references of the form
// ${VAR} in the file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} environment
// references, applies defaults, and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued engine and memory fields with the package
// defaults so downstream code never needs per-field fallbacks.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = LogInfo
	}

	e := &cfg.Engine
	if e.MaxToolTurns == 0 {
		e.MaxToolTurns = DefaultMaxToolTurns
	}
	if e.MaxAgentRounds == 0 {
		e.MaxAgentRounds = DefaultMaxAgentRounds
	}
	if e.ToolFilterMax == 0 {
		e.ToolFilterMax = DefaultToolFilterMax
	}
	if e.ToolResultLimit == 0 {
		e.ToolResultLimit = DefaultToolResultLimit
	}
	if e.ToolTimeout == 0 {
		e.ToolTimeout = Duration(DefaultToolTimeout)
	}
	if e.LLMTimeout == 0 {
		e.LLMTimeout = Duration(DefaultLLMTimeout)
	}
	if e.TurnTimeout == 0 {
		e.TurnTimeout = Duration(DefaultTurnTimeout)
	}
	if e.AgentTimeout == 0 {
		e.AgentTimeout = Duration(DefaultAgentTimeout)
	}

	m := &cfg.Memory
	if m.HotWindowSize == 0 {
		m.HotWindowSize = DefaultHotWindowSize
	}
	if m.SummaryThreshold == 0 {
		m.SummaryThreshold = DefaultSummaryThreshold
	}
	if m.ColdTopK == 0 {
		m.ColdTopK = DefaultColdTopK
	}
	if m.EmbeddingDimensions == 0 {
		m.EmbeddingDimensions = DefaultEmbeddingDims
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Suspicious but workable values are logged as warnings instead.
func Validate(cfg *Config) error {
	var errs []error

	// Logging
	if cfg.Logging.Level != "" && !cfg.Logging.Level.IsValid() {
		errs = append(errs, fmt.Errorf("logging.level %q is invalid; valid values: debug, info, warn, error", cfg.Logging.Level))
	}

	// Providers
	p := cfg.Providers
	if p.Default == "" {
		errs = append(errs, errors.New("providers.default is required"))
	} else if _, ok := p.Entries[p.Default]; !ok {
		errs = append(errs, fmt.Errorf("providers.default %q has no entry under providers.entries", p.Default))
	}
	for i, name := range p.Fallback {
		if _, ok := p.Entries[name]; !ok {
			errs = append(errs, fmt.Errorf("providers.fallback[%d] %q has no entry under providers.entries", i, name))
		}
		if name == p.Default {
			slog.Warn("fallback provider duplicates the default", "name", name)
		}
	}
	if p.Model == "" {
		errs = append(errs, errors.New("providers.model is required"))
	}
	if p.EmbeddingProvider != "" {
		if _, ok := p.Entries[p.EmbeddingProvider]; !ok {
			errs = append(errs, fmt.Errorf("providers.embedding_provider %q has no entry under providers.entries", p.EmbeddingProvider))
		}
	}
	for name := range p.Entries {
		validateProviderName("llm", name)
	}
	if p.EmbeddingModel == "" && cfg.Memory.PostgresDSN != "" {
		slog.Warn("providers.embedding_model is empty; semantic recall will be unavailable")
	}

	// Engine
	e := cfg.Engine
	if e.MaxToolTurns < 0 {
		errs = append(errs, fmt.Errorf("engine.max_tool_turns %d must not be negative", e.MaxToolTurns))
	}
	if e.MaxAgentRounds < 0 {
		errs = append(errs, fmt.Errorf("engine.max_agent_rounds %d must not be negative", e.MaxAgentRounds))
	}
	if e.ToolFilterMax < 0 {
		errs = append(errs, fmt.Errorf("engine.tool_filter_max %d must not be negative", e.ToolFilterMax))
	}
	if e.ToolResultLimit < 0 {
		errs = append(errs, fmt.Errorf("engine.tool_result_limit %d must not be negative", e.ToolResultLimit))
	}
	for _, d := range []struct {
		name string
		v    Duration
	}{
		{"engine.tool_timeout", e.ToolTimeout},
		{"engine.llm_timeout", e.LLMTimeout},
		{"engine.turn_timeout", e.TurnTimeout},
		{"engine.agent_timeout", e.AgentTimeout},
	} {
		if d.v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", d.name))
		}
	}

	// Memory
	m := cfg.Memory
	if m.HotWindowSize < 0 {
		errs = append(errs, fmt.Errorf("memory.hot_window_size %d must not be negative", m.HotWindowSize))
	}
	if m.SummaryThreshold < 0 {
		errs = append(errs, fmt.Errorf("memory.summary_threshold %d must not be negative", m.SummaryThreshold))
	}
	if m.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; conversations will not be persisted")
	}
	if m.RedisAddr == "" {
		slog.Info("memory.redis_addr is empty; context caching disabled")
	}

	// MCP servers
	serverNames := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := serverNames[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			serverNames[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcp.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	// Tool allowlist
	if n := len(cfg.MCP.ToolAllowlist); n > MaxAllowlistTools {
		errs = append(errs, fmt.Errorf("mcp.tool_allowlist has %d entries; at most %d are allowed", n, MaxAllowlistTools))
	}
	allowSeen := make(map[string]struct{}, len(cfg.MCP.ToolAllowlist))
	for _, name := range cfg.MCP.ToolAllowlist {
		if _, dup := allowSeen[name]; dup {
			slog.Warn("duplicate tool_allowlist entry", "tool", name)
		}
		allowSeen[name] = struct{}{}
	}
	if len(cfg.MCP.Servers) > 0 && len(cfg.MCP.ToolAllowlist) == 0 {
		slog.Warn("mcp.servers configured but mcp.tool_allowlist is empty; no tools will be offered")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
