package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parlancehq/parlance/internal/config"
	enginemock "github.com/parlancehq/parlance/internal/engine/mock"
	mcpmock "github.com/parlancehq/parlance/internal/mcp/mock"
	"github.com/parlancehq/parlance/internal/observe"
	memmock "github.com/parlancehq/parlance/pkg/memory/mock"
	"github.com/parlancehq/parlance/pkg/provider/llm"
	llmmock "github.com/parlancehq/parlance/pkg/provider/llm/mock"
)

// testConfig returns a config that passes validation without touching any
// external system.
func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Providers.Default = "openai"
	cfg.Providers.Model = "gpt-4o"
	cfg.Providers.Entries = map[string]config.ProviderEntry{
		"openai": {APIKeyEnv: "OPENAI_API_KEY"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

// testDoubles are the options every wiring test starts from: injected store,
// provider, host, engine, and metrics so New builds no real backend.
func testDoubles() []Option {
	return []Option{
		WithStore(&memmock.Store{}),
		WithProvider(&llmmock.Provider{}),
		WithMCPHost(&mcpmock.Host{}),
		WithEngine(&enginemock.Engine{}),
		WithMetrics(observe.DefaultMetrics()),
	}
}

func TestNew_WiresInjectedDoubles(t *testing.T) {
	a, err := New(context.Background(), testConfig(), testDoubles()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.composer == nil || a.tools == nil || a.classifier == nil {
		t.Error("expected composer, tool registry, and classifier to be built")
	}
	if a.api == nil {
		t.Error("expected API server to be built")
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	// Second shutdown is a no-op.
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestNew_RequiresStoreOrDSN(t *testing.T) {
	cfg := testConfig()
	cfg.Memory.PostgresDSN = ""

	_, err := New(context.Background(), cfg,
		WithProvider(&llmmock.Provider{}),
		WithMCPHost(&mcpmock.Host{}),
		WithEngine(&enginemock.Engine{}),
		WithMetrics(observe.DefaultMetrics()),
	)
	if err == nil {
		t.Fatal("expected error when no store is injected and postgres_dsn is empty")
	}
}

func TestNew_DeadMCPServerIsNonFatal(t *testing.T) {
	cfg := testConfig()
	cfg.MCP.Servers = []config.MCPServerConfig{
		{Name: "files", Transport: "stdio", Command: "/nonexistent"},
	}
	host := &mcpmock.Host{RegisterServerErr: errors.New("spawn failed")}

	a, err := New(context.Background(), cfg,
		WithStore(&memmock.Store{}),
		WithProvider(&llmmock.Provider{}),
		WithMCPHost(host),
		WithEngine(&enginemock.Engine{}),
		WithMetrics(observe.DefaultMetrics()),
	)
	if err != nil {
		t.Fatalf("New should tolerate a dead MCP server, got: %v", err)
	}
	defer a.Shutdown(context.Background())
}

func TestNew_BuildsFallbackChain(t *testing.T) {
	var created []string
	factories := config.NewRegistry()
	for _, name := range []string{"openai", "anthropic"} {
		factories.RegisterLLM(name, func(s config.ProviderSettings) (llm.Provider, error) {
			created = append(created, s.Name)
			return &llmmock.Provider{}, nil
		})
	}

	cfg := testConfig()
	cfg.Providers.Fallback = []string{"anthropic"}
	cfg.Providers.Entries["anthropic"] = config.ProviderEntry{APIKeyEnv: "ANTHROPIC_API_KEY"}

	a, err := New(context.Background(), cfg,
		WithStore(&memmock.Store{}),
		WithMCPHost(&mcpmock.Host{}),
		WithEngine(&enginemock.Engine{}),
		WithMetrics(observe.DefaultMetrics()),
		WithProviderFactories(factories),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if len(created) != 2 || created[0] != "openai" || created[1] != "anthropic" {
		t.Errorf("provider construction order: %v", created)
	}
}

func TestNew_UnknownProviderFails(t *testing.T) {
	cfg := testConfig()
	cfg.Providers.Default = "frontier"

	_, err := New(context.Background(), cfg,
		WithStore(&memmock.Store{}),
		WithMCPHost(&mcpmock.Host{}),
		WithEngine(&enginemock.Engine{}),
		WithMetrics(observe.DefaultMetrics()),
	)
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	a, err := New(context.Background(), testConfig(), testDoubles()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Give the listener a moment to bind, then stop.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
