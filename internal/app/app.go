// Package app wires all Parlance subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP traffic until the context is cancelled, and
// Shutdown tears everything down in reverse-init order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithProvider, WithEngine, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/parlancehq/parlance/internal/cache"
	"github.com/parlancehq/parlance/internal/classify"
	"github.com/parlancehq/parlance/internal/config"
	"github.com/parlancehq/parlance/internal/engine"
	"github.com/parlancehq/parlance/internal/engine/react"
	"github.com/parlancehq/parlance/internal/health"
	"github.com/parlancehq/parlance/internal/hotctx"
	"github.com/parlancehq/parlance/internal/mcp"
	"github.com/parlancehq/parlance/internal/mcp/mcphost"
	"github.com/parlancehq/parlance/internal/mcp/registry"
	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/internal/resilience"
	"github.com/parlancehq/parlance/internal/server"
	"github.com/parlancehq/parlance/internal/session"
	"github.com/parlancehq/parlance/pkg/memory"
	"github.com/parlancehq/parlance/pkg/memory/postgres"
	"github.com/parlancehq/parlance/pkg/provider/embeddings"
	"github.com/parlancehq/parlance/pkg/provider/llm"
)

// closeTimeout bounds how long a single closer or an HTTP drain may take
// during shutdown.
const closeTimeout = 10 * time.Second

// App owns all subsystem lifetimes and serves the Parlance chat API.
type App struct {
	cfg       *config.Config
	log       *slog.Logger
	factories *config.Registry

	// Subsystems. Initialised in New, torn down in Shutdown.
	store      memory.Store
	cache      *cache.Cache
	provider   llm.Provider
	embedder   embeddings.Provider
	host       mcp.Host
	tools      *registry.Registry
	classifier *classify.Classifier
	composer   *hotctx.Composer
	pool       *session.Pool
	engine     engine.Engine
	metrics    *observe.Metrics

	api        *http.Server
	metricsSrv *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a conversation store instead of connecting to Postgres.
func WithStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithCache injects a Redis cache instead of dialing cfg.Memory.RedisAddr.
func WithCache(c *cache.Cache) Option {
	return func(a *App) { a.cache = c }
}

// WithProvider injects an LLM provider instead of building the configured
// fallback chain.
func WithProvider(p llm.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithEmbedder injects an embeddings provider.
func WithEmbedder(p embeddings.Provider) Option {
	return func(a *App) { a.embedder = p }
}

// WithMCPHost injects an MCP host instead of spawning configured servers.
func WithMCPHost(h mcp.Host) Option {
	return func(a *App) { a.host = h }
}

// WithEngine injects a chat engine instead of constructing the react engine.
func WithEngine(e engine.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithMetrics injects a metrics instance instead of initialising the global
// OpenTelemetry providers.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the structured logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithProviderFactories overrides the provider registry used to construct
// LLM and embeddings backends from config.
func WithProviderFactories(r *config.Registry) Option {
	return func(a *App) { a.factories = r }
}

// New creates an App by wiring all subsystems together: telemetry, the
// Postgres store, the Redis cache, the provider fallback chain, the MCP
// host, and the engine, finishing with the HTTP server. Use Option
// functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously; when it returns without
// error the app is ready to Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		log:       slog.Default(),
		factories: BuiltinProviders(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initObserve(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}
	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}
	if err := a.initMCP(ctx); err != nil {
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}
	a.initEngine()
	a.initServer()

	return a, nil
}

// initObserve sets up the global OTel providers and the metric instruments.
func (a *App) initObserve(ctx context.Context) error {
	if a.metrics != nil {
		return nil
	}

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "parlance",
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		return shutdown(ctx)
	})

	a.metrics = observe.DefaultMetrics()
	return nil
}

// initMemory connects the Postgres store and the optional Redis cache, or
// uses injected doubles.
func (a *App) initMemory(ctx context.Context) error {
	if a.store == nil {
		dsn := a.cfg.Memory.PostgresDSN
		if dsn == "" {
			return fmt.Errorf("memory.postgres_dsn is required when no store is injected")
		}

		dims := a.cfg.Memory.EmbeddingDimensions
		if dims == 0 {
			dims = config.DefaultEmbeddingDims
		}

		store, err := postgres.NewStore(ctx, dsn, dims)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	}

	if a.cache == nil && a.cfg.Memory.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: a.cfg.Memory.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			// The cache is an accelerator, not a dependency. Run without it.
			a.log.Warn("redis unreachable, running without cache",
				"addr", a.cfg.Memory.RedisAddr, "err", err)
			_ = rdb.Close()
		} else {
			a.cache = cache.New(rdb, cache.WithLogger(a.log))
			a.closers = append(a.closers, rdb.Close)
		}
	}

	return nil
}

// initProviders builds the LLM fallback chain and the embeddings provider
// from the configured registry entries.
func (a *App) initProviders() error {
	pc := a.cfg.Providers
	settings := func(name, model string) config.ProviderSettings {
		s := pc.Settings(name, model)
		s.Timeout = a.cfg.Engine.LLMTimeout.Std()
		return s
	}

	if a.provider == nil {
		primary, err := a.factories.CreateLLM(settings(pc.Default, pc.Model))
		if err != nil {
			return fmt.Errorf("create provider %q: %w", pc.Default, err)
		}

		chain := resilience.NewLLMFallback(primary, pc.Default, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{Name: pc.Default},
		})
		for _, name := range pc.Fallback {
			p, err := a.factories.CreateLLM(settings(name, pc.Model))
			if err != nil {
				return fmt.Errorf("create fallback provider %q: %w", name, err)
			}
			chain.AddFallback(name, p)
			a.log.Info("registered fallback provider", "name", name)
		}
		a.provider = chain
	}

	if a.embedder == nil && pc.EmbeddingModel != "" {
		name := pc.EmbeddingProvider
		if name == "" {
			name = pc.Default
		}
		emb, err := a.factories.CreateEmbeddings(settings(name, pc.EmbeddingModel))
		if err != nil {
			return fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		a.embedder = emb
	}

	return nil
}

// initMCP sets up the MCP host and registers configured servers. A server
// that fails to start is logged and skipped; the fleet degrades rather than
// blocking boot, and the health endpoint reports the dead servers.
func (a *App) initMCP(ctx context.Context) error {
	if a.host == nil {
		host := mcphost.New(
			mcphost.WithCallTimeout(a.cfg.Engine.ToolTimeout.Std()),
			mcphost.WithLogger(a.log),
		)
		a.host = host
		a.closers = append(a.closers, host.Close)
	}

	for _, srv := range a.cfg.MCP.Servers {
		if err := a.host.RegisterServer(ctx, srv.HostConfig()); err != nil {
			a.log.Warn("MCP server failed to start, continuing without it",
				"name", srv.Name, "err", err)
			continue
		}
		a.log.Info("registered MCP server", "name", srv.Name)
	}

	return nil
}

// initEngine assembles the tool registry, classifier, composer, maintenance
// workers, and the react engine.
func (a *App) initEngine() {
	var ropts []registry.Option
	if len(a.cfg.MCP.ToolAllowlist) > 0 {
		ropts = append(ropts, registry.WithAllowlist(a.cfg.MCP.ToolAllowlist...))
	}
	if a.cfg.Engine.ToolFilterMax > 0 {
		ropts = append(ropts, registry.WithFilterMax(a.cfg.Engine.ToolFilterMax))
	}
	a.tools = registry.New(a.host, ropts...)

	a.classifier = classify.New(a.provider, classify.WithLogger(a.log))

	copts := []hotctx.Option{
		hotctx.WithHotWindow(a.cfg.Memory.HotWindowSize),
		hotctx.WithColdTopK(a.cfg.Memory.ColdTopK),
		hotctx.WithLogger(a.log),
	}
	if a.cfg.Persona.SystemPrompt != "" {
		copts = append(copts, hotctx.WithSystemPrompt(a.cfg.Persona.SystemPrompt))
	}
	if a.embedder != nil {
		copts = append(copts, hotctx.WithVectorRecall(a.store, a.embedder))
	}
	if a.cache != nil {
		copts = append(copts, hotctx.WithCache(a.cache))
	}
	a.composer = hotctx.NewComposer(a.store, copts...)

	a.pool = session.NewPool(session.WithPoolLogger(a.log))
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		return a.pool.Stop(ctx)
	})

	summarizer := session.NewSummarizer(a.store, a.provider,
		session.WithSummaryThreshold(a.cfg.Memory.SummaryThreshold),
		session.WithSummarizerLogger(a.log),
	)
	var embedJob *session.Embedder
	if a.embedder != nil {
		eopts := []session.EmbedderOption{session.WithEmbedderLogger(a.log)}
		if a.cache != nil {
			eopts = append(eopts, session.WithEmbedderCache(a.cache))
		}
		embedJob = session.NewEmbedder(a.store, a.embedder, eopts...)
	}

	if a.engine != nil {
		return
	}

	eopts := []react.Option{
		react.WithMaintenance(a.pool, summarizer, embedJob),
		react.WithMetrics(a.metrics),
		react.WithLogger(a.log),
		react.WithMaxToolTurns(a.cfg.Engine.MaxToolTurns),
		react.WithMaxAgentRounds(a.cfg.Engine.MaxAgentRounds),
		react.WithToolResultLimit(a.cfg.Engine.ToolResultLimit),
		react.WithToolTimeout(a.cfg.Engine.ToolTimeout.Std()),
		react.WithTurnTimeout(a.cfg.Engine.TurnTimeout.Std()),
		react.WithAgentTimeout(a.cfg.Engine.AgentTimeout.Std()),
		react.WithProviderName(a.cfg.Providers.Default),
	}
	if a.cfg.Providers.VisionModel != "" {
		eopts = append(eopts, react.WithVisionModel(a.cfg.Providers.VisionModel))
	}
	if a.cache != nil {
		eopts = append(eopts, react.WithCache(a.cache))
	}
	a.engine = react.New(a.provider, a.store, a.composer, a.classifier, a.tools, a.host, eopts...)
}

// initServer builds the HTTP surface: the API server and, when a separate
// metrics address is configured, a second listener for /metrics.
func (a *App) initServer() {
	checkers := []health.Checker{
		health.StoreChecker(a.store),
		health.HostChecker(a.host),
		health.ProviderChecker("llm", func(context.Context) error {
			// Token counting runs locally but routes through the fallback
			// group, so it fails exactly when every breaker is open.
			_, err := a.provider.CountTokens(nil)
			return err
		}),
	}

	srv := server.New(a.engine, a.store,
		server.WithHealth(health.New(checkers...)),
		server.WithMetrics(a.metrics),
		server.WithLogger(a.log),
	)

	a.api = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if a.cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", a.api.Handler)
		a.metricsSrv = &http.Server{
			Addr:              a.cfg.Server.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
}

// Run serves the API until ctx is cancelled or a listener fails. A graceful
// stop (cancelled context, drained connections) returns nil.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.serve(a.api) })
	if a.metricsSrv != nil {
		g.Go(func() error { return a.serve(a.metricsSrv) })
	}
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if a.metricsSrv != nil {
			_ = a.metricsSrv.Shutdown(drainCtx)
		}
		return a.api.Shutdown(drainCtx)
	})

	a.log.Info("parlance running",
		"addr", a.cfg.Server.ListenAddr,
		"provider", a.cfg.Providers.Default,
		"model", a.cfg.Providers.Model,
	)
	return g.Wait()
}

// serve runs one HTTP listener, honouring the optional TLS config.
func (a *App) serve(srv *http.Server) error {
	var err error
	if tls := a.cfg.Server.TLS; tls != nil && srv == a.api {
		err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		drainCtx, cancel := context.WithTimeout(ctx, closeTimeout)
		defer cancel()
		if a.metricsSrv != nil {
			_ = a.metricsSrv.Shutdown(drainCtx)
		}
		if a.api != nil {
			if err := a.api.Shutdown(drainCtx); err != nil {
				a.log.Warn("api drain error", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
