// Package app wires all personchat subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until its context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithRepository,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/personchat/internal/chat"
	"github.com/MrWong99/personchat/internal/config"
	"github.com/MrWong99/personchat/internal/health"
	"github.com/MrWong99/personchat/internal/observe"
	"github.com/MrWong99/personchat/internal/person"
	"github.com/MrWong99/personchat/internal/resilience"
	"github.com/MrWong99/personchat/internal/tool"
	"github.com/MrWong99/personchat/internal/tool/persontool"
	"github.com/MrWong99/personchat/internal/web"
	"github.com/MrWong99/personchat/pkg/provider/llm"
)

// ErrToolCallingUnsupported is returned by [New] when tools are registered
// but the configured model cannot call them.
var ErrToolCallingUnsupported = errors.New("app: model does not support tool calling")

// shutdownGrace bounds how long in-flight HTTP requests may take once Run's
// context is cancelled.
const shutdownGrace = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	provider llm.Provider
	metrics  *observe.Metrics

	// Initialised in New, torn down in Shutdown.
	repo       person.Repository
	tools      *tool.Registry
	dispatcher *tool.Dispatcher
	manager    *chat.Manager
	handler    http.Handler

	// metricsHandler serves cfg.Observability.MetricsPath. Nil disables it.
	metricsHandler http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRepository injects a person repository instead of creating one from
// config.
func WithRepository(r person.Repository) Option {
	return func(a *App) { a.repo = r }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at cfg.Observability.MetricsPath.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The provider comes
// from main.go (built via the config registry).
//
// New performs all initialisation synchronously: repository connection and
// migration, tool registration including MCP imports, and orchestrator and
// HTTP handler assembly. On error every subsystem already started is closed.
//
// New fails with [ErrToolCallingUnsupported] when any tool is enabled but
// the provider reports no tool calling support. chat.max_tokens is clamped
// to the model's output limit.
func New(ctx context.Context, cfg *config.Config, provider llm.Provider, opts ...Option) (_ *App, err error) {
	if provider == nil {
		return nil, errors.New("app: llm provider is required")
	}
	a := &App{
		cfg:      cfg,
		provider: provider,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	defer func() {
		if err != nil {
			a.runClosers()
		}
	}()

	// ── 1. Person repository ─────────────────────────────────────────────
	if err := a.initRepository(ctx); err != nil {
		return nil, fmt.Errorf("app: init repository: %w", err)
	}

	// ── 2. Tools ─────────────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 3. Model capabilities ────────────────────────────────────────────
	caps := a.provider.Capabilities()
	if a.tools.Len() > 0 && !caps.SupportsToolCalling {
		return nil, fmt.Errorf("%w: %s/%s with %d tools registered (disable them under tools.disabled)",
			ErrToolCallingUnsupported, cfg.Providers.LLM.Name, cfg.Providers.LLM.Model, a.tools.Len())
	}
	chatCfg := chatConfig(cfg)
	if caps.MaxOutputTokens > 0 && chatCfg.MaxTokens > caps.MaxOutputTokens {
		slog.Warn("chat.max_tokens exceeds the model output limit, clamping",
			"max_tokens", chatCfg.MaxTokens,
			"model_limit", caps.MaxOutputTokens,
		)
		chatCfg.MaxTokens = caps.MaxOutputTokens
	}

	// ── 4. Orchestrator ──────────────────────────────────────────────────
	a.manager = chat.NewManager(a.provider, a.tools, a.dispatcher, chatCfg, chat.WithMetrics(a.metrics))

	// ── 5. HTTP ──────────────────────────────────────────────────────────
	a.handler = a.buildHandler()

	slog.Info("app initialised",
		"repository", cfg.Repository.Backend,
		"tools", a.tools.Len(),
		"mcp_servers", len(cfg.MCP.Servers),
		"context_window", caps.ContextWindow,
		"tool_calling", caps.SupportsToolCalling,
	)
	return a, nil
}

// initRepository creates the configured person repository unless one was
// injected.
func (a *App) initRepository(ctx context.Context) error {
	if a.repo != nil {
		return nil
	}

	rc := a.cfg.Repository
	switch rc.Backend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, rc.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		store := person.NewPostgresStore(pool, a.metrics)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		a.repo = store

	default:
		client, err := person.NewHTTPClient(rc.BaseURL,
			person.WithTimeout(rc.Timeout),
			person.WithMetrics(a.metrics),
			person.WithCircuitBreaker(resilience.CircuitBreakerConfig{
				MaxFailures:  rc.CircuitBreaker.MaxFailures,
				ResetTimeout: rc.CircuitBreaker.ResetTimeout,
			}),
		)
		if err != nil {
			return err
		}
		a.repo = client
	}
	return nil
}

// initTools registers the built-in person tools and imports every configured
// MCP server.
func (a *App) initTools(ctx context.Context) error {
	a.tools = tool.NewRegistry()

	for _, t := range persontool.Tools(a.repo) {
		if slices.Contains(a.cfg.Tools.Disabled, t.Definition.Name) {
			slog.Info("built-in tool disabled", "tool", t.Definition.Name)
			continue
		}
		if err := a.tools.Register(t); err != nil {
			return err
		}
	}

	for _, sc := range a.cfg.MCP.Servers {
		closer, err := tool.ImportMCPServer(ctx, a.tools, mcpServerConfig(sc))
		if err != nil {
			return fmt.Errorf("mcp server %q: %w", sc.Name, err)
		}
		a.closers = append(a.closers, closer.Close)
	}

	a.dispatcher = tool.NewDispatcher(a.tools,
		tool.WithCallTimeout(a.cfg.Tools.CallTimeout),
		tool.WithMetrics(a.metrics),
	)
	return nil
}

// buildHandler assembles the routes of the chat UI, the health endpoints and the
// metrics endpoint. Every request gets a server span and the HTTP metrics
// middleware.
func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()

	web.New(a.manager,
		web.WithToolStats(a.tools),
		web.WithMetrics(a.metrics),
	).Register(mux)

	var checkers []health.Checker
	if p, ok := a.repo.(health.Pinger); ok {
		checkers = append(checkers, health.PingChecker("repository", p))
	}
	if c, ok := a.repo.(*person.HTTPClient); ok {
		checkers = append(checkers, health.BreakerChecker("person-api", c.BreakerState))
	}
	health.New(checkers...).Register(mux)

	if a.metricsHandler != nil {
		mux.Handle("GET "+a.cfg.Observability.MetricsPath, a.metricsHandler)
	}

	return otelhttp.NewHandler(observe.Middleware(a.metrics)(mux), "personchat",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Manager returns the conversation manager, used by main to apply config
// reloads.
func (a *App) Manager() *chat.Manager {
	return a.manager
}

// Tools returns the tool registry.
func (a *App) Tools() *tool.Registry {
	return a.tools
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on cfg.Server.ListenAddr and serves until ctx is cancelled.
// In-flight requests get [shutdownGrace] to finish.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is like Run but accepts connections on ln.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			errCh <- srv.Serve(ln)
		}
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown", "err", err)
		_ = srv.Close()
	}
	<-errCh
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// runClosers releases whatever New managed to start before failing.
func (a *App) runClosers() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
	a.closers = nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// chatConfig converts the chat section of cfg to a chat.Config.
func chatConfig(cfg *config.Config) chat.Config {
	return chat.Config{
		SystemPrompt:   cfg.Chat.SystemPrompt,
		WelcomeMessage: cfg.Chat.WelcomeMessage,
		MaxToolRounds:  cfg.Chat.MaxToolRounds,
		FoldPolicy:     chat.FoldPolicy(cfg.Chat.FoldPolicy),
		ModelTimeout:   cfg.Chat.ModelTimeout,
		Temperature:    cfg.Chat.Temperature,
		MaxTokens:      cfg.Chat.MaxTokens,
		ProviderName:   cfg.Providers.LLM.Name,
	}
}

// mcpServerConfig converts a config.MCPServerConfig to a tool.ServerConfig.
func mcpServerConfig(sc config.MCPServerConfig) tool.ServerConfig {
	return tool.ServerConfig{
		Name:      sc.Name,
		Transport: sc.Transport,
		Command:   sc.Command,
		URL:       sc.URL,
		Token:     sc.Token,
		Env:       sc.Env,
	}
}
