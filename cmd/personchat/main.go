// Command personchat serves a browser chat with an LLM that can look up
// people through the get_person_list and get_person tools.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unicode/utf8"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/personchat/internal/app"
	"github.com/MrWong99/personchat/internal/config"
	"github.com/MrWong99/personchat/internal/observe"
	"github.com/MrWong99/personchat/pkg/provider/llm"
	"github.com/MrWong99/personchat/pkg/provider/llm/anyllm"
	"github.com/MrWong99/personchat/pkg/provider/llm/openai"
	"github.com/MrWong99/personchat/pkg/types"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults apply when empty)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(os.Stderr, "personchat: config file %q not found\n", *configPath)
			} else {
				fmt.Fprintf(os.Stderr, "personchat: %v\n", err)
			}
			return 1
		}
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("personchat starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to create llm provider", "name", cfg.Providers.LLM.Name, "err", err, "available", reg.LLMNames())
		return 1
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name, "model", cfg.Providers.LLM.Model)

	printStartupSummary(os.Stdout, cfg, provider.Capabilities())

	application, err := app.New(ctx, cfg, provider, app.WithMetricsHandler(observe.MetricsHandler()))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, func(d config.ConfigDiff, _ *config.Config) {
			applyReload(d, &level, application)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			go w.Run(ctx)
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyReload applies the hot-reloadable part of d to the running
// application.
func applyReload(d config.ConfigDiff, level *slog.LevelVar, application *app.App) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SystemPromptChanged {
		application.Manager().SetSystemPrompt(d.NewSystemPrompt)
		slog.Info("system prompt updated")
	}
	if d.WelcomeMessageChanged {
		application.Manager().SetWelcomeMessage(d.NewWelcomeMessage)
		slog.Info("welcome message updated; applies to new conversations")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// ── Provider registration ─────────────────────────────────────────────────────

// anyllmProviders are the vendors served through any-llm-go.
var anyllmProviders = []string{
	"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "ollama",
}

func registerBuiltinProviders(reg *config.Registry) {
	// OpenAI and compatible endpoints use the native SDK.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		apiKey := entry.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d, err := time.ParseDuration(optString(entry.Options, "timeout")); err == nil {
			opts = append(opts, openai.WithTimeout(d))
		}
		p, err := openai.New(apiKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	for _, providerName := range anyllmProviders {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	slog.Debug("registered providers", "kind", "llm", "names", reg.LLMNames())
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config, caps types.ModelCapabilities) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║       personchat: startup summary     ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "LLM", cfg.Providers.LLM.Name+" / "+cfg.Providers.LLM.Model)
	printRow(w, "Context", tokenCount(caps.ContextWindow))
	printRow(w, "Max output", tokenCount(caps.MaxOutputTokens))
	printRow(w, "Tool calling", yesNo(caps.SupportsToolCalling))
	printRow(w, "Repository", string(cfg.Repository.Backend))
	printRow(w, "Tool rounds", fmt.Sprint(cfg.Chat.MaxToolRounds))
	printRow(w, "Fold policy", string(cfg.Chat.FoldPolicy))
	printRow(w, "MCP servers", fmt.Sprint(len(cfg.MCP.Servers)))
	printRow(w, "Listen addr", cfg.Server.ListenAddr)
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

// summaryWidth is the width of the value column in the startup summary.
const summaryWidth = 19

func printRow(w io.Writer, label, value string) {
	fmt.Fprintf(w, "║  %-12s   : %-*s ║\n", label, summaryWidth, truncate(value, summaryWidth))
}

// truncate shortens s to at most n runes, replacing the tail with "…".
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	if n <= 1 {
		return string([]rune(s)[:n])
	}
	return string([]rune(s)[:n-1]) + "…"
}

func tokenCount(n int) string {
	if n <= 0 {
		return "unknown"
	}
	return fmt.Sprintf("%d tokens", n)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
