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

	"github.com/MrWong99/personchat/internal/tool"
)

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr     = ":8080"
	DefaultLLMProvider    = "gemini"
	DefaultLLMModel       = "gemini-2.0-flash"
	DefaultPersonBaseURL  = "http://localhost:5260/api/Person"
	DefaultSystemPrompt   = "You are a helpful assistant that can help users with various tasks. You have access to tools to get information about people."
	DefaultWelcomeMessage = `Hello! I'm your AI assistant. I can help you get information about people. Try asking me to "get the list of people" or "show me a person".`
	DefaultServiceName    = "personchat"
	DefaultMetricsPath    = "/metrics"
)

// ValidProviderNames lists known LLM provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
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

// Default returns a validated configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.LLM.Name == "" {
		cfg.Providers.LLM.Name = DefaultLLMProvider
		if cfg.Providers.LLM.Model == "" {
			cfg.Providers.LLM.Model = DefaultLLMModel
		}
	}

	if cfg.Chat.SystemPrompt == "" {
		cfg.Chat.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Chat.WelcomeMessage == "" {
		cfg.Chat.WelcomeMessage = DefaultWelcomeMessage
	}
	if cfg.Chat.MaxToolRounds == 0 {
		cfg.Chat.MaxToolRounds = 1
	}
	if cfg.Chat.FoldPolicy == "" {
		cfg.Chat.FoldPolicy = FoldCombined
	}
	if cfg.Chat.ModelTimeout == 0 {
		cfg.Chat.ModelTimeout = 60 * time.Second
	}

	if cfg.Repository.Backend == "" {
		cfg.Repository.Backend = BackendHTTP
	}
	if cfg.Repository.BaseURL == "" {
		cfg.Repository.BaseURL = DefaultPersonBaseURL
	}
	if cfg.Repository.Timeout == 0 {
		cfg.Repository.Timeout = 10 * time.Second
	}
	if cfg.Repository.CircuitBreaker.MaxFailures == 0 {
		cfg.Repository.CircuitBreaker.MaxFailures = 5
	}
	if cfg.Repository.CircuitBreaker.ResetTimeout == 0 {
		cfg.Repository.CircuitBreaker.ResetTimeout = 30 * time.Second
	}

	if cfg.Tools.CallTimeout == 0 {
		cfg.Tools.CallTimeout = 10 * time.Second
	}

	for i := range cfg.MCP.Servers {
		if cfg.MCP.Servers[i].Transport == "" {
			cfg.MCP.Servers[i].Transport = tool.TransportStdio
		}
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = DefaultServiceName
	}
	if cfg.Observability.MetricsPath == "" {
		cfg.Observability.MetricsPath = DefaultMetricsPath
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Provider
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	} else if !slices.Contains(ValidProviderNames, cfg.Providers.LLM.Name) {
		slog.Warn("unknown provider name, may be a typo or a third-party provider",
			"kind", "llm",
			"name", cfg.Providers.LLM.Name,
			"known", ValidProviderNames,
		)
	}
	if cfg.Providers.LLM.Model == "" {
		errs = append(errs, errors.New("providers.llm.model is required"))
	}

	// Chat
	if cfg.Chat.MaxToolRounds < 1 {
		errs = append(errs, fmt.Errorf("chat.max_tool_rounds %d must be at least 1", cfg.Chat.MaxToolRounds))
	}
	if !cfg.Chat.FoldPolicy.IsValid() {
		errs = append(errs, fmt.Errorf("chat.fold_policy %q is invalid; valid values: combined, per_tool", cfg.Chat.FoldPolicy))
	}
	if cfg.Chat.ModelTimeout < 0 {
		errs = append(errs, errors.New("chat.model_timeout must not be negative"))
	}
	if cfg.Chat.Temperature < 0 || cfg.Chat.Temperature > 2 {
		errs = append(errs, fmt.Errorf("chat.temperature %.2f is out of range [0, 2]", cfg.Chat.Temperature))
	}

	// Repository
	switch cfg.Repository.Backend {
	case BackendHTTP:
		if cfg.Repository.BaseURL == "" {
			errs = append(errs, errors.New("repository.base_url is required for the http backend"))
		}
	case BackendPostgres:
		if cfg.Repository.PostgresDSN == "" {
			errs = append(errs, errors.New("repository.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("repository.backend %q is invalid; valid values: http, postgres", cfg.Repository.Backend))
	}
	if cfg.Repository.CircuitBreaker.MaxFailures < 0 {
		errs = append(errs, errors.New("repository.circuit_breaker.max_failures must not be negative"))
	}

	// Tools
	if cfg.Tools.CallTimeout < 0 {
		errs = append(errs, errors.New("tools.call_timeout must not be negative"))
	}

	// MCP servers
	namesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			namesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == tool.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == tool.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// loadBytes parses an in-memory config document.
func loadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}
