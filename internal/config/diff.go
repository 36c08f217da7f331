package config

// ConfigDiff describes what changed between two configs.
//
// Only the fields in the first group can be applied to a running server;
// RestartRequired lists the sections whose changes are ignored until restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SystemPromptChanged bool
	NewSystemPrompt     string

	WelcomeMessageChanged bool
	NewWelcomeMessage     string

	RestartRequired []string
}

// HasChanges reports whether d carries any hot-reloadable change.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || d.SystemPromptChanged || d.WelcomeMessageChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Chat.SystemPrompt != new.Chat.SystemPrompt {
		d.SystemPromptChanged = true
		d.NewSystemPrompt = new.Chat.SystemPrompt
	}
	if old.Chat.WelcomeMessage != new.Chat.WelcomeMessage {
		d.WelcomeMessageChanged = true
		d.NewWelcomeMessage = new.Chat.WelcomeMessage
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameProvider(old.Providers.LLM, new.Providers.LLM) {
		d.RestartRequired = append(d.RestartRequired, "providers.llm")
	}
	if old.Repository != new.Repository {
		d.RestartRequired = append(d.RestartRequired, "repository")
	}
	if old.Chat.MaxToolRounds != new.Chat.MaxToolRounds || old.Chat.FoldPolicy != new.Chat.FoldPolicy {
		d.RestartRequired = append(d.RestartRequired, "chat")
	}
	if len(old.MCP.Servers) != len(new.MCP.Servers) {
		d.RestartRequired = append(d.RestartRequired, "mcp.servers")
	}

	return d
}

// sameProvider compares the scalar fields of two provider entries.
func sameProvider(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
