package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/personchat/internal/config"
)

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mutate      func(c *config.Config)
		wantChanges bool
		check       func(t *testing.T, d config.ConfigDiff)
	}{
		{
			name:   "identical",
			mutate: func(*config.Config) {},
			check: func(t *testing.T, d config.ConfigDiff) {
				if len(d.RestartRequired) != 0 {
					t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
				}
			},
		},
		{
			name:        "log level",
			mutate:      func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			wantChanges: true,
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
					t.Errorf("log level diff = %+v", d)
				}
			},
		},
		{
			name:        "system prompt",
			mutate:      func(c *config.Config) { c.Chat.SystemPrompt = "be terse" },
			wantChanges: true,
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.SystemPromptChanged || d.NewSystemPrompt != "be terse" {
					t.Errorf("system prompt diff = %+v", d)
				}
			},
		},
		{
			name:        "welcome message",
			mutate:      func(c *config.Config) { c.Chat.WelcomeMessage = "hi" },
			wantChanges: true,
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.WelcomeMessageChanged || d.NewWelcomeMessage != "hi" {
					t.Errorf("welcome diff = %+v", d)
				}
			},
		},
		{
			name: "restart-only sections",
			mutate: func(c *config.Config) {
				c.Server.ListenAddr = ":1"
				c.Providers.LLM.Model = "other"
				c.Repository.BaseURL = "http://elsewhere/api/Person"
				c.Chat.MaxToolRounds = 4
			},
			check: func(t *testing.T, d config.ConfigDiff) {
				for _, want := range []string{"server.listen_addr", "providers.llm", "repository", "chat"} {
					if !slices.Contains(d.RestartRequired, want) {
						t.Errorf("RestartRequired %v missing %q", d.RestartRequired, want)
					}
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old := config.Default()
			updated := config.Default()
			tc.mutate(updated)

			d := config.Diff(old, updated)
			if d.HasChanges() != tc.wantChanges {
				t.Errorf("HasChanges = %v, want %v", d.HasChanges(), tc.wantChanges)
			}
			tc.check(t, d)
		})
	}
}
