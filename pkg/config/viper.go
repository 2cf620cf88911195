package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/ucalyptus/open-mem/pkg/dotdir"
)

// InitViper creates and returns a configured *viper.Viper.
// It sets defaults from NewDefaultConfig(), reads the config.toml file
// (if found via dotdir resolution), and binds environment variables
// with the OPENMEM_ prefix.
//
// Config precedence (highest to lowest):
//  1. CLI flags (once bound via BindRegisteredFlags)
//  2. Environment variables (OPENMEM_API_LISTEN, OPENMEM_STORAGE_SQLITE_PATH, etc.)
//  3. config.toml file values
//  4. Defaults from NewDefaultConfig()
func InitViper(configDir string) (*viper.Viper, error) {
	v := viper.New()

	// 1. Register all defaults from NewDefaultConfig().
	setViperDefaults(v)

	// 2. Config file discovery via dotdir resolution.
	v.SetConfigName("config")
	v.SetConfigType("toml")

	ddm := dotdir.NewManager()
	target, err := ddm.Target(configDir)
	if err != nil {
		return nil, fmt.Errorf("resolving config dir: %w", err)
	}

	if target != "" {
		v.AddConfigPath(target)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found errors are fine, defaults will apply.
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// 3. Environment variables: OPENMEM_API_LISTEN, OPENMEM_AGENTS_OPENROUTER_API_KEY, etc.
	v.SetEnvPrefix("OPENMEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

// setViperDefaults registers defaults from NewDefaultConfig() into viper
// using dotted-key notation. This keeps defaults.go as the single source of truth.
func setViperDefaults(v *viper.Viper) {
	d := NewDefaultConfig()

	v.SetDefault("version", d.Version)

	// Storage
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)

	// API
	v.SetDefault("api.listen", d.API.Listen)

	// Client
	v.SetDefault("client.api_target", d.Client.APITarget)

	// Agents
	v.SetDefault("agents.chain", d.Agents.Chain)
	v.SetDefault("agents.claude_bin", d.Agents.ClaudeBin)
	v.SetDefault("agents.claude_model", d.Agents.ClaudeModel)
	v.SetDefault("agents.gemini_bin", d.Agents.GeminiBin)
	v.SetDefault("agents.gemini_model", d.Agents.GeminiModel)
	v.SetDefault("agents.openrouter_api_key", d.Agents.OpenRouterAPIKey)
	v.SetDefault("agents.openrouter_model", d.Agents.OpenRouterModel)
	v.SetDefault("agents.openrouter_base_url", d.Agents.OpenRouterBaseURL)

	// Processor
	v.SetDefault("processor.max_message_retries", d.Processor.MaxMessageRetries)
	v.SetDefault("processor.poll_interval_ms", d.Processor.PollIntervalMs)
	v.SetDefault("processor.history_messages", d.Processor.HistoryMessages)
	v.SetDefault("processor.history_tokens", d.Processor.HistoryTokens)
	v.SetDefault("processor.shutdown_timeout_ms", d.Processor.ShutdownTimeoutMs)

	// Recovery
	v.SetDefault("recovery.interval_ms", d.Recovery.IntervalMs)
	v.SetDefault("recovery.session_stale_after_ms", d.Recovery.SessionStaleAfterMs)
	v.SetDefault("recovery.claim_stale_after_ms", d.Recovery.ClaimStaleAfterMs)
	v.SetDefault("recovery.restart_cap", d.Recovery.RestartCap)
	v.SetDefault("recovery.restart_delay_ms", d.Recovery.RestartDelayMs)
}
