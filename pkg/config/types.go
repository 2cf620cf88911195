package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Config represents the persistent openmem configuration stored as config.toml
// in the .openmem/ directory. The TOML layout uses sections for logical grouping.
type Config struct {
	Version   int             `toml:"version"`
	Storage   StorageConfig   `toml:"storage"`
	API       APIConfig       `toml:"api"`
	Client    ClientConfig    `toml:"client"`
	Agents    AgentsConfig    `toml:"agents"`
	Processor ProcessorConfig `toml:"processor"`
	Recovery  RecoveryConfig  `toml:"recovery"`
}

// StorageConfig holds the sqlite store settings.
type StorageConfig struct {
	SQLitePath string `toml:"sqlite_path,omitempty"`
}

// APIConfig holds API server settings.
type APIConfig struct {
	Listen string `toml:"listen,omitempty"`
}

// ClientConfig holds settings for CLI commands that connect to the running
// service (e.g. openmem hook, openmem status). Values are full URLs.
type ClientConfig struct {
	APITarget string `toml:"api_target,omitempty"`
}

// AgentsConfig holds the extraction agent chain and per-agent settings.
// Chain is the fixed fallback priority order; unknown names are rejected at
// chain construction, not here.
type AgentsConfig struct {
	Chain             []string `toml:"chain,omitempty"`
	ClaudeBin         string   `toml:"claude_bin,omitempty"`
	ClaudeModel       string   `toml:"claude_model,omitempty"`
	GeminiBin         string   `toml:"gemini_bin,omitempty"`
	GeminiModel       string   `toml:"gemini_model,omitempty"`
	OpenRouterAPIKey  string   `toml:"openrouter_api_key,omitempty"`
	OpenRouterModel   string   `toml:"openrouter_model,omitempty"`
	OpenRouterBaseURL string   `toml:"openrouter_base_url,omitempty"`
}

// ProcessorConfig holds per-session consumer settings. Durations are plain
// millisecond integers, matching the epoch-millisecond convention of the
// data model.
type ProcessorConfig struct {
	MaxMessageRetries int   `toml:"max_message_retries,omitempty"`
	PollIntervalMs    int64 `toml:"poll_interval_ms,omitempty"`
	HistoryMessages   int   `toml:"history_messages,omitempty"`
	HistoryTokens     int   `toml:"history_tokens,omitempty"`
	ShutdownTimeoutMs int64 `toml:"shutdown_timeout_ms,omitempty"`
}

// RecoveryConfig holds the recovery coordinator's pass settings.
type RecoveryConfig struct {
	IntervalMs          int64 `toml:"interval_ms,omitempty"`
	SessionStaleAfterMs int64 `toml:"session_stale_after_ms,omitempty"`
	ClaimStaleAfterMs   int64 `toml:"claim_stale_after_ms,omitempty"`
	RestartCap          int   `toml:"restart_cap,omitempty"`
	RestartDelayMs      int64 `toml:"restart_delay_ms,omitempty"`
}

// configKeyInfo maps a user-facing dotted key name to a getter and setter on *Config.
type configKeyInfo struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

func intKey(get func(c *Config) int, set func(c *Config, n int)) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string { return strconv.Itoa(get(c)) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid integer value %q: %w", v, err)
			}
			set(c, n)
			return nil
		},
	}
}

func int64Key(get func(c *Config) int64, set func(c *Config, n int64)) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string { return strconv.FormatInt(get(c), 10) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value %q: %w", v, err)
			}
			set(c, n)
			return nil
		},
	}
}

// configKeys is the authoritative map of all supported config keys.
// Keys use dotted notation matching the TOML section structure.
var configKeys = map[string]configKeyInfo{
	"storage.sqlite_path": {
		get: func(c *Config) string { return c.Storage.SQLitePath },
		set: func(c *Config, v string) error { c.Storage.SQLitePath = v; return nil },
	},
	"api.listen": {
		get: func(c *Config) string { return c.API.Listen },
		set: func(c *Config, v string) error { c.API.Listen = v; return nil },
	},
	"client.api_target": {
		get: func(c *Config) string { return c.Client.APITarget },
		set: func(c *Config, v string) error { c.Client.APITarget = v; return nil },
	},
	"agents.chain": {
		get: func(c *Config) string { return strings.Join(c.Agents.Chain, ",") },
		set: func(c *Config, v string) error {
			var chain []string
			for _, name := range strings.Split(v, ",") {
				name = strings.TrimSpace(name)
				if name != "" {
					chain = append(chain, name)
				}
			}
			c.Agents.Chain = chain
			return nil
		},
	},
	"agents.claude_bin": {
		get: func(c *Config) string { return c.Agents.ClaudeBin },
		set: func(c *Config, v string) error { c.Agents.ClaudeBin = v; return nil },
	},
	"agents.claude_model": {
		get: func(c *Config) string { return c.Agents.ClaudeModel },
		set: func(c *Config, v string) error { c.Agents.ClaudeModel = v; return nil },
	},
	"agents.gemini_bin": {
		get: func(c *Config) string { return c.Agents.GeminiBin },
		set: func(c *Config, v string) error { c.Agents.GeminiBin = v; return nil },
	},
	"agents.gemini_model": {
		get: func(c *Config) string { return c.Agents.GeminiModel },
		set: func(c *Config, v string) error { c.Agents.GeminiModel = v; return nil },
	},
	"agents.openrouter_api_key": {
		get: func(c *Config) string { return c.Agents.OpenRouterAPIKey },
		set: func(c *Config, v string) error { c.Agents.OpenRouterAPIKey = v; return nil },
	},
	"agents.openrouter_model": {
		get: func(c *Config) string { return c.Agents.OpenRouterModel },
		set: func(c *Config, v string) error { c.Agents.OpenRouterModel = v; return nil },
	},
	"agents.openrouter_base_url": {
		get: func(c *Config) string { return c.Agents.OpenRouterBaseURL },
		set: func(c *Config, v string) error { c.Agents.OpenRouterBaseURL = v; return nil },
	},
	"processor.max_message_retries": intKey(
		func(c *Config) int { return c.Processor.MaxMessageRetries },
		func(c *Config, n int) { c.Processor.MaxMessageRetries = n },
	),
	"processor.poll_interval_ms": int64Key(
		func(c *Config) int64 { return c.Processor.PollIntervalMs },
		func(c *Config, n int64) { c.Processor.PollIntervalMs = n },
	),
	"processor.history_messages": intKey(
		func(c *Config) int { return c.Processor.HistoryMessages },
		func(c *Config, n int) { c.Processor.HistoryMessages = n },
	),
	"processor.history_tokens": intKey(
		func(c *Config) int { return c.Processor.HistoryTokens },
		func(c *Config, n int) { c.Processor.HistoryTokens = n },
	),
	"processor.shutdown_timeout_ms": int64Key(
		func(c *Config) int64 { return c.Processor.ShutdownTimeoutMs },
		func(c *Config, n int64) { c.Processor.ShutdownTimeoutMs = n },
	),
	"recovery.interval_ms": int64Key(
		func(c *Config) int64 { return c.Recovery.IntervalMs },
		func(c *Config, n int64) { c.Recovery.IntervalMs = n },
	),
	"recovery.session_stale_after_ms": int64Key(
		func(c *Config) int64 { return c.Recovery.SessionStaleAfterMs },
		func(c *Config, n int64) { c.Recovery.SessionStaleAfterMs = n },
	),
	"recovery.claim_stale_after_ms": int64Key(
		func(c *Config) int64 { return c.Recovery.ClaimStaleAfterMs },
		func(c *Config, n int64) { c.Recovery.ClaimStaleAfterMs = n },
	),
	"recovery.restart_cap": intKey(
		func(c *Config) int { return c.Recovery.RestartCap },
		func(c *Config, n int) { c.Recovery.RestartCap = n },
	),
	"recovery.restart_delay_ms": int64Key(
		func(c *Config) int64 { return c.Recovery.RestartDelayMs },
		func(c *Config, n int64) { c.Recovery.RestartDelayMs = n },
	),
}
