package config

const (
	defaultAPIListen = "127.0.0.1:37777"
	defaultAPITarget = "http://127.0.0.1:37777"

	defaultClaudeBin = "claude"
	defaultGeminiBin = "gemini"

	defaultOpenRouterModel   = "anthropic/claude-3.5-haiku"
	defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

	defaultMaxMessageRetries = 3
	defaultPollIntervalMs    = 2000
	defaultHistoryMessages   = 40
	defaultHistoryTokens     = 16000
	defaultShutdownTimeoutMs = 30000

	defaultRecoveryIntervalMs   = 5 * 60 * 1000
	defaultSessionStaleAfterMs  = 6 * 60 * 60 * 1000
	defaultClaimStaleAfterMs    = 30 * 60 * 1000
	defaultRecoveryRestartCap   = 50
	defaultRecoveryRestartDelay = 500
)

// NewDefaultConfig returns a Config with sane defaults for all fields.
// This is the single source of truth for default values.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentV,
		API: APIConfig{
			Listen: defaultAPIListen,
		},
		Client: ClientConfig{
			APITarget: defaultAPITarget,
		},
		Agents: AgentsConfig{
			Chain:             []string{"claude", "gemini", "openrouter"},
			ClaudeBin:         defaultClaudeBin,
			GeminiBin:         defaultGeminiBin,
			OpenRouterModel:   defaultOpenRouterModel,
			OpenRouterBaseURL: defaultOpenRouterBaseURL,
		},
		Processor: ProcessorConfig{
			MaxMessageRetries: defaultMaxMessageRetries,
			PollIntervalMs:    defaultPollIntervalMs,
			HistoryMessages:   defaultHistoryMessages,
			HistoryTokens:     defaultHistoryTokens,
			ShutdownTimeoutMs: defaultShutdownTimeoutMs,
		},
		Recovery: RecoveryConfig{
			IntervalMs:          defaultRecoveryIntervalMs,
			SessionStaleAfterMs: defaultSessionStaleAfterMs,
			ClaimStaleAfterMs:   defaultClaimStaleAfterMs,
			RestartCap:          defaultRecoveryRestartCap,
			RestartDelayMs:      defaultRecoveryRestartDelay,
		},
	}
}
