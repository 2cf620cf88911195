package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/ucalyptus/open-mem/pkg/dotdir"
)

const (
	configFile = "config.toml"

	// v0 is the alpha version of the config
	v0 = 0

	// CurrentV is the currently supported version, points to v0
	CurrentV = v0
)

type Configer struct {
	ddm        *dotdir.Manager
	targetPath string
}

func NewConfiger(override string) (*Configer, error) {
	cfger := &Configer{}

	cfger.ddm = dotdir.NewManager()
	target, err := cfger.ddm.Target(override)
	if err != nil {
		return nil, err
	}

	// If no .openmem/ directory was resolved, targetPath stays empty;
	// LoadConfig will return defaults and SaveConfig will error clearly.
	if target == "" {
		return cfger, nil
	}

	path := filepath.Join(target, configFile)
	_, err = os.Stat(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	// Always set targetPath when the directory exists so SaveConfig
	// can create or overwrite the file.
	cfger.targetPath = path

	return cfger, nil
}

// ValidConfigKeys returns all supported configuration key names in a stable
// order matching the TOML section layout.
func ValidConfigKeys() []string {
	ordered := []string{
		"storage.sqlite_path",
		"api.listen",
		"client.api_target",
		"agents.chain",
		"agents.claude_bin",
		"agents.claude_model",
		"agents.gemini_bin",
		"agents.gemini_model",
		"agents.openrouter_api_key",
		"agents.openrouter_model",
		"agents.openrouter_base_url",
		"processor.max_message_retries",
		"processor.poll_interval_ms",
		"processor.history_messages",
		"processor.history_tokens",
		"processor.shutdown_timeout_ms",
		"recovery.interval_ms",
		"recovery.session_stale_after_ms",
		"recovery.claim_stale_after_ms",
		"recovery.restart_cap",
		"recovery.restart_delay_ms",
	}

	// The ordered list can drift from configKeys; drop stale names and
	// append any map keys the list is missing so nothing is hidden.
	result := make([]string, 0, len(configKeys))
	seen := make(map[string]bool, len(configKeys))
	for _, k := range ordered {
		if _, ok := configKeys[k]; ok {
			result = append(result, k)
			seen[k] = true
		}
	}

	var missed []string
	for k := range configKeys {
		if !seen[k] {
			missed = append(missed, k)
		}
	}
	sort.Strings(missed)

	return append(result, missed...)
}

// IsValidConfigKey returns true if the given key is a supported configuration key.
func IsValidConfigKey(key string) bool {
	_, ok := configKeys[key]
	return ok
}

func (c *Configer) GetTarget() string {
	return c.targetPath
}

// LoadConfig loads the configuration from config.toml in the target .openmem/
// directory. If the file does not exist, returns NewDefaultConfig() so callers
// always receive a fully-populated Config with sane defaults. Fields
// explicitly set in the file override the defaults.
func (c *Configer) LoadConfig() (*Config, error) {
	if c.targetPath == "" {
		return NewDefaultConfig(), nil
	}

	data, err := os.ReadFile(c.targetPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewDefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg, err := ParseConfigTOML(data)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	return cfg, nil
}

// applyDefaults fills zero-value fields in cfg with values from NewDefaultConfig().
func applyDefaults(cfg *Config) {
	defaults := NewDefaultConfig()

	if cfg.Version == 0 {
		cfg.Version = defaults.Version
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.Client.APITarget == "" {
		cfg.Client.APITarget = defaults.Client.APITarget
	}

	if len(cfg.Agents.Chain) == 0 {
		cfg.Agents.Chain = defaults.Agents.Chain
	}
	if cfg.Agents.ClaudeBin == "" {
		cfg.Agents.ClaudeBin = defaults.Agents.ClaudeBin
	}
	if cfg.Agents.GeminiBin == "" {
		cfg.Agents.GeminiBin = defaults.Agents.GeminiBin
	}
	if cfg.Agents.OpenRouterModel == "" {
		cfg.Agents.OpenRouterModel = defaults.Agents.OpenRouterModel
	}
	if cfg.Agents.OpenRouterBaseURL == "" {
		cfg.Agents.OpenRouterBaseURL = defaults.Agents.OpenRouterBaseURL
	}

	if cfg.Processor.MaxMessageRetries == 0 {
		cfg.Processor.MaxMessageRetries = defaults.Processor.MaxMessageRetries
	}
	if cfg.Processor.PollIntervalMs == 0 {
		cfg.Processor.PollIntervalMs = defaults.Processor.PollIntervalMs
	}
	if cfg.Processor.HistoryMessages == 0 {
		cfg.Processor.HistoryMessages = defaults.Processor.HistoryMessages
	}
	if cfg.Processor.HistoryTokens == 0 {
		cfg.Processor.HistoryTokens = defaults.Processor.HistoryTokens
	}
	if cfg.Processor.ShutdownTimeoutMs == 0 {
		cfg.Processor.ShutdownTimeoutMs = defaults.Processor.ShutdownTimeoutMs
	}

	if cfg.Recovery.IntervalMs == 0 {
		cfg.Recovery.IntervalMs = defaults.Recovery.IntervalMs
	}
	if cfg.Recovery.SessionStaleAfterMs == 0 {
		cfg.Recovery.SessionStaleAfterMs = defaults.Recovery.SessionStaleAfterMs
	}
	if cfg.Recovery.ClaimStaleAfterMs == 0 {
		cfg.Recovery.ClaimStaleAfterMs = defaults.Recovery.ClaimStaleAfterMs
	}
	if cfg.Recovery.RestartCap == 0 {
		cfg.Recovery.RestartCap = defaults.Recovery.RestartCap
	}
	if cfg.Recovery.RestartDelayMs == 0 {
		cfg.Recovery.RestartDelayMs = defaults.Recovery.RestartDelayMs
	}
}

// SaveConfig persists the configuration to config.toml in the target
// .openmem/ directory.
func (c *Configer) SaveConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("cannot save nil config")
	}

	if c.targetPath == "" {
		return errors.New("cannot save empty target path")
	}

	var buf bytes.Buffer
	encoder := toml.NewEncoder(&buf)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.WriteFile(c.targetPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// SetConfigValue loads the config, sets the given key to the given value, and saves it.
// Returns an error if the key is not a valid config key.
func (c *Configer) SetConfigValue(key string, value string) error {
	info, ok := configKeys[key]
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}

	cfg, err := c.LoadConfig()
	if err != nil {
		return err
	}

	if err := info.set(cfg, value); err != nil {
		return err
	}

	return c.SaveConfig(cfg)
}

// GetConfigValue loads the config and returns the string representation of the given key.
// Returns an error if the key is not a valid config key.
func (c *Configer) GetConfigValue(key string) (string, error) {
	info, ok := configKeys[key]
	if !ok {
		return "", fmt.Errorf("unknown config key: %q", key)
	}

	cfg, err := c.LoadConfig()
	if err != nil {
		return "", err
	}

	return info.get(cfg), nil
}

// PresetConfig returns a Config whose agent chain starts with the named
// agent. Supported presets: "claude", "gemini", "openrouter".
func PresetConfig(name string) (*Config, error) {
	cfg := NewDefaultConfig()

	switch strings.ToLower(name) {
	case "claude":
		cfg.Agents.Chain = []string{"claude", "gemini", "openrouter"}
	case "gemini":
		cfg.Agents.Chain = []string{"gemini", "claude", "openrouter"}
	case "openrouter":
		cfg.Agents.Chain = []string{"openrouter", "claude", "gemini"}
	default:
		return nil, fmt.Errorf("unknown preset: %q (available: claude, gemini, openrouter)", name)
	}

	return cfg, nil
}

// ValidPresetNames returns the list of recognized preset names.
func ValidPresetNames() []string {
	return []string{"claude", "gemini", "openrouter"}
}

// ParseConfigTOML parses raw TOML bytes into a Config.
// Returns an error if the version field is present and not equal to CurrentV.
func ParseConfigTOML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config TOML: %w", err)
	}

	if cfg.Version != 0 && cfg.Version != CurrentV {
		return nil, fmt.Errorf("unsupported config version %d (expected %d)", cfg.Version, CurrentV)
	}

	return cfg, nil
}
