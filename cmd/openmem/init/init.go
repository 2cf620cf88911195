// Package initcmder provides the init command for initializing a local
// .openmem directory in the current working directory.
package initcmder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ucalyptus/open-mem/pkg/config"
)

const (
	dirName        = ".openmem"
	configFileName = "config.toml"

	// fetchTimeout bounds a remote preset download.
	fetchTimeout = 10 * time.Second

	// maxRemoteConfigBytes bounds a remote preset body.
	maxRemoteConfigBytes = 1 << 20
)

const initLongDesc string = `Initialize a new .openmem/ directory in the current working directory.

Creates a local .openmem/ directory with a config.toml. A local directory
takes precedence over ~/.openmem/, so the project gets its own isolated
memory store, daemon state, and configuration.

The --preset flag selects which extraction agent leads the fallback chain
(claude, gemini, openrouter), or fetches a complete config.toml from a URL.

Examples:
  openmem init
  openmem init --preset gemini
  openmem init --preset https://example.com/team-openmem.toml`

const initShortDesc string = "Initialize a local .openmem/ directory"

func NewInitCmd() *cobra.Command {
	var preset string

	cmd := &cobra.Command{
		Use:   "init",
		Short: initShortDesc,
		Long:  initLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd.Context(), preset, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&preset, "preset", "", "Agent chain preset name or config.toml URL")

	return cmd
}

func runInit(ctx context.Context, preset string, out io.Writer) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting current directory: %w", err)
	}

	dir := filepath.Join(cwd, dirName)

	if _, err := os.Stat(filepath.Join(dir, configFileName)); err == nil {
		fmt.Fprintf(out, "Already initialized: %s\n", dir)
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating .openmem directory: %w", err)
	}

	cfg, err := resolvePreset(ctx, preset)
	if err != nil {
		return err
	}

	cfger, err := config.NewConfiger(dir)
	if err != nil {
		return fmt.Errorf("preparing config: %w", err)
	}
	if err := cfger.SaveConfig(cfg); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Fprintf(out, "Initialized .openmem directory: %s\n", dir)
	fmt.Fprint(out, hookHint)
	return nil
}

// hookHint shows the settings entries that route agent events through
// openmem. init never edits the agent's settings file itself.
const hookHint = `
Wire openmem into your agent's hook settings, for example:

  "hooks": {
    "PostToolUse":      [{"hooks": [{"type": "command", "command": "openmem hook"}]}],
    "UserPromptSubmit": [{"hooks": [{"type": "command", "command": "openmem hook"}]}],
    "Stop":             [{"hooks": [{"type": "command", "command": "openmem hook"}]}],
    "SessionEnd":       [{"hooks": [{"type": "command", "command": "openmem hook"}]}],
    "SessionStart":     [{"hooks": [{"type": "command", "command": "openmem hook"}]}]
  }

Then run: openmem start
`

// resolvePreset maps the --preset value to a config: empty means defaults, a
// URL fetches a shared config.toml, anything else names an agent preset.
func resolvePreset(ctx context.Context, preset string) (*config.Config, error) {
	if preset == "" {
		return config.NewDefaultConfig(), nil
	}

	if strings.HasPrefix(preset, "http://") || strings.HasPrefix(preset, "https://") {
		return fetchRemoteConfig(ctx, preset)
	}

	return config.PresetConfig(preset)
}

func fetchRemoteConfig(ctx context.Context, url string) (*config.Config, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating config request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching remote config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching remote config: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteConfigBytes))
	if err != nil {
		return nil, fmt.Errorf("reading remote config: %w", err)
	}

	cfg, err := config.ParseConfigTOML(data)
	if err != nil {
		return nil, fmt.Errorf("parsing remote config: %w", err)
	}
	return cfg, nil
}
