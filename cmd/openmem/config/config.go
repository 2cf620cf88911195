// Package configcmder provides the config command for managing persistent
// openmem configuration stored in the .openmem/ directory.
package configcmder

import (
	"github.com/spf13/cobra"
)

const configLongDesc string = `Manage persistent openmem configuration.

Configuration is stored as config.toml in the .openmem/ directory and
provides default values for command flags. CLI flags always take precedence
over config file values.

Keys use dotted notation matching the TOML section structure:
  storage.sqlite_path, api.listen, client.api_target,
  agents.chain, agents.claude_bin, agents.claude_model,
  agents.gemini_bin, agents.gemini_model,
  agents.openrouter_api_key, agents.openrouter_model, agents.openrouter_base_url,
  processor.max_message_retries, processor.poll_interval_ms,
  processor.history_messages, processor.history_tokens,
  processor.shutdown_timeout_ms,
  recovery.interval_ms, recovery.session_stale_after_ms,
  recovery.claim_stale_after_ms, recovery.restart_cap, recovery.restart_delay_ms

Use subcommands to get, set, or list configuration values:
  openmem config set <key> <value>    Set a configuration value
  openmem config get <key>            Get a configuration value
  openmem config list                 List all configuration values

Examples:
  openmem config set agents.chain gemini,claude
  openmem config set processor.max_message_retries 5
  openmem config get agents.chain
  openmem config list`

const configShortDesc string = "Manage persistent openmem configuration"

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: configShortDesc,
		Long:  configLongDesc,
	}

	cmd.AddCommand(newSetCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newListCmd())

	return cmd
}
