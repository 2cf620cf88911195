// Package openmemcmder
package openmemcmder

import (
	"github.com/spf13/cobra"

	configcmder "github.com/ucalyptus/open-mem/cmd/openmem/config"
	contextcmder "github.com/ucalyptus/open-mem/cmd/openmem/contextcmd"
	hookcmder "github.com/ucalyptus/open-mem/cmd/openmem/hook"
	initcmder "github.com/ucalyptus/open-mem/cmd/openmem/init"
	searchcmder "github.com/ucalyptus/open-mem/cmd/openmem/search"
	servecmder "github.com/ucalyptus/open-mem/cmd/openmem/serve"
	startcmder "github.com/ucalyptus/open-mem/cmd/openmem/start"
	statuscmder "github.com/ucalyptus/open-mem/cmd/openmem/status"
	versioncmder "github.com/ucalyptus/open-mem/cmd/version"
)

const openmemLongDesc string = `Openmem records what your coding agent did and feeds it back as memory.

Agent hooks post tool calls and prompts to a local service, which extracts
durable observations in the background and serves them back at the start of
later sessions.

Common commands:
  openmem start        Start the background service
  openmem status       Show queue and session status
  openmem context      Show recent memory for this project
  openmem search       Search recorded memory`

const openmemShortDesc string = "Openmem - persistent memory for coding agents"

func NewOpenmemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "openmem",
		Short: openmemShortDesc,
		Long:  openmemLongDesc,
	}

	// Global flags
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().String("config-dir", "", "Override the .openmem directory")

	// Add subcommands
	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(startcmder.NewStartCmd())
	cmd.AddCommand(startcmder.NewStopCmd())
	cmd.AddCommand(startcmder.NewRestartCmd())
	cmd.AddCommand(statuscmder.NewStatusCmd())
	cmd.AddCommand(contextcmder.NewContextCmd())
	cmd.AddCommand(searchcmder.NewSearchCmd())
	cmd.AddCommand(hookcmder.NewHookCmd())
	cmd.AddCommand(configcmder.NewConfigCmd())
	cmd.AddCommand(initcmder.NewInitCmd())
	cmd.AddCommand(versioncmder.NewVersionCmd())

	return cmd
}
