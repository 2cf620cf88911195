package startcmder

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ucalyptus/open-mem/pkg/cliui"
	"github.com/ucalyptus/open-mem/pkg/start"
)

const restartLongDesc = `Restart the openmem service.

Stops the running daemon if there is one, then starts a fresh instance. The
startup recovery pass re-queues any work the old daemon left behind.

Examples:
  openmem restart
`

const restartShortDesc = "Restart the openmem service"

type restartCommander struct {
	debug     bool
	configDir string
}

func NewRestartCmd() *cobra.Command {
	cmder := &restartCommander{}

	cmd := &cobra.Command{
		Use:   "restart",
		Short: restartShortDesc,
		Long:  restartLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %w", err)
			}
			cmder.configDir, err = cmd.Flags().GetString("config-dir")
			if err != nil {
				return fmt.Errorf("could not get config-dir flag: %w", err)
			}
			return cmder.run(cmd.Context(), cmd.OutOrStdout())
		},
	}

	return cmd
}

func (c *restartCommander) run(ctx context.Context, out io.Writer) error {
	manager, err := start.NewManager(c.configDir)
	if err != nil {
		return err
	}

	lock, err := manager.Lock()
	if err != nil {
		return err
	}
	state, err := manager.LoadState()
	if releaseErr := lock.Release(); releaseErr != nil {
		return releaseErr
	}
	if err != nil {
		return err
	}

	if state != nil && start.ProcessAlive(state.DaemonPID) {
		pid := state.DaemonPID
		err = cliui.Step(out, "Stopping openmem service", func() error {
			return stopDaemon(pid)
		})
		if err != nil {
			return err
		}
	}
	_ = manager.ClearState()

	spawner := &startCommander{debug: c.debug, configDir: c.configDir}
	err = cliui.Step(out, "Starting openmem service", func() error {
		if err := spawner.spawnDaemon(ctx, manager); err != nil {
			return err
		}
		state, err = waitForDaemon(ctx, manager)
		return err
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s openmem is running\n", cliui.SuccessMark)
	printDaemonState(out, state)
	return nil
}
