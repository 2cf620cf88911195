package startcmder

import (
	"errors"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ucalyptus/open-mem/pkg/cliui"
	"github.com/ucalyptus/open-mem/pkg/start"
)

const stopLongDesc = `Stop the running openmem service.

Sends SIGTERM and waits for the daemon to drain in-flight extraction work and
exit, escalating to SIGKILL if it does not. Queued messages survive in the
sqlite store and are recovered on the next start.

Examples:
  openmem stop
`

const stopShortDesc = "Stop the openmem service"

type stopCommander struct {
	configDir string
}

func NewStopCmd() *cobra.Command {
	cmder := &stopCommander{}

	cmd := &cobra.Command{
		Use:   "stop",
		Short: stopShortDesc,
		Long:  stopLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.configDir, err = cmd.Flags().GetString("config-dir")
			if err != nil {
				return fmt.Errorf("could not get config-dir flag: %w", err)
			}
			return cmder.run(cmd.OutOrStdout())
		},
	}

	return cmd
}

func (c *stopCommander) run(out io.Writer) error {
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

	if state == nil || !start.ProcessAlive(state.DaemonPID) {
		_ = manager.ClearState()
		fmt.Fprintln(out, "openmem is not running")
		return nil
	}

	pid := state.DaemonPID
	err = cliui.Step(out, "Stopping openmem service", func() error {
		return stopDaemon(pid)
	})
	if err != nil {
		return err
	}

	_ = manager.ClearState()
	fmt.Fprintf(out, "%s openmem stopped (pid %d)\n", cliui.SuccessMark, pid)
	return nil
}

// stopDaemon terminates the daemon and waits for its process to exit. The
// daemon drains consumers on SIGTERM, so the wait covers the drain window.
// A daemon that outlives the window is killed outright; queued work is safe
// in the store either way.
func stopDaemon(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("signaling daemon: %w", err)
	}

	if waitForExit(pid, 45*time.Second) {
		return nil
	}

	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing daemon: %w", err)
	}
	if waitForExit(pid, 5*time.Second) {
		return nil
	}
	return fmt.Errorf("daemon (pid %d) survived SIGKILL", pid)
}

func waitForExit(pid int, window time.Duration) bool {
	deadline := time.After(window)
	for start.ProcessAlive(pid) {
		select {
		case <-deadline:
			return false
		case <-time.After(200 * time.Millisecond):
		}
	}
	return true
}
