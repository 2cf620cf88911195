// Package startcmder provides the start, stop, and restart commands for the
// openmem background service.
package startcmder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/ucalyptus/open-mem/pkg/cliui"
	"github.com/ucalyptus/open-mem/pkg/start"
)

const startLongDesc = `Start the openmem service in the background.

The service runs as a daemon: it owns the sqlite store, drains session queues
through the extraction agents, and serves the hook API. Subsequent commands
(status, context, search, hook) find it through the daemon state file.

Examples:
  openmem start
  openmem start --logs
`

const startShortDesc = "Start the openmem service in the background"

type startCommander struct {
	debug     bool
	configDir string
	logs      bool
}

func NewStartCmd() *cobra.Command {
	cmder := &startCommander{}

	cmd := &cobra.Command{
		Use:   "start",
		Short: startShortDesc,
		Long:  startLongDesc,
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
			cmder.logs, err = cmd.Flags().GetBool("logs")
			if err != nil {
				return fmt.Errorf("could not get logs flag: %w", err)
			}

			if cmder.logs {
				return cmder.runLogs(cmd.Context(), cmd.OutOrStdout())
			}
			return cmder.runStart(cmd.Context(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().Bool("logs", false, "Stream logs from the running openmem service")

	return cmd
}

func (c *startCommander) runStart(ctx context.Context, out io.Writer) error {
	manager, err := start.NewManager(c.configDir)
	if err != nil {
		return err
	}

	state, err := loadHealthyState(ctx, manager)
	if err != nil {
		return err
	}
	if state != nil {
		fmt.Fprintf(out, "%s openmem is already running\n", cliui.SuccessMark)
		printDaemonState(out, state)
		return nil
	}

	err = cliui.Step(out, "Starting openmem service", func() error {
		if err := c.spawnDaemon(ctx, manager); err != nil {
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

func (c *startCommander) runLogs(ctx context.Context, out io.Writer) error {
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
	if !stateHealthy(ctx, state) {
		return errors.New("openmem is not running")
	}

	logPath := manager.LogPath
	if state != nil && state.LogPath != "" {
		logPath = state.LogPath
	}

	if _, err := os.Stat(logPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errors.New("no service logs found")
		}
		return fmt.Errorf("checking log file: %w", err)
	}

	return followLog(ctx, logPath, out)
}

// spawnDaemon launches "openmem serve --daemon" detached, writing its output
// to the daemon log file.
func (c *startCommander) spawnDaemon(ctx context.Context, manager *start.Manager) error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable: %w", err)
	}

	logFile, err := os.OpenFile(manager.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}

	args := []string{"serve", "--daemon"}
	if c.debug {
		args = append(args, "--debug")
	}
	if c.configDir != "" {
		args = append(args, "--config-dir", c.configDir)
	}

	cmd := exec.CommandContext(ctx, execPath, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return fmt.Errorf("starting daemon: %w", err)
	}
	go func() {
		_ = cmd.Wait()
	}()
	return logFile.Close()
}

func waitForDaemon(ctx context.Context, manager *start.Manager) (*start.State, error) {
	deadline := time.After(15 * time.Second)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, errors.New("timed out waiting for daemon")
		default:
		}

		lock, err := manager.Lock()
		if err != nil {
			return nil, err
		}
		state, err := manager.LoadState()
		_ = lock.Release()
		if err != nil {
			return nil, err
		}
		if state != nil && stateHealthy(ctx, state) {
			return state, nil
		}
		time.Sleep(300 * time.Millisecond)
	}
}

// loadHealthyState returns the daemon state when the daemon it names is
// alive and serving, and clears stale state otherwise.
func loadHealthyState(ctx context.Context, manager *start.Manager) (*start.State, error) {
	lock, err := manager.Lock()
	if err != nil {
		return nil, err
	}

	state, err := manager.LoadState()
	if err != nil {
		_ = lock.Release()
		return nil, err
	}

	if !stateHealthy(ctx, state) {
		_ = manager.ClearState()
		state = nil
	}

	if err := lock.Release(); err != nil {
		return nil, err
	}
	return state, nil
}

func stateHealthy(ctx context.Context, state *start.State) bool {
	if state == nil || state.DaemonPID == 0 || state.APIURL == "" {
		return false
	}
	if !start.ProcessAlive(state.DaemonPID) {
		return false
	}
	return apiReachable(ctx, state.APIURL)
}

func apiReachable(ctx context.Context, apiURL string) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	url := strings.TrimRight(apiURL, "/") + "/ping"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func printDaemonState(out io.Writer, state *start.State) {
	fmt.Fprintf(out, "  %s  %s\n", cliui.KeyStyle.Render("pid"), cliui.ValueStyle.Render(strconv.Itoa(state.DaemonPID)))
	fmt.Fprintf(out, "  %s  %s\n", cliui.KeyStyle.Render("api"), cliui.ValueStyle.Render(state.APIURL))
	fmt.Fprintf(out, "  %s  %s\n", cliui.KeyStyle.Render("log"), cliui.DimStyle.Render(state.LogPath))
}

func followLog(ctx context.Context, path string, out io.Writer) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer file.Close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating log watcher: %w", err)
	}
	defer watcher.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat log file: %w", err)
	}

	if _, err := file.Seek(stat.Size(), io.SeekStart); err != nil {
		return fmt.Errorf("seek log file: %w", err)
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching log dir: %w", err)
	}

	buf := make([]byte, 4096)
	readAvailable := func() error {
		for {
			n, err := file.Read(buf)
			if n > 0 {
				if _, writeErr := out.Write(buf[:n]); writeErr != nil {
					return writeErr
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
		}
	}

	if err := readAvailable(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-watcher.Events:
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := readAvailable(); err != nil {
				return err
			}
		case err := <-watcher.Errors:
			return fmt.Errorf("log watcher error: %w", err)
		}
	}
}
