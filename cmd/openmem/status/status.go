// Package statuscmder provides the status command for inspecting the running
// openmem service and its processing state.
package statuscmder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ucalyptus/open-mem/api"
	"github.com/ucalyptus/open-mem/pkg/cliui"
	"github.com/ucalyptus/open-mem/pkg/config"
	"github.com/ucalyptus/open-mem/pkg/eventstream"
	"github.com/ucalyptus/open-mem/pkg/sse"
	"github.com/ucalyptus/open-mem/pkg/start"
)

const statusLongDesc string = `Show the openmem service and processing state.

Reports whether the daemon is running, the API address it serves, and the
aggregate processing snapshot: active sessions, queue depth, and whether
extraction consumers are currently working.

With --watch, subscribes to the daemon's status stream and prints a line for
every processing-state change until interrupted.

Examples:
  openmem status
  openmem status --watch
  openmem status --api-target http://127.0.0.1:37777`

const statusShortDesc string = "Show service and processing status"

type statusCommander struct {
	watch     bool
	apiTarget string
	configDir string
}

func NewStatusCmd() *cobra.Command {
	cmder := &statusCommander{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: statusShortDesc,
		Long:  statusLongDesc,
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			configDir, _ := cmd.Flags().GetString("config-dir")
			cmder.configDir = configDir

			cfger, err := config.NewConfiger(configDir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			cfg, err := cfger.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			if !cmd.Flags().Changed("api-target") {
				cmder.apiTarget = cfg.Client.APITarget
				// The daemon records the address it actually bound, which
				// wins over the configured default.
				if state := loadState(configDir); state != nil && state.APIURL != "" {
					cmder.apiTarget = state.APIURL
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.watch, err = cmd.Flags().GetBool("watch")
			if err != nil {
				return fmt.Errorf("could not get watch flag: %w", err)
			}

			if cmder.watch {
				return cmder.runWatch(cmd.Context(), cmd.OutOrStdout())
			}
			return cmder.run(cmd.Context(), cmd.OutOrStdout())
		},
	}

	defaults := config.NewDefaultConfig()
	cmd.Flags().BoolVarP(&cmder.watch, "watch", "w", false, "Stream status updates until interrupted")
	cmd.Flags().StringVar(&cmder.apiTarget, "api-target", defaults.Client.APITarget, "Openmem API server URL")

	return cmd
}

func (c *statusCommander) run(ctx context.Context, out io.Writer) error {
	state := loadState(c.configDir)
	if state != nil && start.ProcessAlive(state.DaemonPID) {
		fmt.Fprintf(out, "\n  %s openmem is running\n", cliui.SuccessMark)
		fmt.Fprintf(out, "  %s  %s\n", cliui.KeyStyle.Render("pid"), cliui.ValueStyle.Render(strconv.Itoa(state.DaemonPID)))
		fmt.Fprintf(out, "  %s  %s\n", cliui.KeyStyle.Render("api"), cliui.ValueStyle.Render(state.APIURL))
		if !state.StartedAt.IsZero() {
			uptime := time.Since(state.StartedAt).Round(time.Second)
			fmt.Fprintf(out, "  %s  %s\n", cliui.KeyStyle.Render("up "), cliui.ValueStyle.Render(uptime.String()))
		}
		fmt.Fprintf(out, "  %s  %s\n", cliui.KeyStyle.Render("log"), cliui.DimStyle.Render(state.LogPath))
	} else {
		fmt.Fprintf(out, "\n  %s openmem is not running. Start it with: openmem start\n\n", cliui.DimStyle.Render("●"))
		return nil
	}

	status, err := fetchStatus(ctx, c.apiTarget)
	if err != nil {
		fmt.Fprintf(out, "\n  %s %v\n\n", cliui.WarnStyle.Render("api unreachable:"), err)
		return nil
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "  %s  %s\n", cliui.KeyStyle.Render("processing"), renderProcessing(status.IsProcessing))
	fmt.Fprintf(out, "  %s  %s\n", cliui.KeyStyle.Render("sessions  "), cliui.ValueStyle.Render(strconv.FormatInt(status.ActiveSessions, 10)))
	fmt.Fprintf(out, "  %s  %s\n", cliui.KeyStyle.Render("queue     "), cliui.ValueStyle.Render(strconv.FormatInt(status.QueueDepth, 10)))
	fmt.Fprintln(out)
	return nil
}

// runWatch tails the daemon's SSE status stream, one line per update.
func (c *statusCommander) runWatch(ctx context.Context, out io.Writer) error {
	streamURL := strings.TrimRight(c.apiTarget, "/") + "/v1/status/stream"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return fmt.Errorf("creating stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// No timeout: the stream stays open until interrupted.
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to openmem API at %s: %w", c.apiTarget, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status stream request failed (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	reader := sse.NewReader(resp.Body)
	for {
		event, err := reader.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading status stream: %w", err)
		}
		if event == nil {
			return nil
		}
		if event.Type != "status" {
			continue
		}

		var status eventstream.ProcessingStatusEvent
		if err := json.Unmarshal([]byte(event.Data), &status); err != nil {
			fmt.Fprintf(out, "  %s %v\n", cliui.WarnStyle.Render("bad event:"), err)
			continue
		}

		fmt.Fprintf(out, "  %s  %s  %s %s  %s %s\n",
			cliui.DimStyle.Render(status.EmittedAt.Local().Format("15:04:05")),
			renderProcessing(status.IsProcessing),
			cliui.KeyStyle.Render("sessions"),
			cliui.ValueStyle.Render(strconv.FormatInt(status.ActiveSessions, 10)),
			cliui.KeyStyle.Render("queue"),
			cliui.ValueStyle.Render(strconv.FormatInt(status.QueueDepth, 10)),
		)
	}
}

func renderProcessing(isProcessing bool) string {
	if isProcessing {
		return cliui.ValueStyle.Render("working")
	}
	return cliui.DimStyle.Render("idle")
}

func fetchStatus(ctx context.Context, apiTarget string) (*api.StatusResponse, error) {
	statusURL := strings.TrimRight(apiTarget, "/") + "/v1/status"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating status request: %w", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status request failed (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var status api.StatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w", err)
	}
	return &status, nil
}

// loadState reads daemon state best-effort; status rendering treats a missing
// or unreadable state file as "not running".
func loadState(configDir string) *start.State {
	manager, err := start.NewManager(configDir)
	if err != nil {
		return nil
	}
	state, err := manager.LoadState()
	if err != nil {
		return nil
	}
	return state
}
