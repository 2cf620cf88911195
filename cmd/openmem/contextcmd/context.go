// Package contextcmder provides the context command for printing recent
// recorded memory for a project.
package contextcmder

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ucalyptus/open-mem/pkg/cliui"
	"github.com/ucalyptus/open-mem/pkg/config"
	"github.com/ucalyptus/open-mem/pkg/git"
	"github.com/ucalyptus/open-mem/pkg/hook"
	"github.com/ucalyptus/open-mem/pkg/start"
)

const contextLongDesc string = `Print recent recorded memory for a project.

Fetches the most recent observations and session summaries from the openmem
service and renders them as markdown. This is the same context the
SessionStart hook injects into new coding sessions.

The project defaults to the current git repository name.

Examples:
  openmem context
  openmem context --project open-mem
  openmem context --limit 5 --raw`

const contextShortDesc string = "Print recent memory for a project"

type contextCommander struct {
	project string
	limit   int
	raw     bool

	apiTarget string
}

func NewContextCmd() *cobra.Command {
	cmder := &contextCommander{}

	cmd := &cobra.Command{
		Use:   "context",
		Short: contextShortDesc,
		Long:  contextLongDesc,
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			configDir, _ := cmd.Flags().GetString("config-dir")

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
				if state := loadState(configDir); state != nil && state.APIURL != "" {
					cmder.apiTarget = state.APIURL
				}
			}
			if !cmd.Flags().Changed("project") {
				cmder.project = git.ProjectName("")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run(cmd.Context(), cmd.OutOrStdout())
		},
	}

	defaults := config.NewDefaultConfig()
	cmd.Flags().StringVarP(&cmder.project, "project", "p", "", "Project to fetch memory for (default: current repo)")
	cmd.Flags().IntVarP(&cmder.limit, "limit", "n", 10, "Maximum records per section")
	cmd.Flags().BoolVar(&cmder.raw, "raw", false, "Print plain markdown without terminal rendering")
	cmd.Flags().StringVar(&cmder.apiTarget, "api-target", defaults.Client.APITarget, "Openmem API server URL")

	return cmd
}

func (c *contextCommander) run(ctx context.Context, out io.Writer) error {
	client := hook.NewClient(c.apiTarget)

	resp, err := client.RecentContext(ctx, c.project, c.limit)
	if err != nil {
		return fmt.Errorf("fetching context: %w", err)
	}

	markdown := hook.FormatContext(resp)
	if c.raw {
		fmt.Fprint(out, markdown)
		return nil
	}

	rendered, err := cliui.RenderMarkdown(markdown)
	if err != nil {
		fmt.Fprint(out, markdown)
		return nil
	}
	fmt.Fprint(out, rendered)
	return nil
}

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
