// Package searchcmder provides the search command for keyword search over
// recorded session memory.
package searchcmder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	apisearch "github.com/ucalyptus/open-mem/api/search"
	"github.com/ucalyptus/open-mem/pkg/config"
	"github.com/ucalyptus/open-mem/pkg/start"
	"github.com/ucalyptus/open-mem/pkg/utils"
)

var (
	rankStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Bold(true)
	kindStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	projectStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Bold(true)
	detailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Bold(true)
	queryStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type searchCommander struct {
	query string
	limit int
	quiet bool

	apiTarget string
	configDir string
}

const searchLongDesc string = `Search recorded memory via the openmem API.

Keyword search over observations and summaries recorded from past sessions,
most recent first. Requires a running openmem service.

Use --quiet to output only titles, one per line, for piping.

Examples:
  openmem search "sqlite busy timeout"
  openmem search "retry suppression" --limit 20
  openmem search "wake path" --api-target http://127.0.0.1:37777`

const searchShortDesc string = "Search recorded session memory"

func NewSearchCmd() *cobra.Command {
	cmder := &searchCommander{}

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: searchShortDesc,
		Long:  searchLongDesc,
		Args:  cobra.ExactArgs(1),
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
				if state := loadState(configDir); state != nil && state.APIURL != "" {
					cmder.apiTarget = state.APIURL
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cmder.query = args[0]
			return cmder.run(cmd.Context(), cmd.OutOrStdout())
		},
	}

	defaults := config.NewDefaultConfig()
	cmd.Flags().IntVarP(&cmder.limit, "limit", "n", apisearch.DefaultLimit, "Number of results to return")
	cmd.Flags().BoolVarP(&cmder.quiet, "quiet", "q", false, "Output only titles, one per line (for piping)")
	cmd.Flags().StringVar(&cmder.apiTarget, "api-target", defaults.Client.APITarget, "Openmem API server URL")

	return cmd
}

func (c *searchCommander) run(ctx context.Context, out io.Writer) error {
	output, err := SearchAPI(ctx, c.apiTarget, c.query, c.limit)
	if err != nil {
		return err
	}

	if output.Count == 0 {
		if !c.quiet {
			fmt.Fprintln(out, "No results found.")
		}
		return nil
	}

	if c.quiet {
		for _, result := range output.Results {
			fmt.Fprintln(out, result.Title)
		}
		return nil
	}

	fmt.Fprintf(out, "\n%s %s\n\n",
		headerStyle.Render("Search results for:"),
		queryStyle.Render(fmt.Sprintf("%q", output.Query)),
	)

	for i, result := range output.Results {
		printResult(out, i+1, result)
	}

	return nil
}

func printResult(out io.Writer, rank int, result apisearch.Result) {
	when := ""
	if result.CreatedAtEpoch > 0 {
		when = time.Unix(result.CreatedAtEpoch, 0).Local().Format("2006-01-02 15:04")
	}

	fmt.Fprintf(out, "  %s  %s  %s  %s\n",
		rankStyle.Render(fmt.Sprintf("#%d", rank)),
		kindStyle.Render(result.Kind),
		projectStyle.Render(result.Project),
		dimStyle.Render(when),
	)
	fmt.Fprintf(out, "  %s\n", titleStyle.Render(result.Title))

	if result.Detail != "" {
		detail := strings.ReplaceAll(utils.Truncate(result.Detail, 160), "\n", " ")
		fmt.Fprintf(out, "  %s\n", detailStyle.Render(detail))
	}
	if result.Files != "" {
		fmt.Fprintf(out, "  %s %s\n", dimStyle.Render("files:"), dimStyle.Render(result.Files))
	}

	fmt.Fprintln(out)
}

// SearchAPI calls the openmem search endpoint and returns the parsed output.
func SearchAPI(ctx context.Context, apiTarget, query string, limit int) (*apisearch.Output, error) {
	searchURL, err := url.Parse(apiTarget)
	if err != nil {
		return nil, fmt.Errorf("invalid API target URL: %w", err)
	}
	searchURL.Path = "/v1/search"
	q := searchURL.Query()
	q.Set("q", query)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	searchURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating search request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to openmem API at %s: %w", apiTarget, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search request failed (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var output apisearch.Output
	if err := json.Unmarshal(body, &output); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	return &output, nil
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
