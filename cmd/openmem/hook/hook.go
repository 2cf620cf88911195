// Package hookcmder provides the hook command, the single entry point agent
// hooks call. It reads one JSON event from stdin, forwards it to the openmem
// service, and always exits zero so a broken or stopped service never blocks
// the host agent.
package hookcmder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ucalyptus/open-mem/pkg/config"
	"github.com/ucalyptus/open-mem/pkg/git"
	"github.com/ucalyptus/open-mem/pkg/hook"
	"github.com/ucalyptus/open-mem/pkg/start"
)

const hookLongDesc string = `Forward an agent hook event to the openmem service.

Reads one JSON hook payload from stdin and routes it by hook_event_name:

  PostToolUse       queue the tool call as an observation
  UserPromptSubmit  record the prompt against the session
  Stop              queue an end-of-session summarize request
  SessionEnd        mark the session complete so its queue drains
  SessionStart      print recent project memory to stdout

Wire it into the agent's hook settings, for example:

  "hooks": {
    "PostToolUse": [{"hooks": [{"type": "command", "command": "openmem hook"}]}]
  }

The command exits zero even when the service is unreachable; hook failures
must never interrupt a coding session.`

const hookShortDesc string = "Forward an agent hook event from stdin"

// hookTimeout bounds one hook round trip. Hooks run inline with the agent,
// so a hung service must not stall the conversation.
const hookTimeout = 10 * time.Second

type hookCommander struct {
	apiTarget string
}

func NewHookCmd() *cobra.Command {
	cmder := &hookCommander{}

	cmd := &cobra.Command{
		Use:   "hook",
		Short: hookShortDesc,
		Long:  hookLongDesc,
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
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cmder.run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout()); err != nil {
				// Report and swallow: a hook that fails loudly breaks the
				// session it is observing.
				fmt.Fprintf(cmd.ErrOrStderr(), "openmem hook: %v\n", err)
			}
			return nil
		},
	}

	defaults := config.NewDefaultConfig()
	cmd.Flags().StringVar(&cmder.apiTarget, "api-target", defaults.Client.APITarget, "Openmem API server URL")

	return cmd
}

func (c *hookCommander) run(parent context.Context, in io.Reader, out io.Writer) error {
	data, err := io.ReadAll(io.LimitReader(in, hook.MaxEventBytes))
	if err != nil {
		return fmt.Errorf("reading hook event: %w", err)
	}
	if len(data) == 0 {
		return errors.New("empty hook event")
	}

	var env hook.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("parsing hook event: %w", err)
	}
	if env.SessionID == "" {
		return errors.New("hook event missing session_id")
	}

	ctx, cancel := context.WithTimeout(parent, hookTimeout)
	defer cancel()

	client := hook.NewClient(c.apiTarget)

	switch env.HookEventName {
	case hook.EventPostToolUse:
		return c.postToolUse(ctx, client, data)
	case hook.EventUserPromptSubmit:
		return c.userPrompt(ctx, client, data)
	case hook.EventStop:
		return c.stop(ctx, client, data)
	case hook.EventSessionEnd:
		return client.CompleteSession(ctx, env.SessionID)
	case hook.EventSessionStart:
		return c.sessionStart(ctx, client, data, out)
	default:
		// Unknown events are not errors; newer agents send more than we handle.
		return nil
	}
}

func (c *hookCommander) postToolUse(ctx context.Context, client *hook.Client, data []byte) error {
	var ev hook.PostToolUseEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("parsing post-tool-use event: %w", err)
	}
	if ev.ToolName == "" {
		return nil
	}

	_, err := client.PostObservation(ctx, &hook.ObservationRequest{
		ContentSessionID: ev.SessionID,
		Project:          git.ProjectName(ev.CWD),
		CWD:              ev.CWD,
		Tool: hook.ToolPayload{
			Name:     ev.ToolName,
			Input:    string(ev.ToolInput),
			Response: string(ev.ToolResponse),
		},
	})
	return err
}

func (c *hookCommander) userPrompt(ctx context.Context, client *hook.Client, data []byte) error {
	var ev hook.UserPromptEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("parsing user-prompt event: %w", err)
	}
	if ev.Prompt == "" {
		return nil
	}

	_, err := client.PostPrompt(ctx, &hook.PromptRequest{
		ContentSessionID: ev.SessionID,
		Prompt:           ev.Prompt,
		Project:          git.ProjectName(ev.CWD),
		CWD:              ev.CWD,
	})
	return err
}

func (c *hookCommander) stop(ctx context.Context, client *hook.Client, data []byte) error {
	var ev hook.StopEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("parsing stop event: %w", err)
	}
	// A stop fired by our own hook chain would loop forever.
	if ev.StopHookActive {
		return nil
	}

	_, err := client.PostSummarize(ctx, &hook.SummarizeRequest{
		ContentSessionID: ev.SessionID,
		CWD:              ev.CWD,
		TranscriptPath:   ev.TranscriptPath,
	})
	return err
}

// sessionStart prints recent project memory to stdout, which the host agent
// injects into the new session's context.
func (c *hookCommander) sessionStart(ctx context.Context, client *hook.Client, data []byte, out io.Writer) error {
	var ev hook.SessionStartEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("parsing session-start event: %w", err)
	}

	resp, err := client.RecentContext(ctx, git.ProjectName(ev.CWD), 0)
	if err != nil {
		return err
	}
	if len(resp.Observations) == 0 && len(resp.Summaries) == 0 {
		return nil
	}

	fmt.Fprint(out, hook.FormatContext(resp))
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
