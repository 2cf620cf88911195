package agent

import (
	"fmt"
	"strings"

	"github.com/ucalyptus/open-mem/pkg/memory"
	"github.com/ucalyptus/open-mem/pkg/utils"
)

// PromptPosition selects the preamble for a call.
type PromptPosition int

const (
	// PositionInit is the first call of a session that has no memory session
	// yet.
	PositionInit PromptPosition = iota

	// PositionContinuation is the first call of a run for a session whose
	// memory session already exists but whose in-memory history is gone,
	// i.e. re-attach after a restart or fallback.
	PositionContinuation

	// PositionFollowup is any later call within the same run.
	PositionFollowup
)

// maxPayloadBytes bounds how much of a tool payload is quoted in a prompt.
const maxPayloadBytes = 8192

const observationInstruction = `Extract the noteworthy facts from this tool call as observations.
Respond with a fenced JSON array, each element {"kind": "change|discovery|decision", "title": "...", "body": "...", "files": ["..."]}.
Only include observations worth remembering across sessions. An empty array is a valid answer.`

const summarizeInstruction = `The session is over. Summarize it for future reference.
Respond with a fenced JSON object {"request": "what was asked", "outcome": "what happened", "learned": "anything worth carrying forward"}.`

// BuildPrompt renders the prompt for one message. The preamble varies by
// position; the body varies by message kind.
func BuildPrompt(pos PromptPosition, sess Session, msg *memory.PendingMessage) string {
	var sb strings.Builder

	switch pos {
	case PositionInit:
		sb.WriteString("You are the memory layer of a coding agent. ")
		sb.WriteString("You watch one coding session and record durable observations about the work.\n")
		if sess.Project() != "" {
			fmt.Fprintf(&sb, "Project: %s\n", sess.Project())
		}
		if sess.UserPrompt() != "" {
			fmt.Fprintf(&sb, "The session began with this request: %s\n", utils.Truncate(sess.UserPrompt(), maxPayloadBytes))
		}
		sb.WriteString("\n")
	case PositionContinuation:
		sb.WriteString("You are the memory layer of a coding agent, resuming a session you were already observing. ")
		sb.WriteString("Earlier context may be gone; rely on the session record below.\n")
		if sess.Project() != "" {
			fmt.Fprintf(&sb, "Project: %s\n", sess.Project())
		}
		sb.WriteString("\n")
	case PositionFollowup:
		// No preamble; the provider context carries it.
	}

	switch msg.Kind {
	case memory.KindSummarize:
		if msg.LastAssistantMessage != "" {
			fmt.Fprintf(&sb, "Final assistant message:\n%s\n\n", utils.Truncate(msg.LastAssistantMessage, maxPayloadBytes))
		}
		sb.WriteString(summarizeInstruction)
	default:
		fmt.Fprintf(&sb, "Tool call #%d: %s\n", msg.PromptNumber, msg.ToolName)
		if msg.ToolInput != "" {
			fmt.Fprintf(&sb, "Input:\n%s\n", utils.Truncate(msg.ToolInput, maxPayloadBytes))
		}
		if msg.ToolResponse != "" {
			fmt.Fprintf(&sb, "Response:\n%s\n", utils.Truncate(msg.ToolResponse, maxPayloadBytes))
		}
		sb.WriteString("\n")
		sb.WriteString(observationInstruction)
	}

	return sb.String()
}

// RenderHistory flattens history turns into a plain-text transcript block for
// stateless providers that cannot resume a server-side session.
func RenderHistory(turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Prior exchanges in this session:\n")
	for _, t := range turns {
		fmt.Fprintf(&sb, "[%s] %s\n", t.Role, utils.Truncate(t.Text, 2048))
	}
	sb.WriteString("\n")
	return sb.String()
}
