// Package hook decodes agent lifecycle hook payloads and forwards them to
// the openmem API. Hook processes are short-lived: they read one JSON event
// from stdin, post it, and exit.
package hook

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxEventBytes bounds a single stdin payload. Tool responses can carry whole
// file contents, so the limit is generous.
const MaxEventBytes = 10 * 1024 * 1024

// Hook event names as the host agent sends them.
const (
	EventPostToolUse      = "PostToolUse"
	EventUserPromptSubmit = "UserPromptSubmit"
	EventStop             = "Stop"
	EventSessionStart     = "SessionStart"
	EventSessionEnd       = "SessionEnd"
)

// Envelope is the common prefix of every hook payload, decoded first to
// route the raw bytes to the right event type.
type Envelope struct {
	SessionID     string `json:"session_id"`
	HookEventName string `json:"hook_event_name"`
}

// PostToolUseEvent is the stdin payload of a post-tool-use hook.
type PostToolUseEvent struct {
	SessionID      string          `json:"session_id"`
	TranscriptPath string          `json:"transcript_path,omitempty"`
	CWD            string          `json:"cwd,omitempty"`
	HookEventName  string          `json:"hook_event_name,omitempty"`
	ToolName       string          `json:"tool_name"`
	ToolInput      json.RawMessage `json:"tool_input,omitempty"`
	ToolResponse   json.RawMessage `json:"tool_response,omitempty"`
}

// UserPromptEvent is the stdin payload of a user-prompt-submit hook.
type UserPromptEvent struct {
	SessionID     string `json:"session_id"`
	CWD           string `json:"cwd,omitempty"`
	HookEventName string `json:"hook_event_name,omitempty"`
	Prompt        string `json:"prompt"`
}

// StopEvent is the stdin payload of a stop hook, fired when the assistant
// finishes responding. The transcript path feeds the summarize fallback.
type StopEvent struct {
	SessionID      string `json:"session_id"`
	CWD            string `json:"cwd,omitempty"`
	HookEventName  string `json:"hook_event_name,omitempty"`
	TranscriptPath string `json:"transcript_path,omitempty"`
	StopHookActive bool   `json:"stop_hook_active,omitempty"`
}

// SessionStartEvent is the stdin payload of a session-start hook.
type SessionStartEvent struct {
	SessionID     string `json:"session_id"`
	CWD           string `json:"cwd,omitempty"`
	HookEventName string `json:"hook_event_name,omitempty"`
	Source        string `json:"source,omitempty"`
}

// SessionEndEvent is the stdin payload of a session-end hook.
type SessionEndEvent struct {
	SessionID      string `json:"session_id"`
	CWD            string `json:"cwd,omitempty"`
	HookEventName  string `json:"hook_event_name,omitempty"`
	TranscriptPath string `json:"transcript_path,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Decode reads one JSON event from r into v.
func Decode(r io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(r, MaxEventBytes))
	if err != nil {
		return fmt.Errorf("reading hook event: %w", err)
	}
	if len(data) == 0 {
		return errors.New("empty hook event")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing hook event: %w", err)
	}
	return nil
}
