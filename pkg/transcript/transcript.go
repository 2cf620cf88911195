// Package transcript reads agent-CLI JSONL transcripts to recover assistant
// messages for end-of-session summarization.
package transcript

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
)

// Message represents the message field within a JSONL entry.
type Message struct {
	ID      string  `json:"id"`
	Role    string  `json:"role"`
	Model   string  `json:"model"`
	Content []Block `json:"content"`
}

// Block represents a content block in a transcript message.
type Block struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Entry represents a single line in an agent JSONL transcript.
type Entry struct {
	Type       string   `json:"type"`
	UUID       string   `json:"uuid"`
	ParentUUID *string  `json:"parentUuid"`
	Timestamp  string   `json:"timestamp"`
	SessionID  string   `json:"sessionId"`
	CWD        string   `json:"cwd"`
	Message    *Message `json:"message"`
}

// TextContent extracts the concatenated text from all text content blocks.
func (e *Entry) TextContent() string {
	if e.Message == nil {
		return ""
	}
	var sb strings.Builder
	for _, block := range e.Message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// Parse reads a JSONL transcript and returns its assistant entries. Entries
// are deduplicated by message ID, keeping the last (most complete) entry per
// message, since streaming writes the same message several times as its
// content grows. Malformed lines are skipped.
func Parse(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	byMessageID := make(map[string]Entry)
	var order []string

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024) // 10MB max line

	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}

		if entry.Type != "assistant" {
			continue
		}
		if entry.Message == nil || entry.Message.Role != "assistant" {
			continue
		}

		msgID := entry.Message.ID
		if msgID == "" {
			continue
		}

		if _, seen := byMessageID[msgID]; !seen {
			order = append(order, msgID)
		}
		byMessageID[msgID] = entry
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(order))
	for _, id := range order {
		entries = append(entries, byMessageID[id])
	}

	return entries, nil
}

// LastAssistantText returns the text of the final assistant message that has
// text content, or "" when the transcript holds none. Tool-use-only entries
// are skipped.
func LastAssistantText(path string) (string, error) {
	entries, err := Parse(path)
	if err != nil {
		return "", err
	}

	for i := len(entries) - 1; i >= 0; i-- {
		if text := entries[i].TextContent(); text != "" {
			return text, nil
		}
	}
	return "", nil
}
