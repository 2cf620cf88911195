package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ucalyptus/open-mem/pkg/memory"
)

// Client posts hook events to the openmem API.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the API at base, e.g. "http://127.0.0.1:37777".
func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// ObservationRequest mirrors POST /v1/queue/observation.
type ObservationRequest struct {
	ContentSessionID string      `json:"content_session_id"`
	Project          string      `json:"project,omitempty"`
	CWD              string      `json:"cwd,omitempty"`
	UserPrompt       string      `json:"user_prompt,omitempty"`
	Tool             ToolPayload `json:"tool"`
}

// ToolPayload carries the tool call being observed.
type ToolPayload struct {
	Name     string `json:"name"`
	Input    string `json:"input,omitempty"`
	Response string `json:"response,omitempty"`
}

// SummarizeRequest mirrors POST /v1/queue/summarize.
type SummarizeRequest struct {
	ContentSessionID     string `json:"content_session_id"`
	CWD                  string `json:"cwd,omitempty"`
	LastAssistantMessage string `json:"last_assistant_message,omitempty"`
	TranscriptPath       string `json:"transcript_path,omitempty"`
}

// PromptRequest mirrors POST /v1/sessions/prompt.
type PromptRequest struct {
	ContentSessionID string `json:"content_session_id"`
	Prompt           string `json:"prompt"`
	Project          string `json:"project,omitempty"`
	CWD              string `json:"cwd,omitempty"`
}

// CompleteRequest mirrors POST /v1/sessions/complete.
type CompleteRequest struct {
	ContentSessionID string `json:"content_session_id"`
}

// EnqueueResponse is returned by the queue routes.
type EnqueueResponse struct {
	MessageID int64 `json:"message_id"`
	SessionID int64 `json:"session_id"`
}

// PromptResponse is returned by the prompt route.
type PromptResponse struct {
	PromptNumber int `json:"prompt_number"`
}

// ContextResponse is returned by GET /v1/context: the most recent records
// for a project, newest first.
type ContextResponse struct {
	Project      string               `json:"project"`
	Observations []memory.Observation `json:"observations"`
	Summaries    []memory.Summary     `json:"summaries"`
}

// PostObservation enqueues a tool observation.
func (c *Client) PostObservation(ctx context.Context, req *ObservationRequest) (*EnqueueResponse, error) {
	var resp EnqueueResponse
	if err := c.post(ctx, "/v1/queue/observation", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostSummarize enqueues an end-of-session summarize request.
func (c *Client) PostSummarize(ctx context.Context, req *SummarizeRequest) (*EnqueueResponse, error) {
	var resp EnqueueResponse
	if err := c.post(ctx, "/v1/queue/summarize", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostPrompt records a user prompt against the session.
func (c *Client) PostPrompt(ctx context.Context, req *PromptRequest) (*PromptResponse, error) {
	var resp PromptResponse
	if err := c.post(ctx, "/v1/sessions/prompt", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CompleteSession tells the service the session is over so its queue can
// drain and close.
func (c *Client) CompleteSession(ctx context.Context, contentSessionID string) error {
	return c.post(ctx, "/v1/sessions/complete", CompleteRequest{ContentSessionID: contentSessionID}, nil)
}

// RecentContext fetches the most recent records for a project.
func (c *Client) RecentContext(ctx context.Context, project string, limit int) (*ContextResponse, error) {
	q := url.Values{}
	if project != "" {
		q.Set("project", project)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp ContextResponse
	if err := c.get(ctx, "/v1/context?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ping reports whether the API answers the health check.
func (c *Client) Ping(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/ping", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("querying API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading API response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing API response: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting to API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading API response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing API response: %w", err)
	}
	return nil
}
