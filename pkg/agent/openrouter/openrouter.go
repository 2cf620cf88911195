// Package openrouter runs extraction through the OpenRouter chat-completions
// API, the last fallback when no local agent CLI works.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ucalyptus/open-mem/pkg/agent"
	"github.com/ucalyptus/open-mem/pkg/utils"
)

const agentName = "openrouter"

// Agent is the second fallback extraction agent.
type Agent struct {
	runner *agent.Runner
}

// New creates an openrouter agent. baseURL may be empty to use the public
// endpoint.
func New(apiKey, model, baseURL string, logger *zap.Logger) *Agent {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &Agent{runner: agent.NewRunner(&caller{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 2 * time.Minute},
		logger:  logger.Named(agentName),
	})}
}

func (a *Agent) Name() string { return agentName }

func (a *Agent) StartSession(ctx context.Context, sess agent.Session, w *agent.Worker) error {
	return a.runner.Run(ctx, sess, w)
}

func (a *Agent) EstimateTokens(text string) int { return agent.EstimateTokens(text) }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type caller struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func (c *caller) Name() string { return agentName }

func (c *caller) Call(ctx context.Context, req *agent.CallRequest) (*agent.CallResult, error) {
	if c.apiKey == "" {
		return nil, agent.NewFatal(agentName, errors.New("no API key configured"))
	}

	messages := make([]chatMessage, 0, len(req.History)+1)
	for _, t := range req.History {
		messages = append(messages, chatMessage{Role: t.Role, Content: t.Text})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	payload, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return nil, agent.NewTransient(agentName, fmt.Errorf("encoding request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, agent.NewTransient(agentName, fmt.Errorf("creating request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, agent.NewTransient(agentName, fmt.Errorf("calling API: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, agent.NewTransient(agentName, fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		detail := utils.Truncate(strings.TrimSpace(string(data)), 512)
		statusErr := fmt.Errorf("status %d: %s", resp.StatusCode, detail)
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, agent.NewFatal(agentName, statusErr)
		default:
			return nil, agent.NewTransient(agentName, statusErr)
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, agent.NewTransient(agentName, fmt.Errorf("parsing response: %w", err))
	}
	if parsed.Error != nil {
		return nil, agent.NewTransient(agentName, errors.New(utils.Truncate(parsed.Error.Message, 512)))
	}
	if len(parsed.Choices) == 0 {
		return nil, agent.NewTransient(agentName, errors.New("empty choices"))
	}

	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if text == "" {
		return nil, agent.NewTransient(agentName, errors.New("empty response"))
	}

	// No provider session; the runner mints a memory session id.
	return &agent.CallResult{Text: text}, nil
}
