// Package claude runs extraction through the claude CLI, resuming one
// provider-side conversation per session.
package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/ucalyptus/open-mem/pkg/agent"
	"github.com/ucalyptus/open-mem/pkg/utils"
)

const agentName = "claude"

// Agent is the primary extraction agent.
type Agent struct {
	runner *agent.Runner
}

// New creates a claude agent shelling out to bin. Model may be empty to use
// the CLI's default.
func New(bin, model string, procs *agent.ProcTable, logger *zap.Logger) *Agent {
	return &Agent{runner: agent.NewRunner(&caller{
		bin:    bin,
		model:  model,
		procs:  procs,
		logger: logger.Named(agentName),
	})}
}

func (a *Agent) Name() string { return agentName }

func (a *Agent) StartSession(ctx context.Context, sess agent.Session, w *agent.Worker) error {
	return a.runner.Run(ctx, sess, w)
}

func (a *Agent) EstimateTokens(text string) int { return agent.EstimateTokens(text) }

// result is the CLI's --output-format json envelope.
type result struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	IsError   bool   `json:"is_error"`
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
}

type caller struct {
	bin    string
	model  string
	procs  *agent.ProcTable
	logger *zap.Logger
}

func (c *caller) Name() string { return agentName }

func (c *caller) Call(ctx context.Context, req *agent.CallRequest) (*agent.CallResult, error) {
	args := []string{"-p", req.Prompt, "--output-format", "json"}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	if req.ResumeID != "" {
		args = append(args, "--resume", req.ResumeID)
	}

	// #nosec G204 -- the binary is operator-configured, arguments are built here.
	cmd := exec.CommandContext(ctx, c.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || os.IsNotExist(err) {
			return nil, agent.NewFatal(agentName, fmt.Errorf("binary %q not found: %w", c.bin, err))
		}
		return nil, agent.NewTransient(agentName, fmt.Errorf("starting %s: %w", c.bin, err))
	}

	pid := cmd.Process.Pid
	c.procs.Register(req.SessionID, pid)
	defer c.procs.Unregister(pid)

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		detail = utils.Truncate(detail, 512)
		if conversationLost(detail) {
			return nil, agent.NewSessionTerminated(agentName, errors.New(detail))
		}
		return nil, agent.NewTransient(agentName, fmt.Errorf("%w: %s", waitErr, detail))
	}

	var res result
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		c.logger.Debug("unparseable CLI output", zap.String("output", utils.Truncate(stdout.String(), 256)))
		return nil, agent.NewTransient(agentName, fmt.Errorf("parsing CLI output: %w", err))
	}
	if res.IsError {
		detail := utils.Truncate(res.Result, 512)
		if conversationLost(detail) {
			return nil, agent.NewSessionTerminated(agentName, errors.New(detail))
		}
		return nil, agent.NewTransient(agentName, errors.New(detail))
	}

	return &agent.CallResult{Text: res.Result, ProviderSessionID: res.SessionID}, nil
}

// conversationLost matches the CLI's wording when a resume id no longer
// resolves to a conversation.
func conversationLost(s string) bool {
	l := strings.ToLower(s)
	return strings.Contains(l, "no conversation found") ||
		strings.Contains(l, "session not found")
}
