// Package gemini runs extraction through the gemini CLI. The CLI has no
// resumable sessions, so every call replays the session history.
package gemini

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/ucalyptus/open-mem/pkg/agent"
	"github.com/ucalyptus/open-mem/pkg/utils"
)

const agentName = "gemini"

// Agent is the first fallback extraction agent.
type Agent struct {
	runner *agent.Runner
}

// New creates a gemini agent shelling out to bin.
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

type caller struct {
	bin    string
	model  string
	procs  *agent.ProcTable
	logger *zap.Logger
}

func (c *caller) Name() string { return agentName }

func (c *caller) Call(ctx context.Context, req *agent.CallRequest) (*agent.CallResult, error) {
	prompt := agent.RenderHistory(req.History) + req.Prompt

	args := []string{"-p", prompt}
	if c.model != "" {
		args = append(args, "--model", c.model)
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
		detail := utils.Truncate(strings.TrimSpace(stderr.String()), 512)
		return nil, agent.NewTransient(agentName, fmt.Errorf("%w: %s", waitErr, detail))
	}

	text := strings.TrimSpace(stdout.String())
	if text == "" {
		return nil, agent.NewTransient(agentName, errors.New("empty response"))
	}

	// No provider session; the runner mints a memory session id.
	return &agent.CallResult{Text: text}, nil
}
