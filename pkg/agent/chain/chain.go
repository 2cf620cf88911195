// Package chain assembles the configured extraction agents in fallback
// priority order.
package chain

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ucalyptus/open-mem/pkg/agent"
	"github.com/ucalyptus/open-mem/pkg/agent/claude"
	"github.com/ucalyptus/open-mem/pkg/agent/gemini"
	"github.com/ucalyptus/open-mem/pkg/agent/openrouter"
	"github.com/ucalyptus/open-mem/pkg/config"
)

// Build constructs the agent chain from configuration. The order of
// cfg.Agents.Chain is the fallback priority: index 0 is primary, each later
// entry is tried only after the previous one reports a terminated session.
// Unknown agent names are an error so typos fail at startup, not mid-session.
func Build(cfg *config.Config, procs *agent.ProcTable, logger *zap.Logger) ([]agent.Agent, error) {
	names := cfg.Agents.Chain
	if len(names) == 0 {
		names = []string{"claude", "gemini", "openrouter"}
	}

	agents := make([]agent.Agent, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			return nil, fmt.Errorf("agent %q listed twice in chain", name)
		}
		seen[name] = true

		switch name {
		case "claude":
			agents = append(agents, claude.New(cfg.Agents.ClaudeBin, cfg.Agents.ClaudeModel, procs, logger))
		case "gemini":
			agents = append(agents, gemini.New(cfg.Agents.GeminiBin, cfg.Agents.GeminiModel, procs, logger))
		case "openrouter":
			agents = append(agents, openrouter.New(
				cfg.Agents.OpenRouterAPIKey,
				cfg.Agents.OpenRouterModel,
				cfg.Agents.OpenRouterBaseURL,
				logger,
			))
		default:
			return nil, fmt.Errorf("unknown agent %q in chain", name)
		}
	}
	return agents, nil
}
