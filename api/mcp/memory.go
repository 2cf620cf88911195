package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ucalyptus/open-mem/pkg/memory"
)

var (
	recentContextToolName    = "recent_context"
	recentContextDescription = "Load the most recent recorded observations and session summaries, optionally scoped to a project. Use this at the start of a session to pick up where previous sessions left off."
)

// RecentContextInput represents the input arguments for the MCP
// recent_context tool.
type RecentContextInput struct {
	Project string `json:"project,omitempty" jsonschema:"project name to scope the context to (default: all projects)"`
	Limit   int    `json:"limit,omitempty" jsonschema:"maximum number of records per kind (default: 20)"`
}

// RecentContextOutput represents the structured output of a context load.
type RecentContextOutput struct {
	Project      string               `json:"project,omitempty"`
	Observations []memory.Observation `json:"observations"`
	Summaries    []memory.Summary     `json:"summaries"`
}

// handleRecentContext serves the session-start read path: the newest records
// for a project, newest first.
func (s *Server) handleRecentContext(ctx context.Context, _ *mcp.CallToolRequest, input RecentContextInput) (*mcp.CallToolResult, RecentContextOutput, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}

	obs, err := s.config.Store.RecentObservations(ctx, input.Project, limit)
	if err != nil {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Loading observations failed: %v", err)},
			},
		}, RecentContextOutput{}, nil
	}

	sums, err := s.config.Store.RecentSummaries(ctx, input.Project, limit)
	if err != nil {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Loading summaries failed: %v", err)},
			},
		}, RecentContextOutput{}, nil
	}

	if obs == nil {
		obs = []memory.Observation{}
	}
	if sums == nil {
		sums = []memory.Summary{}
	}

	output := RecentContextOutput{
		Project:      input.Project,
		Observations: obs,
		Summaries:    sums,
	}

	jsonBytes, err := json.Marshal(output)
	if err != nil {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Failed to serialize results: %v", err)},
			},
		}, RecentContextOutput{}, nil
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(jsonBytes)},
		},
	}, output, nil
}
