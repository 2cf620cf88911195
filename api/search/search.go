// Package search provides shared search types and logic for keyword search
// over recorded session memory. It is used by both the REST API endpoint and
// the MCP server tool.
package search

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/ucalyptus/open-mem/pkg/memory"
	"github.com/ucalyptus/open-mem/pkg/store"
	"github.com/ucalyptus/open-mem/pkg/utils"
)

// DefaultLimit is the result cap applied when the caller does not set one.
const DefaultLimit = 10

// Result is a single matching record, observation or summary.
type Result struct {
	Kind           string `json:"kind"`
	SessionID      int64  `json:"session_id"`
	Project        string `json:"project,omitempty"`
	Title          string `json:"title"`
	Detail         string `json:"detail,omitempty"`
	Files          string `json:"files,omitempty"`
	CreatedAtEpoch int64  `json:"created_at_epoch"`
}

// Output represents the output of a search operation.
type Output struct {
	Query   string   `json:"query"`
	Results []Result `json:"results"`
	Count   int      `json:"count"`
}

// Search performs a keyword search over recorded observations and summaries,
// returning the merged matches most recent first, capped at limit.
func Search(ctx context.Context, st *store.Store, query string, limit int, logger *zap.Logger) (*Output, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	logger.Debug("search request",
		zap.String("query", query),
		zap.Int("limit", limit),
	)

	obs, sums, err := st.SearchRecords(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search records: %w", err)
	}

	results := make([]Result, 0, len(obs)+len(sums))
	for _, o := range obs {
		results = append(results, observationResult(o))
	}
	for _, sum := range sums {
		results = append(results, summaryResult(sum))
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAtEpoch > results[j].CreatedAtEpoch
	})
	if len(results) > limit {
		results = results[:limit]
	}

	return &Output{
		Query:   query,
		Results: results,
		Count:   len(results),
	}, nil
}

func observationResult(o memory.Observation) Result {
	return Result{
		Kind:           "observation",
		SessionID:      o.SessionID,
		Project:        o.Project,
		Title:          o.Title,
		Detail:         o.Body,
		Files:          o.Files,
		CreatedAtEpoch: o.CreatedAtEpoch,
	}
}

// summaryResult flattens a summary into the shared result shape: the request
// line becomes the title and the outcome (plus anything learned) the detail.
func summaryResult(sum memory.Summary) Result {
	detail := sum.Outcome
	if sum.Learned != "" {
		if detail != "" {
			detail += "\n\n"
		}
		detail += sum.Learned
	}
	return Result{
		Kind:           "summary",
		SessionID:      sum.SessionID,
		Project:        sum.Project,
		Title:          utils.FirstLine(sum.Request),
		Detail:         detail,
		CreatedAtEpoch: sum.CreatedAtEpoch,
	}
}
