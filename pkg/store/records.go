package store

import (
	"context"
	"fmt"

	"github.com/ucalyptus/open-mem/pkg/memory"
)

// ObservationsForSession returns a session's observations oldest-first, the
// order an agent wants them when rebuilding context.
func (s *Store) ObservationsForSession(ctx context.Context, sessionID int64) ([]memory.Observation, error) {
	var obs []memory.Observation
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at_epoch ASC, id ASC").
		Find(&obs).Error
	if err != nil {
		return nil, fmt.Errorf("observations for session: %w", err)
	}
	return obs, nil
}

// SummariesForSession returns a session's summaries oldest-first.
func (s *Store) SummariesForSession(ctx context.Context, sessionID int64) ([]memory.Summary, error) {
	var sums []memory.Summary
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at_epoch ASC, id ASC").
		Find(&sums).Error
	if err != nil {
		return nil, fmt.Errorf("summaries for session: %w", err)
	}
	return sums, nil
}

// RecentObservations returns the newest observations for a project, newest
// first. An empty project matches all projects. Limit defaults to 20.
func (s *Store) RecentObservations(ctx context.Context, project string, limit int) ([]memory.Observation, error) {
	if limit <= 0 {
		limit = 20
	}
	q := s.db.WithContext(ctx).Model(&memory.Observation{})
	if project != "" {
		q = q.Where("project = ?", project)
	}

	var obs []memory.Observation
	err := q.Order("created_at_epoch DESC, id DESC").Limit(limit).Find(&obs).Error
	if err != nil {
		return nil, fmt.Errorf("recent observations: %w", err)
	}
	return obs, nil
}

// RecentSummaries returns the newest summaries for a project, newest first.
// An empty project matches all projects. Limit defaults to 20.
func (s *Store) RecentSummaries(ctx context.Context, project string, limit int) ([]memory.Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	q := s.db.WithContext(ctx).Model(&memory.Summary{})
	if project != "" {
		q = q.Where("project = ?", project)
	}

	var sums []memory.Summary
	err := q.Order("created_at_epoch DESC, id DESC").Limit(limit).Find(&sums).Error
	if err != nil {
		return nil, fmt.Errorf("recent summaries: %w", err)
	}
	return sums, nil
}

// SearchRecords matches a substring against observation titles and bodies
// and summary requests and outcomes, newest first in each slice. Limit
// applies to each slice separately and defaults to 20.
func (s *Store) SearchRecords(ctx context.Context, query string, limit int) ([]memory.Observation, []memory.Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + query + "%"

	var obs []memory.Observation
	err := s.db.WithContext(ctx).Model(&memory.Observation{}).
		Where("title LIKE ? OR body LIKE ?", pattern, pattern).
		Order("created_at_epoch DESC, id DESC").
		Limit(limit).
		Find(&obs).Error
	if err != nil {
		return nil, nil, fmt.Errorf("search observations: %w", err)
	}

	var sums []memory.Summary
	err = s.db.WithContext(ctx).Model(&memory.Summary{}).
		Where("request LIKE ? OR outcome LIKE ?", pattern, pattern).
		Order("created_at_epoch DESC, id DESC").
		Limit(limit).
		Find(&sums).Error
	if err != nil {
		return nil, nil, fmt.Errorf("search summaries: %w", err)
	}

	return obs, sums, nil
}

// ObservationCount returns the total number of stored observations.
func (s *Store) ObservationCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&memory.Observation{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("observation count: %w", err)
	}
	return n, nil
}
