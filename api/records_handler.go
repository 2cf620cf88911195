package api

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ucalyptus/open-mem/pkg/hook"
	"github.com/ucalyptus/open-mem/pkg/memory"
	"github.com/ucalyptus/open-mem/pkg/store"
)

// SessionsResponse lists sessions newest first.
type SessionsResponse struct {
	Count    int              `json:"count"`
	Sessions []memory.Session `json:"sessions"`
}

// ObservationsResponse carries one session's observations in insertion order.
type ObservationsResponse struct {
	SessionID    int64                `json:"session_id"`
	Count        int                  `json:"count"`
	Observations []memory.Observation `json:"observations"`
}

// SummariesResponse carries one session's summaries in insertion order.
type SummariesResponse struct {
	SessionID int64            `json:"session_id"`
	Count     int              `json:"count"`
	Summaries []memory.Summary `json:"summaries"`
}

// handleRecentContext returns the most recent records for a project, newest
// first. Hooks inject this at session start as ambient memory.
func (s *Server) handleRecentContext(c *fiber.Ctx) error {
	ctx := c.Context()
	project := c.Query("project")
	limit := c.QueryInt("limit", 20)

	obs, err := s.store.RecentObservations(ctx, project, limit)
	if err != nil {
		s.logger.Error("loading recent observations", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "failed to load recent records"})
	}
	sums, err := s.store.RecentSummaries(ctx, project, limit)
	if err != nil {
		s.logger.Error("loading recent summaries", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "failed to load recent records"})
	}

	if obs == nil {
		obs = []memory.Observation{}
	}
	if sums == nil {
		sums = []memory.Summary{}
	}

	return c.JSON(hook.ContextResponse{Project: project, Observations: obs, Summaries: sums})
}

// handleListSessions returns recent sessions, optionally filtered by project.
func (s *Server) handleListSessions(c *fiber.Ctx) error {
	sessions, err := s.store.ListSessions(c.Context(), c.Query("project"), c.QueryInt("limit", 0))
	if err != nil {
		s.logger.Error("listing sessions", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "failed to list sessions"})
	}
	return c.JSON(SessionsResponse{Count: len(sessions), Sessions: sessions})
}

// handleSessionObservations returns the observations recorded for a session.
func (s *Server) handleSessionObservations(c *fiber.Ctx) error {
	id, ok := s.sessionParam(c)
	if !ok {
		return nil
	}

	obs, err := s.store.ObservationsForSession(c.Context(), id)
	if err != nil {
		s.logger.Error("loading observations", zap.Int64("session", id), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "failed to load observations"})
	}

	return c.JSON(ObservationsResponse{SessionID: id, Count: len(obs), Observations: obs})
}

// handleSessionSummaries returns the summaries recorded for a session.
func (s *Server) handleSessionSummaries(c *fiber.Ctx) error {
	id, ok := s.sessionParam(c)
	if !ok {
		return nil
	}

	sums, err := s.store.SummariesForSession(c.Context(), id)
	if err != nil {
		s.logger.Error("loading summaries", zap.Int64("session", id), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "failed to load summaries"})
	}

	return c.JSON(SummariesResponse{SessionID: id, Count: len(sums), Summaries: sums})
}

// sessionParam parses the :id route parameter and confirms the session
// exists, writing the error response itself when it does not.
func (s *Server) sessionParam(c *fiber.Ctx) (int64, bool) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		_ = c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid session id"})
		return 0, false
	}

	if _, err := s.store.GetSession(c.Context(), id); err != nil {
		if store.IsNotFound(err) {
			_ = c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "session not found"})
			return 0, false
		}
		s.logger.Error("loading session", zap.Int64("session", id), zap.Error(err))
		_ = c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "failed to load session"})
		return 0, false
	}

	return id, true
}
