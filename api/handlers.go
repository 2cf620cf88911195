package api

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ucalyptus/open-mem/pkg/hook"
	"github.com/ucalyptus/open-mem/pkg/memory"
	"github.com/ucalyptus/open-mem/pkg/registry"
	"github.com/ucalyptus/open-mem/pkg/store"
	"github.com/ucalyptus/open-mem/pkg/transcript"
)

// StatusResponse is the aggregate processing snapshot returned by /v1/status.
type StatusResponse struct {
	IsProcessing   bool  `json:"is_processing"`
	ActiveSessions int64 `json:"active_sessions"`
	QueueDepth     int64 `json:"queue_depth"`
}

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *fiber.Ctx) error {
	return c.JSON("pong")
}

// handleQueueObservation accepts one tool use from a hook and queues it for
// extraction.
func (s *Server) handleQueueObservation(c *fiber.Ctx) error {
	var req hook.ObservationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	if req.ContentSessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "content_session_id is required"})
	}
	if req.Tool.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "tool.name is required"})
	}

	sc, err := s.registry.GetOrCreate(c.Context(), req.ContentSessionID, req.Project, req.UserPrompt)
	if err != nil {
		s.logger.Error("resolving session", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "failed to resolve session"})
	}

	id, err := s.enqueue(c, sc, &memory.PendingMessage{
		Kind:         memory.KindObservation,
		ToolName:     req.Tool.Name,
		ToolInput:    req.Tool.Input,
		ToolResponse: req.Tool.Response,
		CWD:          req.CWD,
	})
	if err != nil {
		s.logger.Error("queueing observation",
			zap.String("content_session_id", req.ContentSessionID),
			zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "failed to queue observation"})
	}

	return c.Status(fiber.StatusAccepted).JSON(hook.EnqueueResponse{MessageID: id, SessionID: sc.ID()})
}

// handleQueueSummarize queues an end-of-session summarize request. When the
// hook could not capture the last assistant message it passes the transcript
// path instead and the text is recovered from there.
func (s *Server) handleQueueSummarize(c *fiber.Ctx) error {
	var req hook.SummarizeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	if req.ContentSessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "content_session_id is required"})
	}

	text := req.LastAssistantMessage
	if text == "" && req.TranscriptPath != "" {
		last, err := transcript.LastAssistantText(req.TranscriptPath)
		if err != nil {
			s.logger.Warn("reading transcript",
				zap.String("path", req.TranscriptPath),
				zap.Error(err))
		} else {
			text = last
		}
	}

	sc, err := s.registry.GetOrCreate(c.Context(), req.ContentSessionID, "", "")
	if err != nil {
		s.logger.Error("resolving session", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "failed to resolve session"})
	}

	id, err := s.enqueue(c, sc, &memory.PendingMessage{
		Kind:                 memory.KindSummarize,
		LastAssistantMessage: text,
		CWD:                  req.CWD,
	})
	if err != nil {
		s.logger.Error("queueing summarize",
			zap.String("content_session_id", req.ContentSessionID),
			zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "failed to queue summarize"})
	}

	return c.Status(fiber.StatusAccepted).JSON(hook.EnqueueResponse{MessageID: id, SessionID: sc.ID()})
}

// handleSessionPrompt records a user prompt and bumps the session's prompt
// counter; subsequent observations carry the new number.
func (s *Server) handleSessionPrompt(c *fiber.Ctx) error {
	var req hook.PromptRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	if req.ContentSessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "content_session_id is required"})
	}
	if req.Prompt == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "prompt is required"})
	}

	ctx := c.Context()
	sc, err := s.registry.GetOrCreate(ctx, req.ContentSessionID, req.Project, req.Prompt)
	if err != nil {
		s.logger.Error("resolving session", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "failed to resolve session"})
	}

	n, err := s.store.RecordUserPrompt(ctx, sc.ID(), req.Prompt)
	if err != nil {
		s.logger.Error("recording prompt", zap.Int64("session", sc.ID()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "failed to record prompt"})
	}
	sc.SetUserPrompt(req.Prompt)

	return c.JSON(hook.PromptResponse{PromptNumber: n})
}

// handleSessionComplete closes the session's feed so the consumer drains the
// remaining queue and then completes the session. Sessions without a live
// consumer are re-attached first so queued work is not stranded.
func (s *Server) handleSessionComplete(c *fiber.Ctx) error {
	var req hook.CompleteRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	if req.ContentSessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "content_session_id is required"})
	}

	ctx := c.Context()
	sc, ok := s.registry.GetByContent(req.ContentSessionID)
	if !ok {
		row, err := s.store.GetSessionByContentID(ctx, req.ContentSessionID)
		if err != nil {
			if store.IsNotFound(err) {
				return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "unknown session"})
			}
			s.logger.Error("loading session", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "failed to load session"})
		}
		if row.Status != memory.SessionActive {
			// Already terminal; completion is idempotent.
			return c.SendStatus(fiber.StatusAccepted)
		}
		sc, err = s.registry.GetOrAttach(ctx, row.ID)
		if err != nil {
			s.logger.Error("attaching session", zap.Int64("session", row.ID), zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "failed to attach session"})
		}
	}

	sc.Feed().Close()
	s.processor.EnsureRunning(sc)

	return c.SendStatus(fiber.StatusAccepted)
}

// handleStatus reports the aggregate processing snapshot.
func (s *Server) handleStatus(c *fiber.Ctx) error {
	depth, err := s.store.QueueDepth(c.Context())
	if err != nil {
		s.logger.Error("reading queue depth", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "failed to read queue depth"})
	}

	active := int64(s.processor.ActiveConsumers())
	return c.JSON(StatusResponse{
		IsProcessing:   active > 0,
		ActiveSessions: active,
		QueueDepth:     depth,
	})
}

// enqueue stamps the session's current prompt number on msg, persists it,
// and nudges the consumer.
func (s *Server) enqueue(c *fiber.Ctx, sc *registry.SessionContext, msg *memory.PendingMessage) (int64, error) {
	ctx := c.Context()

	row, err := s.store.GetSession(ctx, sc.ID())
	if err != nil {
		return 0, err
	}

	msg.SessionID = sc.ID()
	msg.ContentSessionID = sc.ContentSessionID()
	msg.PromptNumber = row.PromptCounter

	id, err := s.store.Enqueue(ctx, msg)
	if err != nil {
		return 0, err
	}

	sc.Feed().Wake()
	s.processor.EnsureRunning(sc)
	return id, nil
}
