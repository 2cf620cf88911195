package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ucalyptus/open-mem/pkg/memory"
	"github.com/ucalyptus/open-mem/pkg/store"
)

// CallRequest is one extraction call against a provider.
type CallRequest struct {
	// SessionID is the internal session id, used to register helper
	// processes.
	SessionID int64

	// Prompt is the rendered prompt for this message.
	Prompt string

	// ResumeID is the provider-side session to resume, empty for a fresh
	// conversation. Stateless providers ignore it.
	ResumeID string

	// History carries prior exchanges for providers without resumable
	// sessions.
	History []Turn
}

// CallResult is a provider's successful response.
type CallResult struct {
	// Text is the raw model output.
	Text string

	// ProviderSessionID is the provider-issued conversation id, when the
	// provider has one. Stateless providers mint their own.
	ProviderSessionID string
}

// Caller executes single extraction calls. Each concrete agent supplies one;
// the Runner owns everything else about the consume loop.
type Caller interface {
	Name() string
	Call(ctx context.Context, req *CallRequest) (*CallResult, error)
}

// Runner drains a session's queue through a Caller. All concrete agents share
// this loop, so claim/complete/fail semantics exist in exactly one place.
type Runner struct {
	caller Caller
}

// NewRunner wraps a Caller in the shared consume loop.
func NewRunner(caller Caller) *Runner {
	return &Runner{caller: caller}
}

// Run consumes messages until the session is drained and closed (returns
// nil), the context is cancelled, or a fatal or session-terminated error
// stops the loop. Transient call failures burn one retry on the message and
// the loop continues with the next one.
func (r *Runner) Run(ctx context.Context, sess Session, w *Worker) error {
	logger := w.Logger.With(
		zap.Int64("session", sess.ID()),
		zap.String("agent", r.caller.Name()),
	)

	// The resume id tracks the provider's latest conversation id within this
	// run. It seeds from the stored memory session id; providers that fork a
	// new id on resume keep the chain alive through CallResult.
	resumeID := sess.MemorySessionID()
	firstCall := true

	for {
		msg, err := sess.NextMessage(ctx)
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}

		pos := PositionFollowup
		if firstCall {
			if sess.MemorySessionID() == "" {
				pos = PositionInit
			} else {
				pos = PositionContinuation
			}
		}

		res, err := r.caller.Call(ctx, &CallRequest{
			SessionID: sess.ID(),
			Prompt:    BuildPrompt(pos, sess, msg),
			ResumeID:  resumeID,
			History:   sess.History().Turns(),
		})
		if err != nil {
			if IsCancelled(err) {
				// Leave the claim in place; recovery resets it without
				// burning retry budget.
				return err
			}
			if ferr := w.Store.FailMessage(ctx, msg.ID); ferr != nil {
				logger.Error("failing message after agent error",
					zap.Int64("message", msg.ID), zap.Error(ferr))
			}
			if IsFatal(err) || IsSessionTerminated(err) {
				return err
			}
			logger.Warn("extraction call failed, continuing with next message",
				zap.Int64("message", msg.ID), zap.Error(err))
			continue
		}

		firstCall = false
		if res.ProviderSessionID != "" {
			resumeID = res.ProviderSessionID
		}

		memID, err := r.ensureMemorySession(ctx, sess, w, res.ProviderSessionID)
		if err != nil {
			return err
		}

		records := ParseRecords(msg, memID, sess.Project(), res.Text)
		if err := w.Store.CompleteMessage(ctx, msg.ID, records.Observations, records.Summary); err != nil {
			return NewTransient(r.caller.Name(), err)
		}

		sess.History().Append("user", historyNote(msg))
		sess.History().Append("assistant", res.Text)

		logger.Debug("message processed",
			zap.Int64("message", msg.ID),
			zap.String("kind", string(msg.Kind)),
			zap.Int("observations", len(records.Observations)),
			zap.Bool("summary", records.Summary != nil))
	}
}

// ensureMemorySession adopts or mints the memory session id on the first
// successful call, persisting it before any record insert so records never
// reference an unassigned id.
func (r *Runner) ensureMemorySession(ctx context.Context, sess Session, w *Worker, providerID string) (string, error) {
	if memID := sess.MemorySessionID(); memID != "" {
		return memID, nil
	}

	memID := providerID
	if memID == "" {
		memID = uuid.NewString()
	}

	if err := w.Store.AssignMemorySessionID(ctx, sess.ID(), memID); err != nil {
		if !errors.Is(err, store.ErrMemorySessionAssigned) {
			return "", NewTransient(r.caller.Name(), err)
		}
		// Assigned elsewhere already; adopt the stored value.
		row, gerr := w.Store.GetSession(ctx, sess.ID())
		if gerr != nil {
			return "", NewTransient(r.caller.Name(), gerr)
		}
		memID = row.MemorySessionID
	}

	sess.SetMemorySessionID(memID)
	return memID, nil
}

// historyNote condenses a message into its user-side history turn. Responses
// carry the real signal; the note just anchors what was asked.
func historyNote(msg *memory.PendingMessage) string {
	if msg.Kind == memory.KindSummarize {
		return "Session summary requested"
	}
	return fmt.Sprintf("Tool call #%d: %s", msg.PromptNumber, msg.ToolName)
}
