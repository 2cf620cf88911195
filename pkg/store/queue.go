package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/ucalyptus/open-mem/pkg/memory"
)

// Enqueue appends msg in pending status and returns its id. The insert only
// touches this session's rows; enqueues for other sessions never block each
// other beyond sqlite's write serialization.
func (s *Store) Enqueue(ctx context.Context, msg *memory.PendingMessage) (int64, error) {
	if msg == nil {
		return 0, errors.New("nil message")
	}
	if msg.SessionID == 0 {
		return 0, errors.New("message has no session id")
	}
	if !msg.Kind.Valid() {
		return 0, fmt.Errorf("invalid message kind %q", msg.Kind)
	}

	msg.Status = memory.StatusPending
	if msg.CreatedAtEpoch == 0 {
		msg.CreatedAtEpoch = memory.NowMillis()
	}

	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return 0, fmt.Errorf("enqueue message: %w", err)
	}
	return msg.ID, nil
}

// ClaimNext atomically selects the oldest pending message for the session,
// marks it processing with a start timestamp, and returns it. Returns
// (nil, nil) when the session has no pending work.
//
// The select and update run in one transaction over the store's single
// connection, so a claim cannot interleave with the coordinator's reclaim
// pass. Within one session only the owning consumer calls this.
func (s *Store) ClaimNext(ctx context.Context, sessionID int64) (*memory.PendingMessage, error) {
	var claimed *memory.PendingMessage

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg memory.PendingMessage
		res := tx.Where("session_id = ? AND status = ?", sessionID, memory.StatusPending).
			Order("created_at_epoch ASC, id ASC").
			First(&msg)
		if res.Error != nil {
			if errors.Is(res.Error, gorm.ErrRecordNotFound) {
				return nil
			}
			return res.Error
		}

		now := memory.NowMillis()
		upd := tx.Model(&memory.PendingMessage{}).
			Where("id = ? AND status = ?", msg.ID, memory.StatusPending).
			Updates(map[string]any{
				"status":           memory.StatusProcessing,
				"started_at_epoch": now,
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			// The row moved under us; report empty and let the caller poll.
			return nil
		}

		msg.Status = memory.StatusProcessing
		msg.StartedAtEpoch = now
		claimed = &msg
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	return claimed, nil
}

// CompleteMessage marks the message processed, inserts its extracted records,
// and clears payload columns, all in one transaction. Completing an
// already-processed message is a no-op: nothing is inserted twice.
func (s *Store) CompleteMessage(ctx context.Context, id int64, obs []memory.Observation, sum *memory.Summary) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg memory.PendingMessage
		if err := tx.First(&msg, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return NotFoundError{Entity: "message", Key: strconv.FormatInt(id, 10)}
			}
			return err
		}

		if msg.Status == memory.StatusProcessed {
			return nil
		}

		if len(obs) > 0 {
			if err := tx.Create(&obs).Error; err != nil {
				return err
			}
		}
		if sum != nil {
			if err := tx.Create(sum).Error; err != nil {
				return err
			}
		}

		return tx.Model(&memory.PendingMessage{}).Where("id = ?", id).
			Updates(map[string]any{
				"status":                 memory.StatusProcessed,
				"completed_at_epoch":     memory.NowMillis(),
				"tool_input":             "",
				"tool_response":          "",
				"last_assistant_message": "",
			}).Error
	})
	if err != nil {
		return fmt.Errorf("complete message: %w", err)
	}
	return nil
}

// FailMessage marks the message failed, increments its retry count, and
// records the failure timestamp. Already-processed messages are left alone.
func (s *Store) FailMessage(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Model(&memory.PendingMessage{}).
		Where("id = ? AND status <> ?", id, memory.StatusProcessed).
		Updates(map[string]any{
			"status":          memory.StatusFailed,
			"retry_count":     gorm.Expr("retry_count + 1"),
			"failed_at_epoch": memory.NowMillis(),
		})
	if res.Error != nil {
		return fmt.Errorf("fail message: %w", res.Error)
	}
	return nil
}

// RequeueFailed returns failed messages with retry budget left to pending so
// the next consume run re-claims them in FIFO position. Messages at the cap
// stay failed and visible for inspection. Message retries contain poison
// messages; they are deliberately independent of how often the consumer
// itself restarts.
func (s *Store) RequeueFailed(ctx context.Context, sessionID int64, maxRetries int) (int64, error) {
	res := s.db.WithContext(ctx).Model(&memory.PendingMessage{}).
		Where("session_id = ? AND status = ? AND retry_count < ?", sessionID, memory.StatusFailed, maxRetries).
		Updates(map[string]any{
			"status":           memory.StatusPending,
			"started_at_epoch": 0,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("requeue failed: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ResetStaleProcessing bulk-transitions processing messages back to pending
// when their claim is older than the threshold. A zero threshold resets all
// processing messages and is used once at cold start, before any consumer
// claims work, to recover from an unclean shutdown.
func (s *Store) ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error) {
	q := s.db.WithContext(ctx).Model(&memory.PendingMessage{}).
		Where("status = ?", memory.StatusProcessing)
	if olderThan > 0 {
		cutoff := memory.NowMillis() - olderThan.Milliseconds()
		q = q.Where("started_at_epoch < ?", cutoff)
	}

	res := q.Updates(map[string]any{
		"status":           memory.StatusPending,
		"started_at_epoch": 0,
	})
	if res.Error != nil {
		return 0, fmt.Errorf("reset stale processing: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// PendingCount returns the number of pending messages for a session.
func (s *Store) PendingCount(ctx context.Context, sessionID int64) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&memory.PendingMessage{}).
		Where("session_id = ? AND status = ?", sessionID, memory.StatusPending).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

// QueueDepth returns the number of undrained messages (pending or
// processing) across all sessions, for status broadcasts.
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&memory.PendingMessage{}).
		Where("status IN ?", []memory.MessageStatus{memory.StatusPending, memory.StatusProcessing}).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// SessionsWithPendingWork returns the distinct session ids that still have
// retryable work: pending messages, or failed ones under the retry cap. The
// recovery coordinator uses this to find queues without a live consumer.
func (s *Store) SessionsWithPendingWork(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&memory.PendingMessage{}).
		Distinct("session_id").
		Where("status = ? OR (status = ? AND retry_count < ?)",
			memory.StatusPending, memory.StatusFailed, memory.MaxMessageRetries).
		Order("session_id ASC").
		Pluck("session_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("sessions with pending work: %w", err)
	}
	return ids, nil
}

// MarkAllAbandoned fails every remaining pending or processing message of a
// session being retired without a working agent. Returns the count.
func (s *Store) MarkAllAbandoned(ctx context.Context, sessionID int64) (int64, error) {
	res := s.db.WithContext(ctx).Model(&memory.PendingMessage{}).
		Where("session_id = ? AND status IN ?", sessionID,
			[]memory.MessageStatus{memory.StatusPending, memory.StatusProcessing}).
		Updates(map[string]any{
			"status":          memory.StatusFailed,
			"failed_at_epoch": memory.NowMillis(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("mark all abandoned: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// GetMessage returns a single message row by id.
func (s *Store) GetMessage(ctx context.Context, id int64) (*memory.PendingMessage, error) {
	var msg memory.PendingMessage
	err := s.db.WithContext(ctx).First(&msg, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFoundError{Entity: "message", Key: strconv.FormatInt(id, 10)}
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &msg, nil
}

// MessagesForSession returns all messages for a session oldest-first,
// regardless of status.
func (s *Store) MessagesForSession(ctx context.Context, sessionID int64) ([]memory.PendingMessage, error) {
	var msgs []memory.PendingMessage
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at_epoch ASC, id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("messages for session: %w", err)
	}
	return msgs, nil
}
