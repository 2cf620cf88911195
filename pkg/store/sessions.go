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

// CreateSession inserts an active session row for the given content-session
// id. If a row already exists for that id the existing row is returned, so
// the call is safe to repeat for every incoming hook event.
func (s *Store) CreateSession(ctx context.Context, contentSessionID, project, userPrompt string) (*memory.Session, error) {
	if contentSessionID == "" {
		return nil, errors.New("content session id is required")
	}

	sess := &memory.Session{
		ContentSessionID: contentSessionID,
		Project:          project,
		UserPrompt:       userPrompt,
		Status:           memory.SessionActive,
		CreatedAtEpoch:   memory.NowMillis(),
	}

	err := s.db.WithContext(ctx).Create(sess).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.GetSessionByContentID(ctx, contentSessionID)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	return sess, nil
}

// GetSession returns the session row for the internal id.
func (s *Store) GetSession(ctx context.Context, id int64) (*memory.Session, error) {
	var sess memory.Session
	err := s.db.WithContext(ctx).First(&sess, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFoundError{Entity: "session", Key: strconv.FormatInt(id, 10)}
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// GetSessionByContentID returns the session row for the content-session id.
func (s *Store) GetSessionByContentID(ctx context.Context, contentSessionID string) (*memory.Session, error) {
	var sess memory.Session
	err := s.db.WithContext(ctx).Where("content_session_id = ?", contentSessionID).First(&sess).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFoundError{Entity: "session", Key: contentSessionID}
		}
		return nil, fmt.Errorf("get session by content id: %w", err)
	}
	return &sess, nil
}

// AssignMemorySessionID sets the memory-session id for a session that does
// not have one yet. Re-assigning the same value is a no-op; assigning a
// different value over an existing one returns ErrMemorySessionAssigned.
func (s *Store) AssignMemorySessionID(ctx context.Context, id int64, memoryID string) error {
	if memoryID == "" {
		return errors.New("memory session id is required")
	}

	res := s.db.WithContext(ctx).Model(&memory.Session{}).
		Where("id = ? AND (memory_session_id = '' OR memory_session_id = ?)", id, memoryID).
		Update("memory_session_id", memoryID)
	if res.Error != nil {
		return fmt.Errorf("assign memory session id: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetSession(ctx, id); err != nil {
			return err
		}
		return ErrMemorySessionAssigned
	}
	return nil
}

// RecordUserPrompt bumps the session's prompt counter and stores the first
// prompt as the session's originating prompt. Returns the new counter value.
func (s *Store) RecordUserPrompt(ctx context.Context, id int64, prompt string) (int, error) {
	var counter int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sess memory.Session
		if err := tx.First(&sess, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return NotFoundError{Entity: "session", Key: strconv.FormatInt(id, 10)}
			}
			return err
		}

		counter = sess.PromptCounter + 1
		updates := map[string]any{"prompt_counter": counter}
		if sess.UserPrompt == "" && prompt != "" {
			updates["user_prompt"] = prompt
		}
		return tx.Model(&memory.Session{}).Where("id = ?", id).Updates(updates).Error
	})
	if err != nil {
		return 0, fmt.Errorf("record user prompt: %w", err)
	}
	return counter, nil
}

// CompleteSession transitions an active session to completed. Terminal rows
// are left untouched.
func (s *Store) CompleteSession(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Model(&memory.Session{}).
		Where("id = ? AND status = ?", id, memory.SessionActive).
		Updates(map[string]any{
			"status":             memory.SessionCompleted,
			"completed_at_epoch": memory.NowMillis(),
		})
	if res.Error != nil {
		return fmt.Errorf("complete session: %w", res.Error)
	}
	return nil
}

// FailSession transitions an active session to failed. Terminal rows are
// left untouched.
func (s *Store) FailSession(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Model(&memory.Session{}).
		Where("id = ? AND status = ?", id, memory.SessionActive).
		Updates(map[string]any{
			"status":             memory.SessionFailed,
			"completed_at_epoch": memory.NowMillis(),
		})
	if res.Error != nil {
		return fmt.Errorf("fail session: %w", res.Error)
	}
	return nil
}

// FailStaleSessions force-fails active sessions created before the staleness
// threshold, along with their still-pending messages. Messages are failed,
// not reclaimed: a session whose owning process never returned should stop
// growing the queue, not re-enter it. Sessions in skipIDs (live consumers)
// are left alone. Returns the number of sessions and messages transitioned.
func (s *Store) FailStaleSessions(ctx context.Context, olderThan time.Duration, skipIDs []int64) (int64, int64, error) {
	cutoff := memory.NowMillis() - olderThan.Milliseconds()
	now := memory.NowMillis()

	var sessions, messages int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []int64
		q := tx.Model(&memory.Session{}).
			Where("status = ? AND created_at_epoch < ?", memory.SessionActive, cutoff)
		if len(skipIDs) > 0 {
			q = q.Where("id NOT IN ?", skipIDs)
		}
		if err := q.Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		res := tx.Model(&memory.Session{}).Where("id IN ?", ids).
			Updates(map[string]any{
				"status":             memory.SessionFailed,
				"completed_at_epoch": now,
			})
		if res.Error != nil {
			return res.Error
		}
		sessions = res.RowsAffected

		res = tx.Model(&memory.PendingMessage{}).
			Where("session_id IN ? AND status = ?", ids, memory.StatusPending).
			Updates(map[string]any{
				"status":          memory.StatusFailed,
				"failed_at_epoch": now,
			})
		if res.Error != nil {
			return res.Error
		}
		messages = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("fail stale sessions: %w", err)
	}
	return sessions, messages, nil
}

// ActiveSessionCount returns the number of sessions in active status.
func (s *Store) ActiveSessionCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&memory.Session{}).
		Where("status = ?", memory.SessionActive).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("active session count: %w", err)
	}
	return n, nil
}

// ListSessions returns sessions newest-first, optionally filtered by project.
func (s *Store) ListSessions(ctx context.Context, project string, limit int) ([]memory.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Model(&memory.Session{}).
		Order("created_at_epoch DESC").
		Limit(limit)
	if project != "" {
		q = q.Where("project = ?", project)
	}

	var sessions []memory.Session
	if err := q.Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}
