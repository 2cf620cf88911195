// Package memory defines the domain model for the openmem system.
//
// A Session is one coding conversation tracked from its first tool use to
// completion. Work arrives as PendingMessages on a durable per-session queue
// and is turned into Observations and Summaries by an extraction agent.
// These types are shared by the store, the registry, the processor, and the
// API layer; they carry both persistence tags and wire tags so the same
// struct crosses all three boundaries.
//
// All timestamps are epoch milliseconds stored as int64. Retry counts and
// timestamps are monotone integers; nothing in this model compares floats.
package memory

import "time"

// NowMillis returns the current time as epoch milliseconds, the only
// timestamp representation used in persisted rows.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// SessionStatus is the lifecycle state of a Session row.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionCompleted, SessionFailed:
		return true
	}
	return false
}

// Session represents one coding conversation.
//
// ContentSessionID is issued by the host agent and is stable for the whole
// conversation. MemorySessionID is minted internally on the first successful
// extraction call and is immutable afterwards; it is empty until then.
type Session struct {
	ID               int64         `gorm:"primaryKey" json:"id"`
	ContentSessionID string        `gorm:"size:255;not null;uniqueIndex" json:"content_session_id"`
	MemorySessionID  string        `gorm:"size:255;index" json:"memory_session_id,omitempty"`
	Project          string        `gorm:"size:255;index" json:"project,omitempty"`
	UserPrompt       string        `gorm:"type:text" json:"user_prompt,omitempty"`
	PromptCounter    int           `gorm:"not null;default:0" json:"prompt_counter"`
	Status           SessionStatus `gorm:"size:16;not null;index" json:"status"`
	CreatedAtEpoch   int64         `gorm:"not null" json:"created_at_epoch"`
	CompletedAtEpoch int64         `json:"completed_at_epoch,omitempty"`
}

// TableName implements gorm's Tabler.
func (Session) TableName() string { return "sessions" }
