package memory

// MessageKind distinguishes the two units of queued work.
type MessageKind string

const (
	// KindObservation captures a single tool use during the session.
	KindObservation MessageKind = "observation"
	// KindSummarize requests an end-of-session digest.
	KindSummarize MessageKind = "summarize"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	return k == KindObservation || k == KindSummarize
}

// MessageStatus is the queue state of a PendingMessage.
//
// A message moves pending → processing → {processed | failed} within one
// claim. The processing → pending edge exists only for crash recovery
// (Store.ResetStaleProcessing), and failed → pending only for under-cap
// retry requeue at the start of a consume run (Store.RequeueFailed).
type MessageStatus string

const (
	StatusPending    MessageStatus = "pending"
	StatusProcessing MessageStatus = "processing"
	StatusProcessed  MessageStatus = "processed"
	StatusFailed     MessageStatus = "failed"
)

// Valid reports whether s is a known message status.
func (s MessageStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusProcessed, StatusFailed:
		return true
	}
	return false
}

// MaxMessageRetries is the per-message attempt cap. A message that has
// failed this many times is never requeued; it stays failed for inspection.
const MaxMessageRetries = 3

// PendingMessage is one unit of queued extraction work.
//
// Observation messages carry a tool payload; summarize messages carry the
// last assistant message. Payload columns are cleared once the message is
// processed to bound storage growth.
type PendingMessage struct {
	ID               int64       `gorm:"primaryKey" json:"id"`
	SessionID        int64       `gorm:"not null;index:idx_messages_session_status" json:"session_id"`
	ContentSessionID string      `gorm:"size:255;not null" json:"content_session_id"`
	Kind             MessageKind `gorm:"size:16;not null" json:"kind"`

	ToolName             string `gorm:"size:255" json:"tool_name,omitempty"`
	ToolInput            string `gorm:"type:text" json:"tool_input,omitempty"`
	ToolResponse         string `gorm:"type:text" json:"tool_response,omitempty"`
	LastAssistantMessage string `gorm:"type:text" json:"last_assistant_message,omitempty"`
	CWD                  string `gorm:"size:1024" json:"cwd,omitempty"`

	PromptNumber     int           `gorm:"not null;default:0" json:"prompt_number"`
	Status           MessageStatus `gorm:"size:16;not null;index:idx_messages_session_status" json:"status"`
	RetryCount       int           `gorm:"not null;default:0" json:"retry_count"`
	CreatedAtEpoch   int64         `gorm:"not null;index" json:"created_at_epoch"`
	StartedAtEpoch   int64         `json:"started_at_epoch,omitempty"`
	CompletedAtEpoch int64         `json:"completed_at_epoch,omitempty"`
	FailedAtEpoch    int64         `json:"failed_at_epoch,omitempty"`
}

// TableName implements gorm's Tabler.
func (PendingMessage) TableName() string { return "pending_messages" }
