package eventstream

import (
	"time"

	"github.com/google/uuid"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypeProcessingStatus is emitted whenever the orchestrator's
	// aggregate processing state changes.
	EventTypeProcessingStatus = "openmem.processing.status"
)

// ProcessingStatusEvent is a transport-neutral snapshot of the orchestrator.
// One is published after every processor start and terminal transition, so
// subscribers converge on the current state without polling.
type ProcessingStatusEvent struct {
	SchemaVersion  int       `json:"schema_version"`
	EventType      string    `json:"event_type"`
	EventID        string    `json:"event_id"`
	EmittedAt      time.Time `json:"emitted_at"`
	IsProcessing   bool      `json:"is_processing"`
	ActiveSessions int64     `json:"active_sessions"`
	QueueDepth     int64     `json:"queue_depth"`
}

// NewProcessingStatusEvent builds a v1 status event with a fresh event id.
func NewProcessingStatusEvent(isProcessing bool, activeSessions, queueDepth int64) *ProcessingStatusEvent {
	return &ProcessingStatusEvent{
		SchemaVersion:  SchemaVersionV1,
		EventType:      EventTypeProcessingStatus,
		EventID:        uuid.NewString(),
		EmittedAt:      time.Now().UTC(),
		IsProcessing:   isProcessing,
		ActiveSessions: activeSessions,
		QueueDepth:     queueDepth,
	}
}
