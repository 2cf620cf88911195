package memory

// Observation is a structured record describing one unit of work performed
// during a session. Written once per successfully processed observation
// message, never mutated after insert.
type Observation struct {
	ID              int64  `gorm:"primaryKey" json:"id"`
	SessionID       int64  `gorm:"not null;index" json:"session_id"`
	MemorySessionID string `gorm:"size:255;not null;index" json:"memory_session_id"`
	Project         string `gorm:"size:255;index" json:"project,omitempty"`
	Kind            string `gorm:"size:64" json:"kind,omitempty"`
	Title           string `gorm:"size:512;not null" json:"title"`
	Body            string `gorm:"type:text" json:"body,omitempty"`
	Files           string `gorm:"type:text" json:"files,omitempty"`
	CreatedAtEpoch  int64  `gorm:"not null;index" json:"created_at_epoch"`
}

// TableName implements gorm's Tabler.
func (Observation) TableName() string { return "observations" }

// Summary is the end-of-session digest of a session's request and outcome.
// Written once per successfully processed summarize message.
type Summary struct {
	ID              int64  `gorm:"primaryKey" json:"id"`
	SessionID       int64  `gorm:"not null;index" json:"session_id"`
	MemorySessionID string `gorm:"size:255;not null;index" json:"memory_session_id"`
	Project         string `gorm:"size:255;index" json:"project,omitempty"`
	Request         string `gorm:"type:text" json:"request,omitempty"`
	Outcome         string `gorm:"type:text" json:"outcome,omitempty"`
	Learned         string `gorm:"type:text" json:"learned,omitempty"`
	CreatedAtEpoch  int64  `gorm:"not null;index" json:"created_at_epoch"`
}

// TableName implements gorm's Tabler.
func (Summary) TableName() string { return "summaries" }
