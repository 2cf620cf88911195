package registry

import (
	"context"
	"sync"

	"github.com/ucalyptus/open-mem/pkg/agent"
	"github.com/ucalyptus/open-mem/pkg/memory"
)

// SessionContext is the live consumer-side state of one session. The registry
// owns creation and removal; the processor and agents only borrow it.
//
// Claim state is deliberately not mirrored here. The store's processing
// status is the single source of truth for in-flight messages, so crash
// recovery has exactly one place to look.
type SessionContext struct {
	id        int64
	contentID string
	project   string

	mu         sync.Mutex
	userPrompt string
	memoryID   string

	history *agent.History
	feed    *Feed
}

// ID returns the internal session id.
func (sc *SessionContext) ID() int64 { return sc.id }

// ContentSessionID returns the producer-side session id.
func (sc *SessionContext) ContentSessionID() string { return sc.contentID }

// Project returns the project the session belongs to.
func (sc *SessionContext) Project() string { return sc.project }

// UserPrompt returns the prompt that opened the session, if any.
func (sc *SessionContext) UserPrompt() string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.userPrompt
}

// SetUserPrompt fills in the opening prompt when it arrives after the session
// was created by an observation. A prompt already present wins.
func (sc *SessionContext) SetUserPrompt(prompt string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.userPrompt == "" {
		sc.userPrompt = prompt
	}
}

// MemorySessionID returns the assigned memory session id, empty before the
// first successful extraction call.
func (sc *SessionContext) MemorySessionID() string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.memoryID
}

// SetMemorySessionID echoes the persisted assignment into the live context.
func (sc *SessionContext) SetMemorySessionID(id string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.memoryID = id
}

// History returns the session's bounded exchange history.
func (sc *SessionContext) History() *agent.History { return sc.history }

// NextMessage claims the next queued message through the feed.
func (sc *SessionContext) NextMessage(ctx context.Context) (*memory.PendingMessage, error) {
	return sc.feed.Next(ctx)
}

// Feed exposes the underlying feed for producers (Wake on enqueue) and the
// session-end path (Close).
func (sc *SessionContext) Feed() *Feed { return sc.feed }
