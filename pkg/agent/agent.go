// Package agent defines the extraction agent contract and the shared consume
// loop that drains a session's queue through a concrete provider.
//
// An agent owns one session's extraction for the duration of a run: it claims
// messages through the session's feed, calls its provider once per message,
// and persists the structured records the provider returns. Agents never talk
// to each other; fallback between them is the processor's job, driven by the
// error taxonomy in errors.go.
package agent

import (
	"context"

	"go.uber.org/zap"

	"github.com/ucalyptus/open-mem/pkg/memory"
	"github.com/ucalyptus/open-mem/pkg/store"
)

// Agent is a pluggable extraction provider. Implementations are selected by
// an explicit chain policy, never by runtime type inspection.
type Agent interface {
	// Name identifies the agent in logs and status output.
	Name() string

	// StartSession consumes the session's queue until it is drained and
	// closed, the context is cancelled, or a non-recoverable error occurs.
	// The returned error's classification decides fallback and restart.
	StartSession(ctx context.Context, sess Session, w *Worker) error

	// EstimateTokens approximates the token cost of text for history
	// budgeting.
	EstimateTokens(text string) int
}

// Session is the narrow view of a live session that agents consume. It is
// implemented by registry.SessionContext.
type Session interface {
	ID() int64
	ContentSessionID() string
	Project() string
	UserPrompt() string

	// NextMessage returns the next claimed message, blocking while the queue
	// is empty and open. It returns (nil, nil) once the session is closed and
	// drained.
	NextMessage(ctx context.Context) (*memory.PendingMessage, error)

	MemorySessionID() string
	SetMemorySessionID(id string)

	History() *History
}

// Worker bundles the collaborators an agent call needs.
type Worker struct {
	Store  *store.Store
	Procs  *ProcTable
	Logger *zap.Logger
}

// EstimateTokens is the default token estimator shared by all agents:
// roughly four bytes per token, rounded up.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
