// Package registry tracks the live sessions of the service: which sessions
// currently have consumer-side state, keyed both by internal id and by the
// producer's content session id.
//
// The registry is an explicitly constructed, injected object. Everything that
// needs session contexts receives the registry; nothing reaches for globals.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ucalyptus/open-mem/pkg/agent"
	"github.com/ucalyptus/open-mem/pkg/memory"
	"github.com/ucalyptus/open-mem/pkg/store"
)

// Config is the configuration for a Registry.
type Config struct {
	// Store is the backing session store.
	Store *store.Store

	// PollInterval is the feed's queue re-check cadence (defaults to
	// DefaultPollInterval).
	PollInterval time.Duration

	// HistoryTurns and HistoryTokens bound each session's in-memory history.
	// Zero values fall back to the agent package defaults.
	HistoryTurns  int
	HistoryTokens int

	// Logger is the provided zap logger.
	Logger *zap.Logger
}

// Registry owns the live session contexts.
type Registry struct {
	config *Config
	logger *zap.Logger

	mu        sync.Mutex
	byID      map[int64]*SessionContext
	byContent map[string]*SessionContext
}

// New creates an empty registry.
func New(c *Config) (*Registry, error) {
	if c.Store == nil {
		return nil, errors.New("registry requires a store")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return &Registry{
		config:    c,
		logger:    c.Logger,
		byID:      make(map[int64]*SessionContext),
		byContent: make(map[string]*SessionContext),
	}, nil
}

// GetOrCreate returns the live context for a content session id, creating the
// session row and registering a fresh context when none exists. Safe to call
// from concurrent producers; creation is idempotent end to end.
func (r *Registry) GetOrCreate(ctx context.Context, contentSessionID, project, userPrompt string) (*SessionContext, error) {
	if contentSessionID == "" {
		return nil, errors.New("content session id is empty")
	}

	r.mu.Lock()
	if sc, ok := r.byContent[contentSessionID]; ok {
		r.mu.Unlock()
		return sc, nil
	}
	r.mu.Unlock()

	row, err := r.config.Store.CreateSession(ctx, contentSessionID, project, userPrompt)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// A concurrent producer may have registered while we were at the store.
	if sc, ok := r.byContent[contentSessionID]; ok {
		return sc, nil
	}
	return r.registerLocked(row), nil
}

// GetOrAttach returns the live context for an internal session id, attaching
// to the stored session when none is live. This is the recovery path for
// sessions that have queued work but no consumer.
func (r *Registry) GetOrAttach(ctx context.Context, sessionID int64) (*SessionContext, error) {
	r.mu.Lock()
	if sc, ok := r.byID[sessionID]; ok {
		r.mu.Unlock()
		return sc, nil
	}
	r.mu.Unlock()

	row, err := r.config.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("attaching session %d: %w", sessionID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sc, ok := r.byID[sessionID]; ok {
		return sc, nil
	}
	return r.registerLocked(row), nil
}

// Get returns the live context for an internal session id, if any.
func (r *Registry) Get(sessionID int64) (*SessionContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.byID[sessionID]
	return sc, ok
}

// GetByContent returns the live context for a content session id, if any.
func (r *Registry) GetByContent(contentSessionID string) (*SessionContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.byContent[contentSessionID]
	return sc, ok
}

// Remove retires a session context. The feed is closed so any straggling
// consumer finishes. Removing an unknown id is a no-op.
func (r *Registry) Remove(sessionID int64) {
	r.mu.Lock()
	sc, ok := r.byID[sessionID]
	if ok {
		delete(r.byID, sessionID)
		delete(r.byContent, sc.contentID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	sc.feed.Close()
	r.logger.Debug("session removed from registry", zap.Int64("session", sessionID))
}

// LiveSessionIDs returns the internal ids of all registered sessions, sorted
// for stable output.
func (r *Registry) LiveSessionIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of live session contexts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

func (r *Registry) registerLocked(row *memory.Session) *SessionContext {
	sc := &SessionContext{
		id:         row.ID,
		contentID:  row.ContentSessionID,
		project:    row.Project,
		userPrompt: row.UserPrompt,
		memoryID:   row.MemorySessionID,
		history:    agent.NewHistory(r.config.HistoryTurns, r.config.HistoryTokens),
		feed:       newFeed(r.config.Store, row.ID, r.config.PollInterval),
	}
	r.byID[row.ID] = sc
	r.byContent[row.ContentSessionID] = sc
	r.logger.Debug("session registered",
		zap.Int64("session", row.ID),
		zap.String("content_session", row.ContentSessionID))
	return sc
}
