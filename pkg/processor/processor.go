// Package processor runs the per-session consumer loops. One logical consumer
// exists per live session; each drains that session's queue through the
// extraction agent chain and decides, from the agent's error classification,
// whether to complete, fall back, restart, or retire the session.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ucalyptus/open-mem/pkg/agent"
	"github.com/ucalyptus/open-mem/pkg/eventstream"
	"github.com/ucalyptus/open-mem/pkg/eventstream/nop"
	"github.com/ucalyptus/open-mem/pkg/memory"
	"github.com/ucalyptus/open-mem/pkg/registry"
	"github.com/ucalyptus/open-mem/pkg/store"
)

const defaultShutdownTimeout = 30 * time.Second

// Config is the configuration for a Processor.
type Config struct {
	// Store is the backing queue and session store.
	Store *store.Store

	// Registry owns the live session contexts.
	Registry *registry.Registry

	// Chain is the extraction agents in fallback priority order. Index 0 is
	// the primary.
	Chain []agent.Agent

	// Procs tracks helper processes spawned by agents.
	Procs *agent.ProcTable

	// Publisher receives aggregate status events. Defaults to a no-op.
	Publisher eventstream.Publisher

	// MaxMessageRetries caps per-message attempts across all consumer runs.
	// Defaults to the model's cap.
	MaxMessageRetries int

	// ShutdownTimeout bounds the graceful drain (defaults to 30s).
	ShutdownTimeout time.Duration

	// Logger is the provided zap logger.
	Logger *zap.Logger
}

// Processor multiplexes per-session consumers over the Go scheduler.
type Processor struct {
	config *Config
	logger *zap.Logger
	worker *agent.Worker

	base      context.Context
	cancelAll context.CancelFunc

	mu      sync.Mutex
	closed  bool
	running map[int64]context.CancelFunc

	wg sync.WaitGroup
}

// New creates a processor. It does not start anything; consumers spawn on
// EnsureRunning.
func New(c *Config) (*Processor, error) {
	if c.Store == nil {
		return nil, errors.New("processor requires a store")
	}
	if c.Registry == nil {
		return nil, errors.New("processor requires a registry")
	}
	if len(c.Chain) == 0 {
		return nil, errors.New("processor requires at least one agent")
	}
	if c.Procs == nil {
		c.Procs = agent.NewProcTable()
	}
	if c.Publisher == nil {
		c.Publisher = nop.NewPublisher()
	}
	if c.MaxMessageRetries <= 0 {
		c.MaxMessageRetries = memory.MaxMessageRetries
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	base, cancelAll := context.WithCancel(context.Background())
	return &Processor{
		config:    c,
		logger:    c.Logger,
		worker:    &agent.Worker{Store: c.Store, Procs: c.Procs, Logger: c.Logger},
		base:      base,
		cancelAll: cancelAll,
		running:   make(map[int64]context.CancelFunc),
	}, nil
}

// EnsureRunning attaches a consumer to the session if none is attached.
// Idempotent: a session with a live consumer is left alone, which is what
// keeps the one-consumer-per-session invariant inside this process.
func (p *Processor) EnsureRunning(sc *registry.SessionContext) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if _, ok := p.running[sc.ID()]; ok {
		p.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(p.base)
	p.running[sc.ID()] = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	// Publish the attach before the consumer can race to its own stop
	// broadcast.
	p.Broadcast()
	go p.run(runCtx, sc)
}

// IsRunning reports whether the session has a live consumer.
func (p *Processor) IsRunning(sessionID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[sessionID]
	return ok
}

// ActiveConsumers returns the number of live consumers.
func (p *Processor) ActiveConsumers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Shutdown cancels every consumer and waits for them to stop, bounded by the
// configured timeout and the caller's context.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancelAll()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.config.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		p.logger.Info("all consumers stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("consumers still draining after %s", p.config.ShutdownTimeout)
	}
}

// Broadcast publishes the aggregate processing status. Failures are logged
// and dropped; status is advisory.
func (p *Processor) Broadcast() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	active := int64(p.ActiveConsumers())
	depth, err := p.config.Store.QueueDepth(ctx)
	if err != nil {
		p.logger.Warn("reading queue depth for status broadcast", zap.Error(err))
		return
	}

	evt := eventstream.NewProcessingStatusEvent(active > 0, active, depth)
	if err := p.config.Publisher.PublishStatus(ctx, evt); err != nil {
		p.logger.Warn("publishing status", zap.Error(err))
	}
}

// run is one consumer's lifetime: requeue retryable failures, then drive the
// agent chain until a terminal transition.
func (p *Processor) run(ctx context.Context, sc *registry.SessionContext) {
	defer p.wg.Done()
	defer p.Broadcast()
	defer p.clearRunning(sc.ID())

	logger := p.logger.With(zap.Int64("session", sc.ID()))

	// Failed messages under the retry cap get another chance each time a
	// consumer attaches. This is the only failed-to-pending path.
	if n, err := p.config.Store.RequeueFailed(ctx, sc.ID(), p.config.MaxMessageRetries); err != nil {
		if !agent.IsCancelled(err) {
			logger.Error("requeueing failed messages", zap.Error(err))
		}
	} else if n > 0 {
		logger.Info("requeued failed messages", zap.Int64("count", n))
	}

	idx := 0
	fallback := false
	for {
		a := p.config.Chain[idx]
		logger.Debug("consumer running", zap.String("agent", a.Name()))

		err := a.StartSession(ctx, sc, p.worker)
		switch {
		case err == nil:
			// Queue drained and feed closed: the session is done.
			p.completeSession(sc, logger)
			return

		case agent.IsCancelled(err):
			logger.Info("consumer cancelled")
			return

		case agent.IsSessionTerminated(err), fallback && agent.IsFatal(err):
			// The provider context is gone, or a fallback candidate turned
			// out to be unavailable. Try the next agent in priority order.
			idx++
			fallback = true
			if idx >= len(p.config.Chain) {
				p.abandonSession(sc, logger, err)
				return
			}
			logger.Warn("falling back to next agent",
				zap.String("next", p.config.Chain[idx].Name()),
				zap.Error(err))

		case agent.IsFatal(err):
			// Static misconfiguration of the active agent. Restarting would
			// loop forever, so the session stops even with pending work.
			logger.Error("agent failed fatally, session stopped", zap.Error(err))
			p.failSession(sc, logger)
			return

		default:
			// Transient. A single pending check decides between idle stop
			// and same-agent restart; a message enqueued right after the
			// check waits for its enqueue-triggered EnsureRunning.
			pending, perr := p.config.Store.PendingCount(ctx, sc.ID())
			if perr != nil {
				logger.Error("reading pending count after transient error", zap.Error(perr))
				return
			}
			if pending == 0 {
				logger.Info("consumer idle after transient error", zap.Error(err))
				return
			}
			newCtx, ok := p.refreshToken(sc.ID())
			if !ok {
				return
			}
			ctx = newCtx
			logger.Warn("restarting consumer after transient error",
				zap.Int64("pending", pending),
				zap.Error(err))
		}
	}
}

func (p *Processor) completeSession(sc *registry.SessionContext, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.config.Store.CompleteSession(ctx, sc.ID()); err != nil {
		logger.Error("completing session", zap.Error(err))
	}
	p.config.Registry.Remove(sc.ID())
	logger.Info("session completed")
}

func (p *Processor) failSession(sc *registry.SessionContext, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.config.Store.FailSession(ctx, sc.ID()); err != nil {
		logger.Error("failing session", zap.Error(err))
	}
	p.config.Registry.Remove(sc.ID())
}

// abandonSession retires a session no agent could serve: remaining queued
// work is failed in place and the session row goes to failed.
func (p *Processor) abandonSession(sc *registry.SessionContext, logger *zap.Logger, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := p.config.Store.MarkAllAbandoned(ctx, sc.ID())
	if err != nil {
		logger.Error("abandoning queued messages", zap.Error(err))
	}
	if err := p.config.Store.FailSession(ctx, sc.ID()); err != nil {
		logger.Error("failing session", zap.Error(err))
	}
	p.config.Registry.Remove(sc.ID())
	logger.Error("agent chain exhausted, session abandoned",
		zap.Int64("abandoned_messages", n),
		zap.Error(cause))
}

// refreshToken replaces the session's cancellation token for a restart.
// Returns false when the processor is shutting down.
func (p *Processor) refreshToken(sessionID int64) (context.Context, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false
	}
	if cancel, ok := p.running[sessionID]; ok {
		cancel()
	}
	runCtx, cancel := context.WithCancel(p.base)
	p.running[sessionID] = cancel
	return runCtx, true
}

func (p *Processor) clearRunning(sessionID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.running[sessionID]; ok {
		cancel()
		delete(p.running, sessionID)
	}
}
