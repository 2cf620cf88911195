// Package recovery keeps the queue honest across crashes and restarts. A
// coordinator pass resets stale in-flight claims, fails sessions whose owner
// never came back, reaps orphaned helper processes, and re-attaches consumers
// to queues that still have work.
package recovery

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ucalyptus/open-mem/pkg/agent"
	"github.com/ucalyptus/open-mem/pkg/memory"
	"github.com/ucalyptus/open-mem/pkg/processor"
	"github.com/ucalyptus/open-mem/pkg/registry"
	"github.com/ucalyptus/open-mem/pkg/store"
)

const (
	defaultInterval          = 5 * time.Minute
	defaultSessionStaleAfter = 6 * time.Hour
	defaultClaimStaleAfter   = 30 * time.Minute
	defaultRestartCap        = 50
	defaultRestartDelay      = 500 * time.Millisecond

	// killGrace is how long a SIGTERMed orphan gets before SIGKILL.
	killGrace = 2 * time.Second
)

// Config is the configuration for a Coordinator.
type Config struct {
	// Store is the backing queue and session store.
	Store *store.Store

	// Registry owns the live session contexts.
	Registry *registry.Registry

	// Processor attaches consumers during auto-recovery.
	Processor *processor.Processor

	// Procs is the helper-process table shared with the agents.
	Procs *agent.ProcTable

	// Interval is the periodic pass cadence (defaults to 5m).
	Interval time.Duration

	// SessionStaleAfter force-fails active sessions older than this
	// (defaults to 6h).
	SessionStaleAfter time.Duration

	// ClaimStaleAfter is the periodic-pass threshold for resetting stuck
	// processing claims (defaults to 30m). The startup pass always resets
	// unconditionally.
	ClaimStaleAfter time.Duration

	// RestartCap bounds consumer starts per pass (defaults to 50).
	RestartCap int

	// RestartDelay paces consumer starts within a pass (defaults to 500ms).
	RestartDelay time.Duration

	// Logger is the provided zap logger.
	Logger *zap.Logger
}

// Coordinator runs recovery passes.
type Coordinator struct {
	config *Config
	logger *zap.Logger
	wg     sync.WaitGroup
}

// New creates a coordinator. Nothing runs until RunStartupPass or Start.
func New(c *Config) (*Coordinator, error) {
	if c.Store == nil {
		return nil, errors.New("recovery requires a store")
	}
	if c.Registry == nil {
		return nil, errors.New("recovery requires a registry")
	}
	if c.Processor == nil {
		return nil, errors.New("recovery requires a processor")
	}
	if c.Procs == nil {
		c.Procs = agent.NewProcTable()
	}
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.SessionStaleAfter <= 0 {
		c.SessionStaleAfter = defaultSessionStaleAfter
	}
	if c.ClaimStaleAfter <= 0 {
		c.ClaimStaleAfter = defaultClaimStaleAfter
	}
	if c.RestartCap <= 0 {
		c.RestartCap = defaultRestartCap
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = defaultRestartDelay
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return &Coordinator{config: c, logger: c.Logger}, nil
}

// RunStartupPass runs one cold recovery pass. Call it after opening the store
// and before the API starts accepting work, so no claim from a previous
// process lingers once producers return.
func (c *Coordinator) RunStartupPass(ctx context.Context) error {
	return c.runPass(ctx, true)
}

// Start launches the periodic pass loop, bound to ctx.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.runPass(ctx, false); err != nil && !agent.IsCancelled(err) {
					c.logger.Error("recovery pass failed", zap.Error(err))
				}
			}
		}
	}()
}

// Wait blocks until the periodic loop has stopped.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) runPass(ctx context.Context, cold bool) error {
	var errs []error
	if err := c.resetStaleClaims(ctx, cold); err != nil {
		errs = append(errs, err)
	}
	if err := c.failStaleSessions(ctx); err != nil {
		errs = append(errs, err)
	}
	c.reapOrphans()
	if err := c.recoverPending(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// resetStaleClaims demotes stuck processing claims back to pending. The cold
// pass resets everything: after an unclean shutdown no claim can still have a
// live owner. Periodic passes only touch claims held implausibly long.
func (c *Coordinator) resetStaleClaims(ctx context.Context, cold bool) error {
	olderThan := c.config.ClaimStaleAfter
	if cold {
		olderThan = 0
	}
	n, err := c.config.Store.ResetStaleProcessing(ctx, olderThan)
	if err != nil {
		return err
	}
	if n > 0 {
		c.logger.Info("reset stale processing claims",
			zap.Int64("count", n), zap.Bool("cold", cold))
	}
	return nil
}

func (c *Coordinator) failStaleSessions(ctx context.Context) error {
	sessions, messages, err := c.config.Store.FailStaleSessions(ctx,
		c.config.SessionStaleAfter, c.config.Registry.LiveSessionIDs())
	if err != nil {
		return err
	}
	if sessions > 0 {
		c.logger.Warn("failed stale sessions",
			zap.Int64("sessions", sessions),
			zap.Int64("messages", messages))
	}
	return nil
}

// reapOrphans terminates helper processes whose owning session is no longer
// registered. SIGTERM first; anything still alive after the grace gets
// SIGKILL.
func (c *Coordinator) reapOrphans() {
	live := make(map[int64]bool)
	for _, id := range c.config.Registry.LiveSessionIDs() {
		live[id] = true
	}

	for pid, sessionID := range c.config.Procs.Snapshot() {
		if live[sessionID] {
			continue
		}
		c.logger.Warn("terminating orphaned helper process",
			zap.Int("pid", pid), zap.Int64("session", sessionID))
		terminate(pid)
		c.config.Procs.Unregister(pid)
	}
}

func terminate(pid int) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if !processAlive(proc) {
		return
	}
	_ = proc.Signal(syscall.SIGTERM)

	deadline := time.Now().Add(killGrace)
	for time.Now().Before(deadline) {
		if !processAlive(proc) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = proc.Kill()
}

func processAlive(proc *os.Process) bool {
	return proc.Signal(syscall.Signal(0)) == nil
}

// recoverPending re-attaches consumers to sessions that still have retryable
// work. Already-running consumers just get a wake; terminal sessions are left
// retired, their remaining failed messages kept for inspection.
func (c *Coordinator) recoverPending(ctx context.Context) error {
	ids, err := c.config.Store.SessionsWithPendingWork(ctx)
	if err != nil {
		return err
	}

	started := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}

		if c.config.Processor.IsRunning(id) {
			if sc, ok := c.config.Registry.Get(id); ok {
				sc.Feed().Wake()
			}
			continue
		}

		if started >= c.config.RestartCap {
			c.logger.Info("restart cap reached, deferring remaining sessions",
				zap.Int("cap", c.config.RestartCap),
				zap.Int("deferred", len(ids)-started))
			return nil
		}

		row, err := c.config.Store.GetSession(ctx, id)
		if err != nil {
			c.logger.Error("loading session for recovery",
				zap.Int64("session", id), zap.Error(err))
			continue
		}
		if row.Status != memory.SessionActive {
			continue
		}

		sc, err := c.config.Registry.GetOrAttach(ctx, id)
		if err != nil {
			c.logger.Error("attaching session for recovery",
				zap.Int64("session", id), zap.Error(err))
			continue
		}

		c.logger.Info("recovering session with pending work", zap.Int64("session", id))
		c.config.Processor.EnsureRunning(sc)
		started++

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.config.RestartDelay):
		}
	}
	return nil
}
