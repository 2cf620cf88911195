package agent

import "sync"

// ProcTable tracks the helper OS processes agents spawn, one per extraction
// call, keyed by pid with the owning session id as value. The recovery
// coordinator diffs a snapshot against the live registry to find orphans.
type ProcTable struct {
	mu   sync.Mutex
	pids map[int]int64
}

// NewProcTable creates an empty process table.
func NewProcTable() *ProcTable {
	return &ProcTable{pids: make(map[int]int64)}
}

// Register records a spawned helper process for a session.
func (t *ProcTable) Register(sessionID int64, pid int) {
	if pid <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pids[pid] = sessionID
}

// Unregister drops a helper process, typically right after it is awaited.
func (t *ProcTable) Unregister(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pids, pid)
}

// Snapshot returns a copy of the current pid → session id mapping.
func (t *ProcTable) Snapshot() map[int]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int]int64, len(t.pids))
	for pid, sid := range t.pids {
		out[pid] = sid
	}
	return out
}

// Len returns the number of tracked helper processes.
func (t *ProcTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pids)
}
