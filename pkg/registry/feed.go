package registry

import (
	"context"
	"sync"
	"time"

	"github.com/ucalyptus/open-mem/pkg/memory"
	"github.com/ucalyptus/open-mem/pkg/store"
)

// DefaultPollInterval is the fallback cadence for re-checking the queue while
// a feed is suspended. Wakes normally arrive through Wake on enqueue; polling
// covers producers in other processes.
const DefaultPollInterval = 2 * time.Second

// Feed hands one session's queued messages to its consumer in FIFO order.
// Claims go through the store, so a message handed out is durably marked
// processing before the consumer sees it.
type Feed struct {
	store        *store.Store
	sessionID    int64
	pollInterval time.Duration

	mu     sync.Mutex
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newFeed(st *store.Store, sessionID int64, pollInterval time.Duration) *Feed {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Feed{
		store:        st,
		sessionID:    sessionID,
		pollInterval: pollInterval,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Next claims the oldest pending message. While the queue is empty and the
// feed is open it suspends, waking on Wake, on Close, on the poll ticker, or
// on context cancellation. It returns (nil, nil) only once the feed is closed
// and the queue is drained.
func (f *Feed) Next(ctx context.Context) (*memory.PendingMessage, error) {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		msg, err := f.store.ClaimNext(ctx, f.sessionID)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		if f.Closed() {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.wake:
		case <-f.done:
		case <-ticker.C:
		}
	}
}

// Wake nudges a suspended consumer to re-check the queue. It never blocks; a
// wake that lands while one is already buffered is redundant anyway.
func (f *Feed) Wake() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Close marks the end of the session's input. The consumer drains whatever is
// still queued and then sees (nil, nil). Closing twice is a no-op.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.done)
}

// Closed reports whether the feed has been closed.
func (f *Feed) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
