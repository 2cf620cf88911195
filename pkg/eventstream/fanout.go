package eventstream

import (
	"context"
	"sync"
)

// subscriberBuffer bounds how many undelivered events a subscriber holds.
const subscriberBuffer = 8

// Fanout is an in-process Publisher that delivers each event to every
// subscriber. Publishing never blocks: when a subscriber's buffer is full
// the oldest buffered event is dropped, so a slow reader converges on the
// latest status rather than stalling the orchestrator.
type Fanout struct {
	mu     sync.Mutex
	subs   map[int]chan *ProcessingStatusEvent
	nextID int
	closed bool
}

// NewFanout creates an empty fanout publisher.
func NewFanout() *Fanout {
	return &Fanout{subs: make(map[int]chan *ProcessingStatusEvent)}
}

// Subscribe registers a new subscriber and returns its event channel plus a
// cancel function. The channel is closed on cancel and on Close.
func (f *Fanout) Subscribe() (<-chan *ProcessingStatusEvent, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		ch := make(chan *ProcessingStatusEvent)
		close(ch)
		return ch, func() {}
	}

	id := f.nextID
	f.nextID++
	ch := make(chan *ProcessingStatusEvent, subscriberBuffer)
	f.subs[id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// PublishStatus delivers the event to all current subscribers.
func (f *Fanout) PublishStatus(_ context.Context, event *ProcessingStatusEvent) error {
	if event == nil {
		return ErrNilStatusEvent
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}

	for _, ch := range f.subs {
		select {
		case ch <- event:
		default:
			// Full buffer: drop the oldest event to make room.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
	return nil
}

// SubscriberCount returns the number of live subscribers.
func (f *Fanout) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close closes all subscriber channels. Further publishes are discarded.
func (f *Fanout) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
	return nil
}
