package nop

import (
	"context"

	"github.com/ucalyptus/open-mem/pkg/eventstream"
)

// Publisher is a no-op eventstream publisher used for tests and disabled mode.
type Publisher struct{}

// NewPublisher creates a new no-op eventstream publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// PublishStatus validates input and otherwise does nothing.
func (p *Publisher) PublishStatus(_ context.Context, event *eventstream.ProcessingStatusEvent) error {
	if event == nil {
		return eventstream.ErrNilStatusEvent
	}

	return nil
}

// Close is a no-op.
func (p *Publisher) Close() error {
	return nil
}
