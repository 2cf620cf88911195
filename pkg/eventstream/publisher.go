package eventstream

import "context"

// Publisher publishes processing status events to an event stream backend.
type Publisher interface {
	PublishStatus(ctx context.Context, event *ProcessingStatusEvent) error
	Close() error
}
