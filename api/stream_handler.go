package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/ucalyptus/open-mem/pkg/eventstream"
)

// keepAliveInterval paces SSE comment lines so dead clients are noticed
// between status transitions.
const keepAliveInterval = 15 * time.Second

// handleStatusStream streams ProcessingStatusEvents as SSE until the client
// disconnects or the fanout closes.
func (s *Server) handleStatusStream(c *fiber.Ctx) error {
	if s.config.Fanout == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{Error: "status stream is not configured"})
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	events, unsubscribe := s.config.Fanout.Subscribe()

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()

		// Lead with a snapshot so watchers render without waiting for the
		// next transition.
		if ev := s.snapshotEvent(); ev != nil {
			if err := writeStatusEvent(w, ev); err != nil {
				return
			}
		}

		keepAlive := time.NewTicker(keepAliveInterval)
		defer keepAlive.Stop()

		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := writeStatusEvent(w, ev); err != nil {
					return
				}
			case <-keepAlive.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}))

	return nil
}

// snapshotEvent builds a status event from current state. The stream writer
// runs detached from the request, so this uses its own bounded context.
func (s *Server) snapshotEvent() *eventstream.ProcessingStatusEvent {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	depth, err := s.store.QueueDepth(ctx)
	if err != nil {
		return nil
	}
	active := int64(s.processor.ActiveConsumers())
	return eventstream.NewProcessingStatusEvent(active > 0, active, depth)
}

func writeStatusEvent(w *bufio.Writer, ev *eventstream.ProcessingStatusEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}
