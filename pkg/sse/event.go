// Package sse provides a minimal SSE (Server-Sent Events) reader. The daemon
// streams processing-status updates as SSE, and the CLI's watch mode consumes
// them with this reader.
//
// This package intentionally does NOT provide SSE writer or server
// capabilities; the API serves its stream directly off the response writer.
//
// See the SSE specification:
// https://html.spec.whatwg.org/multipage/server-sent-events.html
package sse

// Event represents a single parsed SSE event, delimited by a blank line
// in the byte stream.
type Event struct {
	// Type is the SSE event type from the "event:" field.
	// An empty string means the default "message" type per the SSE spec.
	Type string

	// Data is the concatenated contents of all "data:" lines for this event,
	// joined with "\n" (per the SSE spec, multiple data fields are joined
	// with a single newline).
	Data string

	// ID is the last event ID from the "id:" field, if present.
	ID string
}
