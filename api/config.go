// Package api provides the HTTP surface of the openmem service: hook
// ingestion and session lifecycle on the write side, status and recorded
// context on the read side.
package api

import (
	"net/http"

	"github.com/ucalyptus/open-mem/pkg/eventstream"
)

// Config is the API server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "127.0.0.1:37777")
	ListenAddr string

	// Fanout feeds GET /v1/status/stream subscribers. Optional; without it
	// the stream route reports unavailable.
	Fanout *eventstream.Fanout

	// MCPHandler is mounted at /mcp when present.
	MCPHandler http.Handler
}
