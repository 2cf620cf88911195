package api

import (
	"errors"
	"net"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ucalyptus/open-mem/pkg/processor"
	"github.com/ucalyptus/open-mem/pkg/registry"
	"github.com/ucalyptus/open-mem/pkg/store"
)

// ErrorResponse is the JSON error envelope for all routes.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server is the API server for the openmem service.
type Server struct {
	config    Config
	store     *store.Store
	registry  *registry.Registry
	processor *processor.Processor
	logger    *zap.Logger
	app       *fiber.App
}

// NewServer creates a new API server. The store, registry, and processor are
// injected so the server shares them with the recovery coordinator.
func NewServer(config Config, st *store.Store, reg *registry.Registry, proc *processor.Processor, logger *zap.Logger) (*Server, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if proc == nil {
		return nil, errors.New("processor is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	s := &Server{
		config:    config,
		store:     st,
		registry:  reg,
		processor: proc,
		logger:    logger,
		app:       app,
	}

	app.Get("/ping", s.handlePing)

	app.Post("/v1/queue/observation", s.handleQueueObservation)
	app.Post("/v1/queue/summarize", s.handleQueueSummarize)
	app.Post("/v1/sessions/prompt", s.handleSessionPrompt)
	app.Post("/v1/sessions/complete", s.handleSessionComplete)

	app.Get("/v1/status", s.handleStatus)
	app.Get("/v1/status/stream", s.handleStatusStream)

	app.Get("/v1/context", s.handleRecentContext)
	app.Get("/v1/sessions", s.handleListSessions)
	app.Get("/v1/sessions/:id/observations", s.handleSessionObservations)
	app.Get("/v1/sessions/:id/summaries", s.handleSessionSummaries)
	app.Get("/v1/search", s.handleSearchEndpoint)

	if config.MCPHandler != nil {
		app.All("/mcp", adaptor.HTTPHandler(config.MCPHandler))
	}

	return s, nil
}

// Run starts the API server on the configured address.
func (s *Server) Run() error {
	s.logger.Info("starting API server",
		zap.String("listen", s.config.ListenAddr),
	)
	return s.app.Listen(s.config.ListenAddr)
}

// RunWithListener serves on an already-bound listener, so callers can
// persist the real address before accepting traffic.
func (s *Server) RunWithListener(ln net.Listener) error {
	s.logger.Info("starting API server",
		zap.String("listen", ln.Addr().String()),
	)
	return s.app.Listener(ln)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
