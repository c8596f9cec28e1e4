// Package server is the HTTP and WebSocket front of the engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/sentinel/internal/crypto"
	"github.com/alanyoungcy/sentinel/internal/domain"
	"github.com/alanyoungcy/sentinel/internal/server/handler"
	"github.com/alanyoungcy/sentinel/internal/server/middleware"
	"github.com/alanyoungcy/sentinel/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// Auth verifies signed requests; nil disables authentication.
	Auth *crypto.RequestAuth
	// RateLimit is requests per minute per client; 0 disables limiting.
	RateLimit int
	Limiter   domain.RateLimiter
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health     *handler.HealthHandler
	Positions  *handler.PositionHandler
	Executions *handler.ExecutionHandler
}

// Server is the API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// publicPaths skip authentication.
var publicPaths = []string{"/api/health", "/metrics"}

// NewServer registers the routes and wraps them in the middleware chain:
// logging, CORS, rate limiting, then authentication.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           newHandler(cfg, handlers, hub, logger),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			// Executions run several confirmed transactions before replying.
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

func newHandler(cfg Config, handlers Handlers, hub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Monitor-only deployments serve health, metrics and the stream.
	if handlers.Positions != nil {
		mux.HandleFunc("POST /api/quote", handlers.Positions.Quote)
		mux.HandleFunc("POST /api/execute", handlers.Positions.Execute)
		mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
		mux.HandleFunc("POST /api/positions/{id}/close", handlers.Positions.Close)
	}
	if handlers.Executions != nil {
		mux.HandleFunc("GET /api/executions", handlers.Executions.ListExecutions)
		mux.HandleFunc("GET /api/executions/{id}", handlers.Executions.GetExecution)
		mux.HandleFunc("GET /api/executions/{wallet}/inflight", handlers.Executions.InFlight)
		mux.HandleFunc("POST /api/executions/{id}/cancel", handlers.Executions.Cancel)
	}

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.Auth, logger, publicPaths...)(h)
	h = middleware.RateLimit(cfg.Limiter, cfg.RateLimit, time.Minute, logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	h = middleware.Logging(logger)(h)
	return h
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
