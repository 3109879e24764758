// Package server provides the HTTP server implementation for the KV service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/devrev/kvpk/internal/auth"
	"github.com/devrev/kvpk/internal/config"
	kverrors "github.com/devrev/kvpk/internal/errors"
	"github.com/devrev/kvpk/internal/handler"
	"github.com/devrev/kvpk/internal/health"
	"github.com/devrev/kvpk/internal/kv"
	"github.com/devrev/kvpk/internal/metrics"
	"github.com/devrev/kvpk/internal/middleware"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server represents the HTTP server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	handlers     *handler.Handlers
	healthCheck  *health.HealthCheck
	authn        auth.Authenticator
	metrics      *metrics.Metrics
	errorHandler *kverrors.Handler
	logger       *zap.Logger
	cfg          *config.Config
}

// NewServer creates a new HTTP server. Call SetupRoutes before serving.
func NewServer(
	cfg *config.Config,
	engine *kv.Engine,
	authn auth.Authenticator,
	healthCheck *health.HealthCheck,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter().UseEncodedPath()
	errorHandler := kverrors.NewHandler(logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Server{
		router:       router,
		httpServer:   httpServer,
		handlers:     handler.NewHandlers(engine, errorHandler, logger, cfg.Server.MaxBodyBytes),
		healthCheck:  healthCheck,
		authn:        authn,
		metrics:      m,
		errorHandler: errorHandler,
		logger:       logger,
		cfg:          cfg,
	}
}

// SetupRoutes configures all HTTP routes.
func (s *Server) SetupRoutes() {
	// Router middleware only runs for matched routes, so everything that
	// must also cover preflights and 404s wraps the router instead.
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.errorHandler, s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
		middleware.CORS(s.cfg.CORS.AllowedOrigins, s.cfg.CORS.MaxAge),
	}

	if s.cfg.RateLimiter.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.BurstSize,
			s.errorHandler,
			s.logger,
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}

	middlewareChain = append(middlewareChain, middleware.Timeout(s.cfg.Server.RequestTimeout))

	s.router.Use(metrics.MetricsMiddleware(s.metrics))

	// Health check endpoints
	s.router.HandleFunc("/health", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	// Unauthenticated reads
	s.router.HandleFunc("/get/{tenant}/{key}", s.handlers.Get).Methods(http.MethodGet)
	s.router.HandleFunc("/list/{tenant}/{prefix}", s.handlers.List).Methods(http.MethodGet)
	s.router.HandleFunc("/reverse/{key}", s.handlers.Reverse).Methods(http.MethodGet)

	// Authenticated writes
	authenticate := auth.Middleware(s.authn, s.cfg.Auth.Audience, s.errorHandler)
	s.router.Handle("/set", authenticate(http.HandlerFunc(s.handlers.Set))).Methods(http.MethodPost)
	s.router.Handle("/setMany", authenticate(http.HandlerFunc(s.handlers.SetMany))).Methods(http.MethodPost)
	s.router.Handle("/arrayInsert", authenticate(http.HandlerFunc(s.handlers.ArrayInsert))).Methods(http.MethodPost)
	s.router.Handle("/arrayRemove", authenticate(http.HandlerFunc(s.handlers.ArrayRemove))).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(s.errorHandler.WriteNotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.errorHandler.WriteMethodNotAllowed)

	s.httpServer.Handler = middleware.Chain(middlewareChain...)(s.router)
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.Int("port", s.cfg.Server.Port))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// GetHandler returns the fully wrapped http.Handler for the server.
func (s *Server) GetHandler() http.Handler {
	return s.httpServer.Handler
}
