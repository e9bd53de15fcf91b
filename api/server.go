package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"example.com/aethyr/world/config"
	"example.com/aethyr/world/service"
	"example.com/aethyr/world/tracing"
)

// Server is the HTTP server for the API
type Server struct {
	cfg        config.Config
	router     *gin.Engine
	httpServer *http.Server
	world      *service.World
	tracer     tracing.Tracer
}

// NewServer creates a new API server
func NewServer(cfg config.Config, world *service.World, tracer tracing.Tracer) *Server {
	server := &Server{
		cfg:    cfg,
		router: gin.New(),
		world:  world,
		tracer: tracer,
	}

	// Setup middleware
	server.setupMiddleware()

	// Setup routes
	server.setupRoutes()

	server.httpServer = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: server.router,
	}

	return server
}

// setupMiddleware adds middleware to the router
func (s *Server) setupMiddleware() {
	// Add request ID middleware
	s.router.Use(RequestIDMiddleware())

	// Add CORS middleware
	if s.cfg.Server.CorsEnabled {
		s.router.Use(CORSMiddleware(s.cfg.Server.CorsOrigins))
	}

	// Add recovery middleware
	s.router.Use(gin.Recovery())

	// Add New Relic middleware when tracing is enabled
	if s.tracer != nil && s.tracer.Application() != nil {
		s.router.Use(NewRelicMiddleware(s.tracer.Application()))
	}

	// Add logging middleware
	s.router.Use(LoggingMiddleware())
}

// setupRoutes defines the API routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	s.router.GET("/metrics", s.getMetrics)

	// API v1 group
	v1 := s.router.Group("/api/v1")
	{
		// Write side
		v1.POST("/commands", s.submitCommand)

		// Read models
		v1.GET("/projections/:table", s.queryProjection)
		v1.POST("/rebuild", s.rebuildWorldState)

		// Event log
		v1.GET("/aggregates/:id/events", s.getAggregateEvents)
		v1.GET("/statistics", s.getStatistics)
	}
}

// Handler exposes the router, mostly for tests
func (s *Server) Handler() http.Handler { return s.router }

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Msgf("HTTP server starting on %s", s.cfg.Server.Address)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
