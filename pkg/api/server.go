// Package api exposes the coordination bridge over HTTP: session and expert
// registration, elicitation create/poll/respond, projection reads, health,
// and a WebSocket notification stream.
package api

import (
	"context"
	"net"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/codeready-toolchain/relay/pkg/config"
	"github.com/codeready-toolchain/relay/pkg/engine"
	"github.com/codeready-toolchain/relay/pkg/metrics"
	"github.com/codeready-toolchain/relay/pkg/version"
)

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	cfg        *config.Config
	engine     *engine.Engine
	metrics    *metrics.Metrics
}

// NewServer creates the API server and registers all routes.
func NewServer(cfg *config.Config, eng *engine.Engine, m *metrics.Metrics) *Server {
	e := echo.New()

	s := &Server{
		echo:    e,
		cfg:     cfg,
		engine:  eng,
		metrics: m,
	}
	s.setupRoutes()
	return s
}

// setupRoutes registers all API routes.
func (s *Server) setupRoutes() {
	s.echo.Use(middleware.BodyLimit(s.cfg.Server.MaxBodyBytes))
	s.echo.Use(securityHeaders())
	if s.metrics != nil {
		s.echo.Use(requestMetrics(s.metrics))
		s.echo.GET("/metrics", func(c *echo.Context) error {
			s.metrics.Handler().ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}

	s.echo.GET("/health", s.healthHandler)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/session", s.createSessionHandler)
	v1.POST("/session/revoke", s.revokeSessionHandler)

	v1.POST("/expert/register", s.registerExpertHandler)
	v1.GET("/experts", s.listExpertsHandler)

	// Static paths before the :id param.
	v1.POST("/elicitation", s.createElicitationHandler)
	v1.GET("/elicitation/pending", s.pendingHandler)
	v1.POST("/elicitation/respond", s.respondHandler)
	v1.GET("/elicitation/:id", s.getElicitationHandler)
	v1.GET("/elicitations", s.listElicitationsHandler)

	// WebSocket endpoint for push delivery of the same inbox items the
	// long-poll drain returns.
	v1.GET("/ws", s.wsHandler)
}

// Start starts the HTTP server on the given address (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener.
// Used by test infrastructure to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &HealthResponse{
		Status:     "healthy",
		Version:    version.Full(),
		Projection: s.engine.Store().Stats(),
		Fabric:     s.engine.Fabric().Stats(),
	})
}
