package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/netopslab/fwupgrade/internal/api/websocket"
	"github.com/netopslab/fwupgrade/internal/auth"
	"github.com/netopslab/fwupgrade/internal/storage"
	"go.uber.org/zap"
)

// Server hosts the operator REST API and the upgrade status channel.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	store      *storage.Store
	hub        *websocket.Hub
	jwtHandler *auth.JWTHandler
	logger     *zap.Logger
}

func NewServer(store *storage.Store, hub *websocket.Hub, jwtHandler *auth.JWTHandler, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))
	router.Use(CORSMiddleware())

	s := &Server{
		router:     router,
		store:      store,
		hub:        hub,
		jwtHandler: jwtHandler,
		logger:     logger,
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)

	// Upgrade requesters and dashboards attach here. Authentication for the
	// channel rides in each start request's api_key, not in a JWT.
	s.router.GET("/api/v1/ws/upgrades", func(c *gin.Context) {
		websocket.ServeWs(s.hub, c.Writer, c.Request)
	})

	v1 := s.router.Group("/api/v1")
	v1.Use(auth.Middleware(s.jwtHandler))
	{
		v1.GET("/jobs/:id/status", s.handleJobStatus)
		v1.GET("/jobs/:id/logs", s.handleJobLogs)
		v1.POST("/jobs/:id/devices/:ip/reset", s.handleResetStage)
		v1.GET("/ws/status", s.handleChannelStatus)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"status_clients": s.hub.GetClientCount(),
		"time":           time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleChannelStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.hub.GetClientCount(),
	})
}

// Start begins listening on the given port. Blocks until the server stops.
func (s *Server) Start(port int) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}

	s.logger.Info("REST server starting", zap.Int("port", port))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
