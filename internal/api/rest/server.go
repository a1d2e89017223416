// Package rest exposes the CSC over HTTP: command topics as POST
// endpoints, the status snapshot, the auth endpoints, and the
// WebSocket event stream upgrade.
package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lsst-ts/mtreflector/internal/api/websocket"
	"github.com/lsst-ts/mtreflector/internal/auth"
	"github.com/lsst-ts/mtreflector/internal/config"
	"github.com/lsst-ts/mtreflector/internal/csc"
)

type Server struct {
	router      *gin.Engine
	csc         *csc.CSC
	cfg         *config.Config
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.Service
}

// NewServer builds the HTTP server. authService may be nil, in which
// case every surface is open.
func NewServer(cfg *config.Config, controller *csc.CSC, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.Service) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		csc:         controller,
		cfg:         cfg,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")

	if s.authService != nil {
		authPublic := v1.Group("/auth")
		{
			authPublic.POST("/login", s.login)
			authPublic.POST("/refresh", s.refreshToken)
		}

		authProtected := v1.Group("/auth")
		authProtected.Use(s.authService.Middleware())
		{
			authProtected.POST("/logout", s.logout)
			authProtected.GET("/me", s.getCurrentIdentity)
		}
	}

	// command and status surfaces; open when auth is disabled
	protected := v1.Group("")
	if s.authService != nil {
		protected.Use(s.authService.Middleware())
		protected.Use(auth.RequirePermission(auth.PermOperator))
	}
	{
		protected.GET("/csc/status", s.getStatus)
		protected.POST("/cmd/:command", s.executeCommand)
		protected.GET("/ws/status", s.wsStatus)
	}

	// WebSocket subscribers authenticate with their first message
	v1.GET("/ws/live", s.wsLiveConnection)
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

// GET /api/v1/csc/status
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.csc.GetStatus())
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}
