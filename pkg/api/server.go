// Package api is the HTTP surface over the run core. It never touches
// run state directly: live-run reads and mutations go through the
// scheduler's message-passing methods, history reads go to the archive.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"emberci/pkg/api/middleware"
	"emberci/pkg/auth"
	"emberci/pkg/logger"
	"emberci/pkg/scheduler"
	"emberci/pkg/storage"
)

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	log        *zap.Logger

	scheduler *scheduler.Core
	store     storage.RunStore
	logStore  storage.LogStore
}

// Config holds API server configuration. Store and LogStore are
// optional; without them history endpoints return 404.
type Config struct {
	Addr      string
	Scheduler *scheduler.Core
	Store     storage.RunStore
	LogStore  storage.LogStore
	Auth      *auth.Service
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Metrics())

	s := &Server{
		router:    router,
		log:       logger.Get().Named("api"),
		scheduler: cfg.Scheduler,
		store:     cfg.Store,
		logStore:  cfg.LogStore,
	}
	s.router.Use(s.requestLogger())
	s.registerRoutes(cfg.Auth)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.log.Info("starting server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes sets up all API endpoints. Reads are open; anything
// that mutates a run requires auth.
func (s *Server) registerRoutes(authService *auth.Service) {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/runs", s.listRuns)
		v1.GET("/jobs/:name/runs", s.listJobRuns)
		v1.GET("/runs/:name/:build", s.getRun)
		v1.GET("/runs/:name/:build/log", s.getRunLog)

		protected := v1.Group("")
		protected.Use(middleware.RequireAuth(authService))
		{
			protected.POST("/jobs/:name/trigger", s.triggerJob)
			protected.POST("/runs/:name/:build/abort", s.abortRun)
		}
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
