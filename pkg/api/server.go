// Package api provides the HTTP API: the remote-executor wire protocol
// (submit/stream), query streaming, health, and metrics.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/adjutant-ai/adjutant/pkg/config"
	"github.com/adjutant-ai/adjutant/pkg/database"
	"github.com/adjutant-ai/adjutant/pkg/dispatch"
	"github.com/adjutant-ai/adjutant/pkg/observability"
	"github.com/adjutant-ai/adjutant/pkg/pool"
	"github.com/adjutant-ai/adjutant/pkg/proactive"
	"github.com/adjutant-ai/adjutant/pkg/router"
)

// Server is the HTTP API server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	cfg        *config.ServerConfig

	workerPool *pool.Pool
	dispatcher *dispatch.Dispatcher
	queryRtr   *router.Router

	dbClient  *database.Client     // nil when memory persistence is disabled
	scheduler *proactive.Scheduler // nil when proactive mode is disabled

	authToken string
}

// NewServer creates the API server and registers its routes.
func NewServer(cfg *config.ServerConfig, workerPool *pool.Pool, dispatcher *dispatch.Dispatcher, queryRtr *router.Router) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		engine:     engine,
		cfg:        cfg,
		workerPool: workerPool,
		dispatcher: dispatcher,
		queryRtr:   queryRtr,
	}
	if cfg.AuthTokenEnv != "" {
		s.authToken = os.Getenv(cfg.AuthTokenEnv)
		if s.authToken == "" {
			slog.Warn("Server auth token env var is configured but empty", "env_var", cfg.AuthTokenEnv)
		}
	}

	s.setupRoutes()
	return s
}

// SetDatabaseClient attaches the database client for the health endpoint.
func (s *Server) SetDatabaseClient(client *database.Client) {
	s.dbClient = client
}

// SetScheduler attaches the proactive scheduler for the approval endpoints.
func (s *Server) SetScheduler(sched *proactive.Scheduler) {
	s.scheduler = sched
}

func (s *Server) setupRoutes() {
	// Remote-executor wire protocol.
	s.engine.POST("/submit", s.requireAuth, s.handleSubmit)
	s.engine.GET("/stream", s.requireAuth, s.handleStream)

	// Query surface.
	s.engine.POST("/query", s.handleQuery)
	s.engine.GET("/ws/query", s.handleQueryWS)

	// Operations.
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", func(c *gin.Context) {
		observability.ObservePool(s.workerPool)
		observability.Handler().ServeHTTP(c.Writer, c.Request)
	})

	// Proactive approvals.
	s.engine.GET("/proactive/actions", s.handleListActions)
	s.engine.POST("/proactive/actions/:id/approve", s.handleApproveAction)
	s.engine.POST("/proactive/actions/:id/reject", s.handleRejectAction)
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("API server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// requireAuth enforces the bearer token on wire-protocol endpoints when
// one is configured.
func (s *Server) requireAuth(c *gin.Context) {
	if s.authToken == "" {
		return
	}
	if c.GetHeader("Authorization") != "Bearer "+s.authToken {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

// requestLogger is a minimal slog-based access logger.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
