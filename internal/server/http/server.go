// Package http is the control surface: a thin gin adapter over the task
// store and the engine loops. Handlers translate between JSON and store
// operations; no scheduling or execution logic lives here.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"plume/internal/async"
	"plume/internal/auth"
	"plume/internal/domain/publishing"
	"plume/internal/governor"
	"plume/internal/logging"
	"plume/internal/scanner"
)

// LoopStatus is implemented by the periodic loops (cadence, rollup).
type LoopStatus interface {
	Status() (lastRun time.Time, lastErr error)
}

// Config shapes the server.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string
	MetricsEnabled bool
	WorkerCount    int
}

// Deps carries everything the handlers reach for. Auth, Scanner, Governor
// and the loops may be nil; the matching endpoints then degrade.
type Deps struct {
	Store     publishing.Store
	Auth      *auth.Service
	Scanner   *scanner.Scanner
	Governor  *governor.Governor
	Scheduler LoopStatus
	Rollup    LoopStatus
	Metrics   http.Handler
}

// Server owns the gin engine and the listener.
type Server struct {
	cfg    Config
	deps   Deps
	engine *gin.Engine
	srv    *http.Server
	logger logging.Logger
}

// New builds the router. gin runs in release mode; logging goes through
// the engine logger, not gin's default writer.
func New(cfg Config, deps Deps, logger logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{cfg: cfg, deps: deps, engine: engine, logger: logging.OrNop(logger)}

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "X-API-Key")
	engine.Use(cors.New(corsConfig))

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	if s.cfg.MetricsEnabled && s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	api := s.engine.Group("/api/v1")
	api.Use(s.authMiddleware())

	read := api.Group("", s.requirePermission(auth.PermRead))
	{
		read.GET("/tasks", s.handleListTasks)
		read.GET("/tasks/:id", s.handleGetTask)
		read.GET("/tasks/:id/logs", s.handleListTaskLogs)
		read.GET("/projects", s.handleListProjects)
		read.GET("/projects/:id", s.handleGetProject)
		read.GET("/projects/:id/sources", s.handleListSources)
		read.GET("/status/scheduler", s.handleSchedulerStatus)
		read.GET("/status/governor", s.handleGovernorStatus)
		read.GET("/analytics/overview", s.handleAnalyticsOverview)
		read.GET("/analytics/trends", s.handleAnalyticsTrends)
	}

	write := api.Group("", s.requirePermission(auth.PermWrite))
	{
		write.POST("/tasks", s.handleCreateTask)
		write.PATCH("/tasks/:id", s.handleUpdateTask)
		write.DELETE("/tasks/:id", s.handleDeleteTask)
		write.POST("/projects", s.handleCreateProject)
		write.DELETE("/projects/:id", s.handleDeleteProject)
		write.POST("/projects/:id/sources", s.handleCreateSource)
	}

	execute := api.Group("", s.requirePermission(auth.PermExecute))
	{
		execute.POST("/tasks/:id/execute", s.handleExecuteTaskNow)
		execute.POST("/tasks/:id/cancel", s.handleCancelTask)
		execute.POST("/tasks/bulk", s.handleBulkAction)
		execute.POST("/projects/:id/scan", s.handleScanProject)
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	async.Go(s.logger, "control-surface", func() {
		s.logger.Info("control surface listening on %s", addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control surface: %v", err)
		}
	})
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}
