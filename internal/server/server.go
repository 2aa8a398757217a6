// Package server exposes the orchestration core over HTTP: a small REST
// surface for session and task management plus a websocket channel for
// live, bidirectional sessions.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/deskpilot/deskpilot/internal/orchestrator"
	"github.com/deskpilot/deskpilot/internal/session"
)

// Config holds server settings.
type Config struct {
	Host  string
	Port  int
	Debug bool
}

// DefaultConfig returns the default server settings.
func DefaultConfig() Config {
	return Config{Host: "localhost", Port: 8080}
}

// Server serves the REST and websocket surface.
type Server struct {
	orch       *orchestrator.Orchestrator
	engine     *gin.Engine
	httpServer *http.Server
	startTime  time.Time
	debugLog   func(format string, args ...interface{})
}

// Option configures a Server.
type Option func(*Server)

// WithDebugLog sets the debug log function.
func WithDebugLog(fn func(format string, args ...interface{})) Option {
	return func(s *Server) { s.debugLog = fn }
}

// New creates a Server around an orchestrator.
func New(orch *orchestrator.Orchestrator, cfg Config, opts ...Option) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	if cfg.Debug {
		engine.Use(gin.Logger())
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		orch:      orch,
		engine:    engine,
		startTime: time.Now(),
		httpServer: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler: engine,
		},
		debugLog: func(format string, args ...interface{}) {},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")
	api.POST("/sessions", s.createSession)
	api.GET("/sessions", s.listSessions)
	api.GET("/sessions/:id", s.getSession)
	api.DELETE("/sessions/:id", s.deleteSession)
	api.GET("/sessions/:id/messages", s.getMessages)
	api.POST("/tasks", s.submitTask)
	api.GET("/status", s.getStatus)

	s.engine.GET("/ws", s.handleWebsocket)
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func (s *Server) createSession(c *gin.Context) {
	id, err := s.orch.NewSession()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id})
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.orch.Sessions()})
}

func (s *Server) getSession(c *gin.Context) {
	snap, err := s.orch.ResumeSession(c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if isNotFound(err) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) deleteSession(c *gin.Context) {
	if err := s.orch.ResetSession(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) getMessages(c *gin.Context) {
	cursor, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since cursor"})
		return
	}

	messages := s.orch.Messages(c.Param("id"), cursor)
	next := cursor
	for _, ev := range messages {
		if ev.Seq > next {
			next = ev.Seq
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"messages":    messages,
		"next_cursor": next,
	})
}

type taskRequest struct {
	Task      string `json:"task" binding:"required"`
	SessionID string `json:"session_id"`
}

// submitTask accepts a task and starts planning in the background; progress
// arrives on the session's event stream.
func (s *Server) submitTask(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		var err error
		if sessionID, err = s.orch.NewSession(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	} else if _, err := s.orch.ResumeSession(sessionID); err != nil {
		status := http.StatusInternalServerError
		if isNotFound(err) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	taskID := uuid.NewString()
	go func() {
		if _, err := s.orch.HandleUserRequest(context.Background(), sessionID, req.Task); err != nil {
			s.debugLog("task %s for session %s failed: %v", taskID, sessionID, err)
		}
	}()

	c.JSON(http.StatusOK, gin.H{
		"task_id":    taskID,
		"session_id": sessionID,
		"status":     "started",
	})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"sessions":       len(s.orch.Sessions()),
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, session.ErrNotFound)
}
