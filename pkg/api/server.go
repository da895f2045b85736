// Package api exposes the HTTP surface: thread and message CRUD, run
// lifecycle, SSE event streaming, and the WebSocket endpoint.
package api

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kortix-ai/agentpress/ent"
	"github.com/kortix-ai/agentpress/pkg/agent"
	"github.com/kortix-ai/agentpress/pkg/config"
	"github.com/kortix-ai/agentpress/pkg/events"
	"github.com/kortix-ai/agentpress/pkg/models"
)

// ThreadStore is the slice of the thread service the API needs.
type ThreadStore interface {
	CreateThread(ctx context.Context, req models.CreateThreadRequest) (*ent.Thread, error)
	GetThread(ctx context.Context, threadID string) (*ent.Thread, error)
	ListThreads(ctx context.Context, ownerID string, limit, offset int) (*models.ThreadListResponse, error)
	DeleteThread(ctx context.Context, threadID string) error
}

// MessageStore is the slice of the message service the API needs.
type MessageStore interface {
	CreateMessage(ctx context.Context, req models.CreateMessageRequest) (*ent.Message, error)
	GetThreadMessages(ctx context.Context, threadID string) ([]*ent.Message, error)
}

// RunReader serves run snapshots.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*ent.AgentRun, error)
	GetRunWithEvents(ctx context.Context, runID string) (*ent.AgentRun, []*ent.RunEvent, error)
	ListThreadRuns(ctx context.Context, threadID string) ([]*ent.AgentRun, error)
}

// AgentRunner starts and stops orchestrated runs.
type AgentRunner interface {
	StartRun(ctx context.Context, threadID string, cfg agent.RunConfig) (*ent.AgentRun, error)
	StopRun(ctx context.Context, runID, reason string) error
}

// EventStreamer attaches SSE clients to a run's event stream.
type EventStreamer interface {
	Subscribe(ctx context.Context, runID string, fromSeq int64) (*events.Subscription, error)
}

// Server wires the HTTP routes to their backing services.
type Server struct {
	cfg      *config.ServerConfig
	defaults *config.RunDefaults
	threads  ThreadStore
	messages MessageStore
	runs     RunReader
	agent    AgentRunner
	streams  EventStreamer
	ws       *events.ConnectionManager
	db       *sql.DB
	logger   *slog.Logger

	http *http.Server
}

// Deps bundles the server's collaborators.
type Deps struct {
	Config   *config.ServerConfig
	Defaults *config.RunDefaults
	Threads  ThreadStore
	Messages MessageStore
	Runs     RunReader
	Agent    AgentRunner
	Streams  EventStreamer
	WS       *events.ConnectionManager
	DB       *sql.DB
	Logger   *slog.Logger
}

func NewServer(deps Deps) *Server {
	return &Server{
		cfg:      deps.Config,
		defaults: deps.Defaults,
		threads:  deps.Threads,
		messages: deps.Messages,
		runs:     deps.Runs,
		agent:    deps.Agent,
		streams:  deps.Streams,
		ws:       deps.WS,
		db:       deps.DB,
		logger:   deps.Logger.With("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.logger))
	r.Use(securityHeaders())

	r.GET("/health", s.healthHandler)
	r.GET("/ws", s.wsHandler)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/threads", s.createThreadHandler)
		v1.GET("/threads", s.listThreadsHandler)
		v1.GET("/threads/:id", s.getThreadHandler)
		v1.DELETE("/threads/:id", s.deleteThreadHandler)

		v1.GET("/threads/:id/messages", s.listMessagesHandler)
		v1.POST("/threads/:id/messages", s.createMessageHandler)

		v1.POST("/threads/:id/agent/start", s.startRunHandler)
		v1.GET("/threads/:id/agent-runs", s.listRunsHandler)

		v1.GET("/agent-runs/:id", s.getRunHandler)
		v1.POST("/agent-runs/:id/stop", s.stopRunHandler)
		v1.GET("/agent-runs/:id/stream", s.streamRunHandler)
	}

	return r
}

// Start begins serving and blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:    ":" + s.cfg.Port,
		Handler: s.Router(),
	}
	s.logger.Info("HTTP server listening", "port", s.cfg.Port)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// runConfigFrom merges a start request over the server's run defaults.
func (s *Server) runConfigFrom(req models.StartRunRequest) agent.RunConfig {
	cfg := agent.RunConfig{
		Model:                  s.defaults.Model,
		SystemPrompt:           req.SystemPrompt,
		MaxIterations:          s.defaults.MaxIterations,
		ToolMode:               agent.ToolMode(s.defaults.ToolMode),
		TerminalTool:           s.defaults.TerminalTool,
		IterationTimeout:       s.defaults.IterationTimeout,
		SummaryThresholdTokens: s.defaults.SummaryThresholdTokens,
	}
	if req.Model != "" {
		cfg.Model = req.Model
	}
	if req.Temperature != nil {
		cfg.Temperature = *req.Temperature
	}
	if req.MaxIterations > 0 {
		cfg.MaxIterations = req.MaxIterations
	}
	if req.ToolMode != "" {
		cfg.ToolMode = agent.ToolMode(req.ToolMode)
	}
	if req.ExecuteOnStream != nil {
		cfg.ExecuteOnStream = *req.ExecuteOnStream
	}
	if req.ParallelTools != nil {
		cfg.ParallelTools = *req.ParallelTools
	}
	if len(req.StopTokens) > 0 {
		cfg.StopTokens = req.StopTokens
	}
	if req.TerminalTool != "" {
		cfg.TerminalTool = req.TerminalTool
	}
	if req.IterationTimeoutSec > 0 {
		cfg.IterationTimeout = time.Duration(req.IterationTimeoutSec) * time.Second
	}
	if req.SummaryThresholdTokens > 0 {
		cfg.SummaryThresholdTokens = req.SummaryThresholdTokens
	}
	cfg.EphemeralState = req.EphemeralState
	return cfg
}
