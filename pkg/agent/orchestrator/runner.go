package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kortix-ai/agentpress/ent"
	"github.com/kortix-ai/agentpress/ent/agentrun"
	"github.com/kortix-ai/agentpress/pkg/agent"
	"github.com/kortix-ai/agentpress/pkg/events"
	"github.com/kortix-ai/agentpress/pkg/runs"
)

// RunLifecycle is the slice of the run service the runner needs to
// create, inspect, and terminate run records.
type RunLifecycle interface {
	CreateRun(ctx context.Context, threadID, instanceID string, config map[string]interface{}) (*ent.AgentRun, error)
	GetRun(ctx context.Context, runID string) (*ent.AgentRun, error)
	MarkStopping(ctx context.Context, runID string) error
	CompleteRun(ctx context.Context, runID string, status agentrun.Status, errMsg string) error
}

// Runner launches orchestrated runs in the background and routes stop
// requests to whichever instance owns the run.
type Runner struct {
	orch         *Orchestrator
	lifecycle    RunLifecycle
	registry     *runs.Registry
	db           *sql.DB
	instanceID   string
	pingInterval time.Duration
	logger       *slog.Logger
}

func NewRunner(orch *Orchestrator, lifecycle RunLifecycle, registry *runs.Registry, db *sql.DB, instanceID string, pingInterval time.Duration, logger *slog.Logger) *Runner {
	return &Runner{
		orch:         orch,
		lifecycle:    lifecycle,
		registry:     registry,
		db:           db,
		instanceID:   instanceID,
		pingInterval: pingInterval,
		logger:       logger.With("component", "runner"),
	}
}

// StartRun creates the run record, claims local ownership, and executes
// the run in a goroutine detached from the caller's request lifetime.
// Returns services.ErrRunActive when the thread already has a live run.
func (r *Runner) StartRun(ctx context.Context, threadID string, cfg agent.RunConfig) (*ent.AgentRun, error) {
	cfg = cfg.Normalize()

	run, err := r.lifecycle.CreateRun(ctx, threadID, r.instanceID, runConfigMap(cfg))
	if err != nil {
		return nil, err
	}

	handle, err := r.registry.Register(ctx, run.ID)
	if err != nil {
		r.abortStart(ctx, run.ID, fmt.Errorf("failed to claim run ownership: %w", err))
		return nil, err
	}

	publisher, err := events.NewRunPublisher(ctx, r.db, run.ID)
	if err != nil {
		r.registry.Unregister(ctx, run.ID)
		r.abortStart(ctx, run.ID, fmt.Errorf("failed to open event publisher: %w", err))
		return nil, err
	}

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer r.registry.Unregister(runCtx, run.ID)
		stopPings := r.startPings(runCtx, run.ID, publisher)
		defer stopPings()
		r.orch.Execute(runCtx, Params{
			RunID:     run.ID,
			ThreadID:  threadID,
			Config:    cfg,
			Publisher: publisher,
			Signal:    handle.Signal,
		})
	}()

	return run, nil
}

// StopRun marks the run stopping and signals its owner. The local
// fast path raises the stop flag directly; the control channel covers
// runs owned by other instances.
func (r *Runner) StopRun(ctx context.Context, runID, reason string) error {
	if reason == "" {
		reason = "stop requested"
	}
	if err := r.lifecycle.MarkStopping(ctx, runID); err != nil {
		return err
	}
	if handle, ok := r.registry.Get(runID); ok {
		handle.Signal.Stop(reason)
		return nil
	}
	if err := events.SignalStop(ctx, r.db, runID, reason); err != nil {
		return fmt.Errorf("failed to signal stop for run %s: %w", runID, err)
	}
	return nil
}

// eventPinger broadcasts transient keep-alives on a run's event channel.
type eventPinger interface {
	Ping(ctx context.Context) error
}

// startPings broadcasts keep-alives on the run's channel while it
// executes, so subscriber pumps blocked on a quiet stream wake up
// periodically. Returns a stop func, safe to call more than once.
func (r *Runner) startPings(ctx context.Context, runID string, pinger eventPinger) func() {
	if r.pingInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(r.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := pinger.Ping(ctx); err != nil {
					r.logger.Warn("event keep-alive failed", "run_id", runID, "error", err)
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// abortStart fails a run that never reached the orchestrator loop.
func (r *Runner) abortStart(ctx context.Context, runID string, cause error) {
	r.logger.Error("aborting run before execution", "run_id", runID, "error", cause)
	if err := r.lifecycle.CompleteRun(ctx, runID, agentrun.StatusFailed, cause.Error()); err != nil {
		r.logger.Error("failed to record aborted run", "run_id", runID, "error", err)
	}
}

func runConfigMap(cfg agent.RunConfig) map[string]interface{} {
	return map[string]interface{}{
		"model":                    cfg.Model,
		"temperature":              cfg.Temperature,
		"system_prompt":            cfg.SystemPrompt,
		"max_iterations":           cfg.MaxIterations,
		"tool_mode":                string(cfg.ToolMode),
		"execute_on_stream":        cfg.ExecuteOnStream,
		"parallel_tools":           cfg.ParallelTools,
		"stop_tokens":              cfg.StopTokens,
		"terminal_tool":            cfg.TerminalTool,
		"iteration_timeout_ms":     cfg.IterationTimeout.Milliseconds(),
		"summary_threshold_tokens": cfg.SummaryThresholdTokens,
	}
}
