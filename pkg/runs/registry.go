// Package runs tracks which agent runs this instance owns: heartbeats
// for the cluster-visible liveness record, STOP delivery from the
// control channel, crash recovery for orphaned runs, and graceful
// shutdown of everything still in flight.
package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kortix-ai/agentpress/ent"
	"github.com/kortix-ai/agentpress/pkg/config"
	"github.com/kortix-ai/agentpress/pkg/events"
)

// RunStore is the slice of the run service the registry needs.
type RunStore interface {
	Heartbeat(ctx context.Context, runID string) error
	FindOwnedLiveRuns(ctx context.Context, instanceID string) ([]*ent.AgentRun, error)
	FindStaleRuns(ctx context.Context, staleAfter time.Duration) ([]*ent.AgentRun, error)
	RecoverRun(ctx context.Context, runID, reason string) (bool, error)
}

// ControlListener manages LISTEN subscriptions on control channels.
type ControlListener interface {
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
}

// EndNotifier publishes the terminal end event for a run the registry
// failed during recovery, so subscribers stuck on the stream terminate.
type EndNotifier func(ctx context.Context, runID, reason string) error

// DatabaseEndNotifier appends the end event through the run's sequenced
// publisher, resuming from the persisted high-water mark.
func DatabaseEndNotifier(db *sql.DB) EndNotifier {
	return func(ctx context.Context, runID, reason string) error {
		pub, err := events.NewRunPublisher(ctx, db, runID)
		if err != nil {
			return fmt.Errorf("failed to open publisher for run %s: %w", runID, err)
		}
		_, err = pub.Publish(ctx, events.EventTypeEnd, events.EndPayload{
			Status: "failed",
			Error:  reason,
		})
		return err
	}
}

// Run is the registry's handle on one locally-executing run.
type Run struct {
	ID       string
	Signal   *StopSignal
	finished chan struct{}
}

// Finished is closed when the run's orchestrator unregisters.
func (r *Run) Finished() <-chan struct{} { return r.finished }

// Registry owns the live-run set of one instance.
type Registry struct {
	store      RunStore
	listener   ControlListener
	notifyEnd  EndNotifier
	instanceID string
	cfg        config.RegistryConfig
	logger     *slog.Logger

	mu    sync.Mutex
	owned map[string]*Run

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

func NewRegistry(store RunStore, listener ControlListener, notifyEnd EndNotifier, instanceID string, cfg config.RegistryConfig, logger *slog.Logger) *Registry {
	return &Registry{
		store:      store,
		listener:   listener,
		notifyEnd:  notifyEnd,
		instanceID: instanceID,
		cfg:        cfg,
		logger:     logger.With("component", "run_registry", "instance_id", instanceID),
		owned:      make(map[string]*Run),
	}
}

// Register adds a run to the owned set and subscribes its control
// channel so STOP signals reach the orchestrator.
func (r *Registry) Register(ctx context.Context, runID string) (*Run, error) {
	run := &Run{
		ID:       runID,
		Signal:   NewStopSignal(),
		finished: make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.owned[runID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("run %s already registered", runID)
	}
	r.owned[runID] = run
	r.mu.Unlock()

	if err := r.listener.Subscribe(ctx, events.ControlChannel(runID)); err != nil {
		r.mu.Lock()
		delete(r.owned, runID)
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to subscribe control channel: %w", err)
	}

	r.logger.Info("run registered", "run_id", runID)
	return run, nil
}

// Unregister removes a finished run. Safe to call for unknown IDs.
func (r *Registry) Unregister(ctx context.Context, runID string) {
	r.mu.Lock()
	run, ok := r.owned[runID]
	if ok {
		delete(r.owned, runID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	close(run.finished)
	if err := r.listener.Unsubscribe(ctx, events.ControlChannel(runID)); err != nil {
		r.logger.Warn("failed to unsubscribe control channel", "run_id", runID, "error", err)
	}
	r.logger.Info("run unregistered", "run_id", runID)
}

// Get returns the handle of a locally-owned run.
func (r *Registry) Get(runID string) (*Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.owned[runID]
	return run, ok
}

// Owned lists the IDs of all locally-owned runs.
func (r *Registry) Owned() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.owned))
	for id := range r.owned {
		ids = append(ids, id)
	}
	return ids
}

// Dispatch implements events.Sink for control-channel notifications.
// A STOP for an owned run raises its signal; everything else is ignored.
func (r *Registry) Dispatch(channel string, payload []byte) {
	runID, ok := events.ParseControlChannel(channel)
	if !ok {
		return
	}

	var ctrl events.ControlPayload
	if err := json.Unmarshal(payload, &ctrl); err != nil {
		r.logger.Warn("malformed control payload", "channel", channel, "error", err)
		return
	}
	if ctrl.Action != events.ControlActionStop {
		return
	}

	run, owned := r.Get(runID)
	if !owned {
		return
	}
	reason := ctrl.Reason
	if reason == "" {
		reason = "stop requested"
	}
	r.logger.Info("stop signal received", "run_id", runID, "reason", reason)
	run.Signal.Stop(reason)
}

// Start launches the heartbeat and orphan-sweep loops.
func (r *Registry) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	r.loopCancel = cancel
	r.loopDone = make(chan struct{})

	go func() {
		defer close(r.loopDone)
		heartbeat := time.NewTicker(r.cfg.HeartbeatInterval)
		sweep := time.NewTicker(r.cfg.OrphanSweepInterval)
		defer heartbeat.Stop()
		defer sweep.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-heartbeat.C:
				r.heartbeatOwned(loopCtx)
			case <-sweep.C:
				r.sweepStale(loopCtx)
			}
		}
	}()
}

func (r *Registry) heartbeatOwned(ctx context.Context) {
	for _, runID := range r.Owned() {
		if err := r.store.Heartbeat(ctx, runID); err != nil {
			r.logger.Warn("heartbeat failed", "run_id", runID, "error", err)
		}
	}
}

// sweepStale fails runs whose owner stopped heartbeating, cluster-wide.
// The conditional update in RecoverRun makes concurrent sweepers safe;
// only the winner publishes the end event.
func (r *Registry) sweepStale(ctx context.Context) {
	stale, err := r.store.FindStaleRuns(ctx, r.cfg.OrphanThreshold)
	if err != nil {
		r.logger.Error("stale run query failed", "error", err)
		return
	}

	for _, run := range stale {
		if _, mine := r.Get(run.ID); mine {
			continue
		}
		r.failRun(ctx, run.ID, "owner instance heartbeat expired")
	}
}

// RecoverOwned fails every run the database still attributes to this
// instance. Called once on startup, before new runs are accepted: any
// such run belongs to a previous process and is not actually executing.
func (r *Registry) RecoverOwned(ctx context.Context) error {
	orphans, err := r.store.FindOwnedLiveRuns(ctx, r.instanceID)
	if err != nil {
		return fmt.Errorf("failed to list orphaned runs: %w", err)
	}

	for _, run := range orphans {
		r.failRun(ctx, run.ID, "server restart")
	}
	if len(orphans) > 0 {
		r.logger.Info("recovered orphaned runs", "count", len(orphans))
	}
	return nil
}

func (r *Registry) failRun(ctx context.Context, runID, reason string) {
	won, err := r.store.RecoverRun(ctx, runID, reason)
	if err != nil {
		r.logger.Error("run recovery failed", "run_id", runID, "error", err)
		return
	}
	if !won {
		return
	}
	r.logger.Warn("run failed by recovery", "run_id", runID, "reason", reason)
	if err := r.notifyEnd(ctx, runID, reason); err != nil {
		r.logger.Error("failed to publish end event for recovered run",
			"run_id", runID, "error", err)
	}
}

// Shutdown stops the loops, signals STOP to every owned run, and waits
// up to the grace period. Stragglers are force-failed so no run stays
// "running" after the process exits.
func (r *Registry) Shutdown(ctx context.Context) {
	if r.loopCancel != nil {
		r.loopCancel()
		<-r.loopDone
	}

	r.mu.Lock()
	pending := make([]*Run, 0, len(r.owned))
	for _, run := range r.owned {
		pending = append(pending, run)
	}
	r.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	r.logger.Info("stopping owned runs for shutdown", "count", len(pending))
	for _, run := range pending {
		run.Signal.Stop("shutdown")
	}

	deadline := time.NewTimer(r.cfg.ShutdownGrace)
	defer deadline.Stop()
	for _, run := range pending {
		select {
		case <-run.Finished():
		case <-deadline.C:
			r.forceFailStragglers(ctx)
			return
		case <-ctx.Done():
			r.forceFailStragglers(ctx)
			return
		}
	}
}

func (r *Registry) forceFailStragglers(ctx context.Context) {
	for _, runID := range r.Owned() {
		r.failRun(ctx, runID, "server shutdown")
		r.Unregister(ctx, runID)
	}
}
