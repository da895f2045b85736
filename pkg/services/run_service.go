package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kortix-ai/agentpress/ent"
	"github.com/kortix-ai/agentpress/ent/agentrun"
	"github.com/kortix-ai/agentpress/ent/runevent"
	"github.com/kortix-ai/agentpress/ent/thread"
)

// RunService manages agent run rows: creation under the one-live-run
// constraint, the status lifecycle, heartbeats, and orphan queries.
type RunService struct {
	client *ent.Client
}

// NewRunService creates a new RunService
func NewRunService(client *ent.Client) *RunService {
	return &RunService{client: client}
}

// CreateRun inserts a running row for a thread. The partial unique index
// on live runs makes this the serialization point: two concurrent starts
// on one thread race to insert, and the loser gets ErrRunActive.
func (s *RunService) CreateRun(_ context.Context, threadID, instanceID string, config map[string]interface{}) (*ent.AgentRun, error) {
	if threadID == "" {
		return nil, NewValidationError("thread_id", "required")
	}
	if instanceID == "" {
		return nil, NewValidationError("instance_id", "required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Existence check first so a missing thread reads as 404, not as a
	// foreign-key constraint error masquerading as a conflict.
	exists, err := s.client.Thread.Query().
		Where(thread.IDEQ(threadID)).
		Exist(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check thread: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	builder := s.client.AgentRun.Create().
		SetID(uuid.New().String()).
		SetThreadID(threadID).
		SetStatus(agentrun.StatusRunning).
		SetStartedAt(time.Now()).
		SetOwnerInstanceID(instanceID).
		SetLastHeartbeatAt(time.Now())
	if config != nil {
		builder.SetConfig(config)
	}

	run, err := builder.Save(ctx)
	if err != nil {
		if ent.IsConstraintError(err) {
			return nil, ErrRunActive
		}
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by id
func (s *RunService) GetRun(ctx context.Context, runID string) (*ent.AgentRun, error) {
	run, err := s.client.AgentRun.Query().
		Where(agentrun.IDEQ(runID)).
		Only(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// GetRunWithEvents retrieves a run and its full event log in seq order
func (s *RunService) GetRunWithEvents(ctx context.Context, runID string) (*ent.AgentRun, []*ent.RunEvent, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}

	evts, err := s.client.RunEvent.Query().
		Where(runevent.RunIDEQ(runID)).
		Order(ent.Asc(runevent.FieldSeq)).
		All(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get run events: %w", err)
	}
	return run, evts, nil
}

// ListThreadRuns lists a thread's runs, newest first
func (s *RunService) ListThreadRuns(ctx context.Context, threadID string) ([]*ent.AgentRun, error) {
	runs, err := s.client.AgentRun.Query().
		Where(agentrun.ThreadIDEQ(threadID)).
		Order(ent.Desc(agentrun.FieldStartedAt)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// MarkStopping flips a running run to stopping. Only running runs are
// stoppable; a second stop on a stopping run is a no-op success so the
// operation is idempotent from the client's view.
func (s *RunService) MarkStopping(_ context.Context, runID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := s.client.AgentRun.Update().
		Where(
			agentrun.IDEQ(runID),
			agentrun.StatusEQ(agentrun.StatusRunning),
		).
		SetStatus(agentrun.StatusStopping).
		Save(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark run stopping: %w", err)
	}
	if n > 0 {
		return nil
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == agentrun.StatusStopping {
		return nil
	}
	return ErrRunNotStoppable
}

// CompleteRun moves a live run to a terminal status, stamping
// completed_at and the error message for failures. Terminal states never
// change: a run already finished by a concurrent writer (the stale-run
// sweep racing the run's own finish) is left as-is and the late write is
// a no-op.
func (s *RunService) CompleteRun(_ context.Context, runID string, status agentrun.Status, errMsg string) error {
	switch status {
	case agentrun.StatusCompleted, agentrun.StatusFailed, agentrun.StatusStopped:
	default:
		return NewValidationError("status", fmt.Sprintf("%s is not a terminal status", status))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	update := s.client.AgentRun.Update().
		Where(
			agentrun.IDEQ(runID),
			agentrun.StatusIn(agentrun.StatusRunning, agentrun.StatusStopping),
		).
		SetStatus(status).
		SetCompletedAt(time.Now())
	if errMsg != "" {
		update.SetError(errMsg)
	}

	n, err := update.Save(ctx)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if n > 0 {
		return nil
	}

	// Zero rows updated: the run does not exist, or it is already
	// terminal and this writer lost the race.
	if _, err := s.GetRun(ctx, runID); err != nil {
		return err
	}
	return nil
}

// Heartbeat stamps a live run's heartbeat. Dead runs are left alone so a
// late beat from a recovered-over run cannot resurrect it.
func (s *RunService) Heartbeat(_ context.Context, runID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.client.AgentRun.Update().
		Where(
			agentrun.IDEQ(runID),
			agentrun.StatusIn(agentrun.StatusRunning, agentrun.StatusStopping),
		).
		SetLastHeartbeatAt(time.Now()).
		Save(ctx)
	if err != nil {
		return fmt.Errorf("failed to heartbeat run: %w", err)
	}
	return nil
}

// FindOwnedLiveRuns returns live runs owned by an instance. Used at
// startup: anything this instance owned before a restart is an orphan.
func (s *RunService) FindOwnedLiveRuns(ctx context.Context, instanceID string) ([]*ent.AgentRun, error) {
	runs, err := s.client.AgentRun.Query().
		Where(
			agentrun.StatusIn(agentrun.StatusRunning, agentrun.StatusStopping),
			agentrun.OwnerInstanceIDEQ(instanceID),
		).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find owned live runs: %w", err)
	}
	return runs, nil
}

// FindStaleRuns returns live runs whose heartbeat is older than the
// threshold, regardless of owner. Used by the periodic sweep to recover
// runs whose instance died without restarting.
func (s *RunService) FindStaleRuns(ctx context.Context, staleAfter time.Duration) ([]*ent.AgentRun, error) {
	cutoff := time.Now().Add(-staleAfter)
	runs, err := s.client.AgentRun.Query().
		Where(
			agentrun.StatusIn(agentrun.StatusRunning, agentrun.StatusStopping),
			agentrun.LastHeartbeatAtLT(cutoff),
		).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale runs: %w", err)
	}
	return runs, nil
}

// RecoverRun marks an orphaned run failed if it is still live. Returns
// whether this caller won the transition; losers (another instance's
// sweep, or the run finishing on its own) get false.
func (s *RunService) RecoverRun(_ context.Context, runID, reason string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := s.client.AgentRun.Update().
		Where(
			agentrun.IDEQ(runID),
			agentrun.StatusIn(agentrun.StatusRunning, agentrun.StatusStopping),
		).
		SetStatus(agentrun.StatusFailed).
		SetError(reason).
		SetCompletedAt(time.Now()).
		Save(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to recover run: %w", err)
	}
	return n > 0, nil
}
