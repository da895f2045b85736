package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kortix-ai/agentpress/ent/agentrun"
	"github.com/kortix-ai/agentpress/ent/runevent"
	testdb "github.com/kortix-ai/agentpress/test/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunService_CreateRun(t *testing.T) {
	client := testdb.NewTestClient(t)
	svc := NewRunService(client.Client)
	ctx := context.Background()

	t.Run("creates run with config", func(t *testing.T) {
		threadID := createTestThread(t, client.Client)
		run, err := svc.CreateRun(ctx, threadID, "instance-1", map[string]interface{}{
			"model": "gpt-4o",
		})
		require.NoError(t, err)
		assert.Equal(t, agentrun.StatusRunning, run.Status)
		assert.Equal(t, "instance-1", run.OwnerInstanceID)
		assert.Equal(t, "gpt-4o", run.Config["model"])
	})

	t.Run("missing thread returns ErrNotFound", func(t *testing.T) {
		_, err := svc.CreateRun(ctx, uuid.New().String(), "instance-1", nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("second live run on thread returns ErrRunActive", func(t *testing.T) {
		threadID := createTestThread(t, client.Client)
		_, err := svc.CreateRun(ctx, threadID, "instance-1", nil)
		require.NoError(t, err)

		_, err = svc.CreateRun(ctx, threadID, "instance-2", nil)
		assert.ErrorIs(t, err, ErrRunActive)
	})

	t.Run("new run allowed after previous completes", func(t *testing.T) {
		threadID := createTestThread(t, client.Client)
		run, err := svc.CreateRun(ctx, threadID, "instance-1", nil)
		require.NoError(t, err)

		require.NoError(t, svc.CompleteRun(ctx, run.ID, agentrun.StatusCompleted, ""))

		_, err = svc.CreateRun(ctx, threadID, "instance-1", nil)
		assert.NoError(t, err)
	})
}

func TestRunService_StopLifecycle(t *testing.T) {
	client := testdb.NewTestClient(t)
	svc := NewRunService(client.Client)
	ctx := context.Background()

	t.Run("running becomes stopping", func(t *testing.T) {
		threadID := createTestThread(t, client.Client)
		runID := createTestRun(t, client.Client, threadID)

		require.NoError(t, svc.MarkStopping(ctx, runID))
		run, err := svc.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, agentrun.StatusStopping, run.Status)

		// Second stop is an idempotent no-op.
		assert.NoError(t, svc.MarkStopping(ctx, runID))
	})

	t.Run("terminal run is not stoppable", func(t *testing.T) {
		threadID := createTestThread(t, client.Client)
		runID := createTestRun(t, client.Client, threadID)
		require.NoError(t, svc.CompleteRun(ctx, runID, agentrun.StatusCompleted, ""))

		err := svc.MarkStopping(ctx, runID)
		assert.ErrorIs(t, err, ErrRunNotStoppable)
	})

	t.Run("missing run returns ErrNotFound", func(t *testing.T) {
		err := svc.MarkStopping(ctx, uuid.New().String())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("failed run records error and completion time", func(t *testing.T) {
		threadID := createTestThread(t, client.Client)
		runID := createTestRun(t, client.Client, threadID)

		require.NoError(t, svc.CompleteRun(ctx, runID, agentrun.StatusFailed, "llm unavailable"))
		run, err := svc.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, agentrun.StatusFailed, run.Status)
		assert.Equal(t, "llm unavailable", run.Error)
		assert.NotNil(t, run.CompletedAt)
	})

	t.Run("terminal status is never overwritten", func(t *testing.T) {
		threadID := createTestThread(t, client.Client)
		runID := createTestRun(t, client.Client, threadID)

		// The stale-heartbeat sweep fails the run first.
		won, err := svc.RecoverRun(ctx, runID, "instance presumed dead")
		require.NoError(t, err)
		require.True(t, won)

		// The run's own late completion loses the race and changes nothing.
		require.NoError(t, svc.CompleteRun(ctx, runID, agentrun.StatusCompleted, ""))
		run, err := svc.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, agentrun.StatusFailed, run.Status)
		assert.Equal(t, "instance presumed dead", run.Error)
	})

	t.Run("CompleteRun on missing run returns ErrNotFound", func(t *testing.T) {
		err := svc.CompleteRun(ctx, uuid.New().String(), agentrun.StatusCompleted, "")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("non-terminal status rejected by CompleteRun", func(t *testing.T) {
		threadID := createTestThread(t, client.Client)
		runID := createTestRun(t, client.Client, threadID)

		err := svc.CompleteRun(ctx, runID, agentrun.StatusRunning, "")
		assert.True(t, IsValidationError(err))
	})
}

func TestRunService_OrphanQueries(t *testing.T) {
	client := testdb.NewTestClient(t)
	svc := NewRunService(client.Client)
	ctx := context.Background()

	mine := createTestRun(t, client.Client, createTestThread(t, client.Client))
	theirs, err := svc.CreateRun(ctx, createTestThread(t, client.Client), "other-instance", nil)
	require.NoError(t, err)
	done := createTestRun(t, client.Client, createTestThread(t, client.Client))
	require.NoError(t, svc.CompleteRun(ctx, done, agentrun.StatusCompleted, ""))

	t.Run("owned live runs", func(t *testing.T) {
		runs, err := svc.FindOwnedLiveRuns(ctx, "test-instance")
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, mine, runs[0].ID)
	})

	t.Run("stale runs regardless of owner", func(t *testing.T) {
		// Fresh heartbeats — nothing stale yet.
		runs, err := svc.FindStaleRuns(ctx, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, runs)

		// Everything live looks stale with a zero threshold after a beat
		// in the past.
		_, err = client.AgentRun.UpdateOneID(theirs.ID).
			SetLastHeartbeatAt(time.Now().Add(-10 * time.Minute)).
			Save(ctx)
		require.NoError(t, err)

		runs, err = svc.FindStaleRuns(ctx, 5*time.Minute)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, theirs.ID, runs[0].ID)
	})

	t.Run("heartbeat refreshes live run only", func(t *testing.T) {
		before, err := svc.GetRun(ctx, mine)
		require.NoError(t, err)

		time.Sleep(10 * time.Millisecond)
		require.NoError(t, svc.Heartbeat(ctx, mine))
		after, err := svc.GetRun(ctx, mine)
		require.NoError(t, err)
		assert.True(t, after.LastHeartbeatAt.After(before.LastHeartbeatAt))

		// Beating a terminal run does not resurrect it.
		require.NoError(t, svc.Heartbeat(ctx, done))
		doneRun, err := svc.GetRun(ctx, done)
		require.NoError(t, err)
		assert.Equal(t, agentrun.StatusCompleted, doneRun.Status)
	})
}

func TestRunService_RecoverRun(t *testing.T) {
	client := testdb.NewTestClient(t)
	svc := NewRunService(client.Client)
	ctx := context.Background()

	runID := createTestRun(t, client.Client, createTestThread(t, client.Client))

	won, err := svc.RecoverRun(ctx, runID, "server restart")
	require.NoError(t, err)
	assert.True(t, won)

	run, err := svc.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, agentrun.StatusFailed, run.Status)
	assert.Equal(t, "server restart", run.Error)

	// Second recovery loses: the run is already terminal.
	won, err = svc.RecoverRun(ctx, runID, "server restart")
	require.NoError(t, err)
	assert.False(t, won)
}

func TestRunService_GetRunWithEvents(t *testing.T) {
	client := testdb.NewTestClient(t)
	svc := NewRunService(client.Client)
	ctx := context.Background()

	runID := createTestRun(t, client.Client, createTestThread(t, client.Client))
	for i := int64(0); i < 3; i++ {
		_, err := client.RunEvent.Create().
			SetRunID(runID).
			SetSeq(i).
			SetType(runevent.TypeContentDelta).
			SetPayload(map[string]interface{}{"content": "x"}).
			Save(ctx)
		require.NoError(t, err)
	}

	run, evts, err := svc.GetRunWithEvents(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, runID, run.ID)
	require.Len(t, evts, 3)
	assert.Equal(t, int64(0), evts[0].Seq)
	assert.Equal(t, int64(2), evts[2].Seq)
}
