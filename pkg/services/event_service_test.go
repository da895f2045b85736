package services

import (
	"context"
	"testing"
	"time"

	"github.com/kortix-ai/agentpress/ent"
	"github.com/kortix-ai/agentpress/ent/agentrun"
	"github.com/kortix-ai/agentpress/ent/runevent"
	testdb "github.com/kortix-ai/agentpress/test/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertEvents(t *testing.T, client *ent.Client, runID string, n int64) {
	t.Helper()
	for i := int64(0); i < n; i++ {
		_, err := client.RunEvent.Create().
			SetRunID(runID).
			SetSeq(i).
			SetType(runevent.TypeContentDelta).
			SetPayload(map[string]interface{}{"n": i}).
			Save(context.Background())
		require.NoError(t, err)
	}
}

func TestEventService_EventsFrom(t *testing.T) {
	client := testdb.NewTestClient(t)
	svc := NewEventService(client.Client)
	ctx := context.Background()

	runID := createTestRun(t, client.Client, createTestThread(t, client.Client))
	insertEvents(t, client.Client, runID, 5)

	t.Run("pages from cursor in seq order", func(t *testing.T) {
		evts, err := svc.EventsFrom(ctx, runID, 2, 2)
		require.NoError(t, err)
		require.Len(t, evts, 2)
		assert.Equal(t, int64(2), evts[0].Seq)
		assert.Equal(t, int64(3), evts[1].Seq)
		assert.Equal(t, "content_delta", evts[0].Type)
		assert.Equal(t, float64(2), evts[0].Payload["n"])
	})

	t.Run("cursor past the end is empty", func(t *testing.T) {
		evts, err := svc.EventsFrom(ctx, runID, 5, 10)
		require.NoError(t, err)
		assert.Empty(t, evts)
	})

	t.Run("unknown run is empty, not an error", func(t *testing.T) {
		evts, err := svc.EventsFrom(ctx, "no-such-run", 0, 10)
		require.NoError(t, err)
		assert.Empty(t, evts)
	})
}

func TestEventService_CleanupOldEvents(t *testing.T) {
	client := testdb.NewTestClient(t)
	svc := NewEventService(client.Client)
	runSvc := NewRunService(client.Client)
	ctx := context.Background()

	// Old terminal run.
	oldRun := createTestRun(t, client.Client, createTestThread(t, client.Client))
	insertEvents(t, client.Client, oldRun, 3)
	require.NoError(t, runSvc.CompleteRun(ctx, oldRun, agentrun.StatusCompleted, ""))
	_, err := client.AgentRun.UpdateOneID(oldRun).
		SetCompletedAt(time.Now().Add(-72 * time.Hour)).
		Save(ctx)
	require.NoError(t, err)

	// Live run keeps its log regardless of age.
	liveRun := createTestRun(t, client.Client, createTestThread(t, client.Client))
	insertEvents(t, client.Client, liveRun, 2)

	deleted, err := svc.CleanupOldEvents(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	remaining, err := svc.EventsFrom(ctx, liveRun, 0, 10)
	require.NoError(t, err)
	assert.Len(t, remaining, 2)

	_, err = svc.CleanupOldEvents(ctx, 0)
	assert.Error(t, err)
}
