package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/kortix-ai/agentpress/ent"
	"github.com/kortix-ai/agentpress/pkg/models"
	"github.com/stretchr/testify/require"
)

// createTestThread inserts a thread and returns its id.
func createTestThread(t *testing.T, client *ent.Client) string {
	t.Helper()
	svc := NewThreadService(client)
	thr, err := svc.CreateThread(context.Background(), models.CreateThreadRequest{
		ThreadID: uuid.New().String(),
		OwnerID:  "test-owner",
	})
	require.NoError(t, err)
	return thr.ID
}

// createTestRun inserts a running run on the thread and returns its id.
func createTestRun(t *testing.T, client *ent.Client, threadID string) string {
	t.Helper()
	svc := NewRunService(client)
	run, err := svc.CreateRun(context.Background(), threadID, "test-instance", nil)
	require.NoError(t, err)
	return run.ID
}
