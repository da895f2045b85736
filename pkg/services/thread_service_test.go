package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/kortix-ai/agentpress/ent/message"
	"github.com/kortix-ai/agentpress/pkg/models"
	testdb "github.com/kortix-ai/agentpress/test/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreadService_CreateAndGet(t *testing.T) {
	client := testdb.NewTestClient(t)
	svc := NewThreadService(client.Client)
	ctx := context.Background()

	t.Run("creates with client-supplied id", func(t *testing.T) {
		id := uuid.New().String()
		thr, err := svc.CreateThread(ctx, models.CreateThreadRequest{
			ThreadID: id,
			OwnerID:  "alice",
			Metadata: map[string]any{"topic": "billing"},
		})
		require.NoError(t, err)
		assert.Equal(t, id, thr.ID)
		assert.Equal(t, "alice", thr.OwnerID)

		got, err := svc.GetThread(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "billing", got.Metadata["topic"])
	})

	t.Run("generates id when omitted", func(t *testing.T) {
		thr, err := svc.CreateThread(ctx, models.CreateThreadRequest{})
		require.NoError(t, err)
		assert.NotEmpty(t, thr.ID)
	})

	t.Run("duplicate id returns ErrAlreadyExists", func(t *testing.T) {
		id := uuid.New().String()
		_, err := svc.CreateThread(ctx, models.CreateThreadRequest{ThreadID: id})
		require.NoError(t, err)

		_, err = svc.CreateThread(ctx, models.CreateThreadRequest{ThreadID: id})
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("missing thread returns ErrNotFound", func(t *testing.T) {
		_, err := svc.GetThread(ctx, uuid.New().String())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestThreadService_ListByOwner(t *testing.T) {
	client := testdb.NewTestClient(t)
	svc := NewThreadService(client.Client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.CreateThread(ctx, models.CreateThreadRequest{OwnerID: "bob"})
		require.NoError(t, err)
	}
	_, err := svc.CreateThread(ctx, models.CreateThreadRequest{OwnerID: "carol"})
	require.NoError(t, err)

	resp, err := svc.ListThreads(ctx, "bob", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.TotalCount)
	assert.Len(t, resp.Threads, 2)

	resp, err = svc.ListThreads(ctx, "bob", 2, 2)
	require.NoError(t, err)
	assert.Len(t, resp.Threads, 1)
}

func TestThreadService_DeleteCascades(t *testing.T) {
	client := testdb.NewTestClient(t)
	threadSvc := NewThreadService(client.Client)
	msgSvc := NewMessageService(client.Client)
	ctx := context.Background()

	threadID := createTestThread(t, client.Client)
	_, err := msgSvc.CreateMessage(ctx, models.CreateMessageRequest{
		ThreadID: threadID,
		Kind:     message.KindUser,
		Content:  "hello",
	})
	require.NoError(t, err)

	require.NoError(t, threadSvc.DeleteThread(ctx, threadID))

	msgs, err := msgSvc.GetThreadMessages(ctx, threadID)
	require.NoError(t, err)
	assert.Empty(t, msgs, "messages go with the thread")

	err = threadSvc.DeleteThread(ctx, threadID)
	assert.ErrorIs(t, err, ErrNotFound)
}
