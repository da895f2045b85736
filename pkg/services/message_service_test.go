package services

import (
	"context"
	"testing"
	"time"

	"github.com/kortix-ai/agentpress/ent/message"
	"github.com/kortix-ai/agentpress/pkg/models"
	testdb "github.com/kortix-ai/agentpress/test/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestMessageService_CreateAndRetrieve(t *testing.T) {
	client := testdb.NewTestClient(t)
	svc := NewMessageService(client.Client)
	ctx := context.Background()
	threadID := createTestThread(t, client.Client)

	t.Run("appends messages in order", func(t *testing.T) {
		for _, content := range []string{"first", "second", "third"} {
			_, err := svc.CreateMessage(ctx, models.CreateMessageRequest{
				ThreadID: threadID,
				Kind:     message.KindUser,
				Content:  content,
			})
			require.NoError(t, err)
		}

		msgs, err := svc.GetThreadMessages(ctx, threadID)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "first", msgs[0].Content)
		assert.Equal(t, "third", msgs[2].Content)
		assert.True(t, msgs[0].IsLlmVisible, "messages are visible by default")
	})

	t.Run("assistant message carries tool calls", func(t *testing.T) {
		msg, err := svc.CreateMessage(ctx, models.CreateMessageRequest{
			ThreadID: threadID,
			Kind:     message.KindAssistant,
			Content:  "let me check",
			ToolCalls: []map[string]interface{}{
				{"id": "call-1", "name": "read_file", "arguments": map[string]any{"path": "/tmp/x"}},
			},
		})
		require.NoError(t, err)
		require.Len(t, msg.ToolCalls, 1)
		assert.Equal(t, "read_file", msg.ToolCalls[0]["name"])
	})

	t.Run("missing thread returns ErrNotFound", func(t *testing.T) {
		_, err := svc.CreateMessage(ctx, models.CreateMessageRequest{
			ThreadID: "no-such-thread",
			Kind:     message.KindUser,
			Content:  "hi",
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMessageService_KindRules(t *testing.T) {
	client := testdb.NewTestClient(t)
	svc := NewMessageService(client.Client)
	ctx := context.Background()
	threadID := createTestThread(t, client.Client)

	t.Run("tool_result requires call linkage", func(t *testing.T) {
		_, err := svc.CreateMessage(ctx, models.CreateMessageRequest{
			ThreadID: threadID,
			Kind:     message.KindToolResult,
			Content:  "output",
		})
		assert.True(t, IsValidationError(err))

		msg, err := svc.CreateMessage(ctx, models.CreateMessageRequest{
			ThreadID:   threadID,
			Kind:       message.KindToolResult,
			Content:    "output",
			ToolCallID: "call-1",
			ToolName:   "read_file",
			Success:    boolPtr(true),
		})
		require.NoError(t, err)
		require.NotNil(t, msg.Success)
		assert.True(t, *msg.Success)
	})

	t.Run("summary requires covers_until", func(t *testing.T) {
		_, err := svc.CreateMessage(ctx, models.CreateMessageRequest{
			ThreadID: threadID,
			Kind:     message.KindSummary,
			Content:  "so far: nothing",
		})
		assert.True(t, IsValidationError(err))

		until := time.Now()
		msg, err := svc.CreateMessage(ctx, models.CreateMessageRequest{
			ThreadID:    threadID,
			Kind:        message.KindSummary,
			Content:     "so far: nothing",
			CoversUntil: &until,
		})
		require.NoError(t, err)
		require.NotNil(t, msg.CoversUntil)
	})

	t.Run("status messages are never LLM-visible", func(t *testing.T) {
		msg, err := svc.CreateMessage(ctx, models.CreateMessageRequest{
			ThreadID:     threadID,
			Kind:         message.KindStatus,
			Content:      "run started",
			IsLLMVisible: boolPtr(true), // ignored for status
		})
		require.NoError(t, err)
		assert.False(t, msg.IsLlmVisible)
	})

	t.Run("missing kind rejected", func(t *testing.T) {
		_, err := svc.CreateMessage(ctx, models.CreateMessageRequest{
			ThreadID: threadID,
			Content:  "hi",
		})
		assert.True(t, IsValidationError(err))
	})
}

func TestMessageService_GetLLMVisibleMessages(t *testing.T) {
	client := testdb.NewTestClient(t)
	svc := NewMessageService(client.Client)
	ctx := context.Background()
	threadID := createTestThread(t, client.Client)

	_, err := svc.CreateMessage(ctx, models.CreateMessageRequest{
		ThreadID: threadID, Kind: message.KindUser, Content: "visible",
	})
	require.NoError(t, err)
	_, err = svc.CreateMessage(ctx, models.CreateMessageRequest{
		ThreadID: threadID, Kind: message.KindStatus, Content: "run started",
	})
	require.NoError(t, err)
	_, err = svc.CreateMessage(ctx, models.CreateMessageRequest{
		ThreadID: threadID, Kind: message.KindAssistant, Content: "hidden",
		IsLLMVisible: boolPtr(false),
	})
	require.NoError(t, err)

	visible, err := svc.GetLLMVisibleMessages(ctx, threadID)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, "visible", visible[0].Content)

	all, err := svc.GetThreadMessages(ctx, threadID)
	require.NoError(t, err)
	assert.Len(t, all, 3, "full log keeps everything")
}
