package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kortix-ai/agentpress/ent"
	"github.com/kortix-ai/agentpress/ent/message"
	"github.com/kortix-ai/agentpress/pkg/models"
)

// MessageService manages the per-thread message log
type MessageService struct {
	client *ent.Client
}

// NewMessageService creates a new MessageService
func NewMessageService(client *ent.Client) *MessageService {
	return &MessageService{client: client}
}

// CreateMessage appends a message to a thread.
//
// Kind-specific rules: tool_result messages must name the call they answer,
// summary messages must say which span they cover, and status messages are
// forced out of the LLM view.
func (s *MessageService) CreateMessage(_ context.Context, req models.CreateMessageRequest) (*ent.Message, error) {
	if req.ThreadID == "" {
		return nil, NewValidationError("thread_id", "required")
	}
	if req.Kind == "" {
		return nil, NewValidationError("kind", "required")
	}
	switch req.Kind {
	case message.KindToolResult:
		if req.ToolCallID == "" {
			return nil, NewValidationError("tool_call_id", "required for tool_result messages")
		}
		if req.ToolName == "" {
			return nil, NewValidationError("tool_name", "required for tool_result messages")
		}
		if req.Success == nil {
			return nil, NewValidationError("success", "required for tool_result messages")
		}
	case message.KindSummary:
		if req.CoversUntil == nil {
			return nil, NewValidationError("covers_until", "required for summary messages")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	builder := s.client.Message.Create().
		SetID(uuid.New().String()).
		SetThreadID(req.ThreadID).
		SetKind(req.Kind).
		SetContent(req.Content).
		SetCreatedAt(time.Now())

	if req.ToolCalls != nil {
		builder.SetToolCalls(req.ToolCalls)
	}
	if req.ToolCallID != "" {
		builder.SetToolCallID(req.ToolCallID)
	}
	if req.ToolName != "" {
		builder.SetToolName(req.ToolName)
	}
	if req.Success != nil {
		builder.SetSuccess(*req.Success)
	}
	if req.CoversUntil != nil {
		builder.SetCoversUntil(*req.CoversUntil)
	}
	if req.Metadata != nil {
		builder.SetMetadata(req.Metadata)
	}
	switch {
	case req.Kind == message.KindStatus:
		builder.SetIsLlmVisible(false)
	case req.IsLLMVisible != nil:
		builder.SetIsLlmVisible(*req.IsLLMVisible)
	}

	msg, err := builder.Save(ctx)
	if err != nil {
		if ent.IsConstraintError(err) {
			return nil, fmt.Errorf("thread %s: %w", req.ThreadID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	return msg, nil
}

// GetThreadMessages retrieves a thread's messages in chronological order
func (s *MessageService) GetThreadMessages(ctx context.Context, threadID string) ([]*ent.Message, error) {
	messages, err := s.client.Message.Query().
		Where(message.ThreadIDEQ(threadID)).
		Order(ent.Asc(message.FieldCreatedAt), ent.Asc(message.FieldID)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get thread messages: %w", err)
	}
	return messages, nil
}

// GetLLMVisibleMessages retrieves the messages eligible for prompt
// assembly, in chronological order. Status messages and anything else
// marked invisible are excluded here; summary folding happens in the
// context manager.
func (s *MessageService) GetLLMVisibleMessages(ctx context.Context, threadID string) ([]*ent.Message, error) {
	messages, err := s.client.Message.Query().
		Where(
			message.ThreadIDEQ(threadID),
			message.IsLlmVisibleEQ(true),
		).
		Order(ent.Asc(message.FieldCreatedAt), ent.Asc(message.FieldID)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get visible messages: %w", err)
	}
	return messages, nil
}
