package models

import (
	"time"

	"github.com/kortix-ai/agentpress/ent"
	"github.com/kortix-ai/agentpress/ent/message"
)

// CreateMessageRequest contains fields for appending a message to a thread
type CreateMessageRequest struct {
	ThreadID     string                   `json:"thread_id"`
	Kind         message.Kind             `json:"kind"`
	Content      string                   `json:"content"`
	ToolCalls    []map[string]interface{} `json:"tool_calls,omitempty"`
	ToolCallID   string                   `json:"tool_call_id,omitempty"`
	ToolName     string                   `json:"tool_name,omitempty"`
	Success      *bool                    `json:"success,omitempty"`
	CoversUntil  *time.Time               `json:"covers_until,omitempty"`
	IsLLMVisible *bool                    `json:"is_llm_visible,omitempty"`
	Metadata     map[string]any           `json:"metadata,omitempty"`
}

// MessageResponse wraps a Message
type MessageResponse struct {
	*ent.Message
}

// MessageListResponse contains a thread's messages in chronological order
type MessageListResponse struct {
	Messages []*ent.Message `json:"messages"`
}
