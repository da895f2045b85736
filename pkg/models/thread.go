// Package models defines request/response types shared by services and the API layer.
package models

import (
	"github.com/kortix-ai/agentpress/ent"
)

// CreateThreadRequest contains fields for creating a conversation thread
type CreateThreadRequest struct {
	ThreadID string         `json:"thread_id,omitempty"`
	OwnerID  string         `json:"owner_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ThreadResponse wraps a Thread
type ThreadResponse struct {
	*ent.Thread
}

// ThreadListResponse contains paginated thread list
type ThreadListResponse struct {
	Threads    []*ent.Thread `json:"threads"`
	TotalCount int           `json:"total_count"`
	Limit      int           `json:"limit"`
	Offset     int           `json:"offset"`
}
