package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kortix-ai/agentpress/ent"
	"github.com/kortix-ai/agentpress/ent/thread"
	"github.com/kortix-ai/agentpress/pkg/models"
)

// ThreadService manages conversation threads
type ThreadService struct {
	client *ent.Client
}

// NewThreadService creates a new ThreadService
func NewThreadService(client *ent.Client) *ThreadService {
	return &ThreadService{client: client}
}

// CreateThread creates a new thread. A client-supplied id is honored so
// callers can make creation idempotent; otherwise one is generated.
func (s *ThreadService) CreateThread(_ context.Context, req models.CreateThreadRequest) (*ent.Thread, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	}

	builder := s.client.Thread.Create().
		SetID(threadID).
		SetCreatedAt(time.Now())
	if req.OwnerID != "" {
		builder.SetOwnerID(req.OwnerID)
	}
	if req.Metadata != nil {
		builder.SetMetadata(req.Metadata)
	}

	t, err := builder.Save(ctx)
	if err != nil {
		if ent.IsConstraintError(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}
	return t, nil
}

// GetThread retrieves a thread by id
func (s *ThreadService) GetThread(ctx context.Context, threadID string) (*ent.Thread, error) {
	t, err := s.client.Thread.Query().
		Where(thread.IDEQ(threadID)).
		Only(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return t, nil
}

// ListThreads lists threads, optionally scoped to an owner, newest first
func (s *ThreadService) ListThreads(ctx context.Context, ownerID string, limit, offset int) (*models.ThreadListResponse, error) {
	query := s.client.Thread.Query()
	if ownerID != "" {
		query = query.Where(thread.OwnerIDEQ(ownerID))
	}

	totalCount, err := query.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count threads: %w", err)
	}

	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	threads, err := query.
		Limit(limit).
		Offset(offset).
		Order(ent.Desc(thread.FieldCreatedAt)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}

	return &models.ThreadListResponse{
		Threads:    threads,
		TotalCount: totalCount,
		Limit:      limit,
		Offset:     offset,
	}, nil
}

// DeleteThread removes a thread. Messages, runs, and run events go with it
// via cascading foreign keys.
func (s *ThreadService) DeleteThread(_ context.Context, threadID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.client.Thread.DeleteOneID(threadID).Exec(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}
