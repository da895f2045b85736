package services

import (
	"context"
	"fmt"
	"time"

	"github.com/kortix-ai/agentpress/ent"
	"github.com/kortix-ai/agentpress/ent/agentrun"
	"github.com/kortix-ai/agentpress/ent/runevent"
	"github.com/kortix-ai/agentpress/pkg/events"
)

// EventService reads the persisted run event log. It backs replay and
// catchup for the SSE broker and the WebSocket manager, and owns event
// retention cleanup.
type EventService struct {
	client *ent.Client
}

// NewEventService creates a new EventService
func NewEventService(client *ent.Client) *EventService {
	return &EventService{client: client}
}

// EventsFrom returns up to limit events of a run with seq >= fromSeq, in
// seq order. Implements the broker's replay interface.
func (s *EventService) EventsFrom(ctx context.Context, runID string, fromSeq int64, limit int) ([]events.Event, error) {
	rows, err := s.client.RunEvent.Query().
		Where(
			runevent.RunIDEQ(runID),
			runevent.SeqGTE(fromSeq),
		).
		Order(ent.Asc(runevent.FieldSeq)).
		Limit(limit).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query run events: %w", err)
	}

	out := make([]events.Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, events.Event{
			RunID:     row.RunID,
			Seq:       row.Seq,
			Type:      string(row.Type),
			Payload:   row.Payload,
			CreatedAt: row.CreatedAt,
		})
	}
	return out, nil
}

// CleanupOldEvents deletes events of terminal runs completed before the
// retention window. Live runs keep their full log so replay stays intact.
func (s *EventService) CleanupOldEvents(_ context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention_days must be positive, got %d", retentionDays)
	}
	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	staleRuns, err := s.client.AgentRun.Query().
		Where(
			agentrun.StatusIn(agentrun.StatusCompleted, agentrun.StatusFailed, agentrun.StatusStopped),
			agentrun.CompletedAtLT(cutoff),
		).
		IDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to find expired runs: %w", err)
	}
	if len(staleRuns) == 0 {
		return 0, nil
	}

	count, err := s.client.RunEvent.Delete().
		Where(runevent.RunIDIn(staleRuns...)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup run events: %w", err)
	}
	return count, nil
}
