// Package cleanup enforces event-log retention for terminal runs.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/kortix-ai/agentpress/pkg/config"
)

// EventCleaner deletes expired run events. Implemented by the event
// service.
type EventCleaner interface {
	CleanupOldEvents(ctx context.Context, retentionDays int) (int, error)
}

// Service periodically trims the event log of runs that reached a
// terminal status before the retention window. Deletion is idempotent
// and safe to run from multiple instances.
type Service struct {
	config *config.RetentionConfig
	events EventCleaner
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(cfg *config.RetentionConfig, events EventCleaner, logger *slog.Logger) *Service {
	return &Service{
		config: cfg,
		events: events,
		logger: logger.With("component", "cleanup"),
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"event_retention_days", s.config.EventRetentionDays,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.cleanupEvents(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupEvents(ctx)
		}
	}
}

func (s *Service) cleanupEvents(ctx context.Context) {
	count, err := s.events.CleanupOldEvents(ctx, s.config.EventRetentionDays)
	if err != nil {
		s.logger.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: deleted expired run events", "count", count)
	}
}
