package cleanup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kortix-ai/agentpress/pkg/config"
)

type fakeCleaner struct {
	mu    sync.Mutex
	calls []int
	err   error
}

func (f *fakeCleaner) CleanupOldEvents(_ context.Context, retentionDays int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, retentionDays)
	if f.err != nil {
		return 0, f.err
	}
	return 3, nil
}

func (f *fakeCleaner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestService_RunsImmediatelyAndOnTicks(t *testing.T) {
	cleaner := &fakeCleaner{}
	svc := NewService(&config.RetentionConfig{
		EventRetentionDays: 30,
		CleanupInterval:    10 * time.Millisecond,
	}, cleaner, testLogger())

	svc.Start(context.Background())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		return cleaner.callCount() >= 3
	}, time.Second, 5*time.Millisecond)

	cleaner.mu.Lock()
	defer cleaner.mu.Unlock()
	assert.Equal(t, 30, cleaner.calls[0])
}

func TestService_SurvivesCleanerErrors(t *testing.T) {
	cleaner := &fakeCleaner{err: errors.New("db down")}
	svc := NewService(&config.RetentionConfig{
		EventRetentionDays: 30,
		CleanupInterval:    10 * time.Millisecond,
	}, cleaner, testLogger())

	svc.Start(context.Background())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		return cleaner.callCount() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestService_StopIsIdempotent(t *testing.T) {
	cleaner := &fakeCleaner{}
	svc := NewService(&config.RetentionConfig{
		EventRetentionDays: 30,
		CleanupInterval:    time.Hour,
	}, cleaner, testLogger())

	svc.Start(context.Background())
	svc.Stop()
	svc.Stop()
}
