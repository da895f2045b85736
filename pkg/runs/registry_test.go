package runs

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kortix-ai/agentpress/ent"
	"github.com/kortix-ai/agentpress/pkg/config"
	"github.com/kortix-ai/agentpress/pkg/events"
)

type fakeStore struct {
	mu        sync.Mutex
	heartbeat []string
	owned     []*ent.AgentRun
	stale     []*ent.AgentRun
	recovered map[string]string // run id -> reason
	loseRace  map[string]bool   // ids whose conditional update affects 0 rows
}

func newFakeStore() *fakeStore {
	return &fakeStore{recovered: make(map[string]string), loseRace: make(map[string]bool)}
}

func (s *fakeStore) Heartbeat(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeat = append(s.heartbeat, runID)
	return nil
}

func (s *fakeStore) FindOwnedLiveRuns(_ context.Context, _ string) ([]*ent.AgentRun, error) {
	return s.owned, nil
}

func (s *fakeStore) FindStaleRuns(_ context.Context, _ time.Duration) ([]*ent.AgentRun, error) {
	return s.stale, nil
}

func (s *fakeStore) RecoverRun(_ context.Context, runID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loseRace[runID] {
		return false, nil
	}
	s.recovered[runID] = reason
	return true, nil
}

type fakeListener struct {
	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
}

func (l *fakeListener) Subscribe(_ context.Context, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribed = append(l.subscribed, channel)
	return nil
}

func (l *fakeListener) Unsubscribe(_ context.Context, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unsubscribed = append(l.unsubscribed, channel)
	return nil
}

type endRecorder struct {
	mu    sync.Mutex
	ended map[string]string
}

func newEndRecorder() *endRecorder {
	return &endRecorder{ended: make(map[string]string)}
}

func (e *endRecorder) notify(_ context.Context, runID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ended[runID] = reason
	return nil
}

func testConfig() config.RegistryConfig {
	return config.RegistryConfig{
		HeartbeatInterval:   10 * time.Millisecond,
		OrphanSweepInterval: 10 * time.Millisecond,
		OrphanThreshold:     50 * time.Millisecond,
		ShutdownGrace:       100 * time.Millisecond,
	}
}

func newTestRegistry(store *fakeStore, listener *fakeListener, ends *endRecorder) *Registry {
	return NewRegistry(store, listener, ends.notify, "instance-1", testConfig(), slog.Default())
}

func stopPayload(t *testing.T, runID, reason string) []byte {
	t.Helper()
	b, err := json.Marshal(events.ControlPayload{
		Action: events.ControlActionStop,
		RunID:  runID,
		Reason: reason,
	})
	require.NoError(t, err)
	return b
}

func TestRegistry_RegisterSubscribesControlChannel(t *testing.T) {
	listener := &fakeListener{}
	r := newTestRegistry(newFakeStore(), listener, newEndRecorder())
	ctx := context.Background()

	run, err := r.Register(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, []string{"run-control:run-1"}, listener.subscribed)
	assert.Equal(t, []string{"run-1"}, r.Owned())

	_, err = r.Register(ctx, "run-1")
	assert.Error(t, err)

	r.Unregister(ctx, "run-1")
	assert.Empty(t, r.Owned())
	assert.Equal(t, []string{"run-control:run-1"}, listener.unsubscribed)

	select {
	case <-run.Finished():
	default:
		t.Fatal("finished channel not closed on unregister")
	}
}

func TestRegistry_DispatchStopRaisesSignal(t *testing.T) {
	r := newTestRegistry(newFakeStore(), &fakeListener{}, newEndRecorder())
	ctx := context.Background()

	run, err := r.Register(ctx, "run-1")
	require.NoError(t, err)

	r.Dispatch("run-control:run-1", stopPayload(t, "run-1", "user requested"))

	assert.True(t, run.Signal.Stopped())
	assert.Equal(t, "user requested", run.Signal.Reason())
}

func TestRegistry_DispatchIgnoresIrrelevantTraffic(t *testing.T) {
	r := newTestRegistry(newFakeStore(), &fakeListener{}, newEndRecorder())
	ctx := context.Background()

	run, err := r.Register(ctx, "run-1")
	require.NoError(t, err)

	// Not a control channel.
	r.Dispatch("run:run-1", stopPayload(t, "run-1", "x"))
	// Control signal for a run this instance does not own.
	r.Dispatch("run-control:other", stopPayload(t, "other", "x"))
	// Malformed payload.
	r.Dispatch("run-control:run-1", []byte("{not json"))

	assert.False(t, run.Signal.Stopped())
}

func TestRegistry_RecoverOwnedFailsOrphans(t *testing.T) {
	store := newFakeStore()
	store.owned = []*ent.AgentRun{{ID: "run-1"}, {ID: "run-2"}}
	store.loseRace["run-2"] = true
	ends := newEndRecorder()
	r := newTestRegistry(store, &fakeListener{}, ends)

	require.NoError(t, r.RecoverOwned(context.Background()))

	assert.Equal(t, "server restart", store.recovered["run-1"])

	// Only the instance that wins the conditional update publishes end.
	assert.Equal(t, map[string]string{"run-1": "server restart"}, ends.ended)
}

func TestRegistry_SweepSkipsLocallyOwnedRuns(t *testing.T) {
	store := newFakeStore()
	store.stale = []*ent.AgentRun{{ID: "mine"}, {ID: "theirs"}}
	ends := newEndRecorder()
	r := newTestRegistry(store, &fakeListener{}, ends)
	ctx := context.Background()

	_, err := r.Register(ctx, "mine")
	require.NoError(t, err)

	r.sweepStale(ctx)

	assert.NotContains(t, store.recovered, "mine")
	assert.Equal(t, "owner instance heartbeat expired", store.recovered["theirs"])
	assert.Contains(t, ends.ended, "theirs")
}

func TestRegistry_HeartbeatCoversOwnedRuns(t *testing.T) {
	store := newFakeStore()
	r := newTestRegistry(store, &fakeListener{}, newEndRecorder())
	ctx := context.Background()

	_, err := r.Register(ctx, "run-1")
	require.NoError(t, err)

	r.heartbeatOwned(ctx)
	assert.Equal(t, []string{"run-1"}, store.heartbeat)
}

func TestRegistry_ShutdownStopsAndWaits(t *testing.T) {
	store := newFakeStore()
	r := newTestRegistry(store, &fakeListener{}, newEndRecorder())
	ctx := context.Background()

	run, err := r.Register(ctx, "run-1")
	require.NoError(t, err)

	// Simulate the orchestrator reacting to the STOP signal.
	go func() {
		<-run.Signal.Done()
		r.Unregister(ctx, "run-1")
	}()

	r.Shutdown(ctx)

	assert.Equal(t, "shutdown", run.Signal.Reason())
	assert.Empty(t, r.Owned())
	assert.Empty(t, store.recovered)
}

func TestRegistry_ShutdownForceFailsStragglers(t *testing.T) {
	store := newFakeStore()
	ends := newEndRecorder()
	r := newTestRegistry(store, &fakeListener{}, ends)
	ctx := context.Background()

	_, err := r.Register(ctx, "stuck")
	require.NoError(t, err)

	// Nothing unregisters the run, so the grace period expires.
	r.Shutdown(ctx)

	assert.Equal(t, "server shutdown", store.recovered["stuck"])
	assert.Contains(t, ends.ended, "stuck")
	assert.Empty(t, r.Owned())
}

func TestStopSignal_FirstReasonWins(t *testing.T) {
	s := NewStopSignal()
	assert.False(t, s.Stopped())
	assert.Empty(t, s.Reason())

	s.Stop("timeout")
	s.Stop("shutdown")

	assert.True(t, s.Stopped())
	assert.Equal(t, "timeout", s.Reason())
	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed")
	}
}
