package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFetcher serves replay queries from an in-memory event slice.
type fakeFetcher struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeFetcher) EventsFrom(_ context.Context, runID string, fromSeq int64, limit int) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, evt := range f.events {
		if evt.RunID == runID && evt.Seq >= fromSeq {
			out = append(out, evt)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeFetcher) add(evt Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
}

func seqEvent(runID string, seq int64, eventType string) Event {
	return Event{
		RunID:     runID,
		Seq:       seq,
		Type:      eventType,
		Payload:   map[string]any{"n": float64(seq)},
		CreatedAt: time.Now(),
	}
}

// notify pushes an event through Dispatch as if it arrived via NOTIFY.
func notify(t *testing.T, b *Broker, evt Event) {
	t.Helper()
	payload, err := json.Marshal(evt)
	require.NoError(t, err)
	b.Dispatch(RunChannel(evt.RunID), payload)
}

func collectSeqs(t *testing.T, sub *Subscription, n int) []int64 {
	t.Helper()
	seqs := make([]int64, 0, n)
	timeout := time.After(5 * time.Second)
	for len(seqs) < n {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return seqs
			}
			seqs = append(seqs, evt.Seq)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", seqs)
		}
	}
	return seqs
}

func TestBroker_ReplayOnly(t *testing.T) {
	fetcher := &fakeFetcher{}
	for i := int64(0); i < 3; i++ {
		fetcher.add(seqEvent("run-1", i, EventTypeContentDelta))
	}
	fetcher.add(seqEvent("run-1", 3, EventTypeEnd))

	b := NewBroker(fetcher, nil)
	sub, err := b.Subscribe(context.Background(), "run-1", 0)
	require.NoError(t, err)

	seqs := collectSeqs(t, sub, 4)
	assert.Equal(t, []int64{0, 1, 2, 3}, seqs)

	_, open := <-sub.Events()
	assert.False(t, open, "stream closes after the terminal event")
}

func TestBroker_ReplayFromCursor(t *testing.T) {
	fetcher := &fakeFetcher{}
	for i := int64(0); i < 5; i++ {
		fetcher.add(seqEvent("run-1", i, EventTypeContentDelta))
	}
	fetcher.add(seqEvent("run-1", 5, EventTypeEnd))

	b := NewBroker(fetcher, nil)
	sub, err := b.Subscribe(context.Background(), "run-1", 3)
	require.NoError(t, err)

	seqs := collectSeqs(t, sub, 3)
	assert.Equal(t, []int64{3, 4, 5}, seqs)
}

func TestBroker_LiveDeliveryInOrder(t *testing.T) {
	fetcher := &fakeFetcher{}
	b := NewBroker(fetcher, nil)

	sub, err := b.Subscribe(context.Background(), "run-1", 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return b.subscriberCount("run-1") == 1
	}, time.Second, 5*time.Millisecond)

	for i := int64(0); i < 3; i++ {
		evt := seqEvent("run-1", i, EventTypeContentDelta)
		fetcher.add(evt)
		notify(t, b, evt)
	}
	end := seqEvent("run-1", 3, EventTypeEnd)
	fetcher.add(end)
	notify(t, b, end)

	seqs := collectSeqs(t, sub, 4)
	assert.Equal(t, []int64{0, 1, 2, 3}, seqs)
}

func TestBroker_DeduplicatesReplayLiveSeam(t *testing.T) {
	fetcher := &fakeFetcher{}
	for i := int64(0); i < 3; i++ {
		fetcher.add(seqEvent("run-1", i, EventTypeContentDelta))
	}

	b := NewBroker(fetcher, nil)
	sub, err := b.Subscribe(context.Background(), "run-1", 0)
	require.NoError(t, err)

	// Replay covers 0..2; re-notifying them must not duplicate.
	for i := int64(0); i < 3; i++ {
		notify(t, b, seqEvent("run-1", i, EventTypeContentDelta))
	}
	end := seqEvent("run-1", 3, EventTypeEnd)
	fetcher.add(end)
	notify(t, b, end)

	seqs := collectSeqs(t, sub, 4)
	assert.Equal(t, []int64{0, 1, 2, 3}, seqs)
}

func TestBroker_GapBackfillsFromDatabase(t *testing.T) {
	fetcher := &fakeFetcher{}
	b := NewBroker(fetcher, nil)

	sub, err := b.Subscribe(context.Background(), "run-1", 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return b.subscriberCount("run-1") == 1
	}, time.Second, 5*time.Millisecond)

	// Events 0..2 were persisted but their notifications were lost.
	for i := int64(0); i < 3; i++ {
		fetcher.add(seqEvent("run-1", i, EventTypeContentDelta))
	}
	end := seqEvent("run-1", 3, EventTypeEnd)
	fetcher.add(end)
	// Notify only the terminal event — the gap forces a backfill.
	notify(t, b, end)

	seqs := collectSeqs(t, sub, 4)
	assert.Equal(t, []int64{0, 1, 2, 3}, seqs)
}

func TestBroker_SlowSubscriberRecoversDroppedTail(t *testing.T) {
	fetcher := &fakeFetcher{}
	b := NewBroker(fetcher, nil)

	sub, err := b.Subscribe(context.Background(), "run-1", 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return b.subscriberCount("run-1") == 1
	}, time.Second, 5*time.Millisecond)

	// Publish far more events than the live buffer holds while the
	// subscriber reads nothing. The tail of the burst, including the
	// terminal event, overflows the buffer and is dropped from the wire.
	const total = 200
	for i := int64(0); i < total; i++ {
		typ := EventTypeContentDelta
		if i == total-1 {
			typ = EventTypeEnd
		}
		evt := seqEvent("run-1", i, typ)
		fetcher.add(evt)
		notify(t, b, evt)
	}

	// Once the subscriber drains, every event must still arrive in order
	// and the stream must close after the terminal event.
	seqs := collectSeqs(t, sub, total)
	require.Len(t, seqs, total)
	for i, seq := range seqs {
		assert.Equal(t, int64(i), seq)
	}
	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok, "stream closes after the terminal event")
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after the terminal event")
	}
}

func TestBroker_TruncatedEnvelopeBackfills(t *testing.T) {
	fetcher := &fakeFetcher{}
	b := NewBroker(fetcher, nil)

	sub, err := b.Subscribe(context.Background(), "run-1", 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return b.subscriberCount("run-1") == 1
	}, time.Second, 5*time.Millisecond)

	full := seqEvent("run-1", 0, EventTypeToolResult)
	full.Payload = map[string]any{"output": "the real oversized output"}
	fetcher.add(full)

	// Wire carries only the truncation envelope.
	notify(t, b, Event{
		RunID: "run-1", Seq: 0, Type: EventTypeToolResult,
		CreatedAt: time.Now(), Truncated: true,
	})

	timeout := time.After(5 * time.Second)
	select {
	case evt := <-sub.Events():
		assert.Equal(t, "the real oversized output", evt.Payload["output"],
			"truncated events are recovered from the table")
		assert.False(t, evt.Truncated)
	case <-timeout:
		t.Fatal("timed out waiting for backfilled event")
	}
}

func TestBroker_PingPassesThrough(t *testing.T) {
	fetcher := &fakeFetcher{}
	b := NewBroker(fetcher, nil)

	sub, err := b.Subscribe(context.Background(), "run-1", 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return b.subscriberCount("run-1") == 1
	}, time.Second, 5*time.Millisecond)

	notify(t, b, Event{RunID: "run-1", Seq: -1, Type: EventTypePing, CreatedAt: time.Now()})

	select {
	case evt := <-sub.Events():
		assert.Equal(t, EventTypePing, evt.Type)
		assert.Equal(t, int64(-1), evt.Seq)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ping")
	}
}

func TestBroker_CloseDetaches(t *testing.T) {
	b := NewBroker(&fakeFetcher{}, nil)

	sub, err := b.Subscribe(context.Background(), "run-1", 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return b.subscriberCount("run-1") == 1
	}, time.Second, 5*time.Millisecond)

	sub.Close()
	require.Eventually(t, func() bool {
		return b.subscriberCount("run-1") == 0
	}, time.Second, 5*time.Millisecond)
}

func TestBroker_IgnoresOtherChannels(t *testing.T) {
	b := NewBroker(&fakeFetcher{}, nil)
	// Must not panic or misroute.
	b.Dispatch(ControlChannel("run-1"), []byte(`{"action":"stop"}`))
	b.Dispatch("unrelated", []byte(`{}`))
}
