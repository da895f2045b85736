package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// replayBatch is the page size for database replay. Batches keep a single
// subscriber with an ancient cursor from loading the whole run at once.
const replayBatch = 200

// brokerListenTimeout bounds LISTEN when the first subscriber for a run
// arrives. A stalled connection must not block the HTTP handler forever.
const brokerListenTimeout = 10 * time.Second

// subscriptionBuffer is the per-subscriber live buffer. A consumer slower
// than the producer overflows it; overflowed events are dropped and
// recovered from the database by the gap backfill.
const subscriptionBuffer = 64

// EventFetcher pages persisted run events for replay. Implemented by the
// event service.
type EventFetcher interface {
	EventsFrom(ctx context.Context, runID string, fromSeq int64, limit int) ([]Event, error)
}

// Broker bridges the NOTIFY firehose to per-run event subscriptions with
// replay. Subscribers name a cursor; the broker replays persisted events
// from it, then switches to live delivery, deduplicating by sequence
// number so the replay/live seam never duplicates or skips an event.
type Broker struct {
	fetcher  EventFetcher
	listener *NotifyListener

	mu   sync.Mutex
	subs map[string]map[*Subscription]bool // run_id -> subscriptions
}

// Subscription is one subscriber's ordered view of a run's events.
// Events() yields each sequenced event exactly once in seq order, plus
// unsequenced pings, and closes after the terminal event.
type Subscription struct {
	runID  string
	out    chan Event
	live   chan Event
	gap    chan struct{}
	done   chan struct{}
	closed sync.Once
}

// Events returns the delivery channel. Closed when the run ends, the
// subscriber's context is cancelled, or Close is called.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.closed.Do(func() { close(s.done) })
}

// NewBroker creates a broker reading replay data through fetcher and
// LISTENing through listener.
func NewBroker(fetcher EventFetcher, listener *NotifyListener) *Broker {
	return &Broker{
		fetcher:  fetcher,
		listener: listener,
		subs:     make(map[string]map[*Subscription]bool),
	}
}

// Subscribe attaches to a run's event stream starting at fromSeq.
// LISTEN is established before replay begins, so events published during
// replay land in the live buffer and are deduplicated at the seam.
func (b *Broker) Subscribe(ctx context.Context, runID string, fromSeq int64) (*Subscription, error) {
	sub := &Subscription{
		runID: runID,
		out:   make(chan Event, subscriptionBuffer),
		live:  make(chan Event, subscriptionBuffer),
		gap:   make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	first := len(b.subs[runID]) == 0
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[*Subscription]bool)
	}
	b.subs[runID][sub] = true
	b.mu.Unlock()

	if first && b.listener != nil {
		listenCtx, cancel := context.WithTimeout(context.Background(), brokerListenTimeout)
		err := b.listener.Subscribe(listenCtx, RunChannel(runID))
		cancel()
		if err != nil {
			b.detach(sub)
			return nil, fmt.Errorf("LISTEN for run %s: %w", runID, err)
		}
	}

	go b.pump(ctx, sub, fromSeq)
	return sub, nil
}

// Dispatch implements Sink. Run-event notifications are routed to the
// run's subscriptions; other channels are ignored.
func (b *Broker) Dispatch(channel string, payload []byte) {
	runID, ok := strings.CutPrefix(channel, runChannelPrefix)
	if !ok {
		return
	}

	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		slog.Warn("Malformed NOTIFY envelope", "channel", channel, "error", err)
		return
	}

	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs[runID]))
	for sub := range b.subs[runID] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.live <- evt:
		default:
			// Buffer full. The notification is dropped, but the pump must
			// still learn about it: if the dropped event is the last one
			// the run ever publishes, no later notification would arrive
			// to expose the gap. The wake-up forces a database backfill.
			select {
			case sub.gap <- struct{}{}:
			default:
			}
		}
	}
}

// pump drives one subscription: replay persisted events from the cursor,
// then deliver live events in seq order, backfilling any gap.
func (b *Broker) pump(ctx context.Context, sub *Subscription, fromSeq int64) {
	defer b.detach(sub)
	defer close(sub.out)

	next, err := b.replay(ctx, sub, fromSeq)
	if err != nil {
		slog.Error("Event replay failed", "run_id", sub.runID, "error", err)
		return
	}
	if next < 0 {
		return // terminal event already delivered, or subscriber left
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case <-sub.gap:
			// A notification was dropped on a full live buffer. Recover
			// everything from the cursor; stale buffered events are then
			// skipped by the seq check below.
			next, err = b.replay(ctx, sub, next)
			if err != nil {
				slog.Error("Event backfill failed", "run_id", sub.runID, "error", err)
				return
			}
			if next < 0 {
				return
			}
		case evt := <-sub.live:
			if evt.Seq < 0 {
				// Keep-alive ping: pass through, never sequenced.
				if !b.deliver(ctx, sub, evt) {
					return
				}
				continue
			}
			if evt.Seq < next {
				continue // already delivered during replay
			}
			if evt.Seq > next || evt.Truncated {
				// Missed or oversized events: recover them from the table.
				next, err = b.replay(ctx, sub, next)
				if err != nil {
					slog.Error("Event backfill failed", "run_id", sub.runID, "error", err)
					return
				}
				if next < 0 {
					return
				}
				continue
			}
			if !b.deliver(ctx, sub, evt) {
				return
			}
			next++
			if evt.Type == EventTypeEnd {
				return
			}
		}
	}
}

// replay pages persisted events from fromSeq and delivers them in order.
// Returns the next expected seq, or -1 if the stream is finished (terminal
// event delivered or subscriber gone).
func (b *Broker) replay(ctx context.Context, sub *Subscription, fromSeq int64) (int64, error) {
	next := fromSeq
	for {
		events, err := b.fetcher.EventsFrom(ctx, sub.runID, next, replayBatch)
		if err != nil {
			return 0, err
		}
		for _, evt := range events {
			if evt.Seq < next {
				continue
			}
			if !b.deliver(ctx, sub, evt) {
				return -1, nil
			}
			next = evt.Seq + 1
			if evt.Type == EventTypeEnd {
				return -1, nil
			}
		}
		if len(events) < replayBatch {
			return next, nil
		}
	}
}

// deliver sends one event to the subscriber, honoring cancellation.
// Returns false when the subscriber is gone.
func (b *Broker) deliver(ctx context.Context, sub *Subscription, evt Event) bool {
	select {
	case sub.out <- evt:
		return true
	case <-sub.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// detach removes a subscription, issuing UNLISTEN when it was the run's
// last one. The goroutine re-checks membership before UNLISTEN so a rapid
// detach/attach cycle does not drop an active LISTEN.
func (b *Broker) detach(sub *Subscription) {
	sub.Close()

	b.mu.Lock()
	delete(b.subs[sub.runID], sub)
	last := len(b.subs[sub.runID]) == 0
	if last {
		delete(b.subs, sub.runID)
	}
	b.mu.Unlock()

	if last && b.listener != nil {
		go func() {
			b.mu.Lock()
			_, reattached := b.subs[sub.runID]
			b.mu.Unlock()
			if reattached {
				return
			}
			if err := b.listener.Unsubscribe(context.Background(), RunChannel(sub.runID)); err != nil {
				slog.Error("Failed to UNLISTEN run channel", "run_id", sub.runID, "error", err)
			}
		}()
	}
}

// subscriberCount reports subscriptions for a run. Used by tests to poll
// instead of sleeping.
func (b *Broker) subscriberCount(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[runID])
}
