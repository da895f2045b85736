package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// RunPublisher owns the sequence counter of one run and publishes its
// events. Each event is written to run_events and broadcast via NOTIFY in
// a single transaction (pg_notify is transactional — held until COMMIT),
// so replay and live delivery can never disagree.
//
// The counter lives in-process; the unique (run_id, seq) index is the
// backstop against a second writer. Publishing at or below the current
// high-water mark is a no-op — the crash-recovery path uses this to
// re-publish a terminal event without duplicating it.
type RunPublisher struct {
	db    *sql.DB
	runID string

	mu      sync.Mutex
	nextSeq int64
}

// NewRunPublisher creates a publisher for runID, resuming the sequence
// after the highest seq already persisted (0 for a fresh run).
func NewRunPublisher(ctx context.Context, db *sql.DB, runID string) (*RunPublisher, error) {
	var maxSeq sql.NullInt64
	err := db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM run_events WHERE run_id = $1`, runID,
	).Scan(&maxSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to load high-water mark for run %s: %w", runID, err)
	}

	next := int64(0)
	if maxSeq.Valid {
		next = maxSeq.Int64 + 1
	}
	return &RunPublisher{db: db, runID: runID, nextSeq: next}, nil
}

// RunID returns the run this publisher is bound to.
func (p *RunPublisher) RunID() string {
	return p.runID
}

// HighWater returns the last assigned seq, or -1 if nothing was published.
func (p *RunPublisher) HighWater() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextSeq - 1
}

// Publish assigns the next sequence number and delivers the event.
// Returns the assigned seq.
func (p *RunPublisher) Publish(ctx context.Context, eventType string, payload any) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seq := p.nextSeq
	if err := p.persistAndNotify(ctx, seq, eventType, payload); err != nil {
		return 0, err
	}
	p.nextSeq = seq + 1
	return seq, nil
}

// PublishAt publishes with a caller-supplied sequence number. A seq at or
// below the high-water mark is dropped (returns false, nil). Used by crash
// recovery to make terminal-event publication idempotent.
func (p *RunPublisher) PublishAt(ctx context.Context, seq int64, eventType string, payload any) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if seq < p.nextSeq {
		return false, nil
	}
	if err := p.persistAndNotify(ctx, seq, eventType, payload); err != nil {
		return false, err
	}
	p.nextSeq = seq + 1
	return true, nil
}

// Ping broadcasts a transient keep-alive to live subscribers. It is not
// sequenced or persisted, so disconnected subscribers never see it.
func (p *RunPublisher) Ping(ctx context.Context) error {
	envelope, err := json.Marshal(Event{
		RunID:     p.runID,
		Seq:       -1,
		Type:      EventTypePing,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal ping: %w", err)
	}
	_, err = p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", RunChannel(p.runID), string(envelope))
	if err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// persistAndNotify inserts one event row and fires NOTIFY in a single
// transaction. Caller holds p.mu.
func (p *RunPublisher) persistAndNotify(ctx context.Context, seq int64, eventType string, payload any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	createdAt := time.Now()

	// The unique (run_id, seq) index backstops the in-process counter: a
	// conflicting insert means another writer got here first — drop ours.
	res, err := tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, seq, type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (run_id, seq) DO NOTHING`,
		p.runID, seq, eventType, payloadJSON, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("seq %d already persisted for run %s", seq, p.runID)
	}

	notifyPayload, err := p.buildNotifyPayload(seq, eventType, payloadJSON, createdAt)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", RunChannel(p.runID), notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return nil
}

// notifyLimit is the usable NOTIFY payload size. PostgreSQL caps payloads
// at 8000 bytes; stay under it with headroom for encoding slack.
const notifyLimit = 7900

// buildNotifyPayload wraps the event in its wire envelope, replacing it
// with a truncation envelope when it would exceed the NOTIFY limit.
// Receivers of a truncated envelope fetch the row by (run_id, seq).
func (p *RunPublisher) buildNotifyPayload(seq int64, eventType string, payloadJSON []byte, createdAt time.Time) (string, error) {
	var payload map[string]any
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return "", fmt.Errorf("failed to unmarshal payload for envelope: %w", err)
	}

	envelope, err := json.Marshal(Event{
		RunID:     p.runID,
		Seq:       seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal NOTIFY envelope: %w", err)
	}
	if len(envelope) <= notifyLimit {
		return string(envelope), nil
	}

	truncated, err := json.Marshal(Event{
		RunID:     p.runID,
		Seq:       seq,
		Type:      eventType,
		CreatedAt: createdAt,
		Truncated: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncation envelope: %w", err)
	}
	return string(truncated), nil
}

// SignalStop broadcasts a STOP on the run's control channel. Control
// signals bypass the event sequence so they are deliverable even while
// the run's event stream is paused.
func SignalStop(ctx context.Context, db *sql.DB, runID, reason string) error {
	payload, err := json.Marshal(ControlPayload{
		Action: ControlActionStop,
		RunID:  runID,
		Reason: reason,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal control payload: %w", err)
	}
	if _, err := db.ExecContext(ctx, "SELECT pg_notify($1, $2)", ControlChannel(runID), string(payload)); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}
