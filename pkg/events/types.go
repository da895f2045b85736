// Package events provides the durable per-run event bus: sequenced
// publishing into PostgreSQL with transactional NOTIFY, a LISTEN-based
// cross-instance listener, and a broker that replays history before
// joining subscribers to the live fan-out.
//
// ════════════════════════════════════════════════════════════════
// Run Event Delivery Model
// ════════════════════════════════════════════════════════════════
//
// Every event of a run carries a dense sequence number starting at 0;
// the last event of every run has type "end". Delivery to a subscriber
// is at-least-once in strict seq order with no gaps — clients dedupe by
// seq. Two channel families exist per run:
//
//   run:{run_id}         — sequenced, persisted events (INSERT + NOTIFY
//                          in one transaction; replayable from any seq).
//   run-control:{run_id} — unsequenced control signals (STOP). Not
//                          persisted as events; deliverable even while
//                          the event stream is idle.
//
// NOTIFY payloads above PostgreSQL's 8 KB limit are replaced by a
// truncation envelope carrying only {run_id, seq, type, truncated:true};
// receivers fetch the full row from run_events by (run_id, seq).
//
// Keep-alive pings are transient (NOTIFY only, seq = -1) and are never
// part of the sequence.
// ════════════════════════════════════════════════════════════════
package events

import (
	"strings"
	"time"
)

// Sequenced event types (stored in run_events + NOTIFY). Values match the
// run_events.type enum.
const (
	EventTypeContentDelta      = "content_delta"
	EventTypeToolCallStarted   = "tool_call_started"
	EventTypeToolCallArgsDelta = "tool_call_args_delta"
	EventTypeToolCallComplete  = "tool_call_complete"
	EventTypeToolResult        = "tool_result"
	EventTypeStatus            = "status"
	EventTypeError             = "error"
	EventTypeEnd               = "end"
)

// Transient event types (NOTIFY only, no persistence, no seq).
const (
	// Keep-alive ping delivered to live subscribers.
	EventTypePing = "ping"
)

// Status payload values (StatusPayload.Status).
const (
	StatusRunStart       = "run-start"
	StatusIterationStart = "iteration-start"
	StatusIterationEnd   = "iteration-end"
	StatusStopping       = "stopping"
)

// Control actions on the run-control channel.
const (
	ControlActionStop = "stop"
)

// Event is one element of a run's sequenced stream, as delivered to
// subscribers and serialized for SSE/WebSocket/NOTIFY.
type Event struct {
	RunID     string         `json:"run_id"`
	Seq       int64          `json:"seq"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`

	// Truncated marks a NOTIFY envelope whose payload exceeded the 8 KB
	// limit; the full payload must be fetched from run_events.
	Truncated bool `json:"truncated,omitempty"`
}

const (
	runChannelPrefix     = "run:"
	controlChannelPrefix = "run-control:"
)

// RunChannel returns the NOTIFY channel for a run's sequenced events.
// Format: "run:{run_id}"
func RunChannel(runID string) string {
	return runChannelPrefix + runID
}

// ControlChannel returns the NOTIFY channel for a run's control signals.
// Format: "run-control:{run_id}"
func ControlChannel(runID string) string {
	return controlChannelPrefix + runID
}

// ParseRunChannel extracts the run ID from a sequenced-event channel name.
func ParseRunChannel(channel string) (string, bool) {
	return strings.CutPrefix(channel, runChannelPrefix)
}

// ParseControlChannel extracts the run ID from a control channel name.
func ParseControlChannel(channel string) (string, bool) {
	return strings.CutPrefix(channel, controlChannelPrefix)
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action  string `json:"action"`             // "subscribe", "unsubscribe", "catchup", "ping"
	Channel string `json:"channel,omitempty"`  // Channel name (e.g., "run:abc-123")
	FromSeq *int64 `json:"from_seq,omitempty"` // For catchup
}
