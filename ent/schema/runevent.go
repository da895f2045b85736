package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// RunEvent holds the schema definition for the RunEvent entity.
// Durable per-run event log: every event an agent run emits, numbered
// densely from 0, so clients can replay and resume by sequence.
type RunEvent struct {
	ent.Schema
}

// Fields of the RunEvent.
func (RunEvent) Fields() []ent.Field {
	return []ent.Field{
		field.Int64("id").
			StorageKey("event_id"),
		field.String("run_id").
			Immutable(),
		field.Int64("seq").
			Immutable().
			Comment("Dense per-run sequence starting at 0"),

		// Event Details
		//
		// Event types:
		//   content_delta        — incremental assistant text from the LLM stream.
		//   tool_call_started    — a tool call appeared in the stream (id + name known).
		//   tool_call_args_delta — argument fragment for an in-progress native call.
		//   tool_call_complete   — the call's arguments finished parsing.
		//   tool_result          — outcome of executing a tool call.
		//   status               — run lifecycle marker (run-start, iteration-start, ...).
		//   error                — failure surfaced to clients.
		//   end                  — terminal marker; always the last event of a run.
		field.Enum("type").
			Values(
				"content_delta",
				"tool_call_started",
				"tool_call_args_delta",
				"tool_call_complete",
				"tool_result",
				"status",
				"error",
				"end",
			),
		field.JSON("payload", map[string]interface{}{}).
			Immutable().
			Comment("Type-specific body; oversized payloads are stored truncated"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Edges of the RunEvent.
func (RunEvent) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("run", AgentRun.Type).
			Ref("events").
			Field("run_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the RunEvent.
func (RunEvent) Indexes() []ent.Index {
	return []ent.Index{
		// Replay ordering; uniqueness backstops the in-process sequencer
		index.Fields("run_id", "seq").
			Unique(),
		// Retention sweeps
		index.Fields("created_at"),
	}
}
