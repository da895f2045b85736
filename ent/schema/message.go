package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Message holds the schema definition for the Message entity.
// Append-only conversation history per thread (LLM context building).
type Message struct {
	ent.Schema
}

// Fields of the Message.
func (Message) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("message_id").
			Unique().
			Immutable(),
		field.String("thread_id").
			Immutable(),

		// Message Details
		//
		// Kinds and their payloads:
		//   system, user — plain text content.
		//   assistant    — text plus an ordered list of tool calls in tool_calls.
		//   tool_result  — content is the tool output; tool_call_id links it to
		//                  the originating call, success records the outcome.
		//   summary      — narrative replacement for older messages; covers_until
		//                  is the created_at of the newest message it summarizes.
		//   status       — run lifecycle marker (run-start, iteration-start, ...);
		//                  never LLM-visible.
		field.Enum("kind").
			Values("system", "user", "assistant", "tool_result", "summary", "status"),
		field.Text("content"),
		field.Bool("is_llm_visible").
			Default(true).
			Comment("Whether the message feeds the next prompt"),

		// Tool-related fields for assistant / tool_result messages
		field.JSON("tool_calls", []map[string]interface{}{}).
			Optional().
			Comment("For assistant messages: tool calls requested by the LLM [{id, name, arguments, origin}]"),
		field.String("tool_call_id").
			Optional().
			Nillable().
			Comment("For tool_result messages: links result to the original tool call"),
		field.String("tool_name").
			Optional().
			Nillable().
			Comment("For tool_result messages: name of the tool that was called"),
		field.Bool("success").
			Optional().
			Nillable().
			Comment("For tool_result messages: whether the tool succeeded"),

		// Summary checkpoint
		field.Time("covers_until").
			Optional().
			Nillable().
			Comment("For summary messages: created_at of the newest summarized message"),

		field.JSON("metadata", map[string]interface{}{}).
			Optional().
			Comment("Free-form (token count hints, run_id, iteration)"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Edges of the Message.
func (Message) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("thread", Thread.Type).
			Ref("messages").
			Field("thread_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the Message.
func (Message) Indexes() []ent.Index {
	return []ent.Index{
		// Chronological thread reads
		index.Fields("thread_id", "created_at"),
		// Summary checkpoint lookup
		index.Fields("thread_id", "kind"),
	}
}
