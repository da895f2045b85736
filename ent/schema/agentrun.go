package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// AgentRun holds the schema definition for the AgentRun entity.
// One row per agent run; source of truth for lifecycle status and
// crash recovery (heartbeats, owner instance).
type AgentRun struct {
	ent.Schema
}

// Fields of the AgentRun.
func (AgentRun) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("run_id").
			Unique().
			Immutable(),
		field.String("thread_id").
			Immutable(),

		// Lifecycle
		//
		// running → stopping → stopped     (cooperative cancel)
		// running → completed | failed     (natural termination)
		// stopping is the only transitional state; terminal states never change.
		field.Enum("status").
			Values("running", "stopping", "completed", "failed", "stopped").
			Default("running"),
		field.Time("started_at").
			Default(time.Now).
			Immutable(),
		field.Time("completed_at").
			Optional().
			Nillable(),
		field.Text("error").
			Optional().
			Nillable().
			Comment("Failure reason for failed runs"),

		// Crash recovery
		field.String("owner_instance_id").
			Comment("Instance executing this run; orphan detection key"),
		field.Time("last_heartbeat_at").
			Default(time.Now).
			Comment("Refreshed periodically while the run is live"),

		field.JSON("config", map[string]interface{}{}).
			Optional().
			Comment("Effective run configuration snapshot (model, tool mode, limits)"),
	}
}

// Edges of the AgentRun.
func (AgentRun) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("thread", Thread.Type).
			Ref("runs").
			Field("thread_id").
			Unique().
			Required().
			Immutable(),
		edge.To("events", RunEvent.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the AgentRun.
func (AgentRun) Indexes() []ent.Index {
	return []ent.Index{
		// Dashboard listings
		index.Fields("status"),
		index.Fields("thread_id", "status"),
		// Orphan scan: stale heartbeats among non-terminal runs
		index.Fields("status", "last_heartbeat_at"),
		// At most one live run per thread
		index.Fields("thread_id").
			Unique().
			Annotations(entsql.IndexWhere("status IN ('running', 'stopping')")),
	}
}
