// Code generated by ent, DO NOT EDIT.

package migrate

import (
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

var (
	// AgentRunsColumns holds the columns for the "agent_runs" table.
	AgentRunsColumns = []*schema.Column{
		{Name: "run_id", Type: field.TypeString, Unique: true},
		{Name: "status", Type: field.TypeEnum, Enums: []string{"running", "stopping", "completed", "failed", "stopped"}, Default: "running"},
		{Name: "started_at", Type: field.TypeTime},
		{Name: "completed_at", Type: field.TypeTime, Nullable: true},
		{Name: "error", Type: field.TypeString, Nullable: true, Size: 2147483647},
		{Name: "owner_instance_id", Type: field.TypeString},
		{Name: "last_heartbeat_at", Type: field.TypeTime},
		{Name: "config", Type: field.TypeJSON, Nullable: true},
		{Name: "thread_id", Type: field.TypeString},
	}
	// AgentRunsTable holds the schema information for the "agent_runs" table.
	AgentRunsTable = &schema.Table{
		Name:       "agent_runs",
		Columns:    AgentRunsColumns,
		PrimaryKey: []*schema.Column{AgentRunsColumns[0]},
		ForeignKeys: []*schema.ForeignKey{
			{
				Symbol:     "agent_runs_threads_runs",
				Columns:    []*schema.Column{AgentRunsColumns[8]},
				RefColumns: []*schema.Column{ThreadsColumns[0]},
				OnDelete:   schema.Cascade,
			},
		},
		Indexes: []*schema.Index{
			{
				Name:    "agentrun_status",
				Unique:  false,
				Columns: []*schema.Column{AgentRunsColumns[1]},
			},
			{
				Name:    "agentrun_thread_id_status",
				Unique:  false,
				Columns: []*schema.Column{AgentRunsColumns[8], AgentRunsColumns[1]},
			},
			{
				Name:    "agentrun_status_last_heartbeat_at",
				Unique:  false,
				Columns: []*schema.Column{AgentRunsColumns[1], AgentRunsColumns[6]},
			},
			{
				Name:    "agentrun_thread_id",
				Unique:  true,
				Columns: []*schema.Column{AgentRunsColumns[8]},
				Annotation: &entsql.IndexAnnotation{
					Where: "status IN ('running', 'stopping')",
				},
			},
		},
	}
	// MessagesColumns holds the columns for the "messages" table.
	MessagesColumns = []*schema.Column{
		{Name: "message_id", Type: field.TypeString, Unique: true},
		{Name: "kind", Type: field.TypeEnum, Enums: []string{"system", "user", "assistant", "tool_result", "summary", "status"}},
		{Name: "content", Type: field.TypeString, Size: 2147483647},
		{Name: "is_llm_visible", Type: field.TypeBool, Default: true},
		{Name: "tool_calls", Type: field.TypeJSON, Nullable: true},
		{Name: "tool_call_id", Type: field.TypeString, Nullable: true},
		{Name: "tool_name", Type: field.TypeString, Nullable: true},
		{Name: "success", Type: field.TypeBool, Nullable: true},
		{Name: "covers_until", Type: field.TypeTime, Nullable: true},
		{Name: "metadata", Type: field.TypeJSON, Nullable: true},
		{Name: "created_at", Type: field.TypeTime},
		{Name: "thread_id", Type: field.TypeString},
	}
	// MessagesTable holds the schema information for the "messages" table.
	MessagesTable = &schema.Table{
		Name:       "messages",
		Columns:    MessagesColumns,
		PrimaryKey: []*schema.Column{MessagesColumns[0]},
		ForeignKeys: []*schema.ForeignKey{
			{
				Symbol:     "messages_threads_messages",
				Columns:    []*schema.Column{MessagesColumns[11]},
				RefColumns: []*schema.Column{ThreadsColumns[0]},
				OnDelete:   schema.Cascade,
			},
		},
		Indexes: []*schema.Index{
			{
				Name:    "message_thread_id_created_at",
				Unique:  false,
				Columns: []*schema.Column{MessagesColumns[11], MessagesColumns[10]},
			},
			{
				Name:    "message_thread_id_kind",
				Unique:  false,
				Columns: []*schema.Column{MessagesColumns[11], MessagesColumns[1]},
			},
		},
	}
	// RunEventsColumns holds the columns for the "run_events" table.
	RunEventsColumns = []*schema.Column{
		{Name: "event_id", Type: field.TypeInt64, Increment: true},
		{Name: "seq", Type: field.TypeInt64},
		{Name: "type", Type: field.TypeEnum, Enums: []string{"content_delta", "tool_call_started", "tool_call_args_delta", "tool_call_complete", "tool_result", "status", "error", "end"}},
		{Name: "payload", Type: field.TypeJSON},
		{Name: "created_at", Type: field.TypeTime},
		{Name: "run_id", Type: field.TypeString},
	}
	// RunEventsTable holds the schema information for the "run_events" table.
	RunEventsTable = &schema.Table{
		Name:       "run_events",
		Columns:    RunEventsColumns,
		PrimaryKey: []*schema.Column{RunEventsColumns[0]},
		ForeignKeys: []*schema.ForeignKey{
			{
				Symbol:     "run_events_agent_runs_events",
				Columns:    []*schema.Column{RunEventsColumns[5]},
				RefColumns: []*schema.Column{AgentRunsColumns[0]},
				OnDelete:   schema.Cascade,
			},
		},
		Indexes: []*schema.Index{
			{
				Name:    "runevent_run_id_seq",
				Unique:  true,
				Columns: []*schema.Column{RunEventsColumns[5], RunEventsColumns[1]},
			},
			{
				Name:    "runevent_created_at",
				Unique:  false,
				Columns: []*schema.Column{RunEventsColumns[4]},
			},
		},
	}
	// ThreadsColumns holds the columns for the "threads" table.
	ThreadsColumns = []*schema.Column{
		{Name: "thread_id", Type: field.TypeString, Unique: true},
		{Name: "owner_id", Type: field.TypeString, Nullable: true},
		{Name: "metadata", Type: field.TypeJSON, Nullable: true},
		{Name: "created_at", Type: field.TypeTime},
	}
	// ThreadsTable holds the schema information for the "threads" table.
	ThreadsTable = &schema.Table{
		Name:       "threads",
		Columns:    ThreadsColumns,
		PrimaryKey: []*schema.Column{ThreadsColumns[0]},
		Indexes: []*schema.Index{
			{
				Name:    "thread_owner_id",
				Unique:  false,
				Columns: []*schema.Column{ThreadsColumns[1]},
			},
			{
				Name:    "thread_created_at",
				Unique:  false,
				Columns: []*schema.Column{ThreadsColumns[3]},
			},
		},
	}
	// Tables holds all the tables in the schema.
	Tables = []*schema.Table{
		AgentRunsTable,
		MessagesTable,
		RunEventsTable,
		ThreadsTable,
	}
)

func init() {
	AgentRunsTable.ForeignKeys[0].RefTable = ThreadsTable
	MessagesTable.ForeignKeys[0].RefTable = ThreadsTable
	RunEventsTable.ForeignKeys[0].RefTable = AgentRunsTable
}
