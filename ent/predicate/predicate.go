// Code generated by ent, DO NOT EDIT.

package predicate

import (
	"entgo.io/ent/dialect/sql"
)

// AgentRun is the predicate function for agentrun builders.
type AgentRun func(*sql.Selector)

// Message is the predicate function for message builders.
type Message func(*sql.Selector)

// RunEvent is the predicate function for runevent builders.
type RunEvent func(*sql.Selector)

// Thread is the predicate function for thread builders.
type Thread func(*sql.Selector)
