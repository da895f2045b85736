// Code generated by ent, DO NOT EDIT.

package ent

import (
	"time"

	"github.com/kortix-ai/agentpress/ent/agentrun"
	"github.com/kortix-ai/agentpress/ent/message"
	"github.com/kortix-ai/agentpress/ent/runevent"
	"github.com/kortix-ai/agentpress/ent/schema"
	"github.com/kortix-ai/agentpress/ent/thread"
)

// The init function reads all schema descriptors with runtime code
// (default values, validators, hooks and policies) and stitches it
// to their package variables.
func init() {
	agentrunFields := schema.AgentRun{}.Fields()
	_ = agentrunFields
	// agentrunDescStartedAt is the schema descriptor for started_at field.
	agentrunDescStartedAt := agentrunFields[3].Descriptor()
	// agentrun.DefaultStartedAt holds the default value on creation for the started_at field.
	agentrun.DefaultStartedAt = agentrunDescStartedAt.Default.(func() time.Time)
	// agentrunDescLastHeartbeatAt is the schema descriptor for last_heartbeat_at field.
	agentrunDescLastHeartbeatAt := agentrunFields[7].Descriptor()
	// agentrun.DefaultLastHeartbeatAt holds the default value on creation for the last_heartbeat_at field.
	agentrun.DefaultLastHeartbeatAt = agentrunDescLastHeartbeatAt.Default.(func() time.Time)
	messageFields := schema.Message{}.Fields()
	_ = messageFields
	// messageDescIsLlmVisible is the schema descriptor for is_llm_visible field.
	messageDescIsLlmVisible := messageFields[4].Descriptor()
	// message.DefaultIsLlmVisible holds the default value on creation for the is_llm_visible field.
	message.DefaultIsLlmVisible = messageDescIsLlmVisible.Default.(bool)
	// messageDescCreatedAt is the schema descriptor for created_at field.
	messageDescCreatedAt := messageFields[11].Descriptor()
	// message.DefaultCreatedAt holds the default value on creation for the created_at field.
	message.DefaultCreatedAt = messageDescCreatedAt.Default.(func() time.Time)
	runeventFields := schema.RunEvent{}.Fields()
	_ = runeventFields
	// runeventDescCreatedAt is the schema descriptor for created_at field.
	runeventDescCreatedAt := runeventFields[5].Descriptor()
	// runevent.DefaultCreatedAt holds the default value on creation for the created_at field.
	runevent.DefaultCreatedAt = runeventDescCreatedAt.Default.(func() time.Time)
	threadFields := schema.Thread{}.Fields()
	_ = threadFields
	// threadDescCreatedAt is the schema descriptor for created_at field.
	threadDescCreatedAt := threadFields[3].Descriptor()
	// thread.DefaultCreatedAt holds the default value on creation for the created_at field.
	thread.DefaultCreatedAt = threadDescCreatedAt.Default.(func() time.Time)
}
