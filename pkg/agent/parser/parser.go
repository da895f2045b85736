// Package parser converts provider chunk streams into a unified event
// stream. Two tool-call dialects are supported: native structured deltas
// in chunk metadata, and XML tags embedded in the assistant's text. Both
// emit the same event variants, so downstream code never branches on the
// dialect.
package parser

import (
	"github.com/kortix-ai/agentpress/pkg/agent"
	"github.com/kortix-ai/agentpress/pkg/llm"
	"github.com/kortix-ai/agentpress/pkg/tools"
)

// Kind discriminates parser events.
type Kind string

const (
	KindContentDelta      Kind = "content_delta"
	KindToolCallStarted   Kind = "tool_call_started"
	KindToolCallArgsDelta Kind = "tool_call_args_delta"
	KindToolCallComplete  Kind = "tool_call_complete"
)

// Event is one parsed occurrence in the stream.
type Event struct {
	Kind Kind

	// Content is set for content_delta events.
	Content string

	// Call is set for tool_call_started and tool_call_complete. On a
	// failed completion it carries whatever was accumulated.
	Call agent.ToolCall

	// CallID and ArgsDelta are set for tool_call_args_delta.
	CallID    string
	ArgsDelta string

	// Failed marks a tool_call_complete whose arguments never became
	// valid. Such calls are reported but must not be executed.
	Failed bool
	Error  string
}

// Parser consumes chunks and yields events. Feed never blocks; Flush is
// called exactly once when the stream ends and settles anything pending.
type Parser interface {
	Feed(chunk llm.Chunk) []Event
	Flush() []Event
}

// Config selects the dialect and seeds deterministic call-id generation
// for XML calls.
type Config struct {
	Mode      agent.ToolMode
	RunID     string
	Iteration int

	// Tags are the registered XML tag bindings; only used in XML mode.
	Tags []tools.XMLBinding
}

// New builds a parser for the run's active dialect.
func New(cfg Config) Parser {
	if cfg.Mode == agent.ToolModeXML {
		return newXMLParser(cfg)
	}
	return newNativeParser()
}
