// Package agent defines the core types shared by the run orchestrator and
// its collaborators: tool calls and results, run configuration, and the
// dependency interfaces the orchestrator is constructed with.
package agent

import (
	"time"
)

// ToolCallOrigin says which dialect produced a tool call.
type ToolCallOrigin string

const (
	OriginNative ToolCallOrigin = "native"
	OriginXML    ToolCallOrigin = "xml"
)

// ToolMode selects the active tool-call dialect for a run. Markers of the
// other dialect appearing in the stream are passed through as plain text.
type ToolMode string

const (
	ToolModeNative ToolMode = "native"
	ToolModeXML    ToolMode = "xml"
)

// ToolCall is a structured request emitted by the LLM, addressed to a named
// handler. Within a run, ID is unique and the call executes at most once.
type ToolCall struct {
	ID           string
	Name         string
	Arguments    map[string]any
	RawArguments string // original JSON text, echoed back in conversation history
	Origin       ToolCallOrigin
	Index        int // position within the assistant message
}

// ToolResult is the outcome of a tool call, paired to its call ID.
type ToolResult struct {
	CallID  string
	Name    string
	Success bool
	Output  string
}

// RunConfig is the effective configuration of one agent run.
type RunConfig struct {
	Model           string
	Temperature     float64
	SystemPrompt    string
	MaxIterations   int
	ToolMode        ToolMode
	ExecuteOnStream bool // dispatch tools while the LLM is still streaming
	ParallelTools   bool // goroutine per call instead of a serial FIFO worker
	StopTokens      []string

	// TerminalTool names the tool whose invocation ends the run (e.g. "idle").
	// Empty disables terminal-tool detection.
	TerminalTool string

	// IterationTimeout bounds one LLM call plus its tool executions.
	// Exceeding it is treated as a self-generated stop with reason "timeout".
	// Zero means no deadline.
	IterationTimeout time.Duration

	// SummaryThresholdTokens triggers context summarization when the
	// effective prompt grows past it. Zero disables summarization.
	SummaryThresholdTokens int

	// EphemeralState is injected as a trailing user turn at prompt
	// assembly without ever being persisted to the thread. Empty
	// disables the injection.
	EphemeralState string
}

// Defaults left unset by the caller.
const (
	DefaultMaxIterations = 10
	DefaultTerminalTool  = "idle"
)

// Normalize fills unset fields with defaults and clamps invalid values.
func (c RunConfig) Normalize() RunConfig {
	if c.MaxIterations < 1 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.ToolMode != ToolModeXML {
		c.ToolMode = ToolModeNative
	}
	if c.TerminalTool == "" {
		c.TerminalTool = DefaultTerminalTool
	}
	return c
}
