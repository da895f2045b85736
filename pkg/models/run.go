package models

import (
	"github.com/kortix-ai/agentpress/ent"
)

// StartRunRequest contains fields for starting an agent run on a thread.
// Zero values fall back to server defaults.
type StartRunRequest struct {
	Model                  string   `json:"model,omitempty"`
	SystemPrompt           string   `json:"system_prompt,omitempty"`
	Temperature            *float64 `json:"temperature,omitempty"`
	MaxIterations          int      `json:"max_iterations,omitempty"`
	ToolMode               string   `json:"tool_mode,omitempty"` // "native" or "xml"
	ExecuteOnStream        *bool    `json:"execute_on_stream,omitempty"`
	ParallelTools          *bool    `json:"parallel_tools,omitempty"`
	StopTokens             []string `json:"stop_tokens,omitempty"`
	TerminalTool           string   `json:"terminal_tool,omitempty"`
	IterationTimeoutSec    int      `json:"iteration_timeout_sec,omitempty"`
	SummaryThresholdTokens int      `json:"summary_threshold_tokens,omitempty"`
	EphemeralState         string   `json:"ephemeral_state,omitempty"`
}

// StartRunResponse is returned by the start endpoint
type StartRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// StopRunResponse is returned by the stop endpoint
type StopRunResponse struct {
	Status string `json:"status"`
}

// RunResponse wraps an AgentRun snapshot; Events is populated by the
// detail endpoint so a client can reconstruct the whole run at once.
type RunResponse struct {
	*ent.AgentRun
	Events []*ent.RunEvent `json:"events,omitempty"`
}

// RunListResponse contains a thread's runs, newest first
type RunListResponse struct {
	Runs []*ent.AgentRun `json:"runs"`
}
