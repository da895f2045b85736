package events

// Typed payloads for each sequenced event type. Publishers pass these to
// RunPublisher; they are marshaled into the run_events payload column and
// the NOTIFY body. Subscribers see them as map[string]any inside Event.

// ContentDeltaPayload is the payload for content_delta events.
// One per streamed text fragment — high frequency during generation.
type ContentDeltaPayload struct {
	Iteration int    `json:"iteration"`
	Content   string `json:"content"`
}

// ToolCallStartedPayload is the payload for tool_call_started events.
// Published when a tool call first appears in the stream with a name.
type ToolCallStartedPayload struct {
	Iteration int    `json:"iteration"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Origin    string `json:"origin"` // "native" or "xml"
	Index     int    `json:"index"`
}

// ToolCallArgsDeltaPayload is the payload for tool_call_args_delta events.
// One per native argument fragment while the call is still accumulating.
type ToolCallArgsDeltaPayload struct {
	Iteration int    `json:"iteration"`
	CallID    string `json:"call_id"`
	Delta     string `json:"delta"`
}

// ToolCallCompletePayload is the payload for tool_call_complete events.
// Failed=true marks a call whose arguments never parsed (malformed JSON
// at stream end); such calls are reported but never executed.
type ToolCallCompletePayload struct {
	Iteration int            `json:"iteration"`
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Origin    string         `json:"origin"`
	Index     int            `json:"index"`
	Failed    bool           `json:"failed,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// ToolResultPayload is the payload for tool_result events.
type ToolResultPayload struct {
	Iteration int    `json:"iteration"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Success   bool   `json:"success"`
	Output    string `json:"output"`
}

// StatusPayload is the payload for status events — run lifecycle markers.
type StatusPayload struct {
	Status    string `json:"status"` // run-start, iteration-start, iteration-end, stopping
	Iteration int    `json:"iteration,omitempty"`
}

// ErrorPayload is the payload for error events.
type ErrorPayload struct {
	Message string `json:"message"`
}

// EndPayload is the payload for the terminal end event. Status carries the
// run's final persisted status.
type EndPayload struct {
	Status string `json:"status"` // completed, failed, stopped
	Error  string `json:"error,omitempty"`
}

// ControlPayload is the body of run-control channel notifications.
// Not sequenced, not persisted.
type ControlPayload struct {
	Action string `json:"action"` // "stop"
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}
