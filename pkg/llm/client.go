// Package llm provides the streaming client for the external LLM provider service.
package llm

import (
	"context"
)

// Client is the interface for calling the LLM provider service.
// It wraps the gRPC connection and provides a channel-based streaming API.
type Client interface {
	// Generate sends a conversation to the LLM and returns a stream of chunks.
	// The returned channel is closed when the stream completes.
	// Errors are delivered as ErrorChunk values in the channel.
	Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error)

	// Close releases the gRPC connection.
	Close() error
}

// GenerateInput is the Go-side representation of a Generate request.
type GenerateInput struct {
	RunID       string
	ThreadID    string
	Model       string
	Temperature float64
	Messages    []ConversationMessage
	Tools       []ToolDefinition // nil = no native function calling (XML mode)
	StopTokens  []string
}

// ConversationMessage is the Go-side message type.
type ConversationMessage struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	ToolCalls  []MessageToolCall // For assistant messages
	ToolCallID string            // For tool result messages
	ToolName   string            // For tool result messages
}

// MessageToolCall is a completed tool call echoed back in conversation history.
type MessageToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// ToolDefinition describes a tool available to the LLM.
type ToolDefinition struct {
	Name             string
	Description      string
	ParametersSchema string // JSON Schema
}

// Chunk is the interface for all streaming chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeFinish   ChunkType = "finish"
	ChunkTypeUsage    ChunkType = "usage"
	ChunkTypeError    ChunkType = "error"
)

// TextChunk is a chunk of the LLM's text response.
type TextChunk struct{ Content string }

// ToolCallChunk is an incremental native tool-call delta. The provider
// streams the id and name once and the JSON arguments in fragments; Index
// identifies the call within the response so fragments can be merged.
type ToolCallChunk struct {
	Index          int
	ID             string
	Name           string
	ArgumentsDelta string
}

// FinishChunk carries the provider's finish reason ("stop", "tool_calls",
// "length", ...). It is the last content-bearing chunk of a stream.
type FinishChunk struct{ Reason string }

// UsageChunk reports token consumption for this LLM call.
type UsageChunk struct{ InputTokens, OutputTokens, TotalTokens int }

// ErrorChunk signals an error from the LLM provider.
type ErrorChunk struct {
	Message   string
	Code      string
	Retryable bool
}

func (c TextChunk) chunkType() ChunkType     { return ChunkTypeText }
func (c ToolCallChunk) chunkType() ChunkType { return ChunkTypeToolCall }
func (c FinishChunk) chunkType() ChunkType   { return ChunkTypeFinish }
func (c UsageChunk) chunkType() ChunkType    { return ChunkTypeUsage }
func (c ErrorChunk) chunkType() ChunkType    { return ChunkTypeError }
