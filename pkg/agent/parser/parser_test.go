package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kortix-ai/agentpress/pkg/agent"
	"github.com/kortix-ai/agentpress/pkg/llm"
)

// feedAll runs a chunk sequence through a fresh parser and returns the
// concatenated events, including the final flush.
func feedAll(p Parser, chunks []llm.Chunk) []Event {
	var events []Event
	for _, c := range chunks {
		events = append(events, p.Feed(c)...)
	}
	return append(events, p.Flush()...)
}

func kinds(events []Event) []Kind {
	out := make([]Kind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestNativeParser_ContentDeltas(t *testing.T) {
	p := newNativeParser()

	events := p.Feed(llm.TextChunk{Content: "hello "})
	require.Len(t, events, 1)
	assert.Equal(t, KindContentDelta, events[0].Kind)
	assert.Equal(t, "hello ", events[0].Content)

	assert.Empty(t, p.Feed(llm.TextChunk{Content: ""}))
	assert.Empty(t, p.Flush())
}

func TestNativeParser_SingleCallAcrossFragments(t *testing.T) {
	p := newNativeParser()

	events := p.Feed(llm.ToolCallChunk{Index: 0, ID: "call_1", Name: "create_file"})
	require.Len(t, events, 1)
	assert.Equal(t, KindToolCallStarted, events[0].Kind)
	assert.Equal(t, "call_1", events[0].Call.ID)
	assert.Equal(t, "create_file", events[0].Call.Name)

	events = p.Feed(llm.ToolCallChunk{Index: 0, ArgumentsDelta: `{"file_path":`})
	require.Len(t, events, 1)
	assert.Equal(t, KindToolCallArgsDelta, events[0].Kind)
	assert.Equal(t, "call_1", events[0].CallID)
	assert.Equal(t, `{"file_path":`, events[0].ArgsDelta)

	events = p.Feed(llm.ToolCallChunk{Index: 0, ArgumentsDelta: `"hello.txt"}`})
	require.Len(t, events, 2)
	assert.Equal(t, KindToolCallArgsDelta, events[0].Kind)
	require.Equal(t, KindToolCallComplete, events[1].Kind)
	assert.False(t, events[1].Failed)
	assert.Equal(t, map[string]any{"file_path": "hello.txt"}, events[1].Call.Arguments)
	assert.Equal(t, `{"file_path":"hello.txt"}`, events[1].Call.RawArguments)
	assert.Equal(t, agent.OriginNative, events[1].Call.Origin)

	// The finish chunk must not settle it a second time.
	assert.Empty(t, p.Feed(llm.FinishChunk{Reason: "tool_calls"}))
}

func TestNativeParser_StartedWaitsForName(t *testing.T) {
	p := newNativeParser()

	// Fragments before the name arrive accumulate silently.
	assert.Empty(t, p.Feed(llm.ToolCallChunk{Index: 0, ID: "call_1", ArgumentsDelta: `{"a":`}))

	events := p.Feed(llm.ToolCallChunk{Index: 0, Name: "compute", ArgumentsDelta: `1}`})
	require.Len(t, events, 3)
	assert.Equal(t, KindToolCallStarted, events[0].Kind)
	assert.Equal(t, KindToolCallArgsDelta, events[1].Kind)
	require.Equal(t, KindToolCallComplete, events[2].Kind)
	assert.Equal(t, map[string]any{"a": float64(1)}, events[2].Call.Arguments)
}

func TestNativeParser_InterleavedCallsCoalesceByIndex(t *testing.T) {
	p := newNativeParser()

	var events []Event
	events = append(events, p.Feed(llm.ToolCallChunk{Index: 0, ID: "a", Name: "tool_a", ArgumentsDelta: `{"x":`})...)
	events = append(events, p.Feed(llm.ToolCallChunk{Index: 1, ID: "b", Name: "tool_b", ArgumentsDelta: `{"y":`})...)
	events = append(events, p.Feed(llm.ToolCallChunk{Index: 0, ArgumentsDelta: `1}`})...)
	events = append(events, p.Feed(llm.ToolCallChunk{Index: 1, ArgumentsDelta: `2}`})...)

	var completes []Event
	for _, e := range events {
		if e.Kind == KindToolCallComplete {
			completes = append(completes, e)
		}
	}
	require.Len(t, completes, 2)
	assert.Equal(t, "a", completes[0].Call.ID)
	assert.Equal(t, map[string]any{"x": float64(1)}, completes[0].Call.Arguments)
	assert.Equal(t, "b", completes[1].Call.ID)
	assert.Equal(t, map[string]any{"y": float64(2)}, completes[1].Call.Arguments)
}

func TestNativeParser_FinishFlushesInvalidArgsAsFailed(t *testing.T) {
	p := newNativeParser()

	p.Feed(llm.ToolCallChunk{Index: 0, ID: "call_1", Name: "create_file", ArgumentsDelta: `{"file_path": "x.txt", "contents":`})
	events := p.Feed(llm.FinishChunk{Reason: "stop"})

	require.Len(t, events, 1)
	assert.Equal(t, KindToolCallComplete, events[0].Kind)
	assert.True(t, events[0].Failed)
	assert.Equal(t, "tool call arguments are not valid JSON", events[0].Error)
	assert.Equal(t, "call_1", events[0].Call.ID)

	// Flush after the finish chunk has nothing left.
	assert.Empty(t, p.Flush())
}

func TestNativeParser_FlushEmptyArgsAsZeroArgumentCall(t *testing.T) {
	p := newNativeParser()

	p.Feed(llm.ToolCallChunk{Index: 0, ID: "call_1", Name: "idle"})
	events := p.Flush()

	require.Len(t, events, 1)
	assert.Equal(t, KindToolCallComplete, events[0].Kind)
	assert.False(t, events[0].Failed)
	assert.Equal(t, map[string]any{}, events[0].Call.Arguments)
}

func TestNativeParser_FlushUnnamedCallFails(t *testing.T) {
	p := newNativeParser()

	p.Feed(llm.ToolCallChunk{Index: 0, ID: "call_1", ArgumentsDelta: `{"a":1}`})
	events := p.Flush()

	require.Len(t, events, 1)
	assert.True(t, events[0].Failed)
	assert.Equal(t, "tool call never received a name", events[0].Error)
}

func TestNativeParser_NonObjectArgumentsNeverComplete(t *testing.T) {
	p := newNativeParser()

	p.Feed(llm.ToolCallChunk{Index: 0, ID: "call_1", Name: "compute", ArgumentsDelta: `[1,2,3]`})
	events := p.Flush()

	require.Len(t, events, 1)
	assert.True(t, events[0].Failed)
}

func TestNativeParser_FlushOrdersByIndex(t *testing.T) {
	p := newNativeParser()

	p.Feed(llm.ToolCallChunk{Index: 2, ID: "c", Name: "tool_c", ArgumentsDelta: `{`})
	p.Feed(llm.ToolCallChunk{Index: 0, ID: "a", Name: "tool_a", ArgumentsDelta: `{`})
	p.Feed(llm.ToolCallChunk{Index: 1, ID: "b", Name: "tool_b", ArgumentsDelta: `{`})

	events := p.Flush()
	require.Len(t, events, 3)
	assert.Equal(t, "a", events[0].Call.ID)
	assert.Equal(t, "b", events[1].Call.ID)
	assert.Equal(t, "c", events[2].Call.ID)
}

func TestParser_Deterministic(t *testing.T) {
	chunks := []llm.Chunk{
		llm.TextChunk{Content: "Creating the file now. "},
		llm.ToolCallChunk{Index: 0, ID: "call_1", Name: "create_file"},
		llm.ToolCallChunk{Index: 0, ArgumentsDelta: `{"file_path":"hello.txt",`},
		llm.ToolCallChunk{Index: 0, ArgumentsDelta: `"file_contents":"hi"}`},
		llm.TextChunk{Content: "Done."},
		llm.FinishChunk{Reason: "tool_calls"},
	}

	first := feedAll(New(Config{Mode: agent.ToolModeNative}), chunks)
	second := feedAll(New(Config{Mode: agent.ToolModeNative}), chunks)
	assert.Equal(t, first, second)
	assert.Equal(t, []Kind{
		KindContentDelta,
		KindToolCallStarted,
		KindToolCallArgsDelta,
		KindToolCallArgsDelta,
		KindToolCallComplete,
		KindContentDelta,
	}, kinds(first))
}

func TestNew_SelectsDialect(t *testing.T) {
	_, ok := New(Config{Mode: agent.ToolModeNative}).(*nativeParser)
	assert.True(t, ok)

	_, ok = New(Config{Mode: agent.ToolModeXML}).(*xmlParser)
	assert.True(t, ok)
}
