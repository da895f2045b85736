package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kortix-ai/agentpress/pkg/agent"
	"github.com/kortix-ai/agentpress/pkg/llm"
	"github.com/kortix-ai/agentpress/pkg/tools"
)

func createFileBinding() tools.XMLBinding {
	return tools.XMLBinding{
		Tool: "create_file",
		XMLTagSpec: tools.XMLTagSpec{
			TagName: "create-file",
			Mappings: []tools.XMLMapping{
				{Param: "file_path", Source: tools.XMLSourceAttribute, Node: "file_path"},
				{Param: "file_contents", Source: tools.XMLSourceContent},
			},
		},
	}
}

func strReplaceBinding() tools.XMLBinding {
	return tools.XMLBinding{
		Tool: "str_replace",
		XMLTagSpec: tools.XMLTagSpec{
			TagName: "str-replace",
			Mappings: []tools.XMLMapping{
				{Param: "file_path", Source: tools.XMLSourceAttribute, Node: "file_path"},
				{Param: "old_str", Source: tools.XMLSourceElement, Node: "old_str"},
				{Param: "new_str", Source: tools.XMLSourceElement, Node: "new_str"},
			},
		},
	}
}

func xmlConfig(bindings ...tools.XMLBinding) Config {
	return Config{
		Mode:      agent.ToolModeXML,
		RunID:     "run-1",
		Iteration: 1,
		Tags:      bindings,
	}
}

func TestXMLParser_TagWithAttributeAndContent(t *testing.T) {
	p := New(xmlConfig(createFileBinding()))

	events := feedAll(p, []llm.Chunk{
		llm.TextChunk{Content: `I'll create the file. <create-file file_path="hello.txt">hi</create-file> Done.`},
		llm.FinishChunk{Reason: "stop"},
	})

	require.Equal(t, []Kind{
		KindContentDelta,
		KindToolCallStarted,
		KindToolCallComplete,
		KindContentDelta,
	}, kinds(events))

	assert.Equal(t, "I'll create the file. ", events[0].Content)
	call := events[2].Call
	assert.Equal(t, "run-1-1-0", call.ID)
	assert.Equal(t, "create_file", call.Name)
	assert.Equal(t, map[string]any{"file_path": "hello.txt", "file_contents": "hi"}, call.Arguments)
	assert.Equal(t, agent.OriginXML, call.Origin)
	assert.Equal(t, 0, call.Index)
	assert.Equal(t, " Done.", events[3].Content)

	// Started and complete carry the same call.
	assert.Equal(t, call, events[1].Call)
}

func TestXMLParser_SplitAcrossChunks(t *testing.T) {
	p := New(xmlConfig(createFileBinding()))

	var events []Event
	for _, frag := range []string{
		"Sure: <cre",
		`ate-file file_pa`,
		`th="a.txt">line one`,
		"\nline two</create-",
		"file> all set",
	} {
		events = append(events, p.Feed(llm.TextChunk{Content: frag})...)
	}
	events = append(events, p.Flush()...)

	require.Equal(t, []Kind{
		KindContentDelta,
		KindToolCallStarted,
		KindToolCallComplete,
		KindContentDelta,
	}, kinds(events))
	assert.Equal(t, "Sure: ", events[0].Content)
	assert.Equal(t, map[string]any{
		"file_path":     "a.txt",
		"file_contents": "line one\nline two",
	}, events[2].Call.Arguments)
	assert.Equal(t, " all set", events[3].Content)
}

func TestXMLParser_DeterministicAcrossChunkBoundaries(t *testing.T) {
	text := `a <create-file file_path="x">1</create-file> b <create-file file_path="y">2</create-file> c`

	whole := feedAll(New(xmlConfig(createFileBinding())), []llm.Chunk{llm.TextChunk{Content: text}})

	p := New(xmlConfig(createFileBinding()))
	var split []Event
	for _, r := range text {
		split = append(split, p.Feed(llm.TextChunk{Content: string(r)})...)
	}
	split = append(split, p.Flush()...)

	collect := func(events []Event) (calls []agent.ToolCall, content string) {
		for _, e := range events {
			if e.Kind == KindToolCallComplete {
				calls = append(calls, e.Call)
			}
			if e.Kind == KindContentDelta {
				content += e.Content
			}
		}
		return calls, content
	}

	wholeCalls, wholeContent := collect(whole)
	splitCalls, splitContent := collect(split)
	assert.Equal(t, wholeCalls, splitCalls)
	assert.Equal(t, wholeContent, splitContent)

	require.Len(t, wholeCalls, 2)
	assert.Equal(t, "run-1-1-0", wholeCalls[0].ID)
	assert.Equal(t, "run-1-1-1", wholeCalls[1].ID)
}

func TestXMLParser_ElementMappings(t *testing.T) {
	p := New(xmlConfig(strReplaceBinding()))

	events := feedAll(p, []llm.Chunk{llm.TextChunk{
		Content: `<str-replace file_path="m.go"><old_str>foo</old_str><new_str>bar</new_str></str-replace>`,
	}})

	require.Equal(t, []Kind{KindToolCallStarted, KindToolCallComplete}, kinds(events))
	assert.Equal(t, map[string]any{
		"file_path": "m.go",
		"old_str":   "foo",
		"new_str":   "bar",
	}, events[1].Call.Arguments)
}

func TestXMLParser_UnrecognizedTagsAreText(t *testing.T) {
	p := New(xmlConfig(createFileBinding()))

	events := feedAll(p, []llm.Chunk{llm.TextChunk{Content: "see <code>x < y</code> here"}})

	var content string
	for _, e := range events {
		require.Equal(t, KindContentDelta, e.Kind)
		content += e.Content
	}
	assert.Equal(t, "see <code>x < y</code> here", content)
}

func TestXMLParser_UnclosedTagAtStreamEndIsText(t *testing.T) {
	p := New(xmlConfig(createFileBinding()))

	events := append(
		p.Feed(llm.TextChunk{Content: `<create-file file_path="x">never closed`}),
		p.Flush()...,
	)

	var content string
	for _, e := range events {
		require.Equal(t, KindContentDelta, e.Kind)
		content += e.Content
	}
	assert.Equal(t, `<create-file file_path="x">never closed`, content)
}

func TestXMLParser_OuterTagWins(t *testing.T) {
	p := New(xmlConfig(createFileBinding(), strReplaceBinding()))

	events := feedAll(p, []llm.Chunk{llm.TextChunk{
		Content: `<create-file file_path="doc.md">use <str-replace file_path="z"></str-replace> inside</create-file>`,
	}})

	require.Equal(t, []Kind{KindToolCallStarted, KindToolCallComplete}, kinds(events))
	call := events[1].Call
	assert.Equal(t, "create_file", call.Name)
	assert.Equal(t, `use <str-replace file_path="z"></str-replace> inside`, call.Arguments["file_contents"])
}

func TestXMLParser_NestedSameTagStaysInBody(t *testing.T) {
	p := New(xmlConfig(createFileBinding()))

	events := feedAll(p, []llm.Chunk{llm.TextChunk{
		Content: `<create-file file_path="a"><create-file file_path="b">inner</create-file></create-file>`,
	}})

	require.Equal(t, []Kind{KindToolCallStarted, KindToolCallComplete}, kinds(events))
	call := events[1].Call
	assert.Equal(t, "a", call.Arguments["file_path"])
	assert.Equal(t, `<create-file file_path="b">inner</create-file>`, call.Arguments["file_contents"])
}

func TestXMLParser_SelfClosingTag(t *testing.T) {
	binding := tools.XMLBinding{
		Tool: "idle",
		XMLTagSpec: tools.XMLTagSpec{
			TagName: "idle",
		},
	}
	p := New(xmlConfig(binding))

	events := feedAll(p, []llm.Chunk{llm.TextChunk{Content: "done <idle/>"}})

	require.Equal(t, []Kind{KindContentDelta, KindToolCallStarted, KindToolCallComplete}, kinds(events))
	assert.Equal(t, "idle", events[2].Call.Name)
	assert.Empty(t, events[2].Call.Arguments)
}

func TestXMLParser_EntitiesUnescaped(t *testing.T) {
	p := New(xmlConfig(createFileBinding()))

	events := feedAll(p, []llm.Chunk{llm.TextChunk{
		Content: `<create-file file_path="a&amp;b.txt">1 &lt; 2 &amp;&amp; 3 &gt; 2</create-file>`,
	}})

	require.Equal(t, []Kind{KindToolCallStarted, KindToolCallComplete}, kinds(events))
	assert.Equal(t, map[string]any{
		"file_path":     "a&b.txt",
		"file_contents": "1 < 2 && 3 > 2",
	}, events[1].Call.Arguments)
}

func TestXMLParser_NativeChunksIgnored(t *testing.T) {
	p := New(xmlConfig(createFileBinding()))

	assert.Empty(t, p.Feed(llm.ToolCallChunk{Index: 0, ID: "call_1", Name: "create_file", ArgumentsDelta: `{}`}))
	assert.Empty(t, p.Flush())
}

func TestXMLParser_IterationScopesCallIDs(t *testing.T) {
	text := `<create-file file_path="x">1</create-file>`

	first := feedAll(New(xmlConfig(createFileBinding())), []llm.Chunk{llm.TextChunk{Content: text}})

	cfg := xmlConfig(createFileBinding())
	cfg.Iteration = 2
	second := feedAll(New(cfg), []llm.Chunk{llm.TextChunk{Content: text}})

	assert.Equal(t, "run-1-1-0", first[1].Call.ID)
	assert.Equal(t, "run-1-2-0", second[1].Call.ID)
}
