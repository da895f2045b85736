package parser

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/kortix-ai/agentpress/pkg/agent"
	"github.com/kortix-ai/agentpress/pkg/llm"
)

// partialCall accumulates one native tool call keyed by its stream index.
// Providers may reuse an index across chunks; fragments with the same
// index always coalesce into the same call.
type partialCall struct {
	index     int
	id        string
	name      string
	args      strings.Builder
	started   bool
	completed bool
}

type nativeParser struct {
	calls map[int]*partialCall
}

func newNativeParser() *nativeParser {
	return &nativeParser{calls: make(map[int]*partialCall)}
}

func (p *nativeParser) Feed(chunk llm.Chunk) []Event {
	switch c := chunk.(type) {
	case llm.TextChunk:
		if c.Content == "" {
			return nil
		}
		return []Event{{Kind: KindContentDelta, Content: c.Content}}

	case llm.ToolCallChunk:
		return p.merge(c)

	case llm.FinishChunk:
		// finish_reason settles any call still incomplete.
		return p.Flush()
	}
	return nil
}

// merge folds one delta into its call and emits whatever the fold makes
// observable: started on the first named appearance, an args delta per
// fragment, and complete the first time the accumulated JSON validates.
func (p *nativeParser) merge(c llm.ToolCallChunk) []Event {
	call, ok := p.calls[c.Index]
	if !ok {
		call = &partialCall{index: c.Index}
		p.calls[c.Index] = call
	}
	if call.completed {
		return nil
	}

	if c.ID != "" {
		call.id = c.ID
	}
	if c.Name != "" {
		call.name = c.Name
	}

	var events []Event
	if !call.started && call.name != "" {
		call.started = true
		events = append(events, Event{
			Kind: KindToolCallStarted,
			Call: call.toolCall(nil),
		})
	}
	if c.ArgumentsDelta != "" {
		call.args.WriteString(c.ArgumentsDelta)
		if call.started {
			events = append(events, Event{
				Kind:      KindToolCallArgsDelta,
				CallID:    call.id,
				ArgsDelta: c.ArgumentsDelta,
			})
		}
	}

	if call.id != "" && call.name != "" {
		if args, ok := parseArguments(call.args.String()); ok {
			call.completed = true
			events = append(events, Event{
				Kind: KindToolCallComplete,
				Call: call.toolCall(args),
			})
		}
	}
	return events
}

// Flush settles calls that never completed during streaming. An empty
// argument string is read as the empty object (zero-argument calls);
// anything else that still fails to parse completes as failed.
func (p *nativeParser) Flush() []Event {
	indexes := make([]int, 0, len(p.calls))
	for idx := range p.calls {
		if !p.calls[idx].completed {
			indexes = append(indexes, idx)
		}
	}
	sort.Ints(indexes)

	var events []Event
	for _, idx := range indexes {
		call := p.calls[idx]
		call.completed = true

		if !call.started && call.name != "" {
			call.started = true
			events = append(events, Event{
				Kind: KindToolCallStarted,
				Call: call.toolCall(nil),
			})
		}

		raw := strings.TrimSpace(call.args.String())
		if raw == "" && call.name != "" {
			events = append(events, Event{
				Kind: KindToolCallComplete,
				Call: call.toolCall(map[string]any{}),
			})
			continue
		}
		if args, ok := parseArguments(raw); ok && call.name != "" {
			events = append(events, Event{
				Kind: KindToolCallComplete,
				Call: call.toolCall(args),
			})
			continue
		}

		evt := Event{
			Kind:   KindToolCallComplete,
			Call:   call.toolCall(nil),
			Failed: true,
			Error:  "tool call arguments are not valid JSON",
		}
		if call.name == "" {
			evt.Error = "tool call never received a name"
		}
		events = append(events, evt)
	}
	return events
}

func (c *partialCall) toolCall(args map[string]any) agent.ToolCall {
	return agent.ToolCall{
		ID:           c.id,
		Name:         c.name,
		Arguments:    args,
		RawArguments: c.args.String(),
		Origin:       agent.OriginNative,
		Index:        c.index,
	}
}

// parseArguments accepts only a JSON object; scalars and arrays are not
// tool arguments.
func parseArguments(raw string) (map[string]any, bool) {
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, false
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, true
}
