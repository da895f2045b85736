package parser

import (
	"fmt"
	"strings"

	"github.com/kortix-ai/agentpress/pkg/agent"
	"github.com/kortix-ai/agentpress/pkg/llm"
	"github.com/kortix-ai/agentpress/pkg/tools"
)

// xmlParser extracts registered tags from the assistant's text stream.
// It is deliberately not an XML parser: the LLM interleaves prose with
// tags, so the buffer as a whole is never well-formed. A small state
// machine keyed on the registered tag names does tag-by-tag extraction,
// scanning attributes inside the opening tag only.
type xmlParser struct {
	runID     string
	iteration int
	tags      map[string]tools.XMLBinding

	buf        strings.Builder
	occurrence int
}

func newXMLParser(cfg Config) *xmlParser {
	tags := make(map[string]tools.XMLBinding, len(cfg.Tags))
	for _, binding := range cfg.Tags {
		tags[binding.TagName] = binding
	}
	return &xmlParser{
		runID:     cfg.RunID,
		iteration: cfg.Iteration,
		tags:      tags,
	}
}

func (p *xmlParser) Feed(chunk llm.Chunk) []Event {
	switch c := chunk.(type) {
	case llm.TextChunk:
		if c.Content == "" {
			return nil
		}
		p.buf.WriteString(c.Content)
		return p.drain(false)

	case llm.FinishChunk:
		return p.Flush()
	}
	// Native-dialect markers in an XML run are not parsed.
	return nil
}

// Flush emits everything left in the buffer as text; an unclosed tag at
// stream end is prose, not a call.
func (p *xmlParser) Flush() []Event {
	return p.drain(true)
}

// drain repeatedly extracts the next complete registered tag from the
// buffer. Text before each tag (and, at flush, everything remaining)
// becomes content deltas. Without final=true, a recognized tag that has
// opened but not yet closed stays buffered, as does a trailing segment
// that could still grow into one.
func (p *xmlParser) drain(final bool) []Event {
	var events []Event
	text := p.buf.String()

	for {
		tag, holdFrom, ok := p.nextTag(text)
		if !ok {
			if holdFrom >= 0 && !final {
				// A recognized tag is still streaming; emit only the
				// text ahead of it.
				if holdFrom > 0 {
					events = append(events, Event{Kind: KindContentDelta, Content: text[:holdFrom]})
				}
				p.buf.Reset()
				p.buf.WriteString(text[holdFrom:])
				return events
			}
			break
		}
		if tag.before != "" {
			events = append(events, Event{Kind: KindContentDelta, Content: tag.before})
		}
		events = append(events, p.completeTag(tag)...)
		text = tag.rest
	}

	emit := text
	if !final {
		emit, text = p.splitHoldback(text)
	} else {
		text = ""
	}
	if emit != "" {
		events = append(events, Event{Kind: KindContentDelta, Content: emit})
	}

	p.buf.Reset()
	p.buf.WriteString(text)
	return events
}

// parsedTag is one fully-delimited registered tag found in the buffer.
type parsedTag struct {
	spec   tools.XMLBinding
	attrs  map[string]string
	body   string
	before string // text preceding the opening tag
	rest   string // text following the closing tag
}

// nextTag finds the earliest registered tag that is already fully closed
// in text. When a recognized tag has opened but not yet closed, it
// returns holdFrom, the absolute offset of that opener, so the caller
// can buffer from there while emitting the text ahead of it.
func (p *xmlParser) nextTag(text string) (tag parsedTag, holdFrom int, ok bool) {
	search := text
	offset := 0
	for {
		lt := strings.Index(search, "<")
		if lt < 0 {
			return parsedTag{}, -1, false
		}
		name, attrStart := p.matchOpenTag(search[lt:])
		if name == "" {
			offset += lt + 1
			search = search[lt+1:]
			continue
		}

		openEnd, selfClosed, complete := scanOpenTagEnd(search[lt+attrStart:])
		if !complete {
			return parsedTag{}, offset + lt, false // opening tag still streaming
		}
		attrText := search[lt+attrStart : lt+attrStart+openEnd]
		bodyStart := lt + attrStart + openEnd + 1

		tag = parsedTag{
			spec:   p.tags[name],
			attrs:  parseAttributes(attrText),
			before: text[:offset+lt],
		}
		if selfClosed {
			tag.rest = search[bodyStart:]
			return tag, -1, true
		}

		// Matching close for the outer tag. Inner occurrences of the
		// same tag name nest; other recognized tags inside are raw
		// content, the outer tag wins.
		body, rest, closed := findMatchingClose(search[bodyStart:], name)
		if !closed {
			return parsedTag{}, offset + lt, false
		}
		tag.body = body
		tag.rest = rest
		return tag, -1, true
	}
}

// matchOpenTag reports whether s starts a registered opening tag
// ("<name" followed by space, '>', or '/'). Returns the tag name and the
// offset just past it.
func (p *xmlParser) matchOpenTag(s string) (string, int) {
	for name := range p.tags {
		prefix := "<" + name
		if !strings.HasPrefix(s, prefix) {
			continue
		}
		if len(s) == len(prefix) {
			continue // cannot tell yet; treated as incomplete by caller
		}
		switch s[len(prefix)] {
		case ' ', '\t', '\n', '\r', '>', '/':
			return name, len(prefix)
		}
	}
	return "", 0
}

// scanOpenTagEnd finds the '>' terminating an opening tag, skipping
// quoted attribute values. Returns its offset, whether the tag was
// self-closing, and whether the terminator was found at all.
func scanOpenTagEnd(s string) (int, bool, bool) {
	var quote byte
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '"', '\'':
			quote = ch
		case '>':
			selfClosed := i > 0 && s[i-1] == '/'
			return i, selfClosed, true
		}
	}
	return 0, false, false
}

// findMatchingClose locates the close of the current tag, counting
// nested same-named openers.
func findMatchingClose(s, name string) (body, rest string, closed bool) {
	open := "<" + name
	closing := "</" + name + ">"
	depth := 1
	i := 0
	for i < len(s) {
		ci := strings.Index(s[i:], closing)
		if ci < 0 {
			return "", "", false
		}
		// Count same-named openers between here and the close.
		segment := s[i : i+ci]
		for j := 0; ; {
			oi := strings.Index(segment[j:], open)
			if oi < 0 {
				break
			}
			after := j + oi + len(open)
			if after >= len(segment) {
				break
			}
			switch segment[after] {
			case ' ', '\t', '\n', '\r', '>', '/':
				depth++
			}
			j = after
		}
		depth--
		if depth == 0 {
			return s[:i+ci], s[i+ci+len(closing):], true
		}
		i += ci + len(closing)
	}
	return "", "", false
}

// completeTag extracts arguments per the tag's mappings and emits the
// started/complete pair. XML calls have no streaming argument phase, so
// the two events are adjacent.
func (p *xmlParser) completeTag(tag parsedTag) []Event {
	args := make(map[string]any, len(tag.spec.Mappings))
	var elementNodes []string
	for _, m := range tag.spec.Mappings {
		switch m.Source {
		case tools.XMLSourceAttribute:
			if v, ok := tag.attrs[m.Node]; ok {
				args[m.Param] = unescapeXML(v)
			}
		case tools.XMLSourceElement:
			elementNodes = append(elementNodes, m.Node)
			if v, ok := extractElement(tag.body, m.Node); ok {
				args[m.Param] = unescapeXML(v)
			}
		}
	}
	for _, m := range tag.spec.Mappings {
		if m.Source == tools.XMLSourceContent {
			args[m.Param] = unescapeXML(stripElements(tag.body, elementNodes))
		}
	}

	call := agent.ToolCall{
		ID:        fmt.Sprintf("%s-%d-%d", p.runID, p.iteration, p.occurrence),
		Name:      tag.spec.Tool,
		Arguments: args,
		Origin:    agent.OriginXML,
		Index:     p.occurrence,
	}
	p.occurrence++

	return []Event{
		{Kind: KindToolCallStarted, Call: call},
		{Kind: KindToolCallComplete, Call: call},
	}
}

// extractElement returns the text body of the first <node>...</node>
// child.
func extractElement(body, node string) (string, bool) {
	open := "<" + node + ">"
	closing := "</" + node + ">"
	start := strings.Index(body, open)
	if start < 0 {
		return "", false
	}
	start += len(open)
	end := strings.Index(body[start:], closing)
	if end < 0 {
		return "", false
	}
	return body[start : start+end], true
}

// stripElements removes element-mapped child spans so a content mapping
// sees only the root tag's own text.
func stripElements(body string, nodes []string) string {
	for _, node := range nodes {
		open := "<" + node + ">"
		closing := "</" + node + ">"
		for {
			start := strings.Index(body, open)
			if start < 0 {
				break
			}
			end := strings.Index(body[start:], closing)
			if end < 0 {
				break
			}
			body = body[:start] + body[start+end+len(closing):]
		}
	}
	return strings.TrimSpace(body)
}

// splitHoldback splits text into an emittable prefix and a suffix that
// could still be the start of a registered tag once more chunks arrive.
func (p *xmlParser) splitHoldback(text string) (emit, hold string) {
	lt := strings.LastIndex(text, "<")
	if lt < 0 {
		return text, ""
	}
	tail := text[lt:]
	if p.couldBecomeTag(tail) {
		return text[:lt], tail
	}
	return text, ""
}

// couldBecomeTag reports whether s could still grow into a registered
// opening tag. Anything matching a recognized tag outright is handled by
// nextTag before this is consulted.
func (p *xmlParser) couldBecomeTag(s string) bool {
	if strings.Contains(s, ">") {
		return false
	}
	for name := range p.tags {
		prefix := "<" + name
		if strings.HasPrefix(prefix, s) || strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

var xmlUnescaper = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'", "&amp;", "&")

func unescapeXML(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	return xmlUnescaper.Replace(s)
}

// parseAttributes scans name="value" pairs inside an opening tag. Both
// quote styles are accepted; malformed remnants are ignored.
func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	i := 0
	for i < len(s) {
		for i < len(s) && isSpaceByte(s[i]) {
			i++
		}
		eq := strings.IndexByte(s[i:], '=')
		if eq < 0 {
			break
		}
		name := strings.TrimSpace(s[i : i+eq])
		i += eq + 1
		for i < len(s) && isSpaceByte(s[i]) {
			i++
		}
		if i >= len(s) || (s[i] != '"' && s[i] != '\'') {
			break
		}
		quote := s[i]
		i++
		end := strings.IndexByte(s[i:], quote)
		if end < 0 {
			break
		}
		if name != "" && name != "/" {
			attrs[name] = s[i : i+end]
		}
		i += end + 1
	}
	return attrs
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
