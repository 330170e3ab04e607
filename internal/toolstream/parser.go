// internal/toolstream/parser.go
package toolstream

import (
	"strings"

	"github.com/google/uuid"

	"github.com/quarrylabs/agentcore/api/schemas"
)

// Allows for mocking in tests.
var uuidNewString = uuid.NewString

// ToolDecl is the parser's view of a registered tool: its tag name and the
// declared parameter sub-tags, in declaration order.
type ToolDecl struct {
	Name   string
	Params []string
}

// DeclsFromSpecs projects registry specs into parser declarations,
// preserving registration order.
func DeclsFromSpecs(specs []schemas.ToolSpec) []ToolDecl {
	decls := make([]ToolDecl, 0, len(specs))
	for _, s := range specs {
		d := ToolDecl{Name: s.Name}
		for _, p := range s.Params {
			d.Params = append(d.Params, p.Name)
		}
		decls = append(decls, d)
	}
	return decls
}

// ParamValue is the incrementally observed value of one parameter sub-tag.
// A parameter is Complete only once its closing tag has been seen; a partial
// value is still exposed for live display.
type ParamValue struct {
	Value    string
	Complete bool
}

// ParsedToolCall is the structured invocation extracted from the stream.
// Complete flips to true only when the tool's own closing tag is observed;
// an incomplete call must never be executed.
type ParsedToolCall struct {
	ToolName string
	ToolID   string
	Params   map[string]ParamValue
	Complete bool
}

// CompleteParams returns only the parameters whose closing tags were seen,
// as plain strings ready for validation and execution.
func (c *ParsedToolCall) CompleteParams() map[string]string {
	out := make(map[string]string, len(c.Params))
	for name, v := range c.Params {
		if v.Complete {
			out[name] = v.Value
		}
	}
	return out
}

// Parser incrementally splits a streamed model response into a plain-text
// prefix and at most one structured tool call. Feeding the whole response
// in a single chunk and feeding it byte by byte yield the same final state.
type Parser struct {
	tools     []ToolDecl
	maxTagLen int

	// pending is streamed text not yet classified as plain text or tool
	// content. While no tool has been identified it may end in a held-back
	// suffix that could still become an open tag.
	pending string
	// body accumulates everything after the identified tool's open tag.
	body string

	call     *ParsedToolCall
	callDecl *ToolDecl
	// rest is trailing text after the tool's closing tag. The loop treats a
	// complete call as the end of the acting phase, so this is only kept
	// for diagnostics.
	rest string
}

// NewParser builds a parser over the registered tool declarations. Order
// matters: when two tool tags start at the same buffer index, the first
// registered one wins.
func NewParser(tools []ToolDecl) *Parser {
	maxLen := 0
	for _, t := range tools {
		if l := len(t.Name) + 2; l > maxLen {
			maxLen = l
		}
	}
	return &Parser{tools: tools, maxTagLen: maxLen}
}

// Feed appends a chunk of streamed text and returns any text that is now
// definitively plain (it can be displayed immediately and will never be
// reclassified as tool content).
func (p *Parser) Feed(chunk string) string {
	if p.call != nil {
		p.body += chunk
		p.parseBody()
		return ""
	}

	p.pending += chunk

	// Earliest complete open tag wins; registration order breaks ties.
	bestIdx := -1
	var bestDecl *ToolDecl
	for i := range p.tools {
		tag := "<" + p.tools[i].Name + ">"
		idx := strings.Index(p.pending, tag)
		if idx >= 0 && (bestIdx == -1 || idx < bestIdx) {
			bestIdx = idx
			bestDecl = &p.tools[i]
		}
	}

	if bestDecl != nil {
		plain := p.pending[:bestIdx]
		p.body = p.pending[bestIdx+len(bestDecl.Name)+2:]
		p.pending = ""
		p.callDecl = bestDecl
		p.call = &ParsedToolCall{
			ToolName: bestDecl.Name,
			ToolID:   uuidNewString(),
			Params:   make(map[string]ParamValue),
		}
		p.parseBody()
		return plain
	}

	// No tag yet. Hold back any suffix that could still be the start of a
	// known open tag once more chunks arrive (e.g. a trailing "<rea").
	hold := p.holdbackIndex()
	plain := p.pending[:hold]
	p.pending = p.pending[hold:]
	return plain
}

// holdbackIndex returns the index from which pending must be retained
// because it could be the prefix of a known open tag split across chunks.
func (p *Parser) holdbackIndex() int {
	n := len(p.pending)
	start := n - p.maxTagLen + 1
	if start < 0 {
		start = 0
	}
	for i := start; i < n; i++ {
		if p.pending[i] != '<' {
			continue
		}
		suffix := p.pending[i:]
		for _, t := range p.tools {
			if strings.HasPrefix("<"+t.Name+">", suffix) {
				return i
			}
		}
	}
	return n
}

// parseBody re-derives the parameter map and completion flag from the
// accumulated tool body. Re-scanning the whole body on every chunk keeps
// incremental parsing trivially equivalent to one-shot parsing.
func (p *Parser) parseBody() {
	closeTag := "</" + p.call.ToolName + ">"
	body := p.body
	if end := strings.Index(body, closeTag); end >= 0 {
		p.rest = body[end+len(closeTag):]
		body = body[:end]
		p.call.Complete = true
	}

	params := make(map[string]ParamValue, len(p.callDecl.Params))
	for _, name := range p.callDecl.Params {
		open := "<" + name + ">"
		idx := strings.Index(body, open)
		if idx < 0 {
			continue
		}
		val := body[idx+len(open):]
		if j := strings.Index(val, "</"+name+">"); j >= 0 {
			params[name] = ParamValue{Value: val[:j], Complete: true}
		} else {
			params[name] = ParamValue{Value: val}
		}
	}
	p.call.Params = params
}

// Call returns the tool call identified so far, if any. The caller must
// check Complete before executing anything.
func (p *Parser) Call() (*ParsedToolCall, bool) {
	if p.call == nil {
		return nil, false
	}
	return p.call, true
}

// Flush signals end of stream and returns any held-back text that never
// became a tag. After Flush the held-back suffix is plain text.
func (p *Parser) Flush() string {
	out := p.pending
	p.pending = ""
	return out
}

// Rest returns trailing text observed after a complete tool call.
func (p *Parser) Rest() string { return p.rest }
