package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kongusen/fractalcore/pkg/llm"
)

// ToolCall is one fully aggregated tool invocation from a streamed response,
// in stream order.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any

	// RawArgs is the accumulated argument text as streamed.
	RawArgs string

	// ParseErr is set when RawArgs was not valid JSON; such a call must not
	// be executed — the loop records the error as a tool observation instead.
	ParseErr error
}

// aggregator accumulates tool-call fragments across a streamed response.
// Providers interleave start/delta/complete chunks per call; the aggregator
// keys fragments by call ID and preserves first-seen order, which is the
// order the loop later executes them in.
type aggregator struct {
	order []string
	calls map[string]*pendingCall
	text  strings.Builder
}

type pendingCall struct {
	id       string
	name     string
	args     strings.Builder
	complete bool
}

func newAggregator() *aggregator {
	return &aggregator{calls: make(map[string]*pendingCall)}
}

// feed consumes one stream chunk. Text chunks accumulate into the response
// text; tool-call chunks accumulate into their pending call.
func (a *aggregator) feed(c llm.StreamChunk) {
	switch c.Type {
	case llm.ChunkText:
		a.text.WriteString(c.Text)

	case llm.ChunkToolCallStart:
		a.pending(c.ToolCallID).name = c.ToolCallName

	case llm.ChunkToolCallDelta:
		a.pending(c.ToolCallID).args.WriteString(c.ArgsDelta)

	case llm.ChunkToolCallComplete:
		p := a.pending(c.ToolCallID)
		if c.ToolCallName != "" {
			p.name = c.ToolCallName
		}
		// A complete chunk carries the full argument string; prefer it over
		// whatever deltas accumulated so providers that skip deltas work too.
		if c.ArgsDelta != "" {
			p.args.Reset()
			p.args.WriteString(c.ArgsDelta)
		}
		p.complete = true
	}
}

func (a *aggregator) pending(id string) *pendingCall {
	p, ok := a.calls[id]
	if !ok {
		p = &pendingCall{id: id}
		a.calls[id] = p
		a.order = append(a.order, id)
	}
	return p
}

// Text returns the accumulated assistant text.
func (a *aggregator) Text() string { return a.text.String() }

// ToolCalls finalizes the stream: every pending call is parsed, in stream
// order. Empty argument text parses as an empty map; invalid JSON yields a
// call with ParseErr set.
func (a *aggregator) ToolCalls() []ToolCall {
	out := make([]ToolCall, 0, len(a.order))
	for _, id := range a.order {
		p := a.calls[id]
		call := ToolCall{ID: p.id, Name: p.name, RawArgs: p.args.String()}
		if call.RawArgs == "" {
			call.Args = map[string]any{}
		} else if err := json.Unmarshal([]byte(call.RawArgs), &call.Args); err != nil {
			call.ParseErr = fmt.Errorf("invalid tool arguments for %s: %w", p.name, err)
		}
		out = append(out, call)
	}
	return out
}
