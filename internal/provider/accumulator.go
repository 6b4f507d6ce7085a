package provider

import (
	"encoding/json"
	"strings"
)

// ToolCallAccumulator reassembles fragmented streaming tool-call deltas into
// complete, typed calls. Vendors frequently emit syntactically incomplete
// JSON until the final fragment, so completed-call queries tolerate parse
// failures by defaulting to an empty argument map.
type ToolCallAccumulator struct {
	order   []string
	pending map[string]*pendingCall
}

type pendingCall struct {
	name string
	args strings.Builder
}

// NewToolCallAccumulator creates an empty accumulator.
func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{
		pending: make(map[string]*pendingCall),
	}
}

// AddDelta records a streaming fragment for the given call id. The name is
// first-write-wins; argument fragments append in arrival order. Fragments
// for the same id are order-insensitive with respect to the final parse.
func (a *ToolCallAccumulator) AddDelta(id, name, argsFragment string) {
	call, ok := a.pending[id]
	if !ok {
		call = &pendingCall{}
		a.pending[id] = call
		a.order = append(a.order, id)
	}
	if call.name == "" && name != "" {
		call.name = name
	}
	if argsFragment != "" {
		call.args.WriteString(argsFragment)
	}
}

// CompletedCalls is a pure, repeatable query: every id with a non-empty name
// yields a call, with its accumulated argument text parsed as a JSON object
// or defaulted to an empty map on failure.
func (a *ToolCallAccumulator) CompletedCalls() []ParsedToolCall {
	var calls []ParsedToolCall
	for _, id := range a.order {
		p := a.pending[id]
		if p.name == "" {
			continue
		}
		args := map[string]interface{}{}
		raw := strings.TrimSpace(p.args.String())
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				args = map[string]interface{}{}
			}
		}
		calls = append(calls, ParsedToolCall{ID: id, Name: p.name, Args: args})
	}
	return calls
}

// Has reports whether the accumulator has seen the given call id.
func (a *ToolCallAccumulator) Has(id string) bool {
	_, ok := a.pending[id]
	return ok
}

// Len returns the number of pending call ids.
func (a *ToolCallAccumulator) Len() int {
	return len(a.order)
}
