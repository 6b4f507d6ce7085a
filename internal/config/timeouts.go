package config

import "time"

// CallTimeouts centralizes per-call timeout configuration for LLM operations.
//
// KEY INSIGHT: In Go, the SHORTEST timeout in the chain wins. If you have a
// 120-second HTTP client but wrap the call in a 15-second context, the
// context wins. Every transport call derives its deadline from this table
// so the two never conflict.
type CallTimeouts struct {
	// ContextGathering covers quick single-shot context summarization calls.
	ContextGathering time.Duration `json:"context_gathering"`

	// Planning covers the single planning completion.
	Planning time.Duration `json:"planning"`

	// Generation covers the suggestion-generation completion.
	Generation time.Duration `json:"generation"`

	// ResearchStep covers one tool-selection call inside the research loop.
	ResearchStep time.Duration `json:"research_step"`

	// Streaming covers a full streaming tool call, end to end.
	Streaming time.Duration `json:"streaming"`
}

// DefaultCallTimeouts returns the canonical 10-120s timeout ladder.
func DefaultCallTimeouts() CallTimeouts {
	return CallTimeouts{
		ContextGathering: 15 * time.Second,
		Planning:         20 * time.Second,
		Generation:       30 * time.Second,
		ResearchStep:     45 * time.Second,
		Streaming:        120 * time.Second,
	}
}

// ForRequestType maps a request-type tag to its timeout. Unknown tags get
// the generation timeout.
func (t CallTimeouts) ForRequestType(requestType string) time.Duration {
	switch requestType {
	case "context":
		return t.ContextGathering
	case "planning":
		return t.Planning
	case "generation":
		return t.Generation
	case "research":
		return t.ResearchStep
	case "streaming":
		return t.Streaming
	default:
		return t.Generation
	}
}
