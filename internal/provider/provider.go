// Package provider implements the LLM transport layer: one adapter per
// backend (OpenAI-style, Anthropic-style, Gemini-style, local/Ollama-style)
// behind a single uniform contract covering plain completion, usage-counted
// completion, tool-enabled completion, and streaming tool-enabled completion.
package provider

import (
	"context"
	"time"
)

// Provider identifies an LLM backend.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
	ProviderLocal     Provider = "local"
)

// ReasoningEffort is the provider-independent knob for extended reasoning.
// OpenAI-style backends receive it as a discrete effort label; Anthropic-style
// backends map it to a numeric thinking budget.
type ReasoningEffort string

const (
	EffortNone   ReasoningEffort = ""
	EffortLow    ReasoningEffort = "low"
	EffortMedium ReasoningEffort = "medium"
	EffortHigh   ReasoningEffort = "high"
)

// CompletionRequest describes a single-shot completion. It is a value type,
// constructed per call and never mutated after dispatch.
type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Model        string
	Effort       ReasoningEffort
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
	// RequestType tags the call for usage accounting
	// ("context", "planning", "generation", "research").
	RequestType string
}

// CompletionResult is a completion with usage accounting. Estimated is true
// when the backend omitted usage and the local token estimator filled the gap.
type CompletionResult struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	Estimated        bool
}

// TotalTokens returns the combined token count.
func (r *CompletionResult) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// ChatMessage is one turn of a tool-enabled conversation.
// Role is "user", "assistant", or "tool"; tool turns carry the id and name
// of the call they answer.
type ChatMessage struct {
	Role       string
	Content    string
	ToolCallID string
	ToolName   string
	ToolCalls  []ParsedToolCall
}

// ToolDefinition describes a tool the model may invoke.
// Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// ParsedToolCall is a complete, typed tool invocation. ID is stable per call;
// backends that omit ids get one synthesized from the stream index.
type ParsedToolCall struct {
	ID   string
	Name string
	Args map[string]interface{}
}

// UsageMetadata captures token usage for a tool-enabled call.
type UsageMetadata struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Estimated        bool
}

// ToolRequest describes a tool-enabled completion.
type ToolRequest struct {
	SystemPrompt string
	History      []ChatMessage
	Tools        []ToolDefinition
	Model        string
	MaxTokens    int
	Timeout      time.Duration
	RequestType  string
}

// ToolResponse is the result of a tool-enabled completion.
type ToolResponse struct {
	Content    string
	ToolCalls  []ParsedToolCall
	Usage      UsageMetadata
	StopReason string
}

// StreamEventKind tags a StreamEvent variant.
type StreamEventKind int

const (
	EventTextDelta StreamEventKind = iota
	EventToolCallStart
	EventToolCallDelta
	EventToolCallComplete
	EventUsage
	EventDone
)

// StreamEvent is one element of a streaming tool-enabled completion.
// Consumers must treat EventToolCallComplete as authoritative over any
// earlier deltas for the same id.
type StreamEvent struct {
	Kind StreamEventKind

	Text string // EventTextDelta

	ID       string // EventToolCallStart, EventToolCallDelta
	Name     string // EventToolCallStart
	Fragment string // EventToolCallDelta

	Call *ParsedToolCall // EventToolCallComplete

	Usage *UsageMetadata // EventUsage

	StopReason string // EventDone
}

// Client is the uniform transport contract implemented by every backend.
// Transport never retries; retry policy belongs to the caller.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	CompleteWithUsage(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
	CompleteWithTools(ctx context.Context, req ToolRequest) (*ToolResponse, error)
	// StreamWithTools delivers events incrementally. Both channels are closed
	// when the stream ends; at most one error is sent.
	StreamWithTools(ctx context.Context, req ToolRequest) (<-chan StreamEvent, <-chan error)

	ProviderName() Provider
	Model() string
	SetModel(model string)
}

// withTimeout applies a per-call timeout when the incoming context carries no
// deadline, preferring the request's own timeout over the fallback.
func withTimeout(ctx context.Context, reqTimeout, fallback time.Duration) (context.Context, context.CancelFunc) {
	if _, has := ctx.Deadline(); has {
		return ctx, func() {}
	}
	d := reqTimeout
	if d <= 0 {
		d = fallback
	}
	return context.WithTimeout(ctx, d)
}
