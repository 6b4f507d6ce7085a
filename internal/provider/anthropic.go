package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"termhint/internal/logging"
	"termhint/internal/usage"
)

// anthropicVersion is the required API version header value.
const anthropicVersion = "2023-06-01"

// anthropicThinkingBeta is the beta header enabling extended thinking.
const anthropicThinkingBeta = "interleaved-thinking-2025-05-14"

// AnthropicClient implements Client for the Anthropic messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	model      string
	effort     ReasoningEffort
	httpClient *http.Client
}

// AnthropicConfig holds configuration for the Anthropic client.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Effort  ReasoningEffort
	Timeout time.Duration
}

// DefaultAnthropicConfig returns sensible defaults.
func DefaultAnthropicConfig(apiKey string) AnthropicConfig {
	return AnthropicConfig{
		APIKey:  apiKey,
		BaseURL: "https://api.anthropic.com/v1",
		Model:   "claude-3-5-haiku-20241022",
		Timeout: 120 * time.Second,
	}
}

// NewAnthropicClient creates a new Anthropic client with default config.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return NewAnthropicClientWithConfig(DefaultAnthropicConfig(apiKey))
}

// NewAnthropicClientWithConfig creates a new Anthropic client with custom config.
func NewAnthropicClientWithConfig(config AnthropicConfig) *AnthropicClient {
	return &AnthropicClient{
		apiKey:  config.APIKey,
		baseURL: config.BaseURL,
		model:   config.Model,
		effort:  config.Effort,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// anthropicContentBlock covers text, tool_use, and tool_result blocks.
type anthropicContentBlock struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   string                 `json:"content,omitempty"`
	IsError   bool                   `json:"is_error,omitempty"`
}

type anthropicMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string or []anthropicContentBlock
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// anthropicThinking enables extended thinking. The numeric budget is the
// provider-specific form of the reasoning-effort knob.
type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Thinking    *anthropicThinking `json:"thinking,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// thinkingBudget maps the effort label to a token budget.
func thinkingBudget(effort ReasoningEffort) int {
	switch effort {
	case EffortLow:
		return 2048
	case EffortMedium:
		return 8192
	case EffortHigh:
		return 16384
	default:
		return 0
	}
}

// ProviderName returns ProviderAnthropic.
func (c *AnthropicClient) ProviderName() Provider { return ProviderAnthropic }

// Model returns the current model.
func (c *AnthropicClient) Model() string { return c.model }

// SetModel changes the model used for completions.
func (c *AnthropicClient) SetModel(model string) { c.model = model }

// Complete sends a prompt and returns the completion text.
func (c *AnthropicClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	result, err := c.CompleteWithUsage(ctx, req)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// CompleteWithUsage sends a prompt and returns the completion with token
// accounting.
func (c *AnthropicClient) CompleteWithUsage(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	if c.apiKey == "" {
		return nil, &MissingCredentialError{Provider: ProviderAnthropic}
	}

	ctx, cancel := withTimeout(ctx, req.Timeout, c.httpClient.Timeout)
	defer cancel()

	start := time.Now()
	model := c.resolveModel(req.Model)
	logging.ProviderDebug("[Anthropic] Complete: model=%s system_len=%d user_len=%d type=%s",
		model, len(req.SystemPrompt), len(req.UserPrompt), req.RequestType)

	body := anthropicRequest{
		Model:  model,
		System: req.SystemPrompt,
		Messages: []anthropicMessage{
			{Role: "user", Content: req.UserPrompt},
		},
	}
	c.shapeTokensAndThinking(&body, req.MaxTokens, req.Effort, req.Temperature)

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	content := strings.TrimSpace(text.String())
	if content == "" {
		logging.ProviderError("[Anthropic] Complete: no completion returned")
		return nil, &EmptyResponseError{Provider: ProviderAnthropic}
	}

	result := &CompletionResult{
		Content:          content,
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
	}
	if result.PromptTokens == 0 && result.CompletionTokens == 0 {
		result.PromptTokens = EstimateTokens(req.SystemPrompt + req.UserPrompt)
		result.CompletionTokens = EstimateTokens(content)
		result.Estimated = true
	}

	if tracker := usage.FromContext(ctx); tracker != nil {
		tracker.Track(ctx, model, string(ProviderAnthropic), result.PromptTokens, result.CompletionTokens, req.RequestType)
	}

	logging.Provider("[Anthropic] Complete: completed in %v response_len=%d", time.Since(start), len(content))
	return result, nil
}

// CompleteWithTools sends a tool-enabled completion.
func (c *AnthropicClient) CompleteWithTools(ctx context.Context, req ToolRequest) (*ToolResponse, error) {
	if c.apiKey == "" {
		return nil, &MissingCredentialError{Provider: ProviderAnthropic}
	}

	ctx, cancel := withTimeout(ctx, req.Timeout, c.httpClient.Timeout)
	defer cancel()

	model := c.resolveModel(req.Model)
	body := anthropicRequest{
		Model:    model,
		System:   req.SystemPrompt,
		Messages: buildAnthropicMessages(req.History),
		Tools:    mapToolsToAnthropic(req.Tools),
	}
	c.shapeTokensAndThinking(&body, req.MaxTokens, EffortNone, 0)

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}

	result := &ToolResponse{
		StopReason: resp.StopReason,
		Usage: UsageMetadata{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}

	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := block.Input
			if args == nil {
				args = map[string]interface{}{}
			}
			result.ToolCalls = append(result.ToolCalls, ParsedToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: args,
			})
		}
	}
	result.Content = strings.TrimSpace(text.String())

	if tracker := usage.FromContext(ctx); tracker != nil {
		tracker.Track(ctx, model, string(ProviderAnthropic), result.Usage.PromptTokens, result.Usage.CompletionTokens, req.RequestType)
	}
	return result, nil
}

// anthropicStreamEvent is the shared shape of the typed SSE events.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`

	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block,omitempty"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`

	Usage *anthropicUsage `json:"usage,omitempty"`

	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// StreamWithTools sends a tool-enabled completion over the typed SSE stream.
// Prompt-token usage arrives front-loaded in message_start and
// completion-token usage back-loaded in message_delta; both are merged into
// a single usage event once known.
func (c *AnthropicClient) StreamWithTools(ctx context.Context, req ToolRequest) (<-chan StreamEvent, <-chan error) {
	eventChan := make(chan StreamEvent, 100)
	errorChan := make(chan error, 1)

	go func() {
		defer close(eventChan)
		defer close(errorChan)

		if c.apiKey == "" {
			errorChan <- &MissingCredentialError{Provider: ProviderAnthropic}
			return
		}

		ctx, cancel := withTimeout(ctx, req.Timeout, c.httpClient.Timeout)
		defer cancel()

		start := time.Now()
		model := c.resolveModel(req.Model)
		body := anthropicRequest{
			Model:    model,
			System:   req.SystemPrompt,
			Messages: buildAnthropicMessages(req.History),
			Tools:    mapToolsToAnthropic(req.Tools),
			Stream:   true,
		}
		c.shapeTokensAndThinking(&body, req.MaxTokens, EffortNone, 0)

		jsonData, err := json.Marshal(body)
		if err != nil {
			errorChan <- fmt.Errorf("failed to marshal request: %w", err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/messages", bytes.NewReader(jsonData))
		if err != nil {
			errorChan <- fmt.Errorf("failed to create request: %w", err)
			return
		}
		c.setHeaders(httpReq, body.Thinking != nil)
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			errorChan <- fmt.Errorf("request failed: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			errorChan <- &APIError{Provider: ProviderAnthropic, Status: resp.StatusCode, Message: friendlyAPIMessage(respBody)}
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		acc := NewToolCallAccumulator()
		indexIDs := make(map[int]string)
		promptTokens := -1
		completionTokens := -1
		usageSent := false
		stopReason := ""

		scanDone := make(chan struct{})
		scanErrChan := make(chan error, 1)

		emit := func(ev StreamEvent) bool {
			select {
			case eventChan <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		go func() {
			defer close(scanDone)
			for scanner.Scan() {
				line := scanner.Text()
				if !strings.HasPrefix(line, "data:") {
					continue
				}
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if data == "" {
					continue
				}

				var evt anthropicStreamEvent
				if err := json.Unmarshal([]byte(data), &evt); err != nil {
					continue
				}
				if evt.Error != nil {
					scanErrChan <- &APIError{Provider: ProviderAnthropic, Status: resp.StatusCode, Message: evt.Error.Message}
					return
				}

				switch evt.Type {
				case "message_start":
					if evt.Message != nil {
						promptTokens = evt.Message.Usage.InputTokens
					}
				case "content_block_start":
					if evt.ContentBlock != nil && evt.ContentBlock.Type == "tool_use" {
						id := evt.ContentBlock.ID
						if id == "" {
							id = fmt.Sprintf("call_%d", evt.Index)
						}
						indexIDs[evt.Index] = id
						acc.AddDelta(id, evt.ContentBlock.Name, "")
						if !emit(StreamEvent{Kind: EventToolCallStart, ID: id, Name: evt.ContentBlock.Name}) {
							return
						}
					}
				case "content_block_delta":
					if evt.Delta == nil {
						continue
					}
					switch evt.Delta.Type {
					case "text_delta":
						if evt.Delta.Text != "" {
							if !emit(StreamEvent{Kind: EventTextDelta, Text: evt.Delta.Text}) {
								return
							}
						}
					case "input_json_delta":
						if id, ok := indexIDs[evt.Index]; ok && evt.Delta.PartialJSON != "" {
							acc.AddDelta(id, "", evt.Delta.PartialJSON)
							if !emit(StreamEvent{Kind: EventToolCallDelta, ID: id, Fragment: evt.Delta.PartialJSON}) {
								return
							}
						}
					}
				case "message_delta":
					if evt.Delta != nil && evt.Delta.StopReason != "" {
						stopReason = evt.Delta.StopReason
					}
					if evt.Usage != nil {
						completionTokens = evt.Usage.OutputTokens
					}
				case "message_stop":
					return
				}
			}
			if err := scanner.Err(); err != nil {
				scanErrChan <- err
			}
		}()

		select {
		case <-scanDone:
			select {
			case err := <-scanErrChan:
				logging.ProviderError("[Anthropic] StreamWithTools: stream error after %v: %v", time.Since(start), err)
				errorChan <- fmt.Errorf("stream error: %w", err)
				return
			default:
			}
		case <-ctx.Done():
			resp.Body.Close()
			<-scanDone
			logging.ProviderWarn("[Anthropic] StreamWithTools: cancelled after %v", time.Since(start))
			errorChan <- ctx.Err()
			return
		}

		for _, call := range acc.CompletedCalls() {
			call := call
			eventChan <- StreamEvent{Kind: EventToolCallComplete, Call: &call}
		}
		if promptTokens >= 0 && completionTokens >= 0 && !usageSent {
			u := &UsageMetadata{
				PromptTokens:     promptTokens,
				CompletionTokens: completionTokens,
				TotalTokens:      promptTokens + completionTokens,
			}
			eventChan <- StreamEvent{Kind: EventUsage, Usage: u}
			usageSent = true
			if tracker := usage.FromContext(ctx); tracker != nil {
				tracker.Track(ctx, model, string(ProviderAnthropic), u.PromptTokens, u.CompletionTokens, req.RequestType)
			}
		}
		eventChan <- StreamEvent{Kind: EventDone, StopReason: stopReason}
		logging.Provider("[Anthropic] StreamWithTools: completed in %v tool_calls=%d", time.Since(start), acc.Len())
	}()

	return eventChan, errorChan
}

func (c *AnthropicClient) resolveModel(override string) string {
	if override != "" {
		return override
	}
	return c.model
}

// shapeTokensAndThinking applies max_tokens and the thinking budget. With
// thinking enabled, max_tokens is raised to at least budget+1000 so the
// visible answer has room after the hidden reasoning, and temperature is
// pinned to 1 as the API requires.
func (c *AnthropicClient) shapeTokensAndThinking(body *anthropicRequest, maxTokens int, effort ReasoningEffort, temperature float64) {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	body.MaxTokens = maxTokens

	if effort == EffortNone {
		effort = c.effort
	}
	if budget := thinkingBudget(effort); budget > 0 {
		body.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: budget}
		if body.MaxTokens < budget+1000 {
			body.MaxTokens = budget + 1000
		}
		one := 1.0
		body.Temperature = &one
	} else if temperature > 0 {
		t := temperature
		body.Temperature = &t
	}
}

func (c *AnthropicClient) setHeaders(req *http.Request, thinking bool) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	if thinking {
		req.Header.Set("anthropic-beta", anthropicThinkingBeta)
	}
}

func (c *AnthropicClient) post(ctx context.Context, body anthropicRequest) (*anthropicResponse, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, body.Thinking != nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		logging.ProviderError("[Anthropic] API returned status %d", resp.StatusCode)
		return nil, &APIError{Provider: ProviderAnthropic, Status: resp.StatusCode, Message: friendlyAPIMessage(respBody)}
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &EmptyResponseError{Provider: ProviderAnthropic}
	}
	if parsed.Error != nil {
		return nil, &APIError{Provider: ProviderAnthropic, Status: resp.StatusCode, Message: parsed.Error.Message}
	}
	return &parsed, nil
}

// buildAnthropicMessages converts generic history to the messages-API shape.
// Tool results become tool_result content blocks inside a user message.
func buildAnthropicMessages(history []ChatMessage) []anthropicMessage {
	var messages []anthropicMessage
	for _, m := range history {
		switch m.Role {
		case "tool":
			messages = append(messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		case "assistant":
			if len(m.ToolCalls) == 0 {
				messages = append(messages, anthropicMessage{Role: "assistant", Content: m.Content})
				continue
			}
			var blocks []anthropicContentBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropicContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Args,
				})
			}
			messages = append(messages, anthropicMessage{Role: "assistant", Content: blocks})
		default:
			messages = append(messages, anthropicMessage{Role: "user", Content: m.Content})
		}
	}
	return messages
}

// mapToolsToAnthropic converts generic tool definitions to the messages-API
// tool shape.
func mapToolsToAnthropic(tools []ToolDefinition) []anthropicTool {
	result := make([]anthropicTool, len(tools))
	for i, t := range tools {
		result[i] = anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		}
	}
	return result
}
