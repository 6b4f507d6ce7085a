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

// OpenAIClient implements Client for the OpenAI chat-completions API.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	model      string
	effort     ReasoningEffort
	httpClient *http.Client
}

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Effort  ReasoningEffort
	Timeout time.Duration
}

// DefaultOpenAIConfig returns sensible defaults.
func DefaultOpenAIConfig(apiKey string) OpenAIConfig {
	return OpenAIConfig{
		APIKey:  apiKey,
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o-mini",
		Timeout: 120 * time.Second,
	}
}

// NewOpenAIClient creates a new OpenAI client with default config.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return NewOpenAIClientWithConfig(DefaultOpenAIConfig(apiKey))
}

// NewOpenAIClientWithConfig creates a new OpenAI client with custom config.
func NewOpenAIClientWithConfig(config OpenAIConfig) *OpenAIClient {
	return &OpenAIClient{
		apiKey:  config.APIKey,
		baseURL: config.BaseURL,
		model:   config.Model,
		effort:  config.Effort,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// openAIMessage is one wire-format message.
type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description,omitempty"`
		Parameters  map[string]interface{} `json:"parameters,omitempty"`
	} `json:"function"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// openAIRequest is the chat-completions request body. Reasoning-capable
// models use MaxCompletionTokens instead of MaxTokens and require
// Temperature pinned to 1; ReasoningEffort maps to the discrete effort knob.
type openAIRequest struct {
	Model               string               `json:"model"`
	Messages            []openAIMessage      `json:"messages"`
	MaxTokens           int                  `json:"max_tokens,omitempty"`
	MaxCompletionTokens int                  `json:"max_completion_tokens,omitempty"`
	Temperature         *float64             `json:"temperature,omitempty"`
	ReasoningEffort     string               `json:"reasoning_effort,omitempty"`
	Stream              bool                 `json:"stream,omitempty"`
	StreamOptions       *openAIStreamOptions `json:"stream_options,omitempty"`
	Tools               []openAITool         `json:"tools,omitempty"`
	ToolChoice          string               `json:"tool_choice,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role      string           `json:"role"`
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		Delta *struct {
			Role      string           `json:"role,omitempty"`
			Content   string           `json:"content,omitempty"`
			ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
		} `json:"delta,omitempty"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// isReasoningModel reports whether the model uses the reasoning request
// shape (pinned temperature, max_completion_tokens, effort knob).
func isReasoningModel(model string) bool {
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// ProviderName returns ProviderOpenAI.
func (c *OpenAIClient) ProviderName() Provider { return ProviderOpenAI }

// Model returns the current model.
func (c *OpenAIClient) Model() string { return c.model }

// SetModel changes the model used for completions.
func (c *OpenAIClient) SetModel(model string) { c.model = model }

// Complete sends a prompt and returns the completion text.
func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	result, err := c.CompleteWithUsage(ctx, req)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// CompleteWithUsage sends a prompt and returns the completion with token
// accounting. Missing usage is filled from the local estimator.
func (c *OpenAIClient) CompleteWithUsage(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	if c.apiKey == "" {
		return nil, &MissingCredentialError{Provider: ProviderOpenAI}
	}

	ctx, cancel := withTimeout(ctx, req.Timeout, c.httpClient.Timeout)
	defer cancel()

	start := time.Now()
	model := c.resolveModel(req.Model)
	logging.ProviderDebug("[OpenAI] Complete: model=%s system_len=%d user_len=%d type=%s",
		model, len(req.SystemPrompt), len(req.UserPrompt), req.RequestType)

	body := c.shapeRequest(model, req)
	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		logging.ProviderError("[OpenAI] Complete: no completion returned")
		return nil, &EmptyResponseError{Provider: ProviderOpenAI}
	}

	result := &CompletionResult{
		Content: strings.TrimSpace(resp.Choices[0].Message.Content),
	}
	if resp.Usage != nil {
		result.PromptTokens = resp.Usage.PromptTokens
		result.CompletionTokens = resp.Usage.CompletionTokens
	} else {
		result.PromptTokens = EstimateTokens(req.SystemPrompt + req.UserPrompt)
		result.CompletionTokens = EstimateTokens(result.Content)
		result.Estimated = true
	}

	if tracker := usage.FromContext(ctx); tracker != nil {
		tracker.Track(ctx, model, string(ProviderOpenAI), result.PromptTokens, result.CompletionTokens, req.RequestType)
	}

	logging.Provider("[OpenAI] Complete: completed in %v response_len=%d estimated=%v",
		time.Since(start), len(result.Content), result.Estimated)
	return result, nil
}

// CompleteWithTools sends a tool-enabled completion.
func (c *OpenAIClient) CompleteWithTools(ctx context.Context, req ToolRequest) (*ToolResponse, error) {
	if c.apiKey == "" {
		return nil, &MissingCredentialError{Provider: ProviderOpenAI}
	}

	ctx, cancel := withTimeout(ctx, req.Timeout, c.httpClient.Timeout)
	defer cancel()

	model := c.resolveModel(req.Model)
	body := openAIRequest{
		Model:      model,
		Messages:   buildOpenAIMessages(req.SystemPrompt, req.History),
		Tools:      mapToolsToOpenAI(req.Tools),
		ToolChoice: "auto",
	}
	applyOpenAITokenLimit(&body, model, req.MaxTokens, EffortNone)

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, &EmptyResponseError{Provider: ProviderOpenAI}
	}

	choice := resp.Choices[0]
	result := &ToolResponse{
		Content:    strings.TrimSpace(choice.Message.Content),
		StopReason: choice.FinishReason,
	}
	for i, tc := range choice.Message.ToolCalls {
		args := map[string]interface{}{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]interface{}{}
			}
		}
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		result.ToolCalls = append(result.ToolCalls, ParsedToolCall{ID: id, Name: tc.Function.Name, Args: args})
	}
	if resp.Usage != nil {
		result.Usage = UsageMetadata{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	if tracker := usage.FromContext(ctx); tracker != nil {
		tracker.Track(ctx, model, string(ProviderOpenAI), result.Usage.PromptTokens, result.Usage.CompletionTokens, req.RequestType)
	}
	return result, nil
}

// StreamWithTools sends a tool-enabled completion and delivers events
// incrementally. Tool-call deltas arrive indexed by position with
// fragmentary name/argument text; completed calls are emitted when the
// stream finishes.
func (c *OpenAIClient) StreamWithTools(ctx context.Context, req ToolRequest) (<-chan StreamEvent, <-chan error) {
	eventChan := make(chan StreamEvent, 100)
	errorChan := make(chan error, 1)

	go func() {
		defer close(eventChan)
		defer close(errorChan)

		if c.apiKey == "" {
			errorChan <- &MissingCredentialError{Provider: ProviderOpenAI}
			return
		}

		ctx, cancel := withTimeout(ctx, req.Timeout, c.httpClient.Timeout)
		defer cancel()

		start := time.Now()
		model := c.resolveModel(req.Model)
		body := openAIRequest{
			Model:         model,
			Messages:      buildOpenAIMessages(req.SystemPrompt, req.History),
			Tools:         mapToolsToOpenAI(req.Tools),
			ToolChoice:    "auto",
			Stream:        true,
			StreamOptions: &openAIStreamOptions{IncludeUsage: true},
		}
		applyOpenAITokenLimit(&body, model, req.MaxTokens, EffortNone)

		jsonData, err := json.Marshal(body)
		if err != nil {
			errorChan <- fmt.Errorf("failed to marshal request: %w", err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			errorChan <- fmt.Errorf("failed to create request: %w", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			errorChan <- fmt.Errorf("request failed: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			errorChan <- &APIError{Provider: ProviderOpenAI, Status: resp.StatusCode, Message: friendlyAPIMessage(respBody)}
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		acc := NewToolCallAccumulator()
		// index -> synthesized id for backends that omit per-delta ids
		indexIDs := make(map[int]string)
		var streamUsage *UsageMetadata
		stopReason := ""

		scanDone := make(chan struct{})
		scanErrChan := make(chan error, 1)

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
				if data == "[DONE]" {
					return
				}

				var chunk openAIResponse
				if err := json.Unmarshal([]byte(data), &chunk); err != nil {
					continue // Skip malformed chunks
				}
				if chunk.Error != nil {
					scanErrChan <- &APIError{Provider: ProviderOpenAI, Status: resp.StatusCode, Message: chunk.Error.Message}
					return
				}
				if chunk.Usage != nil {
					streamUsage = &UsageMetadata{
						PromptTokens:     chunk.Usage.PromptTokens,
						CompletionTokens: chunk.Usage.CompletionTokens,
						TotalTokens:      chunk.Usage.TotalTokens,
					}
				}
				if len(chunk.Choices) == 0 {
					continue
				}
				choice := chunk.Choices[0]
				if choice.FinishReason != "" {
					stopReason = choice.FinishReason
				}
				if choice.Delta == nil {
					continue
				}
				if choice.Delta.Content != "" {
					select {
					case eventChan <- StreamEvent{Kind: EventTextDelta, Text: choice.Delta.Content}:
					case <-ctx.Done():
						return
					}
				}
				for _, tc := range choice.Delta.ToolCalls {
					id, known := indexIDs[tc.Index]
					if !known {
						id = tc.ID
						if id == "" {
							id = fmt.Sprintf("call_%d", tc.Index)
						}
						indexIDs[tc.Index] = id
					}
					first := tc.Function.Name != "" && !acc.Has(id)
					acc.AddDelta(id, tc.Function.Name, tc.Function.Arguments)
					if first {
						select {
						case eventChan <- StreamEvent{Kind: EventToolCallStart, ID: id, Name: tc.Function.Name}:
						case <-ctx.Done():
							return
						}
					}
					if tc.Function.Arguments != "" {
						select {
						case eventChan <- StreamEvent{Kind: EventToolCallDelta, ID: id, Fragment: tc.Function.Arguments}:
						case <-ctx.Done():
							return
						}
					}
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
				logging.ProviderError("[OpenAI] StreamWithTools: stream error after %v: %v", time.Since(start), err)
				errorChan <- fmt.Errorf("stream error: %w", err)
				return
			default:
			}
		case <-ctx.Done():
			resp.Body.Close()
			<-scanDone
			logging.ProviderWarn("[OpenAI] StreamWithTools: cancelled after %v", time.Since(start))
			errorChan <- ctx.Err()
			return
		}

		for _, call := range acc.CompletedCalls() {
			call := call
			eventChan <- StreamEvent{Kind: EventToolCallComplete, Call: &call}
		}
		if streamUsage != nil {
			eventChan <- StreamEvent{Kind: EventUsage, Usage: streamUsage}
			if tracker := usage.FromContext(ctx); tracker != nil {
				tracker.Track(ctx, model, string(ProviderOpenAI), streamUsage.PromptTokens, streamUsage.CompletionTokens, req.RequestType)
			}
		}
		eventChan <- StreamEvent{Kind: EventDone, StopReason: stopReason}
		logging.Provider("[OpenAI] StreamWithTools: completed in %v tool_calls=%d", time.Since(start), acc.Len())
	}()

	return eventChan, errorChan
}

func (c *OpenAIClient) resolveModel(override string) string {
	if override != "" {
		return override
	}
	return c.model
}

// shapeRequest builds the wire body for a plain completion, honoring the
// reasoning-model request shape.
func (c *OpenAIClient) shapeRequest(model string, req CompletionRequest) openAIRequest {
	messages := []openAIMessage{}
	if req.SystemPrompt != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: req.UserPrompt})

	body := openAIRequest{Model: model, Messages: messages}

	effort := req.Effort
	if effort == EffortNone {
		effort = c.effort
	}
	applyOpenAITokenLimit(&body, model, req.MaxTokens, effort)

	if !isReasoningModel(model) {
		t := req.Temperature
		body.Temperature = &t
	}
	return body
}

// applyOpenAITokenLimit sets the correct max-token field for the model
// family and pins temperature for reasoning models.
func applyOpenAITokenLimit(body *openAIRequest, model string, maxTokens int, effort ReasoningEffort) {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	if isReasoningModel(model) {
		body.MaxCompletionTokens = maxTokens
		one := 1.0
		body.Temperature = &one
		if effort != EffortNone {
			body.ReasoningEffort = string(effort)
		}
	} else {
		body.MaxTokens = maxTokens
	}
}

func (c *OpenAIClient) post(ctx context.Context, body openAIRequest) (*openAIResponse, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

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
		logging.ProviderError("[OpenAI] API returned status %d", resp.StatusCode)
		return nil, &APIError{Provider: ProviderOpenAI, Status: resp.StatusCode, Message: friendlyAPIMessage(respBody)}
	}

	var parsed openAIResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &EmptyResponseError{Provider: ProviderOpenAI}
	}
	if parsed.Error != nil {
		return nil, &APIError{Provider: ProviderOpenAI, Status: resp.StatusCode, Message: parsed.Error.Message}
	}
	return &parsed, nil
}

// buildOpenAIMessages converts generic history to the wire message list.
// Tool results become role "tool" messages carrying the call id they answer.
func buildOpenAIMessages(systemPrompt string, history []ChatMessage) []openAIMessage {
	messages := []openAIMessage{}
	if systemPrompt != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: systemPrompt})
	}
	for _, m := range history {
		switch m.Role {
		case "tool":
			messages = append(messages, openAIMessage{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		case "assistant":
			msg := openAIMessage{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				wire := openAIToolCall{ID: tc.ID, Type: "function"}
				wire.Function.Name = tc.Name
				if args, err := json.Marshal(tc.Args); err == nil {
					wire.Function.Arguments = string(args)
				}
				msg.ToolCalls = append(msg.ToolCalls, wire)
			}
			messages = append(messages, msg)
		default:
			messages = append(messages, openAIMessage{Role: "user", Content: m.Content})
		}
	}
	return messages
}

// mapToolsToOpenAI converts generic tool definitions to the flat tool array.
func mapToolsToOpenAI(tools []ToolDefinition) []openAITool {
	result := make([]openAITool, len(tools))
	for i, t := range tools {
		result[i].Type = "function"
		result[i].Function.Name = t.Name
		result[i].Function.Description = t.Description
		result[i].Function.Parameters = t.Parameters
	}
	return result
}
