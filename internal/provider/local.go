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

// LocalClient implements Client for local inference servers that expose an
// OpenAI-compatible endpoint (Ollama, llama.cpp server, LM Studio). No
// credential is required; responses are parsed as the OpenAI shape first,
// falling back to the native Ollama shape.
type LocalClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// LocalConfig holds configuration for the local client.
type LocalConfig struct {
	// BaseURL is the server root; a trailing /v1 is normalized away, so
	// both http://localhost:11434 and http://localhost:11434/v1 work.
	BaseURL string
	Model   string
	Timeout time.Duration
}

// DefaultLocalConfig returns sensible defaults for a local Ollama server.
func DefaultLocalConfig() LocalConfig {
	return LocalConfig{
		BaseURL: "http://localhost:11434",
		Model:   "llama3.2",
		Timeout: 120 * time.Second,
	}
}

// NewLocalClient creates a new local client with default config.
func NewLocalClient() *LocalClient {
	return NewLocalClientWithConfig(DefaultLocalConfig())
}

// NewLocalClientWithConfig creates a new local client with custom config.
func NewLocalClientWithConfig(config LocalConfig) *LocalClient {
	base := strings.TrimSuffix(config.BaseURL, "/")
	base = strings.TrimSuffix(base, "/v1")
	return &LocalClient{
		baseURL: base,
		model:   config.Model,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// localNativeResponse is the Ollama-native response shape, probed when the
// body does not parse as the OpenAI shape.
type localNativeResponse struct {
	Message *struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message,omitempty"`
	Response        string `json:"response,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	Done            bool   `json:"done,omitempty"`
}

// ProviderName returns ProviderLocal.
func (c *LocalClient) ProviderName() Provider { return ProviderLocal }

// Model returns the current model.
func (c *LocalClient) Model() string { return c.model }

// SetModel changes the model used for completions.
func (c *LocalClient) SetModel(model string) { c.model = model }

// Complete sends a prompt and returns the completion text.
func (c *LocalClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	result, err := c.CompleteWithUsage(ctx, req)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// CompleteWithUsage sends a prompt and returns the completion with token
// accounting. Local servers often omit usage entirely, in which case the
// local estimator fills the gap.
func (c *LocalClient) CompleteWithUsage(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	ctx, cancel := withTimeout(ctx, req.Timeout, c.httpClient.Timeout)
	defer cancel()

	start := time.Now()
	model := c.resolveModel(req.Model)
	logging.ProviderDebug("[Local] Complete: model=%s system_len=%d user_len=%d type=%s",
		model, len(req.SystemPrompt), len(req.UserPrompt), req.RequestType)

	messages := []openAIMessage{}
	if req.SystemPrompt != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: req.UserPrompt})

	body := openAIRequest{Model: model, Messages: messages}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}

	respBody, status, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		logging.ProviderError("[Local] API returned status %d", status)
		return nil, &APIError{Provider: ProviderLocal, Status: status, Message: friendlyAPIMessage(respBody)}
	}

	content, prompt, completion := parseLocalBody(respBody)
	if content == "" {
		logging.ProviderError("[Local] Complete: no completion returned")
		return nil, &EmptyResponseError{Provider: ProviderLocal}
	}

	result := &CompletionResult{
		Content:          content,
		PromptTokens:     prompt,
		CompletionTokens: completion,
	}
	if prompt == 0 && completion == 0 {
		result.PromptTokens = EstimateTokens(req.SystemPrompt + req.UserPrompt)
		result.CompletionTokens = EstimateTokens(content)
		result.Estimated = true
	}

	if tracker := usage.FromContext(ctx); tracker != nil {
		tracker.Track(ctx, model, string(ProviderLocal), result.PromptTokens, result.CompletionTokens, req.RequestType)
	}

	logging.Provider("[Local] Complete: completed in %v response_len=%d estimated=%v",
		time.Since(start), len(content), result.Estimated)
	return result, nil
}

// CompleteWithTools sends a tool-enabled completion. Models without tool
// support surface as ToolsNotSupportedError so callers can fall back to
// plain completion.
func (c *LocalClient) CompleteWithTools(ctx context.Context, req ToolRequest) (*ToolResponse, error) {
	ctx, cancel := withTimeout(ctx, req.Timeout, c.httpClient.Timeout)
	defer cancel()

	model := c.resolveModel(req.Model)
	body := openAIRequest{
		Model:    model,
		Messages: buildOpenAIMessages(req.SystemPrompt, req.History),
		Tools:    mapToolsToOpenAI(req.Tools),
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}

	respBody, status, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	if err := c.checkToolRejection(status, respBody, model); err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		logging.ProviderError("[Local] API returned status %d", status)
		return nil, &APIError{Provider: ProviderLocal, Status: status, Message: friendlyAPIMessage(respBody)}
	}

	var parsed openAIResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil || len(parsed.Choices) == 0 {
		// Native shape carries no tool calls; surface it as plain content.
		content, prompt, completion := parseLocalBody(respBody)
		if content == "" {
			return nil, &EmptyResponseError{Provider: ProviderLocal}
		}
		return &ToolResponse{
			Content: content,
			Usage: UsageMetadata{
				PromptTokens:     prompt,
				CompletionTokens: completion,
				TotalTokens:      prompt + completion,
			},
		}, nil
	}

	choice := parsed.Choices[0]
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
	if parsed.Usage != nil {
		result.Usage = UsageMetadata{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}
	}
	if result.Usage.TotalTokens == 0 {
		result.Usage.PromptTokens = EstimateTokens(req.SystemPrompt)
		result.Usage.CompletionTokens = EstimateTokens(result.Content)
		result.Usage.TotalTokens = result.Usage.PromptTokens + result.Usage.CompletionTokens
		result.Usage.Estimated = true
	}

	if tracker := usage.FromContext(ctx); tracker != nil {
		tracker.Track(ctx, model, string(ProviderLocal), result.Usage.PromptTokens, result.Usage.CompletionTokens, req.RequestType)
	}
	return result, nil
}

// StreamWithTools streams a tool-enabled completion over the
// OpenAI-compatible SSE endpoint.
func (c *LocalClient) StreamWithTools(ctx context.Context, req ToolRequest) (<-chan StreamEvent, <-chan error) {
	eventChan := make(chan StreamEvent, 100)
	errorChan := make(chan error, 1)

	go func() {
		defer close(eventChan)
		defer close(errorChan)

		ctx, cancel := withTimeout(ctx, req.Timeout, c.httpClient.Timeout)
		defer cancel()

		start := time.Now()
		model := c.resolveModel(req.Model)
		body := openAIRequest{
			Model:    model,
			Messages: buildOpenAIMessages(req.SystemPrompt, req.History),
			Tools:    mapToolsToOpenAI(req.Tools),
			Stream:   true,
		}
		if req.MaxTokens > 0 {
			body.MaxTokens = req.MaxTokens
		}

		jsonData, err := json.Marshal(body)
		if err != nil {
			errorChan <- fmt.Errorf("failed to marshal request: %w", err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.endpoint(), bytes.NewReader(jsonData))
		if err != nil {
			errorChan <- fmt.Errorf("failed to create request: %w", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			errorChan <- fmt.Errorf("request failed: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			if err := c.checkToolRejection(resp.StatusCode, respBody, model); err != nil {
				errorChan <- err
				return
			}
			errorChan <- &APIError{Provider: ProviderLocal, Status: resp.StatusCode, Message: friendlyAPIMessage(respBody)}
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		acc := NewToolCallAccumulator()
		indexIDs := make(map[int]string)
		var streamUsage *UsageMetadata
		stopReason := ""
		var textBuf strings.Builder

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
				if data == "" || data == "[DONE]" {
					if data == "[DONE]" {
						return
					}
					continue
				}

				var chunk openAIResponse
				if err := json.Unmarshal([]byte(data), &chunk); err != nil {
					continue
				}
				if chunk.Error != nil {
					scanErrChan <- &APIError{Provider: ProviderLocal, Status: resp.StatusCode, Message: chunk.Error.Message}
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
					textBuf.WriteString(choice.Delta.Content)
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
				logging.ProviderError("[Local] StreamWithTools: stream error after %v: %v", time.Since(start), err)
				errorChan <- fmt.Errorf("stream error: %w", err)
				return
			default:
			}
		case <-ctx.Done():
			resp.Body.Close()
			<-scanDone
			logging.ProviderWarn("[Local] StreamWithTools: cancelled after %v", time.Since(start))
			errorChan <- ctx.Err()
			return
		}

		for _, call := range acc.CompletedCalls() {
			call := call
			eventChan <- StreamEvent{Kind: EventToolCallComplete, Call: &call}
		}
		if streamUsage == nil {
			streamUsage = &UsageMetadata{
				PromptTokens:     EstimateTokens(req.SystemPrompt),
				CompletionTokens: EstimateTokens(textBuf.String()),
				Estimated:        true,
			}
			streamUsage.TotalTokens = streamUsage.PromptTokens + streamUsage.CompletionTokens
		}
		eventChan <- StreamEvent{Kind: EventUsage, Usage: streamUsage}
		if tracker := usage.FromContext(ctx); tracker != nil {
			tracker.Track(ctx, model, string(ProviderLocal), streamUsage.PromptTokens, streamUsage.CompletionTokens, req.RequestType)
		}
		eventChan <- StreamEvent{Kind: EventDone, StopReason: stopReason}
		logging.Provider("[Local] StreamWithTools: completed in %v tool_calls=%d", time.Since(start), acc.Len())
	}()

	return eventChan, errorChan
}

func (c *LocalClient) endpoint() string {
	return c.baseURL + "/v1/chat/completions"
}

func (c *LocalClient) resolveModel(override string) string {
	if override != "" {
		return override
	}
	return c.model
}

// checkToolRejection detects a 400/422 whose body complains about tools,
// the signature of a model without tool-calling support.
func (c *LocalClient) checkToolRejection(status int, body []byte, model string) error {
	if status != http.StatusBadRequest && status != http.StatusUnprocessableEntity {
		return nil
	}
	lower := strings.ToLower(string(body))
	if strings.Contains(lower, "tool") || strings.Contains(lower, "function") {
		logging.ProviderWarn("[Local] model %s rejected tool definitions", model)
		return &ToolsNotSupportedError{Model: model}
	}
	return nil
}

func (c *LocalClient) post(ctx context.Context, body openAIRequest) ([]byte, int, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint(), bytes.NewReader(jsonData))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

// parseLocalBody extracts completion text and any eval counts, probing the
// OpenAI shape first and the native Ollama shape second.
func parseLocalBody(body []byte) (content string, prompt, completion int) {
	var oa openAIResponse
	if err := json.Unmarshal(body, &oa); err == nil && len(oa.Choices) > 0 {
		content = strings.TrimSpace(oa.Choices[0].Message.Content)
		if oa.Usage != nil {
			prompt = oa.Usage.PromptTokens
			completion = oa.Usage.CompletionTokens
		}
		if content != "" {
			return content, prompt, completion
		}
	}

	var native localNativeResponse
	if err := json.Unmarshal(body, &native); err == nil {
		if native.Message != nil && native.Message.Content != "" {
			content = strings.TrimSpace(native.Message.Content)
		} else if native.Response != "" {
			content = strings.TrimSpace(native.Response)
		}
		prompt = native.PromptEvalCount
		completion = native.EvalCount
	}
	return content, prompt, completion
}
