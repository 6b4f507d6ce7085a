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

// GeminiClient implements Client for the Gemini generateContent API.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// DefaultGeminiConfig returns sensible defaults.
func DefaultGeminiConfig(apiKey string) GeminiConfig {
	return GeminiConfig{
		APIKey:  apiKey,
		BaseURL: "https://generativelanguage.googleapis.com/v1beta",
		Model:   "gemini-2.0-flash",
		Timeout: 120 * time.Second,
	}
}

// NewGeminiClient creates a new Gemini client with default config.
func NewGeminiClient(apiKey string) *GeminiClient {
	return NewGeminiClientWithConfig(DefaultGeminiConfig(apiKey))
}

// NewGeminiClientWithConfig creates a new Gemini client with custom config.
func NewGeminiClientWithConfig(config GeminiConfig) *GeminiClient {
	return &GeminiClient{
		apiKey:  config.APIKey,
		baseURL: config.BaseURL,
		model:   config.Model,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// geminiPart is one part of a content turn: text, a whole function call, or
// a function response. Gemini never fragments function calls across chunks.
type geminiPart struct {
	Text         string                  `json:"text,omitempty"`
	FunctionCall *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResp *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiFunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// geminiToolWrapper is the extra nesting level the API requires around
// function declarations.
type geminiToolWrapper struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	Tools             []geminiToolWrapper     `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	Error         *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// ProviderName returns ProviderGemini.
func (c *GeminiClient) ProviderName() Provider { return ProviderGemini }

// Model returns the current model.
func (c *GeminiClient) Model() string { return c.model }

// SetModel changes the model used for completions.
func (c *GeminiClient) SetModel(model string) { c.model = model }

func (c *GeminiClient) endpoint(model, verb string) string {
	return fmt.Sprintf("%s/models/%s:%s?key=%s", c.baseURL, model, verb, c.apiKey)
}

// Complete sends a prompt and returns the completion text.
func (c *GeminiClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	result, err := c.CompleteWithUsage(ctx, req)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// CompleteWithUsage sends a prompt and returns the completion with token
// accounting.
func (c *GeminiClient) CompleteWithUsage(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	if c.apiKey == "" {
		return nil, &MissingCredentialError{Provider: ProviderGemini}
	}

	ctx, cancel := withTimeout(ctx, req.Timeout, c.httpClient.Timeout)
	defer cancel()

	start := time.Now()
	model := c.resolveModel(req.Model)
	logging.ProviderDebug("[Gemini] Complete: model=%s system_len=%d user_len=%d type=%s",
		model, len(req.SystemPrompt), len(req.UserPrompt), req.RequestType)

	body := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.UserPrompt}}},
		},
	}
	if req.SystemPrompt != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		cfg := &geminiGenerationConfig{MaxOutputTokens: req.MaxTokens}
		if req.Temperature > 0 {
			t := req.Temperature
			cfg.Temperature = &t
		}
		body.GenerationConfig = cfg
	}

	resp, err := c.post(ctx, c.endpoint(model, "generateContent"), body)
	if err != nil {
		return nil, err
	}

	content := strings.TrimSpace(collectGeminiText(resp))
	if content == "" {
		logging.ProviderError("[Gemini] Complete: no completion returned")
		return nil, &EmptyResponseError{Provider: ProviderGemini}
	}

	result := &CompletionResult{Content: content}
	if resp.UsageMetadata != nil {
		result.PromptTokens = resp.UsageMetadata.PromptTokenCount
		result.CompletionTokens = resp.UsageMetadata.CandidatesTokenCount
	} else {
		result.PromptTokens = EstimateTokens(req.SystemPrompt + req.UserPrompt)
		result.CompletionTokens = EstimateTokens(content)
		result.Estimated = true
	}

	if tracker := usage.FromContext(ctx); tracker != nil {
		tracker.Track(ctx, model, string(ProviderGemini), result.PromptTokens, result.CompletionTokens, req.RequestType)
	}

	logging.Provider("[Gemini] Complete: completed in %v response_len=%d", time.Since(start), len(content))
	return result, nil
}

// CompleteWithTools sends a tool-enabled completion. Gemini returns whole
// function calls, never fragments; call ids are synthesized from position.
func (c *GeminiClient) CompleteWithTools(ctx context.Context, req ToolRequest) (*ToolResponse, error) {
	if c.apiKey == "" {
		return nil, &MissingCredentialError{Provider: ProviderGemini}
	}

	ctx, cancel := withTimeout(ctx, req.Timeout, c.httpClient.Timeout)
	defer cancel()

	model := c.resolveModel(req.Model)
	body := geminiRequest{
		Contents: buildGeminiContents(req.History),
		Tools:    mapToolsToGemini(req.Tools),
	}
	if req.SystemPrompt != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}
	if req.MaxTokens > 0 {
		body.GenerationConfig = &geminiGenerationConfig{MaxOutputTokens: req.MaxTokens}
	}

	resp, err := c.post(ctx, c.endpoint(model, "generateContent"), body)
	if err != nil {
		return nil, err
	}

	result := &ToolResponse{}
	var text strings.Builder
	callIdx := 0
	for _, cand := range resp.Candidates {
		if result.StopReason == "" {
			result.StopReason = cand.FinishReason
		}
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				args := part.FunctionCall.Args
				if args == nil {
					args = map[string]interface{}{}
				}
				result.ToolCalls = append(result.ToolCalls, ParsedToolCall{
					ID:   fmt.Sprintf("call_%d", callIdx),
					Name: part.FunctionCall.Name,
					Args: args,
				})
				callIdx++
			}
		}
	}
	result.Content = strings.TrimSpace(text.String())

	if resp.UsageMetadata != nil {
		result.Usage = UsageMetadata{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}

	if tracker := usage.FromContext(ctx); tracker != nil {
		tracker.Track(ctx, model, string(ProviderGemini), result.Usage.PromptTokens, result.Usage.CompletionTokens, req.RequestType)
	}
	return result, nil
}

// StreamWithTools streams a tool-enabled completion. Each SSE data line is a
// complete response chunk; function calls arrive whole, so each one yields a
// synthesized start event immediately followed by its complete event.
func (c *GeminiClient) StreamWithTools(ctx context.Context, req ToolRequest) (<-chan StreamEvent, <-chan error) {
	eventChan := make(chan StreamEvent, 100)
	errorChan := make(chan error, 1)

	go func() {
		defer close(eventChan)
		defer close(errorChan)

		if c.apiKey == "" {
			errorChan <- &MissingCredentialError{Provider: ProviderGemini}
			return
		}

		ctx, cancel := withTimeout(ctx, req.Timeout, c.httpClient.Timeout)
		defer cancel()

		start := time.Now()
		model := c.resolveModel(req.Model)
		body := geminiRequest{
			Contents: buildGeminiContents(req.History),
			Tools:    mapToolsToGemini(req.Tools),
		}
		if req.SystemPrompt != "" {
			body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
		}
		if req.MaxTokens > 0 {
			body.GenerationConfig = &geminiGenerationConfig{MaxOutputTokens: req.MaxTokens}
		}

		jsonData, err := json.Marshal(body)
		if err != nil {
			errorChan <- fmt.Errorf("failed to marshal request: %w", err)
			return
		}

		url := c.endpoint(model, "streamGenerateContent") + "&alt=sse"
		httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
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
			errorChan <- &APIError{Provider: ProviderGemini, Status: resp.StatusCode, Message: friendlyAPIMessage(respBody)}
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		callIdx := 0
		callCount := 0
		var lastUsage *geminiUsageMetadata
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

				var chunk geminiResponse
				if err := json.Unmarshal([]byte(data), &chunk); err != nil {
					continue
				}
				if chunk.Error != nil {
					scanErrChan <- &APIError{Provider: ProviderGemini, Status: chunk.Error.Code, Message: chunk.Error.Message}
					return
				}
				if chunk.UsageMetadata != nil {
					lastUsage = chunk.UsageMetadata
				}

				for _, cand := range chunk.Candidates {
					if cand.FinishReason != "" {
						stopReason = cand.FinishReason
					}
					for _, part := range cand.Content.Parts {
						if part.Text != "" {
							if !emit(StreamEvent{Kind: EventTextDelta, Text: part.Text}) {
								return
							}
						}
						if part.FunctionCall != nil {
							args := part.FunctionCall.Args
							if args == nil {
								args = map[string]interface{}{}
							}
							id := fmt.Sprintf("call_%d", callIdx)
							callIdx++
							callCount++
							if !emit(StreamEvent{Kind: EventToolCallStart, ID: id, Name: part.FunctionCall.Name}) {
								return
							}
							call := ParsedToolCall{ID: id, Name: part.FunctionCall.Name, Args: args}
							if !emit(StreamEvent{Kind: EventToolCallComplete, Call: &call}) {
								return
							}
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
				logging.ProviderError("[Gemini] StreamWithTools: stream error after %v: %v", time.Since(start), err)
				errorChan <- fmt.Errorf("stream error: %w", err)
				return
			default:
			}
		case <-ctx.Done():
			resp.Body.Close()
			<-scanDone
			logging.ProviderWarn("[Gemini] StreamWithTools: cancelled after %v", time.Since(start))
			errorChan <- ctx.Err()
			return
		}

		if lastUsage != nil {
			u := &UsageMetadata{
				PromptTokens:     lastUsage.PromptTokenCount,
				CompletionTokens: lastUsage.CandidatesTokenCount,
				TotalTokens:      lastUsage.TotalTokenCount,
			}
			eventChan <- StreamEvent{Kind: EventUsage, Usage: u}
			if tracker := usage.FromContext(ctx); tracker != nil {
				tracker.Track(ctx, model, string(ProviderGemini), u.PromptTokens, u.CompletionTokens, req.RequestType)
			}
		}
		eventChan <- StreamEvent{Kind: EventDone, StopReason: stopReason}
		logging.Provider("[Gemini] StreamWithTools: completed in %v tool_calls=%d", time.Since(start), callCount)
	}()

	return eventChan, errorChan
}

func (c *GeminiClient) resolveModel(override string) string {
	if override != "" {
		return override
	}
	return c.model
}

func (c *GeminiClient) post(ctx context.Context, url string, body geminiRequest) (*geminiResponse, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

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
		logging.ProviderError("[Gemini] API returned status %d", resp.StatusCode)
		return nil, &APIError{Provider: ProviderGemini, Status: resp.StatusCode, Message: friendlyAPIMessage(respBody)}
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &EmptyResponseError{Provider: ProviderGemini}
	}
	if parsed.Error != nil {
		return nil, &APIError{Provider: ProviderGemini, Status: resp.StatusCode, Message: parsed.Error.Message}
	}
	return &parsed, nil
}

func collectGeminiText(resp *geminiResponse) string {
	var text strings.Builder
	for _, cand := range resp.Candidates {
		for _, part := range cand.Content.Parts {
			text.WriteString(part.Text)
		}
	}
	return text.String()
}

// buildGeminiContents converts generic history to the contents shape.
// Assistant turns use the "model" role; tool results become functionResponse
// parts inside a user turn.
func buildGeminiContents(history []ChatMessage) []geminiContent {
	var contents []geminiContent
	for _, m := range history {
		switch m.Role {
		case "tool":
			contents = append(contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResp: &geminiFunctionResponse{
						Name:     m.ToolName,
						Response: map[string]interface{}{"result": m.Content},
					},
				}},
			})
		case "assistant":
			var parts []geminiPart
			if m.Content != "" {
				parts = append(parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, geminiPart{
					FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: tc.Args},
				})
			}
			if len(parts) == 0 {
				parts = []geminiPart{{Text: ""}}
			}
			contents = append(contents, geminiContent{Role: "model", Parts: parts})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	return contents
}

// mapToolsToGemini wraps generic definitions in the functionDeclarations
// nesting the API expects.
func mapToolsToGemini(tools []ToolDefinition) []geminiToolWrapper {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]geminiFunctionDeclaration, len(tools))
	for i, t := range tools {
		decls[i] = geminiFunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return []geminiToolWrapper{{FunctionDeclarations: decls}}
}
