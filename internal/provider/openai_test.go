package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestOpenAIClient(url string) *OpenAIClient {
	cfg := DefaultOpenAIConfig("test-key")
	cfg.BaseURL = url
	cfg.Timeout = 5 * time.Second
	return NewOpenAIClientWithConfig(cfg)
}

func TestOpenAIMissingCredential(t *testing.T) {
	client := NewOpenAIClient("")
	_, err := client.Complete(context.Background(), CompletionRequest{UserPrompt: "hi"})

	var missing *MissingCredentialError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingCredentialError, got %v", err)
	}
	if missing.Provider != ProviderOpenAI {
		t.Errorf("expected openai provider in error, got %s", missing.Provider)
	}
}

func TestOpenAICompleteWithUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ls -la"}}],"usage":{"prompt_tokens":10,"completion_tokens":3,"total_tokens":13}}`)
	}))
	defer server.Close()

	client := newTestOpenAIClient(server.URL)
	result, err := client.CompleteWithUsage(context.Background(), CompletionRequest{
		SystemPrompt: "sys", UserPrompt: "list files",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "ls -la" {
		t.Errorf("unexpected content %q", result.Content)
	}
	if result.Estimated {
		t.Error("expected backend usage, not estimates")
	}
	if result.TotalTokens() != 13 {
		t.Errorf("expected 13 total tokens, got %d", result.TotalTokens())
	}
}

func TestOpenAIEstimatesMissingUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"pwd"}}]}`)
	}))
	defer server.Close()

	client := newTestOpenAIClient(server.URL)
	result, err := client.CompleteWithUsage(context.Background(), CompletionRequest{UserPrompt: "where am i"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Estimated {
		t.Error("expected Estimated=true when usage is omitted")
	}
	if result.PromptTokens < 0 || result.CompletionTokens < 0 {
		t.Errorf("estimates must be non-negative: %d/%d", result.PromptTokens, result.CompletionTokens)
	}
	if result.PromptTokens+result.CompletionTokens != result.TotalTokens() {
		t.Error("prompt+completion must equal total")
	}
}

func TestOpenAIReasoningModelRequestShape(t *testing.T) {
	var captured openAIRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer server.Close()

	client := newTestOpenAIClient(server.URL)
	_, err := client.Complete(context.Background(), CompletionRequest{
		UserPrompt: "hi",
		Model:      "o3-mini",
		Effort:     EffortHigh,
		MaxTokens:  2000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if captured.MaxTokens != 0 {
		t.Error("reasoning models must not set max_tokens")
	}
	if captured.MaxCompletionTokens != 2000 {
		t.Errorf("expected max_completion_tokens=2000, got %d", captured.MaxCompletionTokens)
	}
	if captured.Temperature == nil || *captured.Temperature != 1.0 {
		t.Errorf("expected temperature pinned to 1, got %v", captured.Temperature)
	}
	if captured.ReasoningEffort != "high" {
		t.Errorf("expected reasoning_effort=high, got %q", captured.ReasoningEffort)
	}
}

func TestOpenAIAPIErrorFriendlyMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limit exceeded","type":"rate_limit"}}`)
	}))
	defer server.Close()

	client := newTestOpenAIClient(server.URL)
	_, err := client.Complete(context.Background(), CompletionRequest{UserPrompt: "hi"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", apiErr.Status)
	}
	if apiErr.Message != "rate limit exceeded" {
		t.Errorf("expected friendly message, got %q", apiErr.Message)
	}
}

func TestOpenAICompleteWithTools(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "read_file" {
			t.Errorf("expected flat tool array with read_file, got %+v", req.Tools)
		}
		if req.ToolChoice != "auto" {
			t.Errorf("expected tool_choice auto, got %q", req.ToolChoice)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"","tool_calls":[{"id":"call_abc","type":"function","function":{"name":"read_file","arguments":"{\"path\":\"go.mod\"}"}}]},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`)
	}))
	defer server.Close()

	client := newTestOpenAIClient(server.URL)
	resp, err := client.CompleteWithTools(context.Background(), ToolRequest{
		SystemPrompt: "sys",
		History:      []ChatMessage{{Role: "user", Content: "read go.mod"}},
		Tools: []ToolDefinition{{
			Name:       "read_file",
			Parameters: map[string]interface{}{"type": "object"},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.ID != "call_abc" || call.Name != "read_file" || call.Args["path"] != "go.mod" {
		t.Errorf("unexpected call %+v", call)
	}
	if resp.StopReason != "tool_calls" {
		t.Errorf("unexpected stop reason %q", resp.StopReason)
	}
}

func TestOpenAIStreamWithToolsReassemblesDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"choices":[{"delta":{"content":"Let me "}}]}`,
			`{"choices":[{"delta":{"content":"check."}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_x","function":{"name":"read_file","arguments":"{\"pa"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"th\":\"go.mod\"}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":8,"completion_tokens":4,"total_tokens":12}}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := newTestOpenAIClient(server.URL)
	events, errs := client.StreamWithTools(context.Background(), ToolRequest{
		History: []ChatMessage{{Role: "user", Content: "read go.mod"}},
		Tools:   []ToolDefinition{{Name: "read_file"}},
	})

	var text string
	var completed []ParsedToolCall
	var usage *UsageMetadata
	done := false
	for ev := range events {
		switch ev.Kind {
		case EventTextDelta:
			text += ev.Text
		case EventToolCallComplete:
			completed = append(completed, *ev.Call)
		case EventUsage:
			usage = ev.Usage
		case EventDone:
			done = true
			if ev.StopReason != "tool_calls" {
				t.Errorf("unexpected stop reason %q", ev.StopReason)
			}
		}
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}

	if text != "Let me check." {
		t.Errorf("unexpected text %q", text)
	}
	if len(completed) != 1 {
		t.Fatalf("expected 1 completed call, got %d", len(completed))
	}
	if completed[0].ID != "call_x" || completed[0].Args["path"] != "go.mod" {
		t.Errorf("unexpected completed call %+v", completed[0])
	}
	if usage == nil || usage.TotalTokens != 12 {
		t.Errorf("expected usage total 12, got %+v", usage)
	}
	if !done {
		t.Error("expected a done event")
	}
}

func TestIsReasoningModel(t *testing.T) {
	cases := map[string]bool{
		"o1-preview":  true,
		"o3-mini":     true,
		"o4-mini":     true,
		"gpt-5":       true,
		"gpt-4o-mini": false,
		"gpt-4.1":     false,
	}
	for model, want := range cases {
		if got := isReasoningModel(model); got != want {
			t.Errorf("isReasoningModel(%q) = %v, want %v", model, got, want)
		}
	}
}
