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

func newTestAnthropicClient(url string, effort ReasoningEffort) *AnthropicClient {
	cfg := DefaultAnthropicConfig("test-key")
	cfg.BaseURL = url
	cfg.Effort = effort
	cfg.Timeout = 5 * time.Second
	return NewAnthropicClientWithConfig(cfg)
}

func TestAnthropicMissingCredential(t *testing.T) {
	client := NewAnthropicClient("")
	_, err := client.Complete(context.Background(), CompletionRequest{UserPrompt: "hi"})

	var missing *MissingCredentialError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingCredentialError, got %v", err)
	}
}

func TestAnthropicCompleteParsesContentBlocks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("unexpected api key header %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicVersion {
			t.Errorf("unexpected version header %q", got)
		}
		fmt.Fprint(w, `{"content":[{"type":"text","text":"git "},{"type":"text","text":"status"}],"stop_reason":"end_turn","usage":{"input_tokens":12,"output_tokens":4}}`)
	}))
	defer server.Close()

	client := newTestAnthropicClient(server.URL, EffortNone)
	result, err := client.CompleteWithUsage(context.Background(), CompletionRequest{
		SystemPrompt: "sys", UserPrompt: "what now",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "git status" {
		t.Errorf("unexpected content %q", result.Content)
	}
	if result.PromptTokens != 12 || result.CompletionTokens != 4 {
		t.Errorf("unexpected usage %d/%d", result.PromptTokens, result.CompletionTokens)
	}
}

func TestAnthropicThinkingBudgetShaping(t *testing.T) {
	var captured anthropicRequest
	var betaHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		betaHeader = r.Header.Get("anthropic-beta")
		_ = json.NewDecoder(r.Body).Decode(&captured)
		fmt.Fprint(w, `{"content":[{"type":"text","text":"ok"}],"usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer server.Close()

	client := newTestAnthropicClient(server.URL, EffortNone)
	_, err := client.Complete(context.Background(), CompletionRequest{
		UserPrompt: "hi",
		Effort:     EffortMedium,
		MaxTokens:  1024,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if captured.Thinking == nil {
		t.Fatal("expected thinking to be enabled")
	}
	if captured.Thinking.Type != "enabled" || captured.Thinking.BudgetTokens != 8192 {
		t.Errorf("unexpected thinking config %+v", captured.Thinking)
	}
	if captured.MaxTokens < captured.Thinking.BudgetTokens+1000 {
		t.Errorf("max_tokens %d must be at least budget+1000", captured.MaxTokens)
	}
	if captured.Temperature == nil || *captured.Temperature != 1.0 {
		t.Errorf("expected temperature pinned to 1 with thinking, got %v", captured.Temperature)
	}
	if betaHeader == "" {
		t.Error("expected anthropic-beta header with thinking enabled")
	}
}

func TestAnthropicCompleteWithToolsParsesToolUse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Tools) != 1 || req.Tools[0].Name != "list_dir" {
			t.Errorf("unexpected tools %+v", req.Tools)
		}
		fmt.Fprint(w, `{"content":[{"type":"text","text":"checking"},{"type":"tool_use","id":"toolu_1","name":"list_dir","input":{"path":"."}}],"stop_reason":"tool_use","usage":{"input_tokens":20,"output_tokens":10}}`)
	}))
	defer server.Close()

	client := newTestAnthropicClient(server.URL, EffortNone)
	resp, err := client.CompleteWithTools(context.Background(), ToolRequest{
		History: []ChatMessage{{Role: "user", Content: "look around"}},
		Tools:   []ToolDefinition{{Name: "list_dir", Parameters: map[string]interface{}{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "checking" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].ID != "toolu_1" || resp.ToolCalls[0].Args["path"] != "." {
		t.Errorf("unexpected call %+v", resp.ToolCalls[0])
	}
	if resp.Usage.TotalTokens != 30 {
		t.Errorf("expected merged usage 30, got %d", resp.Usage.TotalTokens)
	}
}

func TestAnthropicToolResultBecomesUserContentBlock(t *testing.T) {
	messages := buildAnthropicMessages([]ChatMessage{
		{Role: "assistant", ToolCalls: []ParsedToolCall{{ID: "toolu_1", Name: "read_file", Args: map[string]interface{}{"path": "go.mod"}}}},
		{Role: "tool", ToolCallID: "toolu_1", Content: "module termhint"},
	})
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[1].Role != "user" {
		t.Errorf("tool results must become user messages, got role %q", messages[1].Role)
	}
	blocks, ok := messages[1].Content.([]anthropicContentBlock)
	if !ok || len(blocks) != 1 {
		t.Fatalf("expected one content block, got %#v", messages[1].Content)
	}
	if blocks[0].Type != "tool_result" || blocks[0].ToolUseID != "toolu_1" {
		t.Errorf("unexpected block %+v", blocks[0])
	}
}

func TestAnthropicStreamMergesFrontAndBackUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"type":"message_start","message":{"usage":{"input_tokens":25}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"run "}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"tests"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_9","name":"search_files"}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"pattern\":"}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"TODO\"}"}}`,
			`{"type":"content_block_stop","index":1}`,
			`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":17}}`,
			`{"type":"message_stop"}`,
		}
		for _, e := range events {
			fmt.Fprintf(w, "event: x\ndata: %s\n\n", e)
		}
	}))
	defer server.Close()

	client := newTestAnthropicClient(server.URL, EffortNone)
	events, errs := client.StreamWithTools(context.Background(), ToolRequest{
		History: []ChatMessage{{Role: "user", Content: "go"}},
		Tools:   []ToolDefinition{{Name: "search_files"}},
	})

	var text string
	var usage *UsageMetadata
	var completed []ParsedToolCall
	stopReason := ""
	for ev := range events {
		switch ev.Kind {
		case EventTextDelta:
			text += ev.Text
		case EventToolCallComplete:
			completed = append(completed, *ev.Call)
		case EventUsage:
			usage = ev.Usage
		case EventDone:
			stopReason = ev.StopReason
		}
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}

	if text != "run tests" {
		t.Errorf("unexpected text %q", text)
	}
	if usage == nil {
		t.Fatal("expected a merged usage event")
	}
	if usage.PromptTokens != 25 || usage.CompletionTokens != 17 || usage.TotalTokens != 42 {
		t.Errorf("front/back usage not merged: %+v", usage)
	}
	if len(completed) != 1 || completed[0].Args["pattern"] != "TODO" {
		t.Errorf("unexpected completed calls %+v", completed)
	}
	if stopReason != "tool_use" {
		t.Errorf("unexpected stop reason %q", stopReason)
	}
}

func TestThinkingBudgetMapping(t *testing.T) {
	if thinkingBudget(EffortLow) != 2048 || thinkingBudget(EffortMedium) != 8192 || thinkingBudget(EffortHigh) != 16384 {
		t.Error("unexpected effort-to-budget mapping")
	}
	if thinkingBudget(EffortNone) != 0 {
		t.Error("no effort must mean no budget")
	}
}
