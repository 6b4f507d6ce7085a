package suggest

import (
	"context"
	"testing"

	"go.uber.org/goleak"

	"termhint/internal/config"
	"termhint/internal/provider"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockClient scripts provider responses for pipeline tests.
type mockClient struct {
	completeFn func(req provider.CompletionRequest) (string, error)
	toolsFn    func(req provider.ToolRequest) (*provider.ToolResponse, error)

	completeCalls []provider.CompletionRequest
	toolsCalls    []provider.ToolRequest
}

func (m *mockClient) Complete(ctx context.Context, req provider.CompletionRequest) (string, error) {
	m.completeCalls = append(m.completeCalls, req)
	if m.completeFn == nil {
		return "", &provider.EmptyResponseError{Provider: "mock"}
	}
	return m.completeFn(req)
}

func (m *mockClient) CompleteWithUsage(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResult, error) {
	content, err := m.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return &provider.CompletionResult{Content: content}, nil
}

func (m *mockClient) CompleteWithTools(ctx context.Context, req provider.ToolRequest) (*provider.ToolResponse, error) {
	m.toolsCalls = append(m.toolsCalls, req)
	if m.toolsFn == nil {
		return nil, &provider.ToolsNotSupportedError{Model: "mock"}
	}
	return m.toolsFn(req)
}

func (m *mockClient) StreamWithTools(ctx context.Context, req provider.ToolRequest) (<-chan provider.StreamEvent, <-chan error) {
	events := make(chan provider.StreamEvent)
	errs := make(chan error, 1)
	close(events)
	close(errs)
	return events, errs
}

func (m *mockClient) ProviderName() provider.Provider { return "mock" }
func (m *mockClient) Model() string                   { return "mock-model" }
func (m *mockClient) SetModel(string)                 {}

// staticState serves a fixed terminal state.
type staticState struct {
	state TerminalState
}

func (s *staticState) GetTerminalState() TerminalState { return s.state }

// mockRegistry records executed tool calls.
type mockRegistry struct {
	executeFn func(name string, args map[string]string) (string, error)
	executed  []string
}

func (r *mockRegistry) Execute(ctx context.Context, name string, args map[string]string, cwd string) (string, error) {
	r.executed = append(r.executed, name)
	if r.executeFn == nil {
		return "ok", nil
	}
	return r.executeFn(name, args)
}

func (r *mockRegistry) Names() []string { return []string{"read_file", "list_dir", "search_files"} }

func newTestOrchestrator(t *testing.T, client provider.Client, registry ToolRegistry, state TerminalState) *Orchestrator {
	t.Helper()
	orch, err := NewOrchestrator(Options{
		Client:   client,
		Registry: registry,
		State:    &staticState{state: state},
		Pipeline: config.PipelineConfig{},
		Timeouts: config.DefaultCallTimeouts(),
	})
	if err != nil {
		t.Fatalf("failed to build orchestrator: %v", err)
	}
	t.Cleanup(orch.Close)
	return orch
}
