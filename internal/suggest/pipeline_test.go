package suggest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"termhint/internal/config"
	"termhint/internal/provider"
)

// scriptedClient answers planning and generation calls with fixed replies.
func scriptedClient(planReply, genReply string) *mockClient {
	return &mockClient{
		completeFn: func(req provider.CompletionRequest) (string, error) {
			switch req.RequestType {
			case "planning":
				return planReply, nil
			case "generation":
				return genReply, nil
			}
			return `{"done": true}`, nil
		},
	}
}

func TestPipelineErrorFixEndToEnd(t *testing.T) {
	state := TerminalState{
		Cwd:          "/home/u",
		HomeDir:      "/home/u",
		LastCommand:  "gti status",
		LastExitCode: 1,
		LastOutput:   "command not found: gti",
	}

	var genReq *provider.CompletionRequest
	client := &mockClient{
		completeFn: func(req provider.CompletionRequest) (string, error) {
			switch req.RequestType {
			case "planning":
				t.Fatal("exit!=0 must shortcut planning without a model call")
			case "generation":
				genReq = &req
				return `[{"command": "cd /home/u", "reason": "return home"},
				         {"command": "git status", "reason": "you likely meant git"}]`, nil
			}
			return "", nil
		},
	}
	orch := newTestOrchestrator(t, client, nil, state)
	orch.filter = testFilter()

	result, err := orch.Suggest(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "error_fix", result.Plan.Type)
	require.NotNil(t, genReq, "generation must be invoked")

	require.Len(t, result.Suggestions, 1, "cd into the current directory must be filtered")
	assert.Equal(t, "git status", result.Suggestions[0].Command)
}

func TestPipelineGitWorkflowWithoutPlanningCall(t *testing.T) {
	state := TerminalState{
		Cwd: "/home/u/proj",
		Git: GitStatus{IsRepo: true, Branch: "main", Dirty: true, Ahead: 2},
	}
	client := &mockClient{
		completeFn: func(req provider.CompletionRequest) (string, error) {
			if req.RequestType == "planning" {
				t.Fatal("dirty/ahead git state must shortcut planning")
			}
			return `[{"command": "git add -p", "reason": "stage changes"}]`, nil
		},
	}
	orch := newTestOrchestrator(t, client, nil, state)
	orch.filter = testFilter()

	result, err := orch.Suggest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "git_workflow", result.Plan.Type)
	assert.Len(t, result.Suggestions, 1)
}

func TestPipelineCacheHitSkipsModelCalls(t *testing.T) {
	state := TerminalState{Cwd: "/home/u/proj", HistoryCount: 4}
	client := scriptedClient(
		`{"should_suggest": true, "type": "general"}`,
		`[{"command": "ls", "reason": "look around"}]`,
	)
	orch := newTestOrchestrator(t, client, nil, state)
	orch.filter = testFilter()

	base := time.Now()
	orch.now = func() time.Time { return base }

	first, err := orch.Suggest(context.Background())
	require.NoError(t, err)
	require.False(t, first.FromCache)
	callsAfterFirst := len(client.completeCalls)

	// Identical fingerprint, within TTL, outside the cooldown window.
	orch.now = func() time.Time { return base.Add(10 * time.Second) }
	second, err := orch.Suggest(context.Background())
	require.NoError(t, err)

	assert.True(t, second.FromCache)
	assert.Equal(t, first.Suggestions, second.Suggestions)
	assert.Equal(t, callsAfterFirst, len(client.completeCalls), "cache hit must not invoke the model")
}

func TestPipelineCooldownSuppressesCacheHit(t *testing.T) {
	state := TerminalState{Cwd: "/home/u/proj", HistoryCount: 4}
	client := scriptedClient(
		`{"should_suggest": true, "type": "general"}`,
		`[{"command": "ls", "reason": "look around"}]`,
	)
	orch := newTestOrchestrator(t, client, nil, state)
	orch.filter = testFilter()

	base := time.Now()
	orch.now = func() time.Time { return base }

	_, err := orch.Suggest(context.Background())
	require.NoError(t, err)
	callsAfterFirst := len(client.completeCalls)

	// Still inside the cooldown window: the cached entry is suppressed and
	// a fresh run happens instead.
	orch.now = func() time.Time { return base.Add(time.Second) }
	second, err := orch.Suggest(context.Background())
	require.NoError(t, err)

	assert.False(t, second.FromCache)
	assert.Greater(t, len(client.completeCalls), callsAfterFirst)
}

func TestPipelinePlanDeclineProducesNoSuggestions(t *testing.T) {
	state := TerminalState{Cwd: "/home/u/proj", HistoryCount: 4}
	client := scriptedClient(`{"should_suggest": false}`, "")
	orch := newTestOrchestrator(t, client, nil, state)

	result, err := orch.Suggest(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Suggestions)

	phase, _ := orch.Phase()
	assert.Equal(t, PhaseIdle, phase)
}

func TestPipelineTransportErrorRecordedAndIdle(t *testing.T) {
	state := TerminalState{Cwd: "/home/u/proj", HistoryCount: 4}
	client := &mockClient{
		completeFn: func(req provider.CompletionRequest) (string, error) {
			return "", &provider.APIError{Provider: "mock", Status: 500, Message: "boom"}
		},
	}
	orch := newTestOrchestrator(t, client, nil, state)

	_, err := orch.Suggest(context.Background())
	require.Error(t, err)

	assert.Error(t, orch.LastError())
	phase, _ := orch.Phase()
	assert.Equal(t, PhaseIdle, phase)
	assert.Equal(t, 0, orch.cache.Len(), "failed runs must not write the cache")
}

func TestPipelineResearchTriggeredByFailedCommand(t *testing.T) {
	state := TerminalState{Cwd: "/home/u/proj", LastExitCode: 1, HistoryCount: 4}
	researchCalls := 0
	client := &mockClient{
		toolsFn: func(req provider.ToolRequest) (*provider.ToolResponse, error) {
			researchCalls++
			return &provider.ToolResponse{Content: `{"done": true, "summary": "tests are failing"}`}, nil
		},
		completeFn: func(req provider.CompletionRequest) (string, error) {
			return `[{"command": "git status", "reason": "inspect"}]`, nil
		},
	}
	orch := newTestOrchestrator(t, client, &mockRegistry{}, state)
	orch.filter = testFilter()

	result, err := orch.Suggest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, researchCalls, "failed command must trigger research")
	assert.NotEmpty(t, result.Suggestions)
}

func TestPipelineSupersededRunDoesNotWriteCache(t *testing.T) {
	state := TerminalState{Cwd: "/home/u/proj", HistoryCount: 4}
	client := scriptedClient(
		`{"should_suggest": true, "type": "general"}`,
		`[{"command": "ls", "reason": "look"}]`,
	)
	orch := newTestOrchestrator(t, client, nil, state)
	orch.filter = testFilter()

	orch.mu.Lock()
	orch.runSeq = 1
	seq := orch.runSeq
	orch.runSeq = 2 // a newer run supersedes seq 1
	orch.mu.Unlock()

	result, err := orch.run(context.Background(), seq)
	require.NoError(t, err)
	assert.Nil(t, result, "superseded runs return nothing")
	assert.Equal(t, 0, orch.cache.Len())
}

// mutableState lets a test swap the served terminal state mid-flight.
type mutableState struct {
	mu    sync.Mutex
	state TerminalState
}

func (s *mutableState) GetTerminalState() TerminalState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *mutableState) set(state TerminalState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// stallClient blocks its planning call until the run context is cancelled
// and answers generation calls immediately.
type stallClient struct {
	mockClient
	planStarted   chan struct{}
	planCancelled chan struct{}
}

func (c *stallClient) Complete(ctx context.Context, req provider.CompletionRequest) (string, error) {
	switch req.RequestType {
	case "planning":
		c.planStarted <- struct{}{}
		<-ctx.Done()
		c.planCancelled <- struct{}{}
		return "", ctx.Err()
	case "generation":
		return `[{"command": "git status", "reason": "you likely meant git"}]`, nil
	}
	return "", nil
}

func waitSignal(t *testing.T, ch chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal(msg)
	}
}

// newTriggerOrchestrator builds an orchestrator with a long default debounce
// and post-command delay so only the path under test can fire a run.
func newTriggerOrchestrator(t *testing.T, client provider.Client, state StateProvider, pipeline config.PipelineConfig, results chan Result) *Orchestrator {
	t.Helper()
	orch, err := NewOrchestrator(Options{
		Client:   client,
		State:    state,
		Pipeline: pipeline,
		Timeouts: config.DefaultCallTimeouts(),
		OnResult: func(r Result) { results <- r },
	})
	require.NoError(t, err)
	t.Cleanup(orch.Close)
	orch.filter = testFilter()
	return orch
}

func TestHandleCommandCompletedMeaningfulChangeCancelsInFlightRun(t *testing.T) {
	st := &mutableState{state: TerminalState{Cwd: "/home/u/proj", HistoryCount: 4}}
	client := &stallClient{
		planStarted:   make(chan struct{}, 1),
		planCancelled: make(chan struct{}, 1),
	}
	results := make(chan Result, 2)
	orch := newTriggerOrchestrator(t, client, st, config.PipelineConfig{
		DebounceMs:         60000,
		MeaningfulChangeMs: 20,
		PostCommandDelayMs: 60000,
	}, results)

	// Establish the last-seen state so the next trigger can be meaningful.
	orch.HandleCommandCompleted()

	// Start a run that stalls inside its planning call.
	orch.HandleStartup()
	waitSignal(t, client.planStarted, "planning call never started")

	st.set(TerminalState{
		Cwd:          "/home/u/proj",
		HistoryCount: 5,
		LastCommand:  "gti status",
		LastExitCode: 1,
		LastOutput:   "command not found: gti",
	})
	orch.HandleCommandCompleted()

	waitSignal(t, client.planCancelled, "in-flight run was not cancelled by the meaningful change")

	select {
	case result := <-results:
		assert.Equal(t, "error_fix", result.Plan.Type)
		require.Len(t, result.Suggestions, 1)
		assert.Equal(t, "git status", result.Suggestions[0].Command)
	case <-time.After(2 * time.Second):
		t.Fatal("shortened debounce never fired a run")
	}
}

func TestHandleCommandCompletedPostCommandTimerFiresOnce(t *testing.T) {
	st := &mutableState{state: TerminalState{
		Cwd:          "/home/u/proj",
		LastCommand:  "gti status",
		LastExitCode: 1,
		LastOutput:   "command not found: gti",
		HistoryCount: 3,
	}}
	client := &mockClient{
		completeFn: func(req provider.CompletionRequest) (string, error) {
			return `[{"command": "git status", "reason": "you likely meant git"}]`, nil
		},
	}
	results := make(chan Result, 2)
	orch := newTriggerOrchestrator(t, client, st, config.PipelineConfig{
		DebounceMs:         60000,
		MeaningfulChangeMs: 60000,
		PostCommandDelayMs: 30,
	}, results)

	// The second trigger replaces the pending delayed timer, so exactly one
	// run fires.
	orch.HandleCommandCompleted()
	orch.HandleCommandCompleted()

	select {
	case result := <-results:
		assert.Equal(t, "error_fix", result.Plan.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("post-command timer never fired a run")
	}

	select {
	case <-results:
		t.Fatal("replaced post-command timer must not fire a second run")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandleDirectoryChangedFiresShortDebounce(t *testing.T) {
	st := &mutableState{state: TerminalState{Cwd: "/home/u/proj", HistoryCount: 4}}
	client := scriptedClient(
		`{"should_suggest": true, "type": "general"}`,
		`[{"command": "ls", "reason": "look around"}]`,
	)
	results := make(chan Result, 1)
	orch := newTriggerOrchestrator(t, client, st, config.PipelineConfig{
		DebounceMs:         60000,
		MeaningfulChangeMs: 20,
		PostCommandDelayMs: 60000,
	}, results)

	st.set(TerminalState{Cwd: "/home/u/proj/sub", HistoryCount: 4})
	orch.HandleDirectoryChanged()

	select {
	case result := <-results:
		assert.Len(t, result.Suggestions, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("directory change never fired a run")
	}
}

func TestCloseResetsPhaseToIdle(t *testing.T) {
	client := scriptedClient(`{"should_suggest": true, "type": "general"}`, `[]`)
	orch := newTestOrchestrator(t, client, nil, TerminalState{Cwd: "/p"})

	orch.mu.Lock()
	orch.phase = PhasePlanning
	orch.phaseDetail = "stuck"
	orch.mu.Unlock()

	orch.Close()

	phase, detail := orch.Phase()
	assert.Equal(t, PhaseIdle, phase)
	assert.Empty(t, detail)
}

func TestDebouncerCoalescesRapidCalls(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Cancel()

	fired := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		d.Debounce(func() { fired <- struct{}{} })
	}

	select {
	case <-fired:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("debounced function never fired")
	}
	select {
	case <-fired:
		t.Fatal("rapid calls must coalesce into one firing")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDebouncerCancel(t *testing.T) {
	d := NewDebouncer(10 * time.Millisecond)
	fired := make(chan struct{}, 1)
	d.Debounce(func() { fired <- struct{}{} })
	d.Cancel()

	select {
	case <-fired:
		t.Fatal("cancelled debounce must not fire")
	case <-time.After(50 * time.Millisecond):
	}
}
