package suggest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"termhint/internal/logging"
	"termhint/internal/provider"
)

// defaultSuggestionCount is requested when a plan does not say otherwise.
const defaultSuggestionCount = 3

// planHeuristic applies the planning shortcuts that never pay for a model
// call. Returns ok=false when no shortcut applies.
//
// Order matters: a failed command beats git state beats a fresh project dir.
func planHeuristic(state TerminalState) (SuggestionPlan, bool) {
	if state.LastExitCode != 0 {
		return SuggestionPlan{
			UserIntent:    "fix the failed command",
			ShouldSuggest: true,
			Type:          "error_fix",
			FocusArea:     state.LastCommand,
			Count:         defaultSuggestionCount,
			Heuristic:     true,
		}, true
	}

	if state.Git.IsRepo && (state.Git.Dirty || state.Git.Ahead > 0 || state.Git.Behind > 0) {
		focus := "commit changes"
		switch {
		case state.Git.Behind > 0:
			focus = "pull remote changes"
		case state.Git.Ahead > 0 && !state.Git.Dirty:
			focus = "push local commits"
		}
		return SuggestionPlan{
			UserIntent:    "advance the git workflow",
			ShouldSuggest: true,
			Type:          "git_workflow",
			FocusArea:     focus,
			Count:         defaultSuggestionCount,
			Heuristic:     true,
		}, true
	}

	if state.Project.Type != "" && state.HistoryCount == 0 {
		return SuggestionPlan{
			UserIntent:    "get started in a " + state.Project.Type + " project",
			ShouldSuggest: true,
			Type:          "get_started",
			FocusArea:     state.Project.Type,
			Count:         defaultSuggestionCount,
			Heuristic:     true,
		}, true
	}

	return SuggestionPlan{}, false
}

// plan produces a SuggestionPlan: heuristic shortcut when one applies,
// otherwise one model call. A malformed model reply falls back to a generic
// suggest plan rather than failing the run.
func (o *Orchestrator) plan(ctx context.Context, state TerminalState, contextLog string) (SuggestionPlan, error) {
	if plan, ok := planHeuristic(state); ok {
		logging.Pipeline("planning shortcut: type=%s focus=%q", plan.Type, plan.FocusArea)
		return plan, nil
	}

	reply, err := o.client.Complete(ctx, provider.CompletionRequest{
		SystemPrompt: o.prompts.Planning,
		UserPrompt:   buildPlanningContext(state, contextLog),
		Temperature:  0.3,
		MaxTokens:    512,
		Timeout:      o.timeouts.ForRequestType("planning"),
		RequestType:  "planning",
	})
	if err != nil {
		return SuggestionPlan{}, fmt.Errorf("planning call failed: %w", err)
	}

	plan, ok := parsePlanReply(reply)
	if !ok {
		logging.PipelineWarn("malformed planning reply, falling back to general plan")
		return SuggestionPlan{
			ShouldSuggest: true,
			Type:          "general",
			Count:         defaultSuggestionCount,
		}, nil
	}
	return plan, nil
}

// parsePlanReply extracts a plan from the model's nominally-JSON reply.
func parsePlanReply(reply string) (SuggestionPlan, bool) {
	raw, ok := extractJSONObject(reply)
	if !ok {
		return SuggestionPlan{}, false
	}

	var obj struct {
		ShouldSuggest *bool  `json:"should_suggest"`
		Type          string `json:"type"`
		UserIntent    string `json:"user_intent"`
		FocusArea     string `json:"focus_area"`
		Count         int    `json:"count"`
	}
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return SuggestionPlan{}, false
	}

	plan := SuggestionPlan{
		UserIntent:    obj.UserIntent,
		ShouldSuggest: obj.ShouldSuggest == nil || *obj.ShouldSuggest,
		Type:          obj.Type,
		FocusArea:     obj.FocusArea,
		Count:         obj.Count,
	}
	if plan.Type == "" {
		plan.Type = "general"
	}
	if plan.Count <= 0 || plan.Count > defaultSuggestionCount {
		plan.Count = defaultSuggestionCount
	}
	return plan, true
}

// buildPlanningContext renders the state snapshot for the planning call.
func buildPlanningContext(state TerminalState, contextLog string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Working directory: %s\n", state.Cwd)
	if state.LastCommand != "" {
		fmt.Fprintf(&b, "Last command: %s (exit %d)\n", state.LastCommand, state.LastExitCode)
	}
	if out := truncate(state.LastOutput, 500); out != "" {
		fmt.Fprintf(&b, "Last output:\n%s\n", out)
	}
	if state.Git.IsRepo {
		fmt.Fprintf(&b, "Git: branch=%s dirty=%v ahead=%d behind=%d\n",
			state.Git.Branch, state.Git.Dirty, state.Git.Ahead, state.Git.Behind)
	}
	if state.Project.Type != "" {
		fmt.Fprintf(&b, "Project type: %s (markers: %s)\n", state.Project.Type, strings.Join(state.Project.Markers, ", "))
	}
	if contextLog != "" {
		fmt.Fprintf(&b, "\nResearch notes:\n%s\n", contextLog)
	}
	return b.String()
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
