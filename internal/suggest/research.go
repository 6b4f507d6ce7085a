package suggest

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"termhint/internal/logging"
	"termhint/internal/provider"
)

const (
	// maxConsecutiveUnparseable aborts the loop after this many model
	// replies in a row yield no action.
	maxConsecutiveUnparseable = 3
	// maxToolResultLen bounds each result summary appended to the context
	// log.
	maxToolResultLen = 400
)

// research runs the bounded tool-using research loop: one action per step,
// executed against the tool registry, with truncated result summaries
// accumulated into a context log. Native tool calling is preferred; a model
// without tool support falls back to normalizer-parsed free text.
func (o *Orchestrator) research(ctx context.Context, state TerminalState, budget int) (*ResearchFindings, string) {
	findings := &ResearchFindings{
		RunID:        uuid.NewString(),
		FileInsights: make(map[string]string),
	}
	var contextLog strings.Builder
	useTools := true
	unparseable := 0

	history := []provider.ChatMessage{
		{Role: "user", Content: buildPlanningContext(state, "")},
	}

	logging.Research("research %s: starting, budget=%d tools=%v", findings.RunID, budget, o.registry.Names())

	for step := 0; step < budget; step++ {
		if ctx.Err() != nil {
			logging.ResearchDebug("research %s: cancelled at step %d", findings.RunID, step)
			return findings, contextLog.String()
		}
		o.setPhaseDetail(PhaseResearching, fmt.Sprintf("step %d/%d", step+1, budget))

		action, outcome := o.researchStep(ctx, state, history, contextLog.String(), useTools)
		switch outcome {
		case stepToolsFallback:
			useTools = false
			step-- // the failed dispatch does not consume budget
			continue
		case stepUnparseable:
			unparseable++
			logging.ResearchWarn("research %s: unparseable reply %d/%d", findings.RunID, unparseable, maxConsecutiveUnparseable)
			if unparseable >= maxConsecutiveUnparseable {
				findings.Discoveries = append(findings.Discoveries,
					"research aborted: model replies had format issues")
				findings.Completed = false
				return findings, contextLog.String()
			}
			continue
		}
		unparseable = 0
		findings.StepsTaken++

		if action.Done {
			if action.Summary != "" {
				findings.Discoveries = append(findings.Discoveries, action.Summary)
				fmt.Fprintf(&contextLog, "conclusion: %s\n", action.Summary)
			}
			findings.Completed = true
			logging.Research("research %s: done after %d steps", findings.RunID, findings.StepsTaken)
			return findings, contextLog.String()
		}

		output, err := o.registry.Execute(ctx, action.Tool, action.Args, state.Cwd)
		summary := truncate(output, maxToolResultLen)
		if err != nil {
			summary = "error: " + truncate(err.Error(), maxToolResultLen)
		}
		recordFinding(findings, action, summary, err == nil)
		fmt.Fprintf(&contextLog, "%s(%s) -> %s\n", action.Tool, flattenArgs(action.Args), summary)

		// Feed the result back for the next step.
		history = append(history,
			provider.ChatMessage{Role: "assistant", ToolCalls: []provider.ParsedToolCall{
				{ID: fmt.Sprintf("call_%d", step), Name: action.Tool, Args: toAnyArgs(action.Args)},
			}},
			provider.ChatMessage{Role: "tool", Content: summary, ToolCallID: fmt.Sprintf("call_%d", step), ToolName: action.Tool},
		)
	}

	findings.Completed = true
	logging.Research("research %s: step budget exhausted after %d steps", findings.RunID, findings.StepsTaken)
	return findings, contextLog.String()
}

// stepOutcome classifies one research step's dispatch result.
type stepOutcome int

const (
	stepOK stepOutcome = iota
	stepUnparseable
	// stepToolsFallback flips the loop to plain-completion mode.
	stepToolsFallback
)

// researchStep asks the model for exactly one next action.
func (o *Orchestrator) researchStep(ctx context.Context, state TerminalState, history []provider.ChatMessage, contextLog string, useTools bool) (ModelAction, stepOutcome) {
	if useTools {
		resp, err := o.client.CompleteWithTools(ctx, provider.ToolRequest{
			SystemPrompt: o.prompts.Research,
			History:      history,
			Tools:        o.toolDefs,
			MaxTokens:    512,
			Timeout:      o.timeouts.ForRequestType("research"),
			RequestType:  "research",
		})
		if err != nil {
			if provider.IsToolsNotSupported(err) {
				logging.ResearchWarn("model lacks tool calling, falling back to plain completion: %v", err)
				return ModelAction{}, stepToolsFallback
			}
			logging.ResearchWarn("research step failed: %v", err)
			return ModelAction{}, stepUnparseable
		}

		if len(resp.ToolCalls) > 0 {
			// One action per step: extra calls are ignored.
			call := resp.ToolCalls[0]
			return ModelAction{Tool: call.Name, Args: toStringArgs(call.Args)}, stepOK
		}
		return normalizeOutcome(NormalizeModelAction(resp.Content))
	}

	prompt := buildPlanningContext(state, contextLog) + "\nWhat is your ONE next research action?"
	reply, err := o.client.Complete(ctx, provider.CompletionRequest{
		SystemPrompt: o.prompts.Research,
		UserPrompt:   prompt,
		Temperature:  0.3,
		MaxTokens:    512,
		Timeout:      o.timeouts.ResearchStep,
		RequestType:  "research",
	})
	if err != nil {
		logging.ResearchWarn("research step failed: %v", err)
		return ModelAction{}, stepUnparseable
	}
	return normalizeOutcome(NormalizeModelAction(reply))
}

func normalizeOutcome(action ModelAction, ok bool) (ModelAction, stepOutcome) {
	if !ok {
		return ModelAction{}, stepUnparseable
	}
	return action, stepOK
}

func recordFinding(findings *ResearchFindings, action ModelAction, summary string, success bool) {
	switch action.Tool {
	case "read_file":
		if path := action.Args["path"]; path != "" && success {
			findings.FileInsights[path] = summary
		}
	case "list_dir":
		path := action.Args["path"]
		if path == "" {
			path = "."
		}
		findings.ExploredDirs = append(findings.ExploredDirs, path)
	default:
		if success {
			findings.Discoveries = append(findings.Discoveries, fmt.Sprintf("%s: %s", action.Tool, truncate(summary, 120)))
		}
	}
}

func flattenArgs(args map[string]string) string {
	if len(args) == 0 {
		return ""
	}
	parts := make([]string, 0, len(args))
	for k, v := range args {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, " ")
}

func toStringArgs(args map[string]interface{}) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		out[k] = stringify(v)
	}
	return out
}

func toAnyArgs(args map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
