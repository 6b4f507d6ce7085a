package suggest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"termhint/internal/logging"
	"termhint/internal/provider"
)

// maxReasonLen bounds the surfaced reason text.
const maxReasonLen = 35

// generate asks the model for suggestions given the plan and gathered
// context, then filters them against the current directory.
func (o *Orchestrator) generate(ctx context.Context, state TerminalState, plan SuggestionPlan, contextLog string) ([]Suggestion, error) {
	reply, err := o.client.Complete(ctx, provider.CompletionRequest{
		SystemPrompt: o.prompts.Generation,
		UserPrompt:   buildGenerationContext(state, plan, contextLog),
		Temperature:  0.5,
		MaxTokens:    512,
		Timeout:      o.timeouts.ForRequestType("generation"),
		RequestType:  "generation",
	})
	if err != nil {
		return nil, fmt.Errorf("generation call failed: %w", err)
	}

	suggestions, ok := parseSuggestions(reply)
	if !ok {
		return nil, fmt.Errorf("unparseable generation reply")
	}

	limit := plan.Count
	if limit <= 0 || limit > defaultSuggestionCount {
		limit = defaultSuggestionCount
	}
	if len(suggestions) > limit {
		suggestions = suggestions[:limit]
	}
	for i := range suggestions {
		suggestions[i].Reason = truncateReason(suggestions[i].Reason)
		if suggestions[i].Source == "" {
			suggestions[i].Source = plan.Type
		}
	}

	filtered := o.filter.Apply(suggestions, state)
	logging.Pipeline("generation: %d suggestions, %d after directory filter", len(suggestions), len(filtered))
	return filtered, nil
}

// parseSuggestions extracts the JSON array from a possibly fenced,
// prose-wrapped reply.
func parseSuggestions(reply string) ([]Suggestion, bool) {
	text := reply
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := strings.TrimPrefix(text[idx+3:], "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			text = rest[:end]
		} else {
			text = rest
		}
	}

	start := strings.Index(text, "[")
	if start < 0 {
		return nil, false
	}
	end := strings.LastIndex(text, "]")
	if end <= start {
		return nil, false
	}

	var suggestions []Suggestion
	if err := json.Unmarshal([]byte(text[start:end+1]), &suggestions); err != nil {
		return nil, false
	}

	valid := suggestions[:0]
	for _, s := range suggestions {
		if strings.TrimSpace(s.Command) != "" {
			valid = append(valid, s)
		}
	}
	if len(valid) == 0 {
		return nil, false
	}
	return valid, true
}

func truncateReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if len(reason) <= maxReasonLen {
		return reason
	}
	return reason[:maxReasonLen-3] + "..."
}

func buildGenerationContext(state TerminalState, plan SuggestionPlan, contextLog string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan: type=%s intent=%q focus=%q count=%d\n", plan.Type, plan.UserIntent, plan.FocusArea, plan.Count)
	b.WriteString(buildPlanningContext(state, contextLog))
	return b.String()
}

// projectTools maps the leading word of a build/test-runner command to the
// project type whose markers justify suggesting it.
var projectTools = map[string]string{
	"go":     "go",
	"npm":    "node",
	"npx":    "node",
	"yarn":   "node",
	"pnpm":   "node",
	"cargo":  "rust",
	"make":   "make",
	"pytest": "python",
	"pip":    "python",
}

// fileCreatingCommands may reference paths that do not exist yet.
var fileCreatingCommands = map[string]bool{
	"touch": true,
	"mkdir": true,
}

// directoryFilter rejects suggestions that are nonsensical for the actual
// directory. This is part of the pipeline's correctness contract, not a
// cosmetic nicety.
type directoryFilter struct {
	exists func(path string) bool
}

func newDirectoryFilter() *directoryFilter {
	return &directoryFilter{
		exists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
	}
}

// Apply drops: cd into the current directory; project-tool commands in an
// unmarked home directory; commands referencing nonexistent paths, unless
// the command creates files.
func (f *directoryFilter) Apply(suggestions []Suggestion, state TerminalState) []Suggestion {
	kept := make([]Suggestion, 0, len(suggestions))
	for _, s := range suggestions {
		if reason := f.rejectReason(s.Command, state); reason != "" {
			logging.PipelineDebug("filtered suggestion %q: %s", s.Command, reason)
			continue
		}
		kept = append(kept, s)
	}
	return kept
}

func (f *directoryFilter) rejectReason(command string, state TerminalState) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "empty command"
	}
	head := fields[0]

	if head == "cd" && len(fields) > 1 {
		target := resolveAgainst(fields[1], state.Cwd)
		if target == filepath.Clean(state.Cwd) {
			return "cd into current directory"
		}
	}

	if wantType, isTool := projectTools[head]; isTool {
		inHome := state.HomeDir != "" && filepath.Clean(state.Cwd) == filepath.Clean(state.HomeDir)
		if inHome && state.Project.Type != wantType {
			return "project tool in unmarked home directory"
		}
	}

	if !fileCreatingCommands[head] && !strings.ContainsAny(command, ">") {
		for _, tok := range fields[1:] {
			if !looksLikePath(tok) {
				continue
			}
			if !f.exists(resolveAgainst(tok, state.Cwd)) {
				return fmt.Sprintf("references nonexistent path %s", tok)
			}
		}
	}

	return ""
}

// looksLikePath is a conservative guess: flags, URLs, and bare words are
// never treated as paths.
func looksLikePath(tok string) bool {
	if strings.HasPrefix(tok, "-") || strings.Contains(tok, "://") {
		return false
	}
	if strings.HasPrefix(tok, "~") || strings.HasPrefix(tok, "$") {
		return false // can't resolve shell expansions reliably
	}
	return strings.Contains(tok, "/")
}

func resolveAgainst(path, cwd string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(cwd, path)
}
