// Package suggest implements the suggestion pipeline: a phase state machine
// that turns live terminal state into a short list of actionable command
// suggestions, with fingerprint caching, debounced triggering, and a bounded
// model-driven research loop.
package suggest

import (
	"context"
	"time"
)

// Phase is the orchestrator's current pipeline phase. Exactly one phase is
// current at a time; transitions are the only legal mutation.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseGatheringContext Phase = "gathering_context"
	PhaseResearching      Phase = "researching"
	PhasePlanning         Phase = "planning"
	PhaseGenerating       Phase = "generating"
)

// GitStatus is a snapshot of the repository state at the current directory.
type GitStatus struct {
	IsRepo bool
	Branch string
	Dirty  bool
	Ahead  int
	Behind int
}

// ProjectInfo describes recognized project markers in the current directory.
type ProjectInfo struct {
	// Type is the recognized project kind ("go", "node", "python", "rust",
	// "make"), or empty when no marker matched.
	Type string
	// Markers are the files that identified the project (go.mod, etc.).
	Markers []string
}

// TerminalState is the situational snapshot a pipeline run works from.
type TerminalState struct {
	Cwd          string
	LastCommand  string
	LastOutput   string
	LastExitCode int
	HistoryCount int
	Git          GitStatus
	Project      ProjectInfo
	HomeDir      string
}

// StateProvider supplies the current terminal state. Implementations are
// external collaborators; the orchestrator never polls git or processes
// itself.
type StateProvider interface {
	GetTerminalState() TerminalState
}

// ToolRegistry resolves research tool calls.
type ToolRegistry interface {
	Execute(ctx context.Context, name string, args map[string]string, cwd string) (string, error)
	Names() []string
}

// AgentGate reports whether another agent owns the terminal; the pipeline
// stays quiet while it does.
type AgentGate interface {
	IsAgentBusy() bool
}

// Suggestion is one surfaced command suggestion.
type Suggestion struct {
	Command    string  `json:"command"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence,omitempty"`
	Source     string  `json:"source"`
}

// SuggestionPlan is the outcome of the planning phase, produced either by a
// heuristic shortcut or by a model call.
type SuggestionPlan struct {
	UserIntent    string
	ShouldSuggest bool
	Type          string // error_fix, git_workflow, get_started, general
	FocusArea     string
	Count         int
	// Heuristic marks plans produced without a model call.
	Heuristic bool
}

// ResearchFindings accumulates what the research loop learned. Read-only
// once the loop exits.
type ResearchFindings struct {
	RunID        string
	FileInsights map[string]string
	ExploredDirs []string
	Discoveries  []string
	StepsTaken   int
	Completed    bool
}

// Result is what a completed pipeline run surfaces.
type Result struct {
	Suggestions []Suggestion
	Plan        SuggestionPlan
	FromCache   bool
	GeneratedAt time.Time
}
