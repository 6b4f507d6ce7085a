package suggest

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"termhint/internal/logging"
)

// PromptSet holds the system prompts for each model-facing phase. Any field
// can be overridden from .termhint/prompts.yaml.
type PromptSet struct {
	Research   string `yaml:"research"`
	Planning   string `yaml:"planning"`
	Generation string `yaml:"generation"`
}

const defaultResearchPrompt = `You are researching a user's terminal situation to prepare command suggestions.
You may take exactly ONE action per reply. Reply with a single JSON object:
  {"tool": "<name>", "args": {...}, "reason": "<short reason>"}
to invoke a tool, or
  {"done": true, "summary": "<what you learned>"}
when you have sufficient context. No prose outside the JSON object.`

const defaultPlanningPrompt = `You are deciding whether a terminal user would benefit from command suggestions.
Reply with a single JSON object:
  {"should_suggest": true|false, "type": "error_fix"|"git_workflow"|"get_started"|"general",
   "user_intent": "<one line>", "focus_area": "<optional>", "count": 1-3}`

const defaultGenerationPrompt = `You suggest shell commands for a terminal user.
Reply with ONLY a JSON array of at most 3 objects:
  [{"command": "<shell command>", "reason": "<under 35 chars>"}]
Commands must be directly runnable in the user's current directory. No prose.`

// DefaultPrompts returns the built-in prompt set.
func DefaultPrompts() PromptSet {
	return PromptSet{
		Research:   defaultResearchPrompt,
		Planning:   defaultPlanningPrompt,
		Generation: defaultGenerationPrompt,
	}
}

// LoadPrompts returns the defaults overridden by any non-empty fields in
// {workspace}/.termhint/prompts.yaml. A missing or malformed file falls back
// to the defaults.
func LoadPrompts(workspace string) PromptSet {
	prompts := DefaultPrompts()

	path := filepath.Join(workspace, ".termhint", "prompts.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return prompts
	}

	var overrides PromptSet
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		logging.PipelineWarn("ignoring malformed %s: %v", path, err)
		return prompts
	}

	if overrides.Research != "" {
		prompts.Research = overrides.Research
	}
	if overrides.Planning != "" {
		prompts.Planning = overrides.Planning
	}
	if overrides.Generation != "" {
		prompts.Generation = overrides.Generation
	}
	logging.PipelineDebug("loaded prompt overrides from %s", path)
	return prompts
}
