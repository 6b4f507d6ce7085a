// Package config holds termhint configuration loaded from .termhint/config.json
// with environment-variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// UserConfig holds ALL termhint configuration from .termhint/config.json.
// This is the single source of truth for configuration.
//
// Supported providers: openai, anthropic, gemini, local.
type UserConfig struct {
	// Provider selection (openai, anthropic, gemini, local)
	Provider string `json:"provider,omitempty"`

	// API keys for each provider
	APIKey          string `json:"api_key,omitempty"` // Legacy: single key
	OpenAIAPIKey    string `json:"openai_api_key,omitempty"`
	AnthropicAPIKey string `json:"anthropic_api_key,omitempty"`
	GeminiAPIKey    string `json:"gemini_api_key,omitempty"`

	// Optional model override
	Model string `json:"model,omitempty"`

	// Base URL for the local backend (Ollama or any OpenAI-compatible server)
	LocalBaseURL string `json:"local_base_url,omitempty"`

	// Reasoning effort for reasoning-capable models: "low", "medium", "high".
	// Empty disables extended reasoning.
	ReasoningEffort string `json:"reasoning_effort,omitempty"`

	// Suggestion pipeline tuning
	Pipeline PipelineConfig `json:"pipeline,omitempty"`

	// Logging configuration
	Logging LoggingConfig `json:"logging,omitempty"`
}

// PipelineConfig tunes the suggestion orchestrator.
type PipelineConfig struct {
	DebounceMs         int `json:"debounce_ms,omitempty"`          // default 800
	MeaningfulChangeMs int `json:"meaningful_change_ms,omitempty"` // default 300
	CooldownMs         int `json:"cooldown_ms,omitempty"`          // default 5000
	PostCommandDelayMs int `json:"post_command_delay_ms,omitempty"`
	CacheTTLSeconds    int `json:"cache_ttl_seconds,omitempty"`  // default 300
	CacheMaxEntries    int `json:"cache_max_entries,omitempty"`  // default 20
	ResearchStepBudget int `json:"research_step_budget,omitempty"`
	ResearchEveryN     int `json:"research_every_n,omitempty"` // periodic research trigger
	MaxSuggestions     int `json:"max_suggestions,omitempty"`  // capped at 3
}

// LoggingConfig controls the categorized file logger.
type LoggingConfig struct {
	DebugMode bool   `json:"debug_mode,omitempty"`
	Level     string `json:"level,omitempty"`
}

// DefaultUserConfigPath returns the default path to .termhint/config.json
// in the user's home directory.
func DefaultUserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".termhint", "config.json")
	}
	return filepath.Join(home, ".termhint", "config.json")
}

// LoadUserConfig reads a config file and applies environment overrides.
// A missing file is not an error; env vars alone can configure termhint.
func LoadUserConfig(path string) (*UserConfig, error) {
	cfg := &UserConfig{}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *UserConfig) applyEnvOverrides() {
	if v := os.Getenv("TERMHINT_PROVIDER"); v != "" {
		c.Provider = v
	}
	if v := os.Getenv("TERMHINT_MODEL"); v != "" {
		c.Model = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.OpenAIAPIKey == "" {
		c.OpenAIAPIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && c.AnthropicAPIKey == "" {
		c.AnthropicAPIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && c.GeminiAPIKey == "" {
		c.GeminiAPIKey = v
	}
	if v := os.Getenv("TERMHINT_LOCAL_URL"); v != "" {
		c.LocalBaseURL = v
	}
	if v := os.Getenv("TERMHINT_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
	}
}

// GetActiveProvider resolves the provider name and its API key.
// Priority: explicit provider field, then first configured key
// (openai > anthropic > gemini > local).
func (c *UserConfig) GetActiveProvider() (string, string) {
	switch c.Provider {
	case "openai":
		return "openai", c.keyOr(c.OpenAIAPIKey)
	case "anthropic":
		return "anthropic", c.keyOr(c.AnthropicAPIKey)
	case "gemini":
		return "gemini", c.keyOr(c.GeminiAPIKey)
	case "local":
		return "local", "" // local backend needs no credential
	}

	if c.OpenAIAPIKey != "" {
		return "openai", c.OpenAIAPIKey
	}
	if c.AnthropicAPIKey != "" {
		return "anthropic", c.AnthropicAPIKey
	}
	if c.GeminiAPIKey != "" {
		return "gemini", c.GeminiAPIKey
	}
	if c.LocalBaseURL != "" {
		return "local", ""
	}
	return "", c.APIKey
}

func (c *UserConfig) keyOr(specific string) string {
	if specific != "" {
		return specific
	}
	return c.APIKey
}

// Debounce returns the configured debounce duration or the default.
func (p PipelineConfig) Debounce() time.Duration {
	return msOr(p.DebounceMs, 800*time.Millisecond)
}

// MeaningfulDebounce returns the shortened debounce used when the triggering
// change is meaningful (cwd change, exit-code change, output-length change).
func (p PipelineConfig) MeaningfulDebounce() time.Duration {
	return msOr(p.MeaningfulChangeMs, 300*time.Millisecond)
}

// Cooldown returns the post-surface cooldown window.
func (p PipelineConfig) Cooldown() time.Duration {
	return msOr(p.CooldownMs, 5*time.Second)
}

// PostCommandDelay returns the delayed-trigger interval after a command run.
func (p PipelineConfig) PostCommandDelay() time.Duration {
	return msOr(p.PostCommandDelayMs, 2*time.Second)
}

// CacheTTL returns the suggestion cache entry lifetime.
func (p PipelineConfig) CacheTTL() time.Duration {
	if p.CacheTTLSeconds > 0 {
		return time.Duration(p.CacheTTLSeconds) * time.Second
	}
	return 5 * time.Minute
}

// CacheSize returns the maximum suggestion cache entry count.
func (p PipelineConfig) CacheSize() int {
	if p.CacheMaxEntries > 0 {
		return p.CacheMaxEntries
	}
	return 20
}

// StepBudget returns the research loop step budget.
func (p PipelineConfig) StepBudget() int {
	if p.ResearchStepBudget > 0 {
		return p.ResearchStepBudget
	}
	return 6
}

// ResearchInterval returns how many pipeline runs pass between periodic
// research refreshes.
func (p PipelineConfig) ResearchInterval() int {
	if p.ResearchEveryN > 0 {
		return p.ResearchEveryN
	}
	return 10
}

// SuggestionCap returns the maximum surfaced suggestion count (hard cap 3).
func (p PipelineConfig) SuggestionCap() int {
	if p.MaxSuggestions > 0 && p.MaxSuggestions < 3 {
		return p.MaxSuggestions
	}
	return 3
}

func msOr(ms int, def time.Duration) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
