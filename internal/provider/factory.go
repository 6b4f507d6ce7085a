package provider

import (
	"fmt"

	"termhint/internal/config"
	"termhint/internal/logging"
)

// NewClientFromConfig builds the transport client selected by the user
// config. Credential absence is not an error here; it surfaces as
// MissingCredentialError on first use so a misconfigured backend fails at
// call time with a typed error.
func NewClientFromConfig(cfg *config.UserConfig) (Client, error) {
	name, apiKey := cfg.GetActiveProvider()
	if name == "" {
		return nil, fmt.Errorf("no provider configured: set a provider or an API key")
	}

	effort := ReasoningEffort(cfg.ReasoningEffort)
	switch effort {
	case EffortNone, EffortLow, EffortMedium, EffortHigh:
	default:
		logging.ProviderWarn("unknown reasoning_effort %q, ignoring", cfg.ReasoningEffort)
		effort = EffortNone
	}

	var client Client
	switch Provider(name) {
	case ProviderOpenAI:
		c := DefaultOpenAIConfig(apiKey)
		c.Effort = effort
		if cfg.Model != "" {
			c.Model = cfg.Model
		}
		client = NewOpenAIClientWithConfig(c)
	case ProviderAnthropic:
		c := DefaultAnthropicConfig(apiKey)
		c.Effort = effort
		if cfg.Model != "" {
			c.Model = cfg.Model
		}
		client = NewAnthropicClientWithConfig(c)
	case ProviderGemini:
		c := DefaultGeminiConfig(apiKey)
		if cfg.Model != "" {
			c.Model = cfg.Model
		}
		client = NewGeminiClientWithConfig(c)
	case ProviderLocal:
		c := DefaultLocalConfig()
		if cfg.LocalBaseURL != "" {
			c.BaseURL = cfg.LocalBaseURL
		}
		if cfg.Model != "" {
			c.Model = cfg.Model
		}
		client = NewLocalClientWithConfig(c)
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}

	logging.Provider("transport ready: provider=%s model=%s", client.ProviderName(), client.Model())
	return client, nil
}
