package config

import "time"

// LLMConfig contains provider credentials and retry behavior for
// model calls. A provider with an empty key is simply not registered;
// resolving an agent pinned to that provider's models then fails fast.
type LLMConfig struct {
	// OpenAIAPIKey enables the OpenAI provider (OPENAI_API_KEY).
	OpenAIAPIKey string

	// AnthropicAPIKey enables the Anthropic provider (ANTHROPIC_API_KEY).
	AnthropicAPIKey string

	// MaxRetries is the attempt ceiling for transient provider errors
	// within a single completion.
	MaxRetries int

	// RetryBaseDelay seeds the exponential backoff between attempts.
	RetryBaseDelay time.Duration
}

// DefaultLLMConfig returns the built-in LLM defaults.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		MaxRetries:     3,
		RetryBaseDelay: 1 * time.Second,
	}
}
