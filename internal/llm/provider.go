package llm

import (
	"os"
	"strings"
)

// Provider identifies a chat model provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderOllama    Provider = "ollama"
)

// ParseModelString parses a provider-id string into provider and model
// name. Both "provider:model" and "provider/model" separators are
// accepted:
//
//	"openai:gpt-4.1-nano"      → (openai, "gpt-4.1-nano")
//	"anthropic/claude-sonnet"  → (anthropic, "claude-sonnet")
//	"claude-sonnet-4-20250514" → (anthropic, inferred from name)
//	"gpt-4o"                   → (openai, inferred from name)
func ParseModelString(model string) (Provider, string) {
	for _, sep := range []string{":", "/"} {
		if prefix, name, ok := strings.Cut(model, sep); ok && prefix != "" && name != "" {
			switch strings.ToLower(prefix) {
			case "anthropic":
				return ProviderAnthropic, name
			case "openai":
				return ProviderOpenAI, name
			case "ollama":
				return ProviderOllama, name
			}
		}
	}

	lower := strings.ToLower(model)
	if strings.HasPrefix(lower, "claude") {
		return ProviderAnthropic, model
	}
	if strings.HasPrefix(lower, "gpt-") || strings.HasPrefix(lower, "o1") || strings.HasPrefix(lower, "o3") || strings.HasPrefix(lower, "o4") {
		return ProviderOpenAI, model
	}

	if os.Getenv("OLLAMA_HOST") != "" {
		return ProviderOllama, model
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return ProviderOpenAI, model
	}
	return ProviderAnthropic, model
}

// NewClientForModel resolves a provider-id string into a client and the
// bare model name.
//
// Environment variables used:
//
//	ANTHROPIC_API_KEY  — Anthropic API key (read by the SDK)
//	OPENAI_API_KEY     — OpenAI API key
//	OPENAI_BASE_URL    — Custom OpenAI-compatible base URL
//	OLLAMA_HOST        — Ollama server address
func NewClientForModel(model string) (Client, string) {
	provider, name := ParseModelString(model)

	switch provider {
	case ProviderOllama:
		return NewOllamaClient(os.Getenv("OLLAMA_HOST")), name
	case ProviderOpenAI:
		apiKey := os.Getenv("OPENAI_API_KEY")
		if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
			return NewOpenAICompatibleClient(baseURL, apiKey), name
		}
		return NewOpenAIClient(apiKey), name
	default:
		return NewAnthropicClient(), name
	}
}
