package providers

import (
	"fmt"
	"sort"
)

// Settings carries the per-provider connection knobs from the AI
// config. Fields irrelevant to a given provider are ignored.
type Settings struct {
	APIKey  string
	BaseURL string
	Region  string
}

// ErrUnknownProvider wraps an unrecognized provider name.
type ErrUnknownProvider struct {
	Name string
}

func (e *ErrUnknownProvider) Error() string {
	return fmt.Sprintf("unknown provider %q", e.Name)
}

// New returns the adapter for a provider name. Unknown names are an
// error; missing credentials are not, they surface on Invoke.
func New(name string, s Settings) (Invoker, error) {
	switch name {
	case "openai":
		return NewOpenAI(s.APIKey, s.BaseURL), nil
	case "anthropic":
		return NewAnthropic(s.APIKey, s.BaseURL), nil
	case "gemini":
		return NewGemini(s.APIKey), nil
	case "ollama":
		return NewOllama(s.BaseURL), nil
	case "bedrock":
		return NewBedrock(s.Region), nil
	default:
		return nil, &ErrUnknownProvider{Name: name}
	}
}

// Known returns the recognized provider names, sorted.
func Known() []string {
	names := []string{"openai", "anthropic", "gemini", "ollama", "bedrock"}
	sort.Strings(names)
	return names
}

// IsKnown reports whether name maps to an adapter.
func IsKnown(name string) bool {
	switch name {
	case "openai", "anthropic", "gemini", "ollama", "bedrock":
		return true
	default:
		return false
	}
}

// CredentialReady reports whether the settings satisfy the provider's
// credential requirement: an API key for the hosted APIs, a region for
// bedrock (the AWS chain supplies the actual credential), nothing for
// ollama.
func CredentialReady(name string, s Settings) bool {
	switch name {
	case "ollama":
		return true
	case "bedrock":
		return s.Region != ""
	default:
		return s.APIKey != ""
	}
}
