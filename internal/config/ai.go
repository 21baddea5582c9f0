package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/toutatis-dev/huddle/internal/storage"
)

// AIConfig mirrors .local_chat/ai_config.json: the provider credential and
// model table consulted by the routing resolver.
type AIConfig struct {
	DefaultProvider string                    `json:"default_provider"`
	Providers       map[string]ProviderConfig `json:"providers"`
}

// ProviderConfig is one provider's entry. Bedrock uses Region instead of an
// API key; Ollama uses BaseURL and needs neither.
type ProviderConfig struct {
	APIKey    string `json:"api_key,omitempty"`
	Model     string `json:"model,omitempty"`
	Streaming bool   `json:"streaming,omitempty"`
	BaseURL   string `json:"base_url,omitempty"`
	Region    string `json:"region,omitempty"`
}

// DefaultAI returns an empty provider table.
func DefaultAI() *AIConfig {
	return &AIConfig{Providers: map[string]ProviderConfig{}}
}

// LoadAI reads ai_config.json leniently. A missing file yields an empty
// table; /aiconfig set-key populates it.
func LoadAI(path string) (*AIConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultAI(), nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := DefaultAI()
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}
	return cfg, nil
}

// SaveAI writes the provider table as plain JSON, atomically.
func SaveAI(path string, cfg *AIConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ai config: %w", err)
	}
	return storage.WriteAtomic(path, append(data, '\n'))
}

// Provider looks up one provider's entry.
func (c *AIConfig) Provider(name string) (ProviderConfig, bool) {
	p, ok := c.Providers[name]
	return p, ok
}

// SetKey stores an API key, creating the provider entry if needed.
func (c *AIConfig) SetKey(provider, key string) {
	p := c.Providers[provider]
	p.APIKey = key
	c.Providers[provider] = p
}

// SetModel stores the default model for a provider.
func (c *AIConfig) SetModel(provider, model string) {
	p := c.Providers[provider]
	p.Model = model
	c.Providers[provider] = p
}

// SetStreaming toggles streaming for a provider.
func (c *AIConfig) SetStreaming(provider string, on bool) {
	p := c.Providers[provider]
	p.Streaming = on
	c.Providers[provider] = p
}

// SetBaseURL stores a provider's endpoint override (ollama daemon,
// openai-compatible gateways).
func (c *AIConfig) SetBaseURL(provider, baseURL string) {
	p := c.Providers[provider]
	p.BaseURL = baseURL
	c.Providers[provider] = p
}

// SetRegion stores the AWS region for bedrock.
func (c *AIConfig) SetRegion(provider, region string) {
	p := c.Providers[provider]
	p.Region = region
	c.Providers[provider] = p
}

// SetDefaultProvider records the provider used when nothing else picks one.
func (c *AIConfig) SetDefaultProvider(provider string) {
	c.DefaultProvider = provider
}

// ProviderNames returns the configured provider names, sorted.
func (c *AIConfig) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Redacted returns a copy safe for display: API keys reduced to a suffix
// hint.
func (c *AIConfig) Redacted() *AIConfig {
	out := &AIConfig{
		DefaultProvider: c.DefaultProvider,
		Providers:       make(map[string]ProviderConfig, len(c.Providers)),
	}
	for name, p := range c.Providers {
		if p.APIKey != "" {
			if n := len(p.APIKey); n > 4 {
				p.APIKey = "..." + p.APIKey[n-4:]
			} else {
				p.APIKey = "..."
			}
		}
		out.Providers[name] = p
	}
	return out
}
