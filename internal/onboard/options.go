// Package onboard builds first-run configuration and tracks setup
// progress in onboarding_state.json. The checklist is re-evaluated on
// every /onboard so a half-configured session always sees what is left.
package onboard

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/toutatis-dev/huddle/internal/config"
	"github.com/toutatis-dev/huddle/internal/storage"
	"github.com/toutatis-dev/huddle/pkg/models"
)

// Options captures onboarding inputs, typically from `huddle onboard`
// flags.
type Options struct {
	Username string
	BasePath string
	Theme    string
	Room     string

	Provider    string
	ProviderKey string
	Model       string
}

// BuildChatConfig materializes a chat config from options, filling
// defaults for anything unset.
func BuildChatConfig(opts Options) *config.ChatConfig {
	cfg := config.DefaultChat()
	if strings.TrimSpace(opts.Username) != "" {
		cfg.Username = strings.TrimSpace(opts.Username)
	}
	if strings.TrimSpace(opts.BasePath) != "" {
		cfg.Path = strings.TrimSpace(opts.BasePath)
	}
	if strings.TrimSpace(opts.Theme) != "" {
		cfg.Theme = strings.TrimSpace(opts.Theme)
	}
	if room, err := storage.SanitizeRoom(opts.Room); err == nil && opts.Room != "" {
		cfg.Room = room
	}
	return cfg
}

// ApplyProvider records a provider credential in the AI config,
// optionally promoting it to the default.
func ApplyProvider(ai *config.AIConfig, provider, key, model string, setDefault bool) {
	if ai == nil {
		return
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return
	}
	if strings.TrimSpace(key) != "" {
		ai.SetKey(provider, strings.TrimSpace(key))
	}
	if strings.TrimSpace(model) != "" {
		ai.SetModel(provider, strings.TrimSpace(model))
	}
	if setDefault {
		ai.SetDefaultProvider(provider)
	}
}

// Step is one checklist item.
type Step struct {
	ID    string
	Label string
	Done  bool

	// Hint names the command that completes the step.
	Hint string
}

// Evaluate derives the current checklist from live configuration.
// profileReady reports whether the active agent profile resolves.
func Evaluate(cfg *config.ChatConfig, ai *config.AIConfig, profileReady bool) []Step {
	hasUser := cfg != nil && strings.TrimSpace(cfg.Username) != ""
	hasPath := cfg != nil && strings.TrimSpace(cfg.Path) != ""

	providerReady := false
	if ai != nil {
		for _, name := range ai.ProviderNames() {
			pc, _ := ai.Provider(name)
			if pc.APIKey != "" || name == "ollama" || (name == "bedrock" && pc.Region != "") {
				providerReady = true
				break
			}
		}
	}

	return []Step{
		{ID: "identity", Label: "Pick a username", Done: hasUser,
			Hint: "edit chat_config.json or run huddle onboard --username <name>"},
		{ID: "base_path", Label: "Point at a shared directory", Done: hasPath,
			Hint: "/setpath <dir>"},
		{ID: "provider", Label: "Configure an AI provider", Done: providerReady,
			Hint: "/aiconfig set-key <provider> <key>"},
		{ID: "profile", Label: "Activate an agent profile", Done: profileReady,
			Hint: "/agent use default"},
	}
}

// AllDone reports whether every step completed.
func AllDone(steps []Step) bool {
	for _, s := range steps {
		if !s.Done {
			return false
		}
	}
	return len(steps) > 0
}

// State mirrors onboarding_state.json.
type State struct {
	Steps       map[string]bool `json:"steps"`
	UpdatedAt   string          `json:"updated_at"`
	CompletedAt string          `json:"completed_at,omitempty"`
}

// NewState snapshots a checklist.
func NewState(steps []Step) *State {
	st := &State{
		Steps:     make(map[string]bool, len(steps)),
		UpdatedAt: models.NowISO(),
	}
	for _, s := range steps {
		st.Steps[s.ID] = s.Done
	}
	if AllDone(steps) {
		st.CompletedAt = st.UpdatedAt
	}
	return st
}

// SaveState writes the state file atomically.
func SaveState(path string, st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode onboarding state: %w", err)
	}
	return storage.WriteAtomic(path, append(data, '\n'))
}
