// Package config loads and persists the three configuration surfaces:
// chat_config.json (identity and base path), .local_chat/ai_config.json
// (provider table), and the optional huddle.yaml runtime options. The two
// JSON files are hand-edited in practice, so reads go through json5 and
// tolerate comments and trailing commas; writes emit plain JSON atomically.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/toutatis-dev/huddle/internal/storage"
)

// ChatConfig mirrors <cwd>/chat_config.json.
type ChatConfig struct {
	// Path is the shared base directory the rooms tree lives under.
	Path string `json:"path"`

	Theme    string `json:"theme"`
	Username string `json:"username"`
	Room     string `json:"room"`

	// Agent is the active agent profile id.
	Agent string `json:"agent"`

	// ToolPaths are extra directories tool actions may touch.
	ToolPaths []string `json:"tool_paths"`
}

// DefaultChat returns the first-boot chat configuration.
func DefaultChat() *ChatConfig {
	return &ChatConfig{
		Theme: "default",
		Room:  "general",
		Agent: "default",
	}
}

// LoadChat reads chat_config.json. A missing file yields the defaults so
// first boot can proceed straight into onboarding.
func LoadChat(path string) (*ChatConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultChat(), nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := DefaultChat()
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	applyChatDefaults(cfg)
	return cfg, nil
}

// SaveChat writes the config back as plain JSON, atomically.
func SaveChat(path string, cfg *ChatConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode chat config: %w", err)
	}
	return storage.WriteAtomic(path, append(data, '\n'))
}

func applyChatDefaults(cfg *ChatConfig) {
	if cfg.Theme == "" {
		cfg.Theme = "default"
	}
	if cfg.Room == "" {
		cfg.Room = "general"
	}
	if cfg.Agent == "" {
		cfg.Agent = "default"
	}
}
