package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/toutatis-dev/huddle/internal/actions"
	"github.com/toutatis-dev/huddle/internal/agents"
	"github.com/toutatis-dev/huddle/internal/config"
	"github.com/toutatis-dev/huddle/internal/lockfile"
	"github.com/toutatis-dev/huddle/internal/onboard"
	"github.com/toutatis-dev/huddle/internal/presence"
	"github.com/toutatis-dev/huddle/internal/storage"
)

// =============================================================================
// Status Command Handler
// =============================================================================

// runStatus handles the status command. Everything here is read-only
// except the lock probe, which creates and removes one scratch file.
func runStatus(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	cfg, layout, cfgPath, err := openLayout(configPath)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "huddle %s (commit: %s)\n", version, commit)
	fmt.Fprintf(out, "Config: %s\n", describePath(cfgPath))
	fmt.Fprintf(out, "User: %s\n", displayName(cfg))
	fmt.Fprintf(out, "Shared base: %s\n", describePath(layout.BaseDir))

	if err := lockfile.Probe(layout.BaseDir); err != nil {
		fmt.Fprintf(out, "Lock probe: FAILED (%v)\n", err)
		fmt.Fprintln(out, "Appends cannot be serialized here; pick a base path on a filesystem with working advisory locks.")
	} else {
		fmt.Fprintln(out, "Lock probe: ok")
	}

	store := storage.New(layout, nil, nil)
	rooms, err := store.ListRooms()
	if err != nil {
		fmt.Fprintf(out, "Rooms: unreadable (%v)\n", err)
	} else {
		fmt.Fprintf(out, "Rooms: %d\n", len(rooms))
	}

	reader := presence.NewReader(store, nil, nil)
	peers := reader.Aggregate(cmd.Context(), rooms, true)
	fmt.Fprintf(out, "Peers online: %d\n", len(peers))

	aiCfg, err := config.LoadAI(layout.AIConfigPath())
	if err != nil {
		fmt.Fprintf(out, "AI config: unreadable (%v)\n", err)
	} else {
		def := aiCfg.DefaultProvider
		if def == "" {
			def = "(none)"
		}
		fmt.Fprintf(out, "Providers: %d configured, default %s\n", len(aiCfg.ProviderNames()), def)
	}

	actSvc := actions.NewService(store, layout, actions.NewRunner(layout.BaseDir, 0, nil), nil, nil)
	if err := actSvc.Rehydrate(cmd.Context()); err != nil {
		fmt.Fprintf(out, "Actions: audit unreadable (%v)\n", err)
	} else {
		fmt.Fprintf(out, "Pending actions: %d\n", len(actSvc.Pending()))
	}

	return nil
}

// describePath appends an existence marker so missing files read clearly.
func describePath(path string) string {
	if _, err := os.Stat(path); err != nil {
		return path + " (missing)"
	}
	return path
}

// =============================================================================
// Rooms Command Handler
// =============================================================================

// runRooms handles the rooms command.
func runRooms(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	_, layout, _, err := openLayout(configPath)
	if err != nil {
		return err
	}

	store := storage.New(layout, nil, nil)
	rooms, err := store.ListRooms()
	if err != nil {
		return fmt.Errorf("list rooms under %s: %w", layout.BaseDir, err)
	}
	if len(rooms) == 0 {
		fmt.Fprintf(out, "No rooms yet under %s. Start huddle and say something.\n", layout.BaseDir)
		return nil
	}

	sort.Strings(rooms)
	reader := presence.NewReader(store, nil, nil)
	for _, room := range rooms {
		peers := reader.Snapshot(cmd.Context(), room, true)
		label := "peers"
		if len(peers) == 1 {
			label = "peer"
		}
		fmt.Fprintf(out, "#%-20s %d %s\n", room, len(peers), label)
	}
	return nil
}

// =============================================================================
// Onboard Command Handler
// =============================================================================

// runOnboard handles the onboard command.
func runOnboard(cmd *cobra.Command, configPath string, opts onboard.Options, nonInteractive bool) error {
	out := cmd.OutOrStdout()
	cfgPath, err := resolveChatConfigPath(configPath)
	if err != nil {
		return err
	}

	// Existing values become defaults so re-running onboard only fills gaps.
	existing, err := config.LoadChat(cfgPath)
	if err != nil {
		return err
	}
	if opts.Username == "" {
		opts.Username = existing.Username
	}
	if opts.BasePath == "" {
		opts.BasePath = existing.Path
	}
	if opts.Theme == "" {
		opts.Theme = existing.Theme
	}
	if opts.Room == "" {
		opts.Room = existing.Room
	}

	if !nonInteractive {
		reader := bufio.NewReader(os.Stdin)
		if strings.TrimSpace(opts.Username) == "" {
			opts.Username = promptString(reader, "Username peers will see", "")
		}
		if strings.TrimSpace(opts.BasePath) == "" {
			opts.BasePath = promptString(reader, "Shared directory", defaultBasePath(cfgPath))
		}
		if strings.TrimSpace(opts.Provider) == "" {
			opts.Provider = promptString(reader, "AI provider (openai/anthropic/ollama/gemini/bedrock, empty to skip)", "")
		}
		if p := strings.ToLower(strings.TrimSpace(opts.Provider)); p != "" && p != "ollama" && strings.TrimSpace(opts.ProviderKey) == "" {
			opts.ProviderKey = promptPassword(reader, "Provider API key")
		}
		if strings.TrimSpace(opts.Provider) != "" && strings.TrimSpace(opts.Model) == "" {
			opts.Model = promptString(reader, "Default model", "")
		}
	}

	cfg := onboard.BuildChatConfig(opts)
	// Options carry no agent or tool paths, so keep whatever was configured.
	if strings.TrimSpace(existing.Agent) != "" {
		cfg.Agent = existing.Agent
	}
	if len(existing.ToolPaths) > 0 {
		cfg.ToolPaths = existing.ToolPaths
	}
	if err := config.SaveChat(cfgPath, cfg); err != nil {
		return err
	}

	_, layout, _, err := openLayout(cfgPath)
	if err != nil {
		return err
	}
	if err := layout.EnsureBase(); err != nil {
		return fmt.Errorf("prepare shared tree: %w", err)
	}
	if err := layout.EnsureLocal(); err != nil {
		return fmt.Errorf("prepare local state: %w", err)
	}

	aiCfg, err := config.LoadAI(layout.AIConfigPath())
	if err != nil {
		return err
	}
	onboard.ApplyProvider(aiCfg, opts.Provider, opts.ProviderKey, opts.Model, true)
	if err := config.SaveAI(layout.AIConfigPath(), aiCfg); err != nil {
		return err
	}

	agentStore := agents.NewStore(layout, nil, nil)
	profile, err := agentStore.EnsureDefault(cmd.Context(), displayName(cfg))
	if err != nil {
		fmt.Fprintf(out, "Warning: default agent profile not written: %v\n", err)
	}

	steps := onboard.Evaluate(cfg, aiCfg, err == nil && profile != nil)
	fmt.Fprintln(out, "Setup checklist:")
	for _, s := range steps {
		mark := " "
		if s.Done {
			mark = "x"
		}
		fmt.Fprintf(out, "  [%s] %s", mark, s.Label)
		if !s.Done {
			fmt.Fprintf(out, "  (%s)", s.Hint)
		}
		fmt.Fprintln(out)
	}
	if err := onboard.SaveState(layout.OnboardingStatePath(), onboard.NewState(steps)); err != nil {
		fmt.Fprintf(out, "Warning: onboarding state not written: %v\n", err)
	}

	fmt.Fprintf(out, "Config written: %s\n", cfgPath)
	if onboard.AllDone(steps) {
		fmt.Fprintln(out, "All set. Start chatting with: huddle")
	}
	return nil
}

// defaultBasePath suggests a shared directory next to the config file.
func defaultBasePath(cfgPath string) string {
	return filepath.Join(filepath.Dir(cfgPath), "huddle_shared")
}
