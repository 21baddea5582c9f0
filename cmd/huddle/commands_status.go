package main

import (
	"github.com/spf13/cobra"

	"github.com/toutatis-dev/huddle/internal/onboard"
)

// =============================================================================
// Status / Rooms Commands
// =============================================================================

// buildStatusCmd creates the "status" command for inspecting the shared
// tree without joining the chat.
func buildStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show shared tree health and session configuration",
		Long: `Display the health of the configured shared directory.

Checks the base path, verifies that advisory file locking works there,
and reports room, peer, provider, and pending-action counts. Safe to run
while other peers are chatting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to chat_config.json (defaults to ./chat_config.json)")

	return cmd
}

// buildRoomsCmd creates the "rooms" command.
func buildRoomsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List rooms in the shared tree with peer counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRooms(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to chat_config.json (defaults to ./chat_config.json)")

	return cmd
}

// =============================================================================
// Onboard Command
// =============================================================================

// buildOnboardCmd creates the "onboard" command for first-run setup.
func buildOnboardCmd() *cobra.Command {
	var (
		configPath     string
		opts           onboard.Options
		nonInteractive bool
	)

	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Write first-run configuration",
		Long: `Interactively set up chat_config.json and the AI provider table.

Every prompt can be answered with a flag instead, and --non-interactive
skips the prompts entirely, keeping whatever the flags set. Running
onboard on an existing setup only fills in the gaps; it never clobbers
values you already configured.`,
		Example: `  # Interactive setup
  huddle onboard

  # Scripted setup
  huddle onboard --username alice --path /mnt/team/huddle \
    --provider openai --model gpt-4o-mini --non-interactive`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(cmd, configPath, opts, nonInteractive)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to chat_config.json (defaults to ./chat_config.json)")
	cmd.Flags().StringVar(&opts.Username, "username", "", "Display name peers see")
	cmd.Flags().StringVar(&opts.BasePath, "path", "", "Shared directory every peer mounts")
	cmd.Flags().StringVar(&opts.Theme, "theme", "", "UI theme name")
	cmd.Flags().StringVar(&opts.Room, "room", "", "Room to join on startup")
	cmd.Flags().StringVar(&opts.Provider, "provider", "", "AI provider to configure (openai, anthropic, ollama, gemini, bedrock)")
	cmd.Flags().StringVar(&opts.ProviderKey, "key", "", "API key for the provider (prompted without echo when omitted)")
	cmd.Flags().StringVar(&opts.Model, "model", "", "Default model for the provider")
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Skip prompts; use flags only")

	return cmd
}
