package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Run Command
// =============================================================================

// buildRunCmd creates the "run" command that starts the chat session.
// Bare `huddle` does the same thing; this exists for explicit scripts.
func buildRunCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the chat session",
		Long: `Start the interactive chat session in the current directory.

The session will:
1. Load chat_config.json (and the optional huddle.yaml) from the directory
2. Open the shared base path and verify file locking works there
3. Start the presence heartbeat and the adaptive room monitor
4. Rehydrate pending tool actions from the shared audit log
5. Read lines from stdin: /commands run locally, anything else posts as chat

Graceful shutdown is handled on SIGINT/SIGTERM; while an AI request is
running the first Ctrl+C only cancels the request.`,
		Example: `  # Start in the current directory
  huddle run

  # Start against a config kept elsewhere
  huddle run --config ~/team/chat_config.json

  # Start with debug logging in .local_chat/huddle.log
  huddle run --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to chat_config.json (defaults to ./chat_config.json)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}
