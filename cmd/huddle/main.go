// Package main provides the CLI entry point for Huddle, a multi-user
// terminal chat that runs over any shared directory.
//
// Peers append to per-room JSONL logs guarded by advisory file locks, so a
// synced folder or network mount is the whole transport. The same session
// can route prompts to AI providers (OpenAI, Anthropic, Ollama, Gemini,
// Bedrock), retrieve scoped memory into the prompt, and gate proposed tool
// actions behind explicit approval.
//
// # Basic Usage
//
// Start a chat session in the current directory:
//
//	huddle
//
// First-time setup:
//
//	huddle onboard --username alice --path /mnt/team/huddle
//
// Inspect the shared tree without joining:
//
//	huddle status
//	huddle rooms
//
// Manage AI providers from scripts:
//
//	huddle config set-key openai
//	huddle config set-provider openai
//
// # Files
//
// Huddle keeps its state in the working directory: chat_config.json holds
// identity and the shared base path, .local_chat/ holds provider credentials
// and private memory, and the optional huddle.yaml tunes logging, metrics,
// tracing, and polling. No environment variables are required.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

// main is the entry point for the Huddle CLI.
// It sets up the root command and all subcommands, then executes based on CLI args.
func main() {
	// The chat loop owns stdout, so bootstrap logging goes to stderr. The
	// run handler swaps in the file logger once the local state dir exists.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	// Execute the CLI - Cobra handles argument parsing and command routing.
	// A fatal startup error is the one case the contract maps to exit 1.
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "huddle",
		Short: "Huddle - terminal chat over a shared directory",
		Long: `Huddle turns any shared directory into a team chat with an AI sidekick.

Rooms are append-only JSONL logs under the shared base path; presence,
agent profiles, and action audits live beside them. Everything is plain
files, so a Syncthing folder, an NFS mount, or a USB stick works.

Running huddle with no arguments starts the chat session.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), "", false)
		},
	}

	// Attach all subcommands.
	rootCmd.AddCommand(
		buildRunCmd(),
		buildStatusCmd(),
		buildRoomsCmd(),
		buildConfigCmd(),
		buildOnboardCmd(),
	)

	return rootCmd
}
