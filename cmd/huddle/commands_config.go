package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Config Command Group
// =============================================================================

// buildConfigCmd creates the "config" command group. These mirror the
// in-session /aiconfig subcommands so scripts and dotfile managers can
// drive the provider table without joining the chat.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage AI provider settings",
		Long: `Manage the provider table in .local_chat/ai_config.json.

Credentials never print: show redacts keys to their last four characters,
and set-key reads the key without echo when it is not given as an argument.`,
	}
	cmd.AddCommand(
		buildConfigShowCmd(),
		buildConfigSetKeyCmd(),
		buildConfigSetModelCmd(),
		buildConfigSetProviderCmd(),
		buildConfigStreamingCmd(),
		buildConfigSetRegionCmd(),
		buildConfigSetBaseURLCmd(),
	)
	return cmd
}

func buildConfigShowCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the provider table with keys redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to chat_config.json (defaults to ./chat_config.json)")
	return cmd
}

func buildConfigSetKeyCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "set-key <provider> [key]",
		Short: "Store an API key (prompts without echo when omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) > 1 {
				key = args[1]
			}
			return runConfigSetKey(cmd, configPath, args[0], key)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to chat_config.json (defaults to ./chat_config.json)")
	return cmd
}

func buildConfigSetModelCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "set-model <provider> <model>",
		Short: "Set the default model for a provider",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigMutation(cmd, configPath, args[0], func(cfg aiConfigMutator, provider string) string {
				cfg.SetModel(provider, args[1])
				return "Model for " + provider + " set to " + args[1] + "."
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to chat_config.json (defaults to ./chat_config.json)")
	return cmd
}

func buildConfigSetProviderCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "set-provider <provider>",
		Short: "Pick the default provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigMutation(cmd, configPath, args[0], func(cfg aiConfigMutator, provider string) string {
				cfg.SetDefaultProvider(provider)
				return "Default provider set to " + provider + "."
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to chat_config.json (defaults to ./chat_config.json)")
	return cmd
}

func buildConfigStreamingCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "streaming <provider> <on|off>",
		Short: "Toggle token streaming for a provider",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigStreaming(cmd, configPath, args[0], args[1])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to chat_config.json (defaults to ./chat_config.json)")
	return cmd
}

func buildConfigSetRegionCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "set-region <provider> <aws-region>",
		Short: "Set the AWS region (bedrock)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigMutation(cmd, configPath, args[0], func(cfg aiConfigMutator, provider string) string {
				cfg.SetRegion(provider, args[1])
				return "Region for " + provider + " set to " + args[1] + "."
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to chat_config.json (defaults to ./chat_config.json)")
	return cmd
}

func buildConfigSetBaseURLCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "set-base-url <provider> <url>",
		Short: "Set a custom endpoint (ollama, proxies)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigMutation(cmd, configPath, args[0], func(cfg aiConfigMutator, provider string) string {
				cfg.SetBaseURL(provider, args[1])
				return "Base URL for " + provider + " set to " + args[1] + "."
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to chat_config.json (defaults to ./chat_config.json)")
	return cmd
}
