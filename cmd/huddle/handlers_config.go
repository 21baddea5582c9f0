package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/toutatis-dev/huddle/internal/config"
	"github.com/toutatis-dev/huddle/internal/providers"
)

// =============================================================================
// Config Command Handlers
// =============================================================================

// aiConfigMutator is the slice of config.AIConfig the mutation closures
// need; a named interface keeps the command builders free of the type.
type aiConfigMutator interface {
	SetKey(provider, key string)
	SetModel(provider, model string)
	SetDefaultProvider(provider string)
	SetStreaming(provider string, on bool)
	SetRegion(provider, region string)
	SetBaseURL(provider, baseURL string)
}

// loadAIConfig resolves the layout and reads the provider table.
func loadAIConfig(configPath string) (*config.AIConfig, string, error) {
	_, layout, _, err := openLayout(configPath)
	if err != nil {
		return nil, "", err
	}
	if err := layout.EnsureLocal(); err != nil {
		return nil, "", fmt.Errorf("prepare local state: %w", err)
	}
	cfg, err := config.LoadAI(layout.AIConfigPath())
	if err != nil {
		return nil, "", err
	}
	return cfg, layout.AIConfigPath(), nil
}

// runConfigShow prints the redacted provider table.
func runConfigShow(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	cfg, _, err := loadAIConfig(configPath)
	if err != nil {
		return err
	}
	redacted := cfg.Redacted()

	def := redacted.DefaultProvider
	if def == "" {
		def = "(none)"
	}
	fmt.Fprintf(out, "Default provider: %s\n", def)

	names := redacted.ProviderNames()
	if len(names) == 0 {
		fmt.Fprintln(out, "No providers configured. Run huddle config set-key <provider>.")
		return nil
	}
	sort.Strings(names)
	for _, name := range names {
		pc, _ := redacted.Provider(name)
		parts := make([]string, 0, 4)
		if pc.APIKey != "" {
			parts = append(parts, "key "+pc.APIKey)
		}
		if pc.Model != "" {
			parts = append(parts, "model "+pc.Model)
		}
		if pc.Region != "" {
			parts = append(parts, "region "+pc.Region)
		}
		if pc.BaseURL != "" {
			parts = append(parts, "url "+pc.BaseURL)
		}
		if pc.Streaming {
			parts = append(parts, "streaming")
		}
		if len(parts) == 0 {
			fmt.Fprintf(out, "  %s: (empty)\n", name)
			continue
		}
		fmt.Fprintf(out, "  %s: %s\n", name, strings.Join(parts, ", "))
	}
	return nil
}

// runConfigSetKey stores a provider key, prompting without echo when the
// key was not passed on the command line.
func runConfigSetKey(cmd *cobra.Command, configPath, provider, key string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !providers.IsKnown(provider) {
		return fmt.Errorf("unknown provider %q (known: %s)", provider, strings.Join(providers.Known(), ", "))
	}
	if strings.TrimSpace(key) == "" {
		key = promptPassword(bufio.NewReader(os.Stdin), fmt.Sprintf("API key for %s", provider))
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("no key given for %s", provider)
	}

	cfg, path, err := loadAIConfig(configPath)
	if err != nil {
		return err
	}
	cfg.SetKey(provider, strings.TrimSpace(key))
	if err := config.SaveAI(path, cfg); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Key saved for %s.\n", provider)
	return nil
}

// runConfigStreaming flips the streaming flag for a provider.
func runConfigStreaming(cmd *cobra.Command, configPath, provider, mode string) error {
	on := strings.EqualFold(mode, "on") || strings.EqualFold(mode, "true")
	if !on && !strings.EqualFold(mode, "off") && !strings.EqualFold(mode, "false") {
		return fmt.Errorf("streaming takes on or off, not %q", mode)
	}
	return runConfigMutation(cmd, configPath, provider, func(cfg aiConfigMutator, p string) string {
		cfg.SetStreaming(p, on)
		if on {
			return "Streaming enabled for " + p + "."
		}
		return "Streaming disabled for " + p + "."
	})
}

// runConfigMutation validates the provider, applies one change, and saves
// the table.
func runConfigMutation(cmd *cobra.Command, configPath, provider string, apply func(cfg aiConfigMutator, provider string) string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !providers.IsKnown(provider) {
		return fmt.Errorf("unknown provider %q (known: %s)", provider, strings.Join(providers.Known(), ", "))
	}

	cfg, path, err := loadAIConfig(configPath)
	if err != nil {
		return err
	}
	text := apply(cfg, provider)
	if err := config.SaveAI(path, cfg); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), text)
	return nil
}

// =============================================================================
// Prompt Helpers
// =============================================================================

// promptString asks one question on stdout and reads a line, falling back
// to the default when the answer is blank.
func promptString(reader *bufio.Reader, label string, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", label, defaultValue)
	} else {
		fmt.Printf("%s: ", label)
	}
	text, _ := reader.ReadString('\n')
	text = strings.TrimSpace(text)
	if text == "" {
		return defaultValue
	}
	return text
}

// promptPassword prompts for a secret without echoing it. When stdin is
// not a terminal (pipes, tests) it falls back to a plain line read.
func promptPassword(reader *bufio.Reader, label string) string {
	fmt.Printf("%s: ", label)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		text, err := term.ReadPassword(fd)
		fmt.Println()
		if err == nil {
			return strings.TrimSpace(string(text))
		}
	}
	text, err := reader.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}
