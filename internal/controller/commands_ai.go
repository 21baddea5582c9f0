package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/toutatis-dev/huddle/internal/ai"
	"github.com/toutatis-dev/huddle/internal/config"
	"github.com/toutatis-dev/huddle/internal/providers"
	"github.com/toutatis-dev/huddle/internal/routing"
	"github.com/toutatis-dev/huddle/internal/storage"
	"github.com/toutatis-dev/huddle/pkg/models"
)

func (c *Controller) registerAI() {
	c.registry.MustRegister(&Command{
		Name:        "ai",
		Description: "Ask the model; reply lands in the room log",
		Usage:       "/ai [--provider p] [--model m] [--private] [--no-memory] [--memory-scope s,..] [--act] <prompt>",
		Category:    "assistant",
		Handler:     c.cmdAI,
	})
	c.registry.MustRegister(&Command{
		Name:        "ask",
		Description: "Ask the model with default settings",
		Usage:       "/ask <prompt>",
		Category:    "assistant",
		Handler:     c.cmdAsk,
	})
	c.registry.MustRegister(&Command{
		Name:        "aiproviders",
		Description: "Show provider readiness",
		Usage:       "/aiproviders",
		Category:    "assistant",
		Handler:     c.cmdAIProviders,
	})
	c.registry.MustRegister(&Command{
		Name:        "aiconfig",
		Description: "Show or change provider settings",
		Usage:       "/aiconfig [set-key|set-model|set-provider|streaming|set-region|set-base-url ...]",
		Category:    "assistant",
		Handler:     c.cmdAIConfig,
	})
	c.registry.MustRegister(&Command{
		Name:        "share",
		Description: "Post the last private AI response into this room",
		Usage:       "/share",
		Category:    "assistant",
		Handler:     c.cmdShare,
	})
}

func (c *Controller) cmdAI(ctx context.Context, inv *Invocation) (*Result, error) {
	flags, prompt, err := parseAIFlags(inv.Args)
	if err != nil {
		return nil, Guide(
			"AI request was not started.",
			fmt.Sprintf("%v.", err),
			"Run /help to see the /ai flags, then retry.",
		).WithCause(err)
	}
	return c.runAI(ctx, flags, prompt)
}

func (c *Controller) cmdAsk(ctx context.Context, inv *Invocation) (*Result, error) {
	return c.runAI(ctx, aiFlags{}, inv.Args)
}

// runAI resolves the route and submits one AI request. Shared by /ai,
// /ask, and the playbook confirm flow.
func (c *Controller) runAI(ctx context.Context, flags aiFlags, prompt string) (*Result, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, Guide(
			"AI request was not started.",
			"There was no prompt after the flags.",
			"Run /ai <prompt>, for example /ai summarize this room.",
		)
	}
	if c.ai == nil {
		return nil, Guide(
			"AI request was not started.",
			"This session was built without the AI service.",
			"Restart huddle and check the runtime log for startup errors.",
		)
	}

	profile := c.activeProfile()
	route, err := routing.Resolve("chat", routing.Overrides{
		Provider: flags.Provider,
		Model:    flags.Model,
	}, profile, c.aiConfig)
	if err != nil {
		return nil, Guide(
			"AI request was not started.",
			fmt.Sprintf("%v.", err),
			"Run /aiproviders to review provider setup.",
		).WithCause(err)
	}

	invoker, err := c.invokerFor(route)
	if err != nil {
		return nil, Guide(
			"AI request was not started.",
			fmt.Sprintf("Building the %s client failed: %v.", route.Provider, err),
			"Run /aiproviders to review provider setup.",
		).WithCause(err)
	}

	room := c.currentRoom()
	if flags.Private {
		room = storage.LocalRoom
	}

	req := ai.Request{
		Room:      room,
		User:      c.username(),
		Text:      prompt,
		Route:     route,
		Invoker:   invoker,
		UseMemory: !flags.NoMemory,
		Scopes:    flags.Scopes,
		Act:       flags.Act,
		Profile:   profile,
	}
	if profile != nil {
		req.System = profile.SystemPrompt
		if len(req.Scopes) == 0 {
			req.Scopes = profile.MemoryScopes()
		}
	}
	if pc, ok := c.aiConfig.Provider(route.Provider); ok {
		req.Stream = pc.Streaming
	}
	if req.UseMemory {
		req.RerankInvoker, req.RerankModel = c.rerankInvoker(profile)
	}

	id, err := c.ai.Submit(ctx, req)
	if err != nil {
		if errors.Is(err, ai.ErrBusy) {
			why := "Only one AI request runs at a time."
			if snap, active := c.ai.State().Status(); active {
				why = fmt.Sprintf("Request %s on %s/%s is still running.", snap.RequestID, snap.Provider, snap.Model)
			}
			return nil, Guide("AI request was not started.", why,
				"Wait for it to finish, or press Esc to cancel it, then retry.").WithCause(err)
		}
		return nil, Guide(
			"AI request was not started.",
			fmt.Sprintf("%v.", err),
			"Run /status to inspect the session, then retry.",
		).WithCause(err)
	}

	c.rememberRoute(route, id)
	if flags.Private {
		return &Result{Text: fmt.Sprintf("Private request %s started; the reply lands in #%s.", id, storage.LocalRoom)}, nil
	}
	return &Result{}, nil
}

// rerankInvoker resolves the rerank route when one is configured. A
// missing route or client is not an error; selection stays lexical.
func (c *Controller) rerankInvoker(profile *models.AgentProfile) (providers.Invoker, string) {
	route, err := routing.Resolve("rerank", routing.Overrides{}, profile, c.aiConfig)
	if err != nil {
		return nil, ""
	}
	inv, err := c.invokerFor(route)
	if err != nil {
		return nil, ""
	}
	return inv, route.Model
}

func (c *Controller) cmdAIProviders(ctx context.Context, inv *Invocation) (*Result, error) {
	var b strings.Builder
	b.WriteString("Providers:\n")
	def := ""
	if c.aiConfig != nil {
		def = c.aiConfig.DefaultProvider
	}
	for _, name := range providers.Known() {
		var pc config.ProviderConfig
		configured := false
		if c.aiConfig != nil {
			if got, ok := c.aiConfig.Provider(name); ok {
				configured, pc = true, got
			}
		}

		marker := " "
		if name == def {
			marker = "*"
		}
		settings := providers.Settings{APIKey: pc.APIKey, BaseURL: pc.BaseURL, Region: pc.Region}
		state := describeProvider(name, configured, pc.Model, settings)
		fmt.Fprintf(&b, "%s %-10s %s\n", marker, name, state)
	}
	b.WriteString("* marks the default. Configure with /aiconfig set-key <provider> <key>.")
	return &Result{Text: b.String()}, nil
}

func describeProvider(name string, configured bool, model string, s providers.Settings) string {
	if !configured && name != "ollama" {
		return "not configured"
	}
	if !providers.CredentialReady(name, s) {
		if name == "bedrock" {
			return "needs region (/aiconfig set-region bedrock <aws-region>)"
		}
		return fmt.Sprintf("needs key (/aiconfig set-key %s <key>)", name)
	}
	if model == "" {
		return fmt.Sprintf("ready, no model (/aiconfig set-model %s <model>)", name)
	}
	return fmt.Sprintf("ready (model %s)", model)
}

func (c *Controller) cmdAIConfig(ctx context.Context, inv *Invocation) (*Result, error) {
	if c.aiConfig == nil {
		return nil, Guide(
			"AI config is not loaded.",
			"This session started without .local_chat/ai_config.json.",
			"Restart huddle from your project directory.",
		)
	}

	fields := inv.Fields()
	if len(fields) == 0 {
		return &Result{Text: renderAIConfig(c.aiConfig.Redacted())}, nil
	}

	sub := strings.ToLower(fields[0])
	args := fields[1:]
	switch sub {
	case "set-key":
		return c.aiConfigSet(ctx, args, 2, "/aiconfig set-key <provider> <key>", func(p string, rest []string) string {
			c.aiConfig.SetKey(p, rest[0])
			return fmt.Sprintf("Key saved for %s.", p)
		})
	case "set-model":
		return c.aiConfigSet(ctx, args, 2, "/aiconfig set-model <provider> <model>", func(p string, rest []string) string {
			c.aiConfig.SetModel(p, rest[0])
			return fmt.Sprintf("Model for %s set to %s.", p, rest[0])
		})
	case "set-provider":
		return c.aiConfigSet(ctx, args, 1, "/aiconfig set-provider <provider>", func(p string, _ []string) string {
			c.aiConfig.SetDefaultProvider(p)
			return fmt.Sprintf("Default provider set to %s.", p)
		})
	case "streaming":
		return c.aiConfigSet(ctx, args, 2, "/aiconfig streaming <provider> on|off", func(p string, rest []string) string {
			on := strings.EqualFold(rest[0], "on") || strings.EqualFold(rest[0], "true")
			c.aiConfig.SetStreaming(p, on)
			if on {
				return fmt.Sprintf("Streaming enabled for %s.", p)
			}
			return fmt.Sprintf("Streaming disabled for %s.", p)
		})
	case "set-region":
		return c.aiConfigSet(ctx, args, 2, "/aiconfig set-region <provider> <aws-region>", func(p string, rest []string) string {
			c.aiConfig.SetRegion(p, rest[0])
			return fmt.Sprintf("Region for %s set to %s.", p, rest[0])
		})
	case "set-base-url":
		return c.aiConfigSet(ctx, args, 2, "/aiconfig set-base-url <provider> <url>", func(p string, rest []string) string {
			c.aiConfig.SetBaseURL(p, rest[0])
			return fmt.Sprintf("Base URL for %s set to %s.", p, rest[0])
		})
	default:
		return nil, Guidef(
			"The subcommands are set-key, set-model, set-provider, streaming, set-region, and set-base-url.",
			"Run /aiconfig with no arguments to see the current table.",
			"Unknown /aiconfig subcommand %q.", sub)
	}
}

// aiConfigSet validates a provider-keyed mutation, applies it, and
// persists the table.
func (c *Controller) aiConfigSet(ctx context.Context, args []string, want int, usage string, apply func(provider string, rest []string) string) (*Result, error) {
	if len(args) < want {
		return nil, Guidef(
			fmt.Sprintf("It needs %d arguments.", want),
			fmt.Sprintf("Run %s.", usage),
			"Incomplete /aiconfig command.")
	}
	provider := strings.ToLower(args[0])
	if !providers.IsKnown(provider) {
		return nil, Guidef(
			fmt.Sprintf("Known providers are %s.", strings.Join(providers.Known(), ", ")),
			"Run /aiproviders to see their state.",
			"Unknown provider %q.", provider)
	}

	text := apply(provider, args[1:])
	if err := c.saveAIConfig(); err != nil {
		return nil, Guide(
			"Provider settings were not saved.",
			fmt.Sprintf("Writing ai_config.json failed: %v.", err),
			"Check that .local_chat is writable, then retry.",
		).WithCause(err)
	}
	return &Result{Text: text}, nil
}

// renderAIConfig prints the redacted provider table.
func renderAIConfig(cfg *config.AIConfig) string {
	var b strings.Builder
	def := cfg.DefaultProvider
	if def == "" {
		def = "(none)"
	}
	fmt.Fprintf(&b, "Default provider: %s\n", def)

	names := cfg.ProviderNames()
	if len(names) == 0 {
		b.WriteString("No providers configured. Run /aiconfig set-key <provider> <key>.")
		return b.String()
	}
	sort.Strings(names)
	for _, name := range names {
		pc, _ := cfg.Provider(name)
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
		detail := strings.Join(parts, ", ")
		if detail == "" {
			detail = "(empty)"
		}
		fmt.Fprintf(&b, "  %-10s %s\n", name, detail)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Controller) cmdShare(ctx context.Context, inv *Invocation) (*Result, error) {
	events, _, err := c.store.ReadRecent(ctx, storage.LocalRoom, 200)
	if err != nil {
		return nil, Guide(
			"Nothing was shared.",
			fmt.Sprintf("Reading the private log failed: %v.", err),
			"Run /status to check the session, then retry /share.",
		).WithCause(err)
	}

	var last *models.Event
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == models.EventAIResponse {
			last = events[i]
			break
		}
	}
	if last == nil {
		return nil, Guide(
			"Nothing was shared.",
			fmt.Sprintf("There is no AI response in #%s yet.", storage.LocalRoom),
			"Run /ai --private <prompt> first, then /share the reply.",
		)
	}

	room := c.currentRoom()
	if room == storage.LocalRoom {
		return nil, Guide(
			"Nothing was shared.",
			"The private room is already where that response lives.",
			"Run /join <room> to pick a shared room, then /share again.",
		)
	}

	chat := &models.Event{Type: models.EventChat, Author: c.username(), Text: last.Text}
	if err := c.store.AppendEvent(ctx, room, chat); err != nil {
		return nil, c.appendFailure(room, err)
	}
	credit := &models.Event{
		Type:      models.EventSystem,
		Author:    "system",
		Text:      fmt.Sprintf("Shared from private AI request %s (%s/%s).", last.RequestID, last.Provider, last.Model),
		RequestID: last.RequestID,
	}
	if err := c.store.AppendEvent(ctx, room, credit); err != nil {
		return nil, c.appendFailure(room, err)
	}
	c.refresh()
	return &Result{Text: fmt.Sprintf("Shared the last private AI response into #%s.", room)}, nil
}
