package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/toutatis-dev/huddle/internal/agents"
	"github.com/toutatis-dev/huddle/internal/providers"
	"github.com/toutatis-dev/huddle/pkg/models"
)

func (c *Controller) registerAgent() {
	c.registry.MustRegister(&Command{
		Name:        "agent",
		Description: "Manage agent profiles",
		Usage:       "/agent [list|use|show|memory|route ...]",
		Category:    "agents",
		Handler:     c.cmdAgent,
	})
}

func (c *Controller) cmdAgent(ctx context.Context, inv *Invocation) (*Result, error) {
	if c.agents == nil {
		return nil, Guide(
			"Agent profiles are unavailable.",
			"This session started without the profile store.",
			"Run /status to check the shared path, then restart huddle.",
		)
	}

	fields := inv.Fields()
	if len(fields) == 0 {
		return c.agentList(ctx)
	}

	sub := strings.ToLower(fields[0])
	args := fields[1:]
	switch sub {
	case "list":
		return c.agentList(ctx)
	case "use":
		return c.agentUse(ctx, args)
	case "show":
		return c.agentShow(ctx, args)
	case "memory":
		return c.agentMemory(ctx, args)
	case "route":
		return c.agentRoute(ctx, args)
	default:
		return nil, Guidef(
			"The subcommands are list, use, show, memory, and route.",
			"Run /agent list to see the profiles.",
			"Unknown /agent subcommand %q.", sub)
	}
}

func (c *Controller) agentList(ctx context.Context) (*Result, error) {
	profiles, err := c.agents.List(ctx)
	if err != nil {
		return nil, Guide(
			"Could not list agent profiles.",
			fmt.Sprintf("Reading agents/profiles failed: %v.", err),
			"Check the shared path with /status, then retry /agent list.",
		).WithCause(err)
	}
	if len(profiles) == 0 {
		return &Result{Text: "No agent profiles yet. Restarting huddle materializes the default."}, nil
	}

	activeID := ""
	if p := c.activeProfile(); p != nil {
		activeID = p.ID
	}

	var b strings.Builder
	b.WriteString("Agent profiles:\n")
	for _, p := range profiles {
		marker := " "
		if p.ID == activeID {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s %-14s v%-3d tools %-8s %s\n",
			marker, p.ID, p.Version, toolModeLabel(p), p.Name)
	}
	b.WriteString("Switch with /agent use <id>.")
	return &Result{Text: b.String()}, nil
}

func (c *Controller) agentUse(ctx context.Context, args []string) (*Result, error) {
	if len(args) == 0 {
		return nil, Guide(
			"No profile given.",
			"/agent use needs the profile id to activate.",
			"Run /agent list, then /agent use <id>.",
		)
	}
	id := strings.ToLower(args[0])
	p, err := c.agents.Get(ctx, id)
	if err != nil {
		var notFound *agents.ErrProfileNotFound
		if errors.As(err, &notFound) {
			return nil, Guidef(
				"It is not in agents/profiles.",
				"Run /agent list to see what exists.",
				"No agent profile named %q.", id).WithCause(err)
		}
		return nil, Guidef(
			fmt.Sprintf("Loading it failed: %v.", err),
			"Check the shared path with /status, then retry.",
			"Could not activate profile %q.", id).WithCause(err)
	}

	c.setProfile(p)
	if c.cfg != nil {
		c.cfg.Agent = p.ID
		if err := c.saveConfig(); err != nil {
			c.logger.Warn(ctx, "persist agent switch", "profile", p.ID, "error", err.Error())
		}
	}
	return &Result{Text: fmt.Sprintf("Agent profile %s active (v%d).", p.ID, p.Version)}, nil
}

func (c *Controller) agentShow(ctx context.Context, args []string) (*Result, error) {
	var p *models.AgentProfile
	if len(args) > 0 {
		got, err := c.agents.Get(ctx, strings.ToLower(args[0]))
		if err != nil {
			return nil, Guidef(
				"Run /agent list to see what exists.",
				"Then /agent show <id>.",
				"Could not load profile %q.", args[0]).WithCause(err)
		}
		p = got
	} else {
		p = c.activeProfile()
		if p == nil {
			return &Result{Text: "No agent profile is active. Run /agent use default."}, nil
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Profile: %s (v%d)\n", p.ID, p.Version)
	if p.Name != "" && p.Name != p.ID {
		fmt.Fprintf(&b, "Name: %s\n", p.Name)
	}
	if p.Description != "" {
		fmt.Fprintf(&b, "About: %s\n", p.Description)
	}
	if p.SystemPrompt != "" {
		fmt.Fprintf(&b, "System prompt: %s\n", firstLine(p.SystemPrompt))
	}

	mode := titleLabel(toolModeLabel(p))
	if len(p.ToolPolicy.AllowedTools) == 0 {
		fmt.Fprintf(&b, "Tools: %s, none allowed (proposals are refused)\n", mode)
	} else {
		approval := "auto-run"
		if p.ToolPolicy.RequireApproval {
			approval = "approval required"
		}
		fmt.Fprintf(&b, "Tools: %s, %s: %s\n", mode, approval,
			strings.Join(p.ToolPolicy.AllowedTools, ", "))
	}

	scopes := make([]string, 0, len(p.MemoryScopes()))
	for _, s := range p.MemoryScopes() {
		scopes = append(scopes, string(s))
	}
	fmt.Fprintf(&b, "Memory scopes: %s\n", strings.Join(scopes, ", "))

	if len(p.RoutingPolicy.Routes) > 0 {
		tasks := make([]string, 0, len(p.RoutingPolicy.Routes))
		for task := range p.RoutingPolicy.Routes {
			tasks = append(tasks, task)
		}
		sort.Strings(tasks)
		b.WriteString("Routes:\n")
		for _, task := range tasks {
			rt := p.RoutingPolicy.Routes[task]
			model := rt.Model
			if model == "" {
				model = "(provider default)"
			}
			fmt.Fprintf(&b, "  %-14s %s/%s\n", task, rt.Provider, model)
		}
	} else {
		b.WriteString("Routes: none (AI config defaults apply)\n")
	}
	if p.UpdatedBy != "" {
		fmt.Fprintf(&b, "Updated by %s", p.UpdatedBy)
	}
	return &Result{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (c *Controller) agentMemory(ctx context.Context, args []string) (*Result, error) {
	p := c.activeProfile()
	if p == nil {
		return nil, Guide(
			"No agent profile is active.",
			"/agent memory edits the active profile's scopes.",
			"Run /agent use <id> first.",
		)
	}
	if len(args) == 0 {
		scopes := make([]string, 0, len(p.MemoryScopes()))
		for _, s := range p.MemoryScopes() {
			scopes = append(scopes, string(s))
		}
		return &Result{Text: fmt.Sprintf("Profile %s reads memory scopes: %s. Change with /agent memory <scope,scope>.",
			p.ID, strings.Join(scopes, ", "))}, nil
	}

	var scopes []models.MemoryScope
	for _, tok := range strings.Split(strings.Join(args, ","), ",") {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok == "" {
			continue
		}
		if tok == "all" {
			scopes = append([]models.MemoryScope(nil), models.AllMemoryScopes...)
			break
		}
		scope := models.MemoryScope(tok)
		if !models.ValidMemoryScope(scope) {
			return nil, Guidef(
				"Scopes are private, repo, team, or all.",
				"Run /agent memory private,team for example.",
				"Unknown memory scope %q.", tok)
		}
		scopes = append(scopes, scope)
	}

	updated := *p
	updated.MemoryPolicy.Scopes = scopes
	saved, err := c.agents.Upsert(ctx, &updated, c.username())
	if err != nil {
		return nil, Guide(
			"Profile was not saved.",
			fmt.Sprintf("Writing the profile failed: %v.", err),
			"Check the shared path with /status, then retry.",
		).WithCause(err)
	}
	c.setProfile(saved)

	labels := make([]string, 0, len(saved.MemoryScopes()))
	for _, s := range saved.MemoryScopes() {
		labels = append(labels, string(s))
	}
	return &Result{Text: fmt.Sprintf("Profile %s now reads scopes %s (v%d).",
		saved.ID, strings.Join(labels, ", "), saved.Version)}, nil
}

func (c *Controller) agentRoute(ctx context.Context, args []string) (*Result, error) {
	p := c.activeProfile()
	if p == nil {
		return nil, Guide(
			"No agent profile is active.",
			"/agent route edits the active profile's routing policy.",
			"Run /agent use <id> first.",
		)
	}
	if len(args) < 2 {
		return nil, Guide(
			"Incomplete route.",
			"/agent route needs a task class and a provider.",
			"Run /agent route <task> <provider> [model], for example /agent route rerank ollama llama3.",
		)
	}

	task := strings.ToLower(args[0])
	provider := strings.ToLower(args[1])
	if !providers.IsKnown(provider) {
		return nil, Guidef(
			fmt.Sprintf("Known providers are %s.", strings.Join(providers.Known(), ", ")),
			"Run /aiproviders to see their state.",
			"Unknown provider %q.", provider)
	}
	model := ""
	if len(args) > 2 {
		model = args[2]
	}

	updated := *p
	updated.RoutingPolicy.Routes = make(map[string]models.RouteTarget, len(p.RoutingPolicy.Routes)+1)
	for k, v := range p.RoutingPolicy.Routes {
		updated.RoutingPolicy.Routes[k] = v
	}
	updated.RoutingPolicy.Routes[task] = models.RouteTarget{Provider: provider, Model: model}

	saved, err := c.agents.Upsert(ctx, &updated, c.username())
	if err != nil {
		return nil, Guide(
			"Profile was not saved.",
			fmt.Sprintf("Writing the profile failed: %v.", err),
			"Check the shared path with /status, then retry.",
		).WithCause(err)
	}
	c.setProfile(saved)

	target := provider
	if model != "" {
		target += "/" + model
	}
	return &Result{Text: fmt.Sprintf("Profile %s routes %s to %s (v%d).",
		saved.ID, task, target, saved.Version)}, nil
}
