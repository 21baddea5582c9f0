package controller

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/toutatis-dev/huddle/internal/onboard"
	"github.com/toutatis-dev/huddle/pkg/models"
)

// titleLabel renders an enum token ("low", "run_command") as a display
// label ("Low", "Run Command").
func titleLabel(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "_", " ")
	return cases.Title(language.English).String(s)
}

func (c *Controller) registerCore() {
	c.registry.MustRegister(&Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "List commands by category",
		Usage:       "/help",
		Category:    "session",
		Handler:     c.cmdHelp,
	})
	c.registry.MustRegister(&Command{
		Name:        "onboard",
		Description: "Show the setup checklist",
		Usage:       "/onboard",
		Category:    "session",
		Handler:     c.cmdOnboard,
	})
	c.registry.MustRegister(&Command{
		Name:        "theme",
		Description: "Show or switch the UI theme",
		Usage:       "/theme [name]",
		Category:    "session",
		Handler:     c.cmdTheme,
	})
	c.registry.MustRegister(&Command{
		Name:        "setpath",
		Description: "Point the session at a shared directory",
		Usage:       "/setpath <dir>",
		Category:    "session",
		Handler:     c.cmdSetPath,
	})
	c.registry.MustRegister(&Command{
		Name:        "status",
		Description: "Show session, AI, and action state",
		Usage:       "/status",
		Category:    "session",
		Handler:     c.cmdStatus,
	})
	c.registry.MustRegister(&Command{
		Name:        "me",
		Description: "Post an action line to the room",
		Usage:       "/me <does something>",
		Category:    "rooms",
		Handler:     c.cmdMe,
	})
	c.registry.MustRegister(&Command{
		Name:        "explain",
		Description: "Explain the last AI routing decision and citations",
		Usage:       "/explain",
		Category:    "assistant",
		Handler:     c.cmdExplain,
	})
	c.registry.MustRegister(&Command{
		Name:        "playbook",
		Description: "List playbooks or stage one to run",
		Usage:       "/playbook [name]",
		Category:    "assistant",
		Handler:     c.cmdPlaybook,
	})
	c.registry.MustRegister(&Command{
		Name:        "clear",
		Description: "Clear the message pane",
		Usage:       "/clear",
		Category:    "session",
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			return &Result{Clear: true}, nil
		},
	})
	c.registry.MustRegister(&Command{
		Name:        "exit",
		Aliases:     []string{"quit", "q"},
		Description: "Leave the session",
		Usage:       "/exit",
		Category:    "session",
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			return &Result{Text: "Goodbye.", Exit: true}, nil
		},
	})
}

func (c *Controller) cmdHelp(ctx context.Context, inv *Invocation) (*Result, error) {
	grouped := c.registry.ByCategory()
	categories := make([]string, 0, len(grouped))
	for cat := range grouped {
		categories = append(categories, cat)
	}
	sort.Strings(categories)

	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, cat := range categories {
		fmt.Fprintf(&b, "\n%s\n", titleLabel(cat))
		for _, cmd := range grouped[cat] {
			usage := cmd.Usage
			if usage == "" {
				usage = "/" + cmd.Name
			}
			fmt.Fprintf(&b, "  %-34s %s\n", usage, cmd.Description)
		}
	}
	b.WriteString("\nAnything without a leading / is sent to the room as chat.")
	return &Result{Text: b.String()}, nil
}

func (c *Controller) cmdOnboard(ctx context.Context, inv *Invocation) (*Result, error) {
	steps := onboard.Evaluate(c.cfg, c.aiConfig, c.activeProfile() != nil)

	var b strings.Builder
	b.WriteString("Setup checklist:\n")
	for _, s := range steps {
		mark := " "
		if s.Done {
			mark = "x"
		}
		fmt.Fprintf(&b, "  [%s] %s", mark, s.Label)
		if !s.Done {
			fmt.Fprintf(&b, "  (%s)", s.Hint)
		}
		b.WriteString("\n")
	}
	if onboard.AllDone(steps) {
		b.WriteString("All set. Type a message, or /ai <prompt> to ask the model.")
	} else {
		b.WriteString("Finish the unchecked steps, then run /onboard again.")
	}

	if err := onboard.SaveState(c.layout.OnboardingStatePath(), onboard.NewState(steps)); err != nil {
		c.logger.Warn(ctx, "persist onboarding state", "error", err.Error())
	}
	return &Result{Text: b.String()}, nil
}

func (c *Controller) cmdTheme(ctx context.Context, inv *Invocation) (*Result, error) {
	name := strings.ToLower(strings.TrimSpace(inv.Args))
	if name == "" {
		current := "default"
		if c.cfg != nil && c.cfg.Theme != "" {
			current = c.cfg.Theme
		}
		return &Result{Text: fmt.Sprintf("Theme: %s. Switch with /theme <name>.", current)}, nil
	}
	if c.cfg == nil {
		return nil, Guide(
			"Theme was not saved.",
			"No chat config is loaded for this session.",
			"Run /setpath to initialize the session, then try again.",
		)
	}
	c.cfg.Theme = name
	if err := c.saveConfig(); err != nil {
		return nil, Guide(
			"Theme was not saved.",
			fmt.Sprintf("Writing chat_config.json failed: %v.", err),
			"Check that the working directory is writable and retry /theme.",
		).WithCause(err)
	}
	return &Result{Text: fmt.Sprintf("Theme set to %s.", name)}, nil
}

func (c *Controller) cmdSetPath(ctx context.Context, inv *Invocation) (*Result, error) {
	dir := strings.TrimSpace(inv.Args)
	if dir == "" {
		return nil, Guide(
			"No directory given.",
			"/setpath needs the shared directory every peer mounts.",
			"Run /setpath <dir>, for example /setpath /mnt/team/huddle.",
		)
	}
	if c.cfg == nil {
		return nil, Guide(
			"Shared path was not saved.",
			"No chat config is loaded for this session.",
			"Start huddle from the directory that holds chat_config.json.",
		)
	}
	c.cfg.Path = dir
	if err := c.saveConfig(); err != nil {
		return nil, Guide(
			"Shared path was not saved.",
			fmt.Sprintf("Writing chat_config.json failed: %v.", err),
			"Check that the working directory is writable and retry /setpath.",
		).WithCause(err)
	}
	return &Result{
		Text: fmt.Sprintf("Shared path set to %s. Restart huddle to reopen the logs there.", dir),
	}, nil
}

func (c *Controller) cmdStatus(ctx context.Context, inv *Invocation) (*Result, error) {
	room := c.currentRoom()

	var b strings.Builder
	fmt.Fprintf(&b, "User: %s\n", c.username())
	fmt.Fprintf(&b, "Room: #%s\n", room)
	if c.cfg != nil {
		path := c.cfg.Path
		if path == "" {
			path = "(unset; run /setpath)"
		}
		fmt.Fprintf(&b, "Shared path: %s\n", path)
	}

	if p := c.activeProfile(); p != nil {
		fmt.Fprintf(&b, "Agent: %s (v%d, tools %s)\n", p.ID, p.Version, toolModeLabel(p))
	} else {
		b.WriteString("Agent: none (run /agent use default)\n")
	}

	if c.presence != nil {
		online := c.presence.Snapshot(ctx, room, false)
		fmt.Fprintf(&b, "Online here: %d\n", len(online))
	}

	if c.ai != nil {
		if snap, active := c.ai.State().Status(); active {
			fmt.Fprintf(&b, "AI: request %s on %s/%s running for %s",
				snap.RequestID, snap.Provider, snap.Model,
				time.Since(snap.StartedAt).Round(time.Second))
			if snap.RetryCount > 0 {
				fmt.Fprintf(&b, " (retried %d)", snap.RetryCount)
			}
			if snap.Cancelled {
				b.WriteString(" (cancelling)")
			}
			b.WriteString("\n")
		} else {
			b.WriteString("AI: idle\n")
		}
	}

	if c.actions != nil {
		pending := c.actions.Pending()
		fmt.Fprintf(&b, "Pending actions: %d", len(pending))
		if len(pending) > 0 {
			b.WriteString(" (/actions to review)")
		}
	}
	return &Result{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func toolModeLabel(p *models.AgentProfile) string {
	mode := p.ToolPolicy.Mode
	if mode == "" {
		mode = "off"
	}
	return mode
}

func (c *Controller) cmdMe(ctx context.Context, inv *Invocation) (*Result, error) {
	text := strings.TrimSpace(inv.Args)
	if text == "" {
		return nil, Guide(
			"Nothing to act out.",
			"/me posts a third-person action line and needs text.",
			"Try /me waves, or just type a message to chat.",
		)
	}
	return c.appendUserEvent(ctx, models.EventMe, text)
}

func (c *Controller) cmdExplain(ctx context.Context, inv *Invocation) (*Result, error) {
	c.mu.Lock()
	route := c.lastRoute
	requestID := c.lastRequestID
	c.mu.Unlock()

	if route == nil {
		return &Result{Text: "No AI request yet this session. Run /ai <prompt> first."}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Last AI request: %s\n", requestID)
	fmt.Fprintf(&b, "Route: %s/%s\n", route.Provider, route.Model)
	fmt.Fprintf(&b, "Decision: %s\n", route.Reason)

	if resp := c.findResponse(requestID); resp != nil {
		if len(resp.MemoryIDsUsed) > 0 {
			fmt.Fprintf(&b, "Memory cited: %s\n", strings.Join(resp.MemoryIDsUsed, ", "))
			if len(resp.MemoryTopicsUsed) > 0 {
				fmt.Fprintf(&b, "Memory topics: %s\n", strings.Join(resp.MemoryTopicsUsed, ", "))
			}
		} else {
			b.WriteString("Memory cited: none\n")
		}
	} else {
		b.WriteString("Response: not visible in this room yet.\n")
	}
	return &Result{Text: strings.TrimRight(b.String(), "\n")}, nil
}

// findResponse locates the ai_response row for a request id in the
// monitor's in-memory window.
func (c *Controller) findResponse(requestID string) *models.Event {
	if c.monitor == nil || requestID == "" {
		return nil
	}
	events := c.monitor.Events()
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Type == models.EventAIResponse && ev.RequestID == requestID {
			return ev
		}
	}
	return nil
}

func (c *Controller) cmdPlaybook(ctx context.Context, inv *Invocation) (*Result, error) {
	name := strings.ToLower(strings.TrimSpace(inv.Args))
	if name == "" {
		if len(c.playbooks) == 0 {
			return &Result{Text: "No playbooks are installed."}, nil
		}
		names := make([]string, 0, len(c.playbooks))
		for n := range c.playbooks {
			names = append(names, n)
		}
		sort.Strings(names)
		var b strings.Builder
		b.WriteString("Playbooks:\n")
		for _, n := range names {
			fmt.Fprintf(&b, "  %-18s %s\n", n, firstLine(c.playbooks[n]))
		}
		b.WriteString("Run one with /playbook <name>.")
		return &Result{Text: b.String()}, nil
	}

	prompt, ok := c.playbooks[name]
	if !ok {
		return nil, Guidef(
			"Playbook names are fixed at startup.",
			"Run /playbook with no argument to list them.",
			"No playbook named %q.", name)
	}

	c.armModal(func(ctx context.Context, line string) (*Result, bool, error) {
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			res, err := c.runAI(ctx, aiFlags{}, prompt)
			if err != nil {
				return nil, true, err
			}
			if res == nil {
				res = &Result{}
			}
			if res.Text == "" {
				res.Text = fmt.Sprintf("Playbook %s started.", name)
			}
			return res, true, nil
		case "n", "no":
			return &Result{Text: "Playbook cancelled."}, true, nil
		default:
			return nil, false, nil
		}
	})

	return &Result{
		Text: fmt.Sprintf("Playbook %s:\n%s\n\nRun it now? (y/n)", name, indent(prompt, "  ")),
	}, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	const max = 60
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
