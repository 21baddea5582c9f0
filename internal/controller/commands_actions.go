package controller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/toutatis-dev/huddle/internal/actions"
	"github.com/toutatis-dev/huddle/pkg/models"
)

func (c *Controller) registerActions() {
	c.registry.MustRegister(&Command{
		Name:        "actions",
		Description: "List pending tool actions",
		Usage:       "/actions [prune]",
		Category:    "actions",
		Handler:     c.cmdActions,
	})
	c.registry.MustRegister(&Command{
		Name:        "action",
		Description: "Show one action in full",
		Usage:       "/action <id>",
		Category:    "actions",
		Handler:     c.cmdAction,
	})
	c.registry.MustRegister(&Command{
		Name:        "approve",
		Description: "Approve a pending action and run it",
		Usage:       "/approve <id>",
		Category:    "actions",
		Handler:     c.cmdApprove,
	})
	c.registry.MustRegister(&Command{
		Name:        "deny",
		Description: "Deny a pending action",
		Usage:       "/deny <id>",
		Category:    "actions",
		Handler:     c.cmdDeny,
	})
	c.registry.MustRegister(&Command{
		Name:        "toolpaths",
		Description: "Manage directories tools may touch",
		Usage:       "/toolpaths [add|remove <dir>]",
		Category:    "actions",
		Handler:     c.cmdToolPaths,
	})
}

func (c *Controller) requireActions() error {
	if c.actions == nil {
		return Guide(
			"Tool actions are unavailable.",
			"This session started without the action service.",
			"Run /status to check the session, then restart huddle.",
		)
	}
	return nil
}

func (c *Controller) cmdActions(ctx context.Context, inv *Invocation) (*Result, error) {
	if err := c.requireActions(); err != nil {
		return nil, err
	}

	if strings.EqualFold(strings.TrimSpace(inv.Args), "prune") {
		n := c.actions.Prune()
		if n == 0 {
			return &Result{Text: "Nothing to prune; only settled actions are removed."}, nil
		}
		return &Result{Text: fmt.Sprintf("Pruned %d settled actions.", n)}, nil
	}

	pending := c.actions.Pending()
	if len(pending) == 0 {
		return &Result{Text: "No pending actions."}, nil
	}

	now := time.Now()
	var b strings.Builder
	fmt.Fprintf(&b, "Pending actions (%d):\n", len(pending))
	for _, a := range pending {
		fmt.Fprintf(&b, "  %s  %-12s %-6s %s\n",
			a.ActionID, a.Tool, titleLabel(string(a.RiskLevel)), a.CommandPreview)
		fmt.Fprintf(&b, "            by %s, %s\n", a.User, expiryLabel(a, now))
	}
	b.WriteString("Decide with /approve <id> or /deny <id>; /action <id> shows detail.")
	return &Result{Text: b.String()}, nil
}

func expiryLabel(a *models.ToolAction, now time.Time) string {
	if a.PastTTL(now) {
		return "approval window expired"
	}
	left := a.ExpiresAt.Sub(now).Round(time.Minute)
	if left < time.Minute {
		return "expires in under a minute"
	}
	return fmt.Sprintf("expires in %s", left)
}

func (c *Controller) cmdAction(ctx context.Context, inv *Invocation) (*Result, error) {
	if err := c.requireActions(); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(inv.Args)
	if id == "" {
		return nil, Guide(
			"No action id given.",
			"/action shows one action in full.",
			"Run /actions to list ids, then /action <id>.",
		)
	}

	action, result, err := c.actions.Get(id)
	if err != nil {
		return nil, Guidef(
			"It is not in this session's action table.",
			"Run /actions to list what exists.",
			"No action with id %q.", id).WithCause(err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Action %s: %s\n", action.ActionID, titleLabel(string(action.Status)))
	fmt.Fprintf(&b, "  Tool:    %s (%s risk)\n", action.Tool, string(action.RiskLevel))
	if action.Summary != "" {
		fmt.Fprintf(&b, "  Summary: %s\n", action.Summary)
	}
	fmt.Fprintf(&b, "  Command: %s\n", action.CommandPreview)
	fmt.Fprintf(&b, "  By:      %s (profile %s)\n", action.User, action.AgentProfile)
	if action.Room != "" {
		fmt.Fprintf(&b, "  Room:    #%s\n", action.Room)
	}
	if action.RequestID != "" {
		fmt.Fprintf(&b, "  Request: %s\n", action.RequestID)
	}
	if action.Status == models.ActionPending {
		fmt.Fprintf(&b, "  Window:  %s\n", expiryLabel(action, time.Now()))
	}
	if result != nil {
		fmt.Fprintf(&b, "Result: exit %d in %dms", result.ExitCode, result.DurationMS)
		if result.Truncated {
			b.WriteString(" (output truncated)")
		}
		b.WriteString("\n")
		if result.Err != "" {
			fmt.Fprintf(&b, "  Error: %s\n", result.Err)
		}
		if result.Output != "" {
			b.WriteString(indent(result.Output, "  | "))
			b.WriteString("\n")
		}
	}
	return &Result{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (c *Controller) cmdApprove(ctx context.Context, inv *Invocation) (*Result, error) {
	return c.decide(ctx, inv, actions.DecisionApprove)
}

func (c *Controller) cmdDeny(ctx context.Context, inv *Invocation) (*Result, error) {
	return c.decide(ctx, inv, actions.DecisionDeny)
}

func (c *Controller) decide(ctx context.Context, inv *Invocation, decision actions.Decision) (*Result, error) {
	if err := c.requireActions(); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(inv.Args)
	if id == "" {
		return nil, Guidef(
			"It needs the action id.",
			"Run /actions to list pending ids.",
			"/%s needs an id.", string(decision))
	}

	action, err := c.actions.Decide(ctx, id, decision, c.username())
	if err != nil {
		return nil, c.decisionFailure(id, err)
	}

	switch decision {
	case actions.DecisionApprove:
		return &Result{Text: fmt.Sprintf("Action %s approved; running %s.", action.ActionID, action.Tool)}, nil
	default:
		return &Result{Text: fmt.Sprintf("Action %s denied.", action.ActionID)}, nil
	}
}

// decisionFailure maps the action state machine's refusals onto guided
// errors.
func (c *Controller) decisionFailure(id string, err error) error {
	if errors.Is(err, actions.ErrExpired) {
		return Guidef(
			"Its 24 hour approval window closed before a decision arrived.",
			"Run /actions prune to drop settled actions, then ask the AI to propose it again.",
			"Action %s has expired.", id).WithCause(err)
	}
	var notFound *actions.ErrActionNotFound
	if errors.As(err, &notFound) {
		return Guidef(
			"It is not in this session's action table.",
			"Run /actions to list what exists.",
			"No action with id %q.", id).WithCause(err)
	}
	var state *actions.StateError
	if errors.As(err, &state) {
		return Guidef(
			fmt.Sprintf("It is already %s; settled actions never change.", state.Status),
			fmt.Sprintf("Run /action %s to see how it ended.", id),
			"Action %s was already decided.", id).WithCause(err)
	}
	return Guidef(
		fmt.Sprintf("%v.", err),
		"Run /actions to check its state, then retry.",
		"Decision on %s failed.", id).WithCause(err)
}

func (c *Controller) cmdToolPaths(ctx context.Context, inv *Invocation) (*Result, error) {
	if err := c.requireActions(); err != nil {
		return nil, err
	}
	runner := c.actions.Runner()
	if runner == nil {
		return nil, Guide(
			"Tool paths are unavailable.",
			"This session started without the tool runner.",
			"Run /status to check the session, then restart huddle.",
		)
	}

	fields := inv.Fields()
	if len(fields) == 0 || strings.EqualFold(fields[0], "list") {
		var b strings.Builder
		b.WriteString("Tools may touch:\n")
		fmt.Fprintf(&b, "  %s (base)\n", runner.BaseDir())
		for _, root := range runner.AllowedRoots() {
			if root == runner.BaseDir() {
				continue
			}
			fmt.Fprintf(&b, "  %s\n", root)
		}
		b.WriteString("Add more with /toolpaths add <dir>.")
		return &Result{Text: b.String()}, nil
	}

	sub := strings.ToLower(fields[0])
	if len(fields) < 2 {
		return nil, Guidef(
			"It needs a directory.",
			"Run /toolpaths add <dir> or /toolpaths remove <dir>.",
			"/toolpaths %s needs a path.", sub)
	}
	dir := strings.Join(fields[1:], " ")

	switch sub {
	case "add":
		resolved, err := runner.AddToolPath(dir)
		if err != nil {
			return nil, Guidef(
				fmt.Sprintf("%v.", err),
				"Pass an absolute path to an existing directory.",
				"%q was not added.", dir).WithCause(err)
		}
		if c.cfg != nil {
			c.cfg.ToolPaths = appendUnique(c.cfg.ToolPaths, resolved)
			if err := c.saveConfig(); err != nil {
				c.logger.Warn(ctx, "persist tool paths", "error", err.Error())
			}
		}
		return &Result{Text: fmt.Sprintf("Tools may now touch %s.", resolved)}, nil
	case "remove":
		if !runner.RemoveToolPath(dir) {
			return nil, Guidef(
				"It is not in the allowed list.",
				"Run /toolpaths to see what is registered.",
				"%q was not removed.", dir)
		}
		if c.cfg != nil {
			if abs, err := filepath.Abs(dir); err == nil {
				c.cfg.ToolPaths = removeString(c.cfg.ToolPaths, filepath.Clean(abs))
			}
			c.cfg.ToolPaths = removeString(c.cfg.ToolPaths, dir)
			if err := c.saveConfig(); err != nil {
				c.logger.Warn(ctx, "persist tool paths", "error", err.Error())
			}
		}
		return &Result{Text: fmt.Sprintf("Removed %s from the allowed list.", dir)}, nil
	default:
		return nil, Guidef(
			"The subcommands are list, add, and remove.",
			"Run /toolpaths to see the allowed directories.",
			"Unknown /toolpaths subcommand %q.", sub)
	}
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
