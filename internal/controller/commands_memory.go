package controller

import (
	"context"
	"fmt"
	"strings"

	"github.com/toutatis-dev/huddle/internal/memory"
	"github.com/toutatis-dev/huddle/internal/routing"
	"github.com/toutatis-dev/huddle/internal/storage"
	"github.com/toutatis-dev/huddle/pkg/models"
)

func (c *Controller) registerMemory() {
	c.registry.MustRegister(&Command{
		Name:        "memory",
		Aliases:     []string{"mem"},
		Description: "Draft, save, and search memory entries",
		Usage:       "/memory [add|confirm|cancel|edit|scope|list|search ...]",
		Category:    "memory",
		Handler:     c.cmdMemory,
	})
}

func (c *Controller) cmdMemory(ctx context.Context, inv *Invocation) (*Result, error) {
	if c.memStore == nil {
		return nil, Guide(
			"Memory is unavailable.",
			"This session started without the memory store.",
			"Run /status to check the session, then restart huddle.",
		)
	}

	fields := inv.Fields()
	if len(fields) == 0 {
		return c.memoryList(ctx, nil)
	}

	sub := strings.ToLower(fields[0])
	args := fields[1:]
	switch sub {
	case "add":
		return c.memoryAdd(ctx)
	case "confirm":
		return c.memoryConfirm(ctx)
	case "cancel":
		return c.memoryCancel()
	case "edit":
		return c.memoryEdit(args)
	case "scope":
		return c.memoryScope(args)
	case "list":
		return c.memoryList(ctx, args)
	case "search":
		return c.memorySearch(ctx, strings.Join(args, " "))
	default:
		return nil, Guidef(
			"The subcommands are add, confirm, cancel, edit, scope, list, and search.",
			"Run /memory add after an AI reply to draft an entry from it.",
			"Unknown /memory subcommand %q.", sub)
	}
}

// memoryAdd drafts an entry from the most recent AI response and stages
// it for review.
func (c *Controller) memoryAdd(ctx context.Context) (*Result, error) {
	source, room := c.lastAssistantReply(ctx)
	if source == nil {
		return nil, Guide(
			"Nothing to remember yet.",
			"/memory add distills the most recent AI response, and there is none.",
			"Run /ai <prompt> first, then /memory add.",
		)
	}

	route, err := routing.Resolve("memory_draft", routing.Overrides{}, c.activeProfile(), c.aiConfig)
	if err != nil {
		return nil, Guide(
			"Memory draft was not generated.",
			fmt.Sprintf("%v.", err),
			"Run /aiproviders to review provider setup.",
		).WithCause(err)
	}
	invoker, err := c.invokerFor(route)
	if err != nil {
		return nil, Guide(
			"Memory draft was not generated.",
			fmt.Sprintf("Building the %s client failed: %v.", route.Provider, err),
			"Run /aiproviders to review provider setup.",
		).WithCause(err)
	}

	draft, err := memory.GenerateDraft(ctx, invoker, route.Model, source.Text)
	if err != nil {
		return nil, Guide(
			"Memory draft was not generated.",
			fmt.Sprintf("The drafting model call failed: %v.", err),
			"Retry /memory add, or adjust the route with /agent route memory_draft <provider>.",
		).WithCause(err)
	}

	c.mu.Lock()
	draft.Scope = c.draftScope
	c.draft = draft
	c.draftRoom = room
	c.draftOrigin = source.RequestID
	c.mu.Unlock()

	dup, score := c.memStore.FindDuplicate(ctx, draft)

	c.armModal(func(ctx context.Context, line string) (*Result, bool, error) {
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			res, err := c.memoryConfirm(ctx)
			return res, true, err
		case "n", "no":
			res, err := c.memoryCancel()
			return res, true, err
		default:
			return nil, false, nil
		}
	})

	return &Result{Text: draftPreview(draft, dup, score)}, nil
}

// lastAssistantReply finds the newest ai_response visible to the session:
// the monitor window first, then the room logs directly.
func (c *Controller) lastAssistantReply(ctx context.Context) (*models.Event, string) {
	if c.monitor != nil {
		events := c.monitor.Events()
		for i := len(events) - 1; i >= 0; i-- {
			if events[i].Type == models.EventAIResponse {
				return events[i], c.currentRoom()
			}
		}
	}

	rooms := []string{c.currentRoom()}
	if rooms[0] != storage.LocalRoom {
		rooms = append(rooms, storage.LocalRoom)
	}
	for _, room := range rooms {
		events, _, err := c.store.ReadRecent(ctx, room, 200)
		if err != nil {
			continue
		}
		for i := len(events) - 1; i >= 0; i-- {
			if events[i].Type == models.EventAIResponse {
				return events[i], room
			}
		}
	}
	return nil, ""
}

func draftPreview(d *memory.Draft, dup *models.MemoryEntry, score float64) string {
	var b strings.Builder
	b.WriteString("Memory draft:\n")
	fmt.Fprintf(&b, "  Summary:    %s\n", d.Summary)
	fmt.Fprintf(&b, "  Topic:      %s\n", d.Topic)
	fmt.Fprintf(&b, "  Confidence: %s\n", d.Confidence)
	fmt.Fprintf(&b, "  Source:     %s\n", d.Source)
	fmt.Fprintf(&b, "  Scope:      %s\n", d.Scope)
	if dup != nil {
		fmt.Fprintf(&b, "Looks like %s (%.0f%% similar): %s\n", dup.ID, score*100, dup.Summary)
	}
	b.WriteString("Save it? (y/n, or /memory edit <field> <value> first)")
	return b.String()
}

func (c *Controller) memoryConfirm(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	draft := c.draft
	room := c.draftRoom
	origin := c.draftOrigin
	c.mu.Unlock()

	if draft == nil {
		return nil, Guide(
			"No memory draft is staged.",
			"/memory confirm saves a draft created by /memory add.",
			"Run /memory add first.",
		)
	}

	entry, err := c.memStore.Confirm(ctx, draft, c.username(), room, origin)
	if err != nil {
		return nil, Guide(
			"Memory was not saved.",
			fmt.Sprintf("%v.", err),
			"Fix the draft with /memory edit <field> <value>, then /memory confirm.",
		).WithCause(err)
	}

	c.mu.Lock()
	c.draft = nil
	c.draftRoom = ""
	c.draftOrigin = ""
	c.mu.Unlock()

	return &Result{Text: fmt.Sprintf("Saved memory %s to the %s scope.", entry.ID, entry.Scope)}, nil
}

func (c *Controller) memoryCancel() (*Result, error) {
	c.mu.Lock()
	had := c.draft != nil
	c.draft = nil
	c.draftRoom = ""
	c.draftOrigin = ""
	c.mu.Unlock()

	if !had {
		return &Result{Text: "No memory draft to discard."}, nil
	}
	return &Result{Text: "Memory draft discarded."}, nil
}

func (c *Controller) memoryEdit(args []string) (*Result, error) {
	if len(args) < 2 {
		return nil, Guide(
			"Incomplete edit.",
			"/memory edit changes one field of the staged draft.",
			"Run /memory edit <summary|topic|confidence|source|scope> <value>.",
		)
	}

	c.mu.Lock()
	draft := c.draft
	c.mu.Unlock()
	if draft == nil {
		return nil, Guide(
			"No memory draft is staged.",
			"/memory edit only works on a draft created by /memory add.",
			"Run /memory add first.",
		)
	}

	field := strings.ToLower(args[0])
	value := strings.Join(args[1:], " ")
	switch field {
	case "summary":
		draft.Summary = value
	case "topic":
		draft.Topic = value
	case "confidence":
		conf := models.Confidence(strings.ToLower(value))
		if !models.ValidConfidence(conf) {
			return nil, Guidef(
				"Confidence grades are low, med, and high.",
				"Run /memory edit confidence med for example.",
				"Unknown confidence %q.", value)
		}
		draft.Confidence = conf
	case "source":
		draft.Source = value
	case "scope":
		scope := models.MemoryScope(strings.ToLower(value))
		if !models.ValidMemoryScope(scope) {
			return nil, Guidef(
				"Scopes are private, repo, and team.",
				"Run /memory edit scope team for example.",
				"Unknown memory scope %q.", value)
		}
		draft.Scope = scope
	default:
		return nil, Guidef(
			"Editable fields are summary, topic, confidence, source, and scope.",
			"Run /memory edit summary <new text> for example.",
			"Unknown draft field %q.", field)
	}

	return &Result{Text: draftPreview(draft, nil, 0)}, nil
}

func (c *Controller) memoryScope(args []string) (*Result, error) {
	if len(args) == 0 {
		c.mu.Lock()
		scope := c.draftScope
		c.mu.Unlock()
		return &Result{Text: fmt.Sprintf("New memory drafts default to the %s scope. Change with /memory scope <private|repo|team>.", scope)}, nil
	}

	scope := models.MemoryScope(strings.ToLower(args[0]))
	if !models.ValidMemoryScope(scope) {
		return nil, Guidef(
			"Scopes are private, repo, and team.",
			"Run /memory scope team for example.",
			"Unknown memory scope %q.", args[0])
	}

	c.mu.Lock()
	c.draftScope = scope
	staged := c.draft
	if staged != nil {
		staged.Scope = scope
	}
	c.mu.Unlock()

	if staged != nil {
		return &Result{Text: fmt.Sprintf("Draft scope set to %s.", scope)}, nil
	}
	return &Result{Text: fmt.Sprintf("New memory drafts will use the %s scope.", scope)}, nil
}

func (c *Controller) memoryList(ctx context.Context, args []string) (*Result, error) {
	scopes := models.AllMemoryScopes
	if len(args) > 0 {
		scope := models.MemoryScope(strings.ToLower(args[0]))
		if !models.ValidMemoryScope(scope) {
			return nil, Guidef(
				"Scopes are private, repo, and team.",
				"Run /memory list team for example.",
				"Unknown memory scope %q.", args[0])
		}
		scopes = []models.MemoryScope{scope}
	}

	entries := c.memStore.Load(ctx, scopes)
	if len(entries) == 0 {
		return &Result{Text: "No memory entries yet. Save one with /memory add after an AI reply."}, nil
	}

	const max = 10
	start := 0
	if len(entries) > max {
		start = len(entries) - max
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Memory (%d entries, newest last):\n", len(entries))
	for _, e := range entries[start:] {
		fmt.Fprintf(&b, "  %-14s %-7s %-4s %s\n", e.ID, e.Scope, e.Confidence, e.Summary)
	}
	return &Result{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (c *Controller) memorySearch(ctx context.Context, query string) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, Guide(
			"No search text given.",
			"/memory search ranks entries against a query, like the AI prompt path does.",
			"Run /memory search <text>.",
		)
	}

	entries := c.memStore.Load(ctx, models.AllMemoryScopes)
	ranked := memory.Prefilter(query, entries)
	if len(ranked) > 5 {
		ranked = ranked[:5]
	}
	if len(ranked) == 0 {
		return &Result{Text: fmt.Sprintf("No memory matches %q.", query)}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Best matches for %q:\n", query)
	for _, e := range ranked {
		fmt.Fprintf(&b, "  %-14s %-7s [%s] %s\n", e.ID, e.Scope, e.Topic, e.Summary)
	}
	return &Result{Text: strings.TrimRight(b.String(), "\n")}, nil
}
