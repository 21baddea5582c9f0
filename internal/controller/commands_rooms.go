package controller

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/toutatis-dev/huddle/internal/storage"
)

func (c *Controller) registerRooms() {
	c.registry.MustRegister(&Command{
		Name:        "join",
		Aliases:     []string{"j"},
		Description: "Switch to a room, creating it if needed",
		Usage:       "/join <room>",
		Category:    "rooms",
		Handler:     c.cmdJoin,
	})
	c.registry.MustRegister(&Command{
		Name:        "rooms",
		Description: "List rooms and who is online",
		Usage:       "/rooms",
		Category:    "rooms",
		Handler:     c.cmdRooms,
	})
	c.registry.MustRegister(&Command{
		Name:        "room",
		Description: "Show the current room and its members",
		Usage:       "/room",
		Category:    "rooms",
		Handler:     c.cmdRoom,
	})
	c.registry.MustRegister(&Command{
		Name:        "search",
		Description: "Search loaded messages for a substring",
		Usage:       "/search <text>",
		Category:    "rooms",
		Handler:     c.cmdSearch,
	})
	c.registry.MustRegister(&Command{
		Name:        "next",
		Description: "Jump to the next search match",
		Usage:       "/next",
		Category:    "rooms",
		Handler:     c.cmdNext,
	})
	c.registry.MustRegister(&Command{
		Name:        "prev",
		Description: "Jump to the previous search match",
		Usage:       "/prev",
		Category:    "rooms",
		Handler:     c.cmdPrev,
	})
	c.registry.MustRegister(&Command{
		Name:        "clearsearch",
		Description: "Drop the active search",
		Usage:       "/clearsearch",
		Category:    "rooms",
		Handler:     c.cmdClearSearch,
	})
}

func (c *Controller) cmdJoin(ctx context.Context, inv *Invocation) (*Result, error) {
	raw := strings.TrimSpace(inv.Args)
	if raw == "" {
		return nil, Guide(
			"No room given.",
			"/join needs the room to switch to.",
			"Run /join <room>, or /rooms to see what exists.",
		)
	}

	room, err := storage.SanitizeRoom(raw)
	if err != nil {
		return nil, Guidef(
			"Room names are lowercased letters, digits, '-' and '_', up to 64 characters.",
			"Pick a simpler name, like /join dev-chat.",
			"%q is not a usable room name.", raw)
	}
	if room == storage.LocalRoom {
		return nil, Guidef(
			"That room holds your private AI exchanges and lives outside the shared directory.",
			"Read it with /ai --private, or join any other room.",
			"Room %q is reserved.", room)
	}

	if err := c.layout.EnsureRoom(room); err != nil {
		return nil, Guidef(
			fmt.Sprintf("Creating the room directory failed: %v.", err),
			"Check that the shared path is mounted and writable, then retry /join.",
			"Could not open room %q.", room).WithCause(err)
	}
	if c.monitor != nil {
		if err := c.monitor.SwitchRoom(ctx, room); err != nil {
			return nil, Guidef(
				fmt.Sprintf("Loading the room log failed: %v.", err),
				"Run /status to check the shared path, then retry /join.",
				"Could not open room %q.", room).WithCause(err)
		}
	}
	if c.heartbeat != nil {
		c.heartbeat.SetRoom(ctx, room)
	}
	if c.cfg != nil {
		c.cfg.Room = room
		if err := c.saveConfig(); err != nil {
			c.logger.Warn(ctx, "persist room switch", "room", room, "error", err.Error())
		}
	}
	c.refresh()
	return &Result{Text: fmt.Sprintf("Joined #%s.", room)}, nil
}

func (c *Controller) cmdRooms(ctx context.Context, inv *Invocation) (*Result, error) {
	rooms, err := c.store.ListRooms()
	if err != nil {
		return nil, Guide(
			"Could not list rooms.",
			fmt.Sprintf("Reading the shared rooms directory failed: %v.", err),
			"Check that the shared path is mounted, or run /setpath to repoint it.",
		).WithCause(err)
	}
	if len(rooms) == 0 {
		return &Result{Text: "No rooms yet. /join <name> creates one."}, nil
	}
	sort.Strings(rooms)

	online := make(map[string]int, len(rooms))
	if c.presence != nil {
		for _, e := range c.presence.Aggregate(ctx, rooms, false) {
			online[e.Room]++
		}
	}

	current := c.currentRoom()
	var b strings.Builder
	b.WriteString("Rooms:\n")
	for _, room := range rooms {
		marker := " "
		if room == current {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s #%-20s %d online\n", marker, room, online[room])
	}
	return &Result{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (c *Controller) cmdRoom(ctx context.Context, inv *Invocation) (*Result, error) {
	room := c.currentRoom()

	var b strings.Builder
	fmt.Fprintf(&b, "Room: #%s\n", room)
	if c.presence == nil {
		return &Result{Text: strings.TrimRight(b.String(), "\n")}, nil
	}

	entries := c.presence.Snapshot(ctx, room, true)
	if len(entries) == 0 {
		b.WriteString("Nobody else is online here.")
		return &Result{Text: b.String()}, nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	fmt.Fprintf(&b, "Online (%d):\n", len(entries))
	for _, e := range entries {
		status := e.Status
		if status == "" {
			status = "online"
		}
		fmt.Fprintf(&b, "  %-16s %s\n", e.Name, status)
	}
	return &Result{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (c *Controller) cmdSearch(ctx context.Context, inv *Invocation) (*Result, error) {
	query := strings.TrimSpace(inv.Args)
	if query == "" {
		return nil, Guide(
			"No search text given.",
			"/search scans the loaded messages for a case-insensitive substring.",
			"Run /search <text>, then /next and /prev to walk the matches.",
		)
	}
	if c.monitor == nil {
		return &Result{Text: "Search needs a running room monitor."}, nil
	}

	n := c.monitor.Search(query)
	c.refresh()
	switch n {
	case 0:
		return &Result{Text: fmt.Sprintf("No matches for %q.", query)}, nil
	case 1:
		return &Result{Text: fmt.Sprintf("1 match for %q.", query)}, nil
	default:
		return &Result{Text: fmt.Sprintf("%d matches for %q. /next and /prev step through them.", n, query)}, nil
	}
}

func (c *Controller) cmdNext(ctx context.Context, inv *Invocation) (*Result, error) {
	return c.stepMatch(true)
}

func (c *Controller) cmdPrev(ctx context.Context, inv *Invocation) (*Result, error) {
	return c.stepMatch(false)
}

func (c *Controller) stepMatch(forward bool) (*Result, error) {
	if c.monitor == nil || c.monitor.Query() == "" {
		return &Result{Text: "No search is active. Start one with /search <text>."}, nil
	}
	var idx int
	var ok bool
	if forward {
		idx, ok = c.monitor.NextMatch()
	} else {
		idx, ok = c.monitor.PrevMatch()
	}
	if !ok {
		return &Result{Text: fmt.Sprintf("No matches for %q.", c.monitor.Query())}, nil
	}
	c.refresh()
	return &Result{Text: fmt.Sprintf("Match at message %d.", idx+1)}, nil
}

func (c *Controller) cmdClearSearch(ctx context.Context, inv *Invocation) (*Result, error) {
	if c.monitor != nil {
		c.monitor.ClearSearch()
		c.refresh()
	}
	return &Result{Text: "Search cleared."}, nil
}
