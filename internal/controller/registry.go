// Package controller routes input lines to the services: slash commands
// through a registry keyed by literal name, everything else appended to
// the current room as chat. A small set of modal states (memory draft
// confirm, playbook confirm) intercept the next line before parsing.
package controller

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/toutatis-dev/huddle/internal/observability"
)

// Command is one registered slash command.
type Command struct {
	// Name without the leading slash.
	Name        string
	Aliases     []string
	Description string
	Usage       string

	// Category groups commands in /help output.
	Category string

	// Hidden keeps a command out of /help listings.
	Hidden bool

	Handler Handler
}

// Handler executes one command invocation.
type Handler func(ctx context.Context, inv *Invocation) (*Result, error)

// Invocation is a parsed command line.
type Invocation struct {
	// Name is the name or alias actually typed.
	Name string

	// Args is the trimmed text after the command name.
	Args string

	// Raw is the full original line.
	Raw string
}

// Fields splits Args on whitespace.
func (inv *Invocation) Fields() []string {
	return strings.Fields(inv.Args)
}

// Result is what a command hands back to the UI.
type Result struct {
	// Text is local-only output, never persisted to the room log.
	Text string

	// Clear asks the UI to drop its scrollback.
	Clear bool

	// Exit asks the main loop to terminate cleanly.
	Exit bool
}

// Registry holds the command table.
type Registry struct {
	mu         sync.RWMutex
	commands   map[string]*Command
	aliases    map[string]string
	categories map[string][]*Command
	logger     *observability.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *observability.Logger) *Registry {
	return &Registry{
		commands:   make(map[string]*Command),
		aliases:    make(map[string]string),
		categories: make(map[string][]*Command),
		logger:     logger.WithFields("component", "controller"),
	}
}

// Register adds a command. Name and alias collisions are errors so the
// table stays unambiguous.
func (r *Registry) Register(cmd *Command) error {
	if cmd == nil {
		return fmt.Errorf("command is nil")
	}
	name := strings.ToLower(strings.TrimSpace(cmd.Name))
	if name == "" {
		return fmt.Errorf("command name is required")
	}
	if cmd.Handler == nil {
		return fmt.Errorf("command %q has no handler", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.commands[name]; exists {
		return fmt.Errorf("command %q already registered", name)
	}
	if owner, exists := r.aliases[name]; exists {
		return fmt.Errorf("command %q conflicts with an alias of %q", name, owner)
	}

	r.commands[name] = cmd
	for _, alias := range cmd.Aliases {
		alias = strings.ToLower(strings.TrimSpace(alias))
		if alias == "" || alias == name {
			continue
		}
		if _, exists := r.commands[alias]; exists {
			return fmt.Errorf("alias %q of %q shadows a command", alias, name)
		}
		if owner, exists := r.aliases[alias]; exists {
			return fmt.Errorf("alias %q of %q already belongs to %q", alias, name, owner)
		}
		r.aliases[alias] = name
	}

	category := cmd.Category
	if category == "" {
		category = "general"
	}
	r.categories[category] = append(r.categories[category], cmd)
	return nil
}

// MustRegister panics on registration failure. Builtins only.
func (r *Registry) MustRegister(cmd *Command) {
	if err := r.Register(cmd); err != nil {
		panic(fmt.Sprintf("register command: %v", err))
	}
}

// Get resolves a name or alias to its command.
func (r *Registry) Get(name string) (*Command, bool) {
	name = strings.ToLower(strings.TrimSpace(name))

	r.mu.RLock()
	defer r.mu.RUnlock()

	if cmd, ok := r.commands[name]; ok {
		return cmd, true
	}
	if real, ok := r.aliases[name]; ok {
		if cmd, ok := r.commands[real]; ok {
			return cmd, true
		}
	}
	return nil, false
}

// List returns every command sorted by name.
func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ByCategory returns the visible commands grouped for /help.
func (r *Registry) ByCategory() map[string][]*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]*Command, len(r.categories))
	for category, cmds := range r.categories {
		var visible []*Command
		for _, cmd := range cmds {
			if !cmd.Hidden {
				visible = append(visible, cmd)
			}
		}
		if len(visible) > 0 {
			sort.Slice(visible, func(i, j int) bool { return visible[i].Name < visible[j].Name })
			out[category] = visible
		}
	}
	return out
}

// ParseLine recognizes a line-start slash command. It returns nil for
// plain chat lines, including lines like "/ " or "/123" that cannot name
// a command.
func ParseLine(line string) *Invocation {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) < 2 || trimmed[0] != '/' {
		return nil
	}
	next := trimmed[1]
	if !(next >= 'a' && next <= 'z') && !(next >= 'A' && next <= 'Z') {
		return nil
	}

	rest := trimmed[1:]
	name, args := rest, ""
	if i := strings.IndexByte(rest, ' '); i >= 0 {
		name, args = rest[:i], strings.TrimSpace(rest[i+1:])
	}
	return &Invocation{
		Name: strings.ToLower(name),
		Args: args,
		Raw:  line,
	}
}
