package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/toutatis-dev/huddle/internal/actions"
	"github.com/toutatis-dev/huddle/internal/agents"
	"github.com/toutatis-dev/huddle/internal/ai"
	"github.com/toutatis-dev/huddle/internal/bus"
	"github.com/toutatis-dev/huddle/internal/config"
	"github.com/toutatis-dev/huddle/internal/lockfile"
	"github.com/toutatis-dev/huddle/internal/memory"
	"github.com/toutatis-dev/huddle/internal/monitor"
	"github.com/toutatis-dev/huddle/internal/observability"
	"github.com/toutatis-dev/huddle/internal/presence"
	"github.com/toutatis-dev/huddle/internal/providers"
	"github.com/toutatis-dev/huddle/internal/routing"
	"github.com/toutatis-dev/huddle/internal/storage"
	"github.com/toutatis-dev/huddle/pkg/models"
)

// Deps wires the controller to the rest of the runtime. Notify and
// Refresh are the UI callbacks; both may be nil.
type Deps struct {
	ConfigPath string
	Config     *config.ChatConfig

	Layout    storage.Layout
	Store     *storage.Store
	Monitor   *monitor.Monitor
	Heartbeat *presence.Heartbeat
	Presence  *presence.Reader
	AI        *ai.Service
	AIConfig  *config.AIConfig
	Agents    *agents.Store
	Memory    *memory.Store
	Actions   *actions.Service
	Bus       *bus.Bus
	Logger    *observability.Logger
	Metrics   *observability.Metrics

	// Playbooks maps a playbook name to the prompt it runs. The catalog
	// ships in cmd; the controller only brokers the confirm flow.
	Playbooks map[string]string

	// Notify prints one local-only line in the UI.
	Notify func(text string)
	// Refresh asks the UI to repaint its output area.
	Refresh func()
}

// modal intercepts the next input line before normal parsing. handled
// reports whether the line was consumed; when false the line falls
// through to the regular path.
type modal struct {
	handle func(ctx context.Context, line string) (res *Result, handled bool, err error)
}

// Controller owns the command table and the per-session view state:
// the active profile, any staged memory draft, and the modal slot.
type Controller struct {
	cfgPath string
	cfg     *config.ChatConfig

	layout    storage.Layout
	store     *storage.Store
	monitor   *monitor.Monitor
	heartbeat *presence.Heartbeat
	presence  *presence.Reader
	ai        *ai.Service
	aiConfig  *config.AIConfig
	agents    *agents.Store
	memStore  *memory.Store
	actions   *actions.Service
	bus       *bus.Bus
	logger    *observability.Logger
	metrics   *observability.Metrics

	registry  *Registry
	playbooks map[string]string

	notifyFn  func(string)
	refreshFn func()

	// invokerFor builds the provider client for a resolved route. Tests
	// swap it for a stub.
	invokerFor func(route *routing.Route) (providers.Invoker, error)

	mu            sync.Mutex
	profile       *models.AgentProfile
	activeModal   *modal
	draft         *memory.Draft
	draftScope    models.MemoryScope
	draftRoom     string
	draftOrigin   string
	lastRoute     *routing.Route
	lastRequestID string
}

// New builds the controller and registers the built-in command table.
func New(deps Deps) *Controller {
	c := &Controller{
		cfgPath:    deps.ConfigPath,
		cfg:        deps.Config,
		layout:     deps.Layout,
		store:      deps.Store,
		monitor:    deps.Monitor,
		heartbeat:  deps.Heartbeat,
		presence:   deps.Presence,
		ai:         deps.AI,
		aiConfig:   deps.AIConfig,
		agents:     deps.Agents,
		memStore:   deps.Memory,
		actions:    deps.Actions,
		bus:        deps.Bus,
		logger:     deps.Logger.WithFields("component", "controller"),
		metrics:    deps.Metrics,
		registry:   NewRegistry(deps.Logger),
		playbooks:  deps.Playbooks,
		notifyFn:   deps.Notify,
		refreshFn:  deps.Refresh,
		draftScope: models.ScopePrivate,
	}
	c.invokerFor = func(route *routing.Route) (providers.Invoker, error) {
		inv, err := providers.New(route.Provider, route.Settings())
		if err != nil {
			return nil, err
		}
		return providers.Instrument(inv, c.metrics), nil
	}

	c.registerCore()
	c.registerRooms()
	c.registerAI()
	c.registerAgent()
	c.registerMemory()
	c.registerActions()

	if c.actions != nil {
		c.actions.SetNotify(c.onActionDone)
	}
	c.reloadProfile(context.Background())
	return c
}

// Registry exposes the command table, mainly for /help rendering tests.
func (c *Controller) Registry() *Registry { return c.registry }

// BindBus subscribes the controller's event handlers. Call once after
// the bus dispatcher starts.
func (c *Controller) BindBus() {
	if c.bus == nil {
		return
	}
	c.bus.Subscribe(bus.TopicSystemMessage, "controller.system", func(_ context.Context, ev bus.Event) error {
		c.notify(ev.Text)
		return nil
	})
	c.bus.Subscribe(bus.TopicRefreshOutput, "controller.refresh", func(_ context.Context, _ bus.Event) error {
		c.refresh()
		return nil
	})
	c.bus.Subscribe(bus.TopicRebuildSearch, "controller.search", func(_ context.Context, _ bus.Event) error {
		if c.monitor != nil {
			c.monitor.RebuildSearch()
		}
		return nil
	})
	c.bus.Subscribe(bus.TopicRunCommand, "controller.command", func(ctx context.Context, ev bus.Event) error {
		res, err := c.HandleLine(ctx, ev.Command)
		if err != nil {
			c.notify(AsGuided(err).Error())
			return nil
		}
		if res != nil && res.Text != "" {
			c.notify(res.Text)
		}
		return nil
	})
}

// HandleLine processes one line of user input: an armed modal sees it
// first, then slash parsing, and anything else posts as chat.
func (c *Controller) HandleLine(ctx context.Context, line string) (*Result, error) {
	if strings.TrimSpace(line) == "" {
		return &Result{}, nil
	}

	if m := c.takeModal(); m != nil {
		res, handled, err := m.handle(ctx, line)
		if handled {
			if res == nil {
				res = &Result{}
			}
			return res, err
		}
	}

	inv := ParseLine(line)
	if inv == nil {
		return c.sendChat(ctx, strings.TrimSpace(line))
	}

	cmd, ok := c.registry.Get(inv.Name)
	if !ok {
		return nil, Guidef(
			"No registered command answers to that name.",
			"Run /help to list commands, or start the line without / to chat.",
			"Unknown command /%s.", inv.Name)
	}

	res, err := cmd.Handler(ctx, inv)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &Result{}
	}
	return res, nil
}

// CancelAI flags the active AI request, if any. Bound to a key in the
// UI rather than a slash command so it works while a modal is armed.
func (c *Controller) CancelAI() *Result {
	if c.ai == nil || !c.ai.Cancel() {
		return &Result{Text: "No AI request is running."}
	}
	return &Result{Text: "Cancelling AI request..."}
}

// sendChat appends a chat row authored by the current user.
func (c *Controller) sendChat(ctx context.Context, text string) (*Result, error) {
	return c.appendUserEvent(ctx, models.EventChat, text)
}

func (c *Controller) appendUserEvent(ctx context.Context, typ models.EventType, text string) (*Result, error) {
	room := c.currentRoom()
	ev := &models.Event{Type: typ, Author: c.username(), Text: text}
	if err := c.store.AppendEvent(ctx, room, ev); err != nil {
		return nil, c.appendFailure(room, err)
	}
	if c.monitor != nil {
		c.monitor.SignalRefresh()
	}
	return &Result{}, nil
}

// appendFailure translates an append error into the guided triad. The
// caller keeps the draft line; nothing was persisted.
func (c *Controller) appendFailure(room string, err error) error {
	if errors.Is(err, lockfile.ErrTimeout) {
		return Guide(
			"Your message was not sent.",
			fmt.Sprintf("The log for room %q stayed locked by another writer past the wait limit.", room),
			"Send it again; if this keeps happening, run /status to check the shared path.",
		).WithCause(err)
	}
	return Guide(
		"Your message was not sent.",
		fmt.Sprintf("Writing to room %q failed: %v.", room, err),
		"Check that the shared path is mounted and writable, then run /setpath if it moved.",
	).WithCause(err)
}

func (c *Controller) currentRoom() string {
	if c.monitor != nil {
		if room := c.monitor.Room(); room != "" {
			return room
		}
	}
	if c.cfg != nil && c.cfg.Room != "" {
		return c.cfg.Room
	}
	return "general"
}

func (c *Controller) username() string {
	if c.cfg != nil && strings.TrimSpace(c.cfg.Username) != "" {
		return c.cfg.Username
	}
	return "anonymous"
}

func (c *Controller) notify(text string) {
	if c.notifyFn != nil && text != "" {
		c.notifyFn(text)
	}
}

func (c *Controller) refresh() {
	if c.monitor != nil {
		c.monitor.SignalRefresh()
	}
	if c.refreshFn != nil {
		c.refreshFn()
	}
}

// systemNotice shows a local-only line, via the bus when it is running
// and directly otherwise.
func (c *Controller) systemNotice(room, text string) {
	if c.bus == nil {
		c.notify(text)
		return
	}
	c.bus.PublishOrFallback(bus.Event{Topic: bus.TopicSystemMessage, Room: room, Text: text}, false, func() {
		c.notify(text)
	})
}

func (c *Controller) armModal(fn func(ctx context.Context, line string) (*Result, bool, error)) {
	c.mu.Lock()
	c.activeModal = &modal{handle: fn}
	c.mu.Unlock()
}

func (c *Controller) takeModal() *modal {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.activeModal
	c.activeModal = nil
	return m
}

func (c *Controller) activeProfile() *models.AgentProfile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

func (c *Controller) setProfile(p *models.AgentProfile) {
	c.mu.Lock()
	c.profile = p
	c.mu.Unlock()
}

// reloadProfile resolves cfg.Agent against the profile store. A missing
// profile leaves the session without one rather than failing startup.
func (c *Controller) reloadProfile(ctx context.Context) {
	if c.agents == nil || c.cfg == nil || c.cfg.Agent == "" {
		return
	}
	p, err := c.agents.Get(ctx, c.cfg.Agent)
	if err != nil {
		c.logger.Warn(ctx, "active profile unavailable", "profile", c.cfg.Agent, "error", err.Error())
		return
	}
	c.setProfile(p)
}

// rememberRoute records the most recent resolved route for /explain.
func (c *Controller) rememberRoute(route *routing.Route, requestID string) {
	c.mu.Lock()
	c.lastRoute = route
	c.lastRequestID = requestID
	c.mu.Unlock()
}

// onActionDone surfaces a finished action execution in the UI.
func (c *Controller) onActionDone(action *models.ToolAction, result *models.ActionResult) {
	text := fmt.Sprintf("Action %s (%s) %s: exit %d in %dms.",
		action.ActionID, action.Tool, action.Status, result.ExitCode, result.DurationMS)
	c.systemNotice(action.Room, text)
	c.refresh()
}

// saveConfig persists chat_config.json after a mutation.
func (c *Controller) saveConfig() error {
	if c.cfgPath == "" || c.cfg == nil {
		return nil
	}
	return config.SaveChat(c.cfgPath, c.cfg)
}

// saveAIConfig persists ai_config.json after a mutation.
func (c *Controller) saveAIConfig() error {
	if c.aiConfig == nil {
		return nil
	}
	return config.SaveAI(c.layout.AIConfigPath(), c.aiConfig)
}
