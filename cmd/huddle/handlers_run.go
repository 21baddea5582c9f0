package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/toutatis-dev/huddle/internal/actions"
	"github.com/toutatis-dev/huddle/internal/agents"
	"github.com/toutatis-dev/huddle/internal/ai"
	"github.com/toutatis-dev/huddle/internal/audit"
	"github.com/toutatis-dev/huddle/internal/bus"
	"github.com/toutatis-dev/huddle/internal/config"
	"github.com/toutatis-dev/huddle/internal/controller"
	"github.com/toutatis-dev/huddle/internal/lockfile"
	"github.com/toutatis-dev/huddle/internal/memory"
	"github.com/toutatis-dev/huddle/internal/monitor"
	"github.com/toutatis-dev/huddle/internal/observability"
	"github.com/toutatis-dev/huddle/internal/presence"
	"github.com/toutatis-dev/huddle/internal/storage"
	"github.com/toutatis-dev/huddle/pkg/models"
)

// =============================================================================
// Run Command Handler
// =============================================================================

// runChat implements the run command: it assembles the whole runtime, then
// loops over stdin until /exit, EOF, or a shutdown signal.
func runChat(ctx context.Context, configPath string, debug bool) error {
	cfg, layout, cfgPath, err := openLayout(configPath)
	if err != nil {
		return err
	}

	rt, err := config.LoadRuntime(filepath.Join(filepath.Dir(cfgPath), "huddle.yaml"))
	if err != nil {
		return err
	}
	if debug {
		rt.Logging.Level = "debug"
	}

	if err := layout.EnsureBase(); err != nil {
		return fmt.Errorf("prepare shared tree: %w", err)
	}
	if err := layout.EnsureLocal(); err != nil {
		return fmt.Errorf("prepare local state: %w", err)
	}

	// Every append depends on advisory locking, so a base directory where
	// flock does not work (some network mounts) is a fatal startup error.
	if err := lockfile.Probe(layout.BaseDir); err != nil {
		return fmt.Errorf("file locking does not work under %s: %w", layout.BaseDir, err)
	}

	// The terminal owns stdout from here on; runtime logs go to a file.
	logger, err := observability.NewFileLogger(layout.RuntimeLogPath(), rt.Logging.Level)
	if err != nil {
		return err
	}
	defer logger.Close()

	metrics, metricsSrv := startMetrics(rt.Metrics, logger)
	if metricsSrv != nil {
		defer func() {
			stopCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
			defer stop()
			_ = metricsSrv.Shutdown(stopCtx)
		}()
	}

	traceCfg := observability.TraceConfig{ServiceName: "huddle", ServiceVersion: version}
	if rt.Tracing.Enabled {
		traceCfg.Endpoint = rt.Tracing.Endpoint
		traceCfg.EnableInsecure = true
	}
	tracer, stopTracer := observability.NewTracer(traceCfg)
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		_ = stopTracer(stopCtx)
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Info(runCtx, "starting huddle",
		"version", version,
		"config", cfgPath,
		"base", layout.BaseDir,
		"debug", debug,
	)

	store := storage.New(layout, logger, metrics)
	eventBus := bus.New(bus.DefaultCapacity, logger, metrics)
	eventBus.Start(runCtx)
	defer eventBus.Stop()

	aiCfg, err := config.LoadAI(layout.AIConfigPath())
	if err != nil {
		return err
	}

	reader := presence.NewReader(store, logger, metrics)
	memStore := memory.NewStore(layout, store, logger, metrics)
	agentStore := agents.NewStore(layout, logger, audit.NewLogger(store, layout.AuditLog(), logger))
	if _, err := agentStore.EnsureDefault(runCtx, "system"); err != nil {
		logger.Warn(runCtx, "ensure default agent profile", "error", err)
	}

	runner := actions.NewRunner(layout.BaseDir, 0, logger)
	for _, p := range cfg.ToolPaths {
		runner.AddToolPath(p)
	}
	actSvc := actions.NewService(store, layout, runner, logger, metrics)
	if err := actSvc.Rehydrate(runCtx); err != nil {
		logger.Warn(runCtx, "rehydrate actions", "error", err)
	}

	aiSvc := ai.NewService(ai.Deps{
		Store:   store,
		Memory:  memory.NewSelector(memStore),
		Actions: actSvc,
		Bus:     eventBus,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	})

	mon := monitor.New(store, reader, eventBus, logger, metrics, monitorTuning(rt.Monitor))

	// A hand-edited room name that fails sanitization should not keep the
	// session from starting; fall back to the default room.
	room := cfg.Room
	if err := mon.SwitchRoom(runCtx, room); err != nil {
		logger.Warn(runCtx, "open configured room", "room", room, "error", err)
		room = config.DefaultChat().Room
		if err := mon.SwitchRoom(runCtx, room); err != nil {
			return fmt.Errorf("open room %s: %w", room, err)
		}
		cfg.Room = room
	}

	identity := presence.NewIdentity(displayName(cfg), themeColor(cfg.Theme))
	hb := presence.NewHeartbeat(store, logger, metrics, identity, room, 0)

	ui := newTerminal(os.Stdout)

	ctl := controller.New(controller.Deps{
		ConfigPath: cfgPath,
		Config:     cfg,
		Layout:     layout,
		Store:      store,
		Monitor:    mon,
		Heartbeat:  hb,
		Presence:   reader,
		AI:         aiSvc,
		AIConfig:   aiCfg,
		Agents:     agentStore,
		Memory:     memStore,
		Actions:    actSvc,
		Bus:        eventBus,
		Logger:     logger,
		Metrics:    metrics,
		Playbooks:  playbookCatalog(),
		Notify:     ui.notify,
		Refresh:    func() { ui.render(mon) },
	})
	ctl.BindBus()

	mon.Start(runCtx)
	defer mon.Stop()
	hb.Start(runCtx)
	defer hb.Stop()

	maintenance := cron.New()
	_, _ = maintenance.AddFunc("@every 1m", func() {
		if n := actSvc.ExpireOverdue(context.Background()); n > 0 {
			logger.Info(context.Background(), "expired overdue actions", "count", n)
		}
	})
	_, _ = maintenance.AddFunc("@every 10m", func() {
		if n := pruneQuarantine(store, layout, quarantineMaxAge); n > 0 {
			logger.Info(context.Background(), "pruned quarantined presence files", "count", n)
		}
	})
	maintenance.Start()
	defer maintenance.Stop()

	ui.banner(cfg, layout, room)
	ui.render(mon)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	lines := readLines(runCtx)
	for {
		select {
		case sig := <-sigCh:
			// The first Ctrl+C while a request runs only cancels the
			// request, matching the Esc binding.
			if sig == syscall.SIGINT {
				if _, busy := aiSvc.State().Status(); busy {
					aiSvc.Cancel()
					ui.notify("Cancelling AI request. Press Ctrl+C again to quit.")
					continue
				}
			}
			ui.notify("Shutting down.")
			return drain(aiSvc, actSvc)
		case line, ok := <-lines:
			if !ok {
				return drain(aiSvc, actSvc)
			}
			if isEscape(line) {
				ui.notify(ctl.CancelAI().Text)
				continue
			}
			res, err := ctl.HandleLine(runCtx, line)
			if err != nil {
				ui.notify(controller.AsGuided(err).Error())
				continue
			}
			if res.Clear {
				ui.clear()
			}
			if res.Text != "" {
				ui.notify(res.Text)
			}
			if res.Exit {
				return drain(aiSvc, actSvc)
			}
		}
	}
}

// quarantineMaxAge is how long quarantined presence files are kept for
// inspection before the maintenance sweep drops them.
const quarantineMaxAge = 24 * time.Hour

// drain cancels any in-flight AI request and waits for background workers
// before the deferred teardown runs.
func drain(aiSvc *ai.Service, actSvc *actions.Service) error {
	aiSvc.Cancel()
	aiSvc.Wait()
	actSvc.Wait()
	return nil
}

// resolveChatConfigPath expands the --config flag, defaulting to
// chat_config.json in the working directory.
func resolveChatConfigPath(configPath string) (string, error) {
	if strings.TrimSpace(configPath) != "" {
		return filepath.Abs(configPath)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	return filepath.Join(cwd, "chat_config.json"), nil
}

// openLayout loads the chat config and derives the storage layout from it.
// An unset base path gets a directory next to the config so first boot
// works before /setpath points at the real shared mount.
func openLayout(configPath string) (*config.ChatConfig, storage.Layout, string, error) {
	cfgPath, err := resolveChatConfigPath(configPath)
	if err != nil {
		return nil, storage.Layout{}, "", err
	}
	cfg, err := config.LoadChat(cfgPath)
	if err != nil {
		return nil, storage.Layout{}, "", err
	}
	dir := filepath.Dir(cfgPath)
	base := strings.TrimSpace(cfg.Path)
	if base == "" {
		base = filepath.Join(dir, "huddle_shared")
	}
	return cfg, storage.NewLayout(base, filepath.Join(dir, ".local_chat")), cfgPath, nil
}

// displayName is the presence name for this peer.
func displayName(cfg *config.ChatConfig) string {
	if cfg != nil && strings.TrimSpace(cfg.Username) != "" {
		return cfg.Username
	}
	return "anonymous"
}

// startMetrics registers the collectors on a fresh registry and, when
// enabled, serves them over promhttp on the configured listener.
func startMetrics(mc config.MetricsConfig, logger *observability.Logger) (*observability.Metrics, *http.Server) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	if !mc.Enabled {
		return metrics, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              mc.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn(context.Background(), "metrics listener stopped", "addr", mc.Listen, "error", err)
		}
	}()
	return metrics, srv
}

// monitorTuning applies huddle.yaml overrides to the tuned poll constants.
func monitorTuning(mc config.MonitorConfig) monitor.Tuning {
	t := monitor.DefaultTuning()
	if mc.FloorMs > 0 {
		t.Floor = time.Duration(mc.FloorMs) * time.Millisecond
	}
	if mc.StartMs > 0 {
		t.Start = time.Duration(mc.StartMs) * time.Millisecond
	}
	if mc.CeilingMs > 0 {
		t.Ceiling = time.Duration(mc.CeilingMs) * time.Millisecond
	}
	return t
}

// pruneQuarantine removes quarantined presence files older than maxAge.
// Readers move corrupt files aside instead of deleting them so the bytes
// stay inspectable; this sweep is what finally lets go of them.
func pruneQuarantine(store *storage.Store, layout storage.Layout, maxAge time.Duration) int {
	rooms, err := store.ListRooms()
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, room := range rooms {
		dir := layout.QuarantineDir(room)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				if os.Remove(filepath.Join(dir, entry.Name())) == nil {
					removed++
				}
			}
		}
	}
	return removed
}

// readLines pumps stdin into a channel so the main loop can select over
// input and signals together. The channel closes on EOF.
func readLines(ctx context.Context) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case ch <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// isEscape reports whether the line is a bare ESC, the cancel binding for
// terminals that send it through on Enter.
func isEscape(line string) bool {
	return strings.Trim(line, "\r\n ") == "\x1b"
}

// =============================================================================
// Terminal Renderer
// =============================================================================

// terminal is the plain scrollback renderer. The bus dispatcher and the
// main loop both print through it, so every write path takes the lock.
type terminal struct {
	mu      sync.Mutex
	out     io.Writer
	room    string
	printed int
}

func newTerminal(out io.Writer) *terminal {
	return &terminal{out: out}
}

// banner greets once at startup.
func (t *terminal) banner(cfg *config.ChatConfig, layout storage.Layout, room string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "huddle %s - #%s as %s\n", version, room, displayName(cfg))
	fmt.Fprintf(t.out, "shared: %s\n", layout.BaseDir)
	fmt.Fprintln(t.out, "Type /help for commands, /onboard for setup, /exit to leave.")
}

// notify prints one local-only notice; never persisted to any room log.
func (t *terminal) notify(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		fmt.Fprintln(t.out, line)
	}
}

// render prints whatever the monitor has read since the last call. A room
// switch resets the window and prints a divider.
func (t *terminal) render(mon *monitor.Monitor) {
	if mon == nil {
		return
	}
	room := mon.Room()
	events := mon.Events()

	t.mu.Lock()
	defer t.mu.Unlock()
	if room != t.room {
		t.room = room
		t.printed = 0
		fmt.Fprintf(t.out, "--- #%s ---\n", room)
	}
	if t.printed > len(events) {
		// The log shrank under us (truncation recovery); reprint the tail.
		t.printed = 0
	}
	for _, ev := range events[t.printed:] {
		fmt.Fprintln(t.out, formatEvent(ev))
	}
	t.printed = len(events)
}

// clear wipes the screen without touching the monitor's window.
func (t *terminal) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprint(t.out, "\x1b[2J\x1b[H")
}

// formatEvent renders one log row for the scrollback.
func formatEvent(ev *models.Event) string {
	ts := clock(ev.TS)
	switch ev.Type {
	case models.EventMe:
		return fmt.Sprintf("[%s] * %s %s", ts, ev.Author, ev.Text)
	case models.EventSystem:
		return fmt.Sprintf("[%s] -- %s", ts, ev.Text)
	case models.EventAIPrompt:
		return fmt.Sprintf("[%s] %s -> ai: %s", ts, ev.Author, ev.Text)
	case models.EventAIResponse:
		label := ev.Provider
		if ev.Model != "" {
			label += "/" + ev.Model
		}
		if label == "" {
			label = "ai"
		}
		return fmt.Sprintf("[%s] ai(%s): %s", ts, label, ev.Text)
	default:
		return fmt.Sprintf("[%s] %s: %s", ts, ev.Author, ev.Text)
	}
}

// clock trims an ISO timestamp to hh:mm for the gutter.
func clock(ts string) string {
	if len(ts) >= 16 {
		return ts[11:16]
	}
	return ts
}
