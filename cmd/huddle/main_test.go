package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/toutatis-dev/huddle/internal/config"
	"github.com/toutatis-dev/huddle/internal/storage"
	"github.com/toutatis-dev/huddle/pkg/models"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"run", "status", "rooms", "config", "onboard"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestOpenLayoutDefaultsBaseBesideConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "chat_config.json")

	cfg, layout, gotPath, err := openLayout(cfgPath)
	if err != nil {
		t.Fatalf("openLayout: %v", err)
	}
	if gotPath != cfgPath {
		t.Fatalf("config path = %q, want %q", gotPath, cfgPath)
	}
	if cfg.Room != "general" {
		t.Fatalf("default room = %q, want general", cfg.Room)
	}
	if want := filepath.Join(dir, "huddle_shared"); layout.BaseDir != want {
		t.Fatalf("base dir = %q, want %q", layout.BaseDir, want)
	}
	if want := filepath.Join(dir, ".local_chat"); layout.LocalDir != want {
		t.Fatalf("local dir = %q, want %q", layout.LocalDir, want)
	}
}

func TestOpenLayoutHonorsConfiguredPath(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "mounted")
	cfgPath := filepath.Join(dir, "chat_config.json")
	if err := config.SaveChat(cfgPath, &config.ChatConfig{Path: base, Username: "riley"}); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	cfg, layout, _, err := openLayout(cfgPath)
	if err != nil {
		t.Fatalf("openLayout: %v", err)
	}
	if layout.BaseDir != base {
		t.Fatalf("base dir = %q, want %q", layout.BaseDir, base)
	}
	if cfg.Username != "riley" {
		t.Fatalf("username = %q, want riley", cfg.Username)
	}
}

func TestMonitorTuningOverrides(t *testing.T) {
	got := monitorTuning(config.MonitorConfig{FloorMs: 100, CeilingMs: 3000})
	if got.Floor != 100*time.Millisecond {
		t.Fatalf("floor = %v, want 100ms", got.Floor)
	}
	if got.Ceiling != 3*time.Second {
		t.Fatalf("ceiling = %v, want 3s", got.Ceiling)
	}
	// StartMs was zero, so the tuned default must survive.
	if got.Start != 350*time.Millisecond {
		t.Fatalf("start = %v, want default 350ms", got.Start)
	}
}

func TestPruneQuarantineDropsOnlyOldFiles(t *testing.T) {
	dir := t.TempDir()
	layout := storage.NewLayout(filepath.Join(dir, "shared"), filepath.Join(dir, ".local_chat"))
	if err := layout.EnsureBase(); err != nil {
		t.Fatalf("ensure base: %v", err)
	}
	if err := layout.EnsureRoom("dev"); err != nil {
		t.Fatalf("ensure room: %v", err)
	}
	qdir := layout.QuarantineDir("dev")
	if err := os.MkdirAll(qdir, 0o755); err != nil {
		t.Fatalf("mkdir quarantine: %v", err)
	}

	stale := filepath.Join(qdir, "bad.1111")
	fresh := filepath.Join(qdir, "bad.2222")
	for _, p := range []string{stale, fresh} {
		if err := os.WriteFile(p, []byte("{"), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("age file: %v", err)
	}

	store := storage.New(layout, nil, nil)
	if got := pruneQuarantine(store, layout, 24*time.Hour); got != 1 {
		t.Fatalf("pruned = %d, want 1", got)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale file still present")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh file removed: %v", err)
	}
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   models.Event
		want string
	}{
		{
			name: "chat",
			ev:   models.Event{TS: "2026-01-01T10:04:00", Type: models.EventChat, Author: "riley", Text: "hello"},
			want: "[10:04] riley: hello",
		},
		{
			name: "me",
			ev:   models.Event{TS: "2026-01-01T10:04:00", Type: models.EventMe, Author: "riley", Text: "waves"},
			want: "[10:04] * riley waves",
		},
		{
			name: "system",
			ev:   models.Event{TS: "2026-01-01T10:04:00", Type: models.EventSystem, Text: "Memory used: mem_1"},
			want: "[10:04] -- Memory used: mem_1",
		},
		{
			name: "prompt",
			ev:   models.Event{TS: "2026-01-01T10:04:00", Type: models.EventAIPrompt, Author: "riley", Text: "why is CI red"},
			want: "[10:04] riley -> ai: why is CI red",
		},
		{
			name: "response with route",
			ev:   models.Event{TS: "2026-01-01T10:05:00", Type: models.EventAIResponse, Author: "AI", Provider: "openai", Model: "gpt-4o-mini", Text: "flaky test"},
			want: "[10:05] ai(openai/gpt-4o-mini): flaky test",
		},
		{
			name: "short timestamp passes through",
			ev:   models.Event{TS: "now", Type: models.EventChat, Author: "riley", Text: "hi"},
			want: "[now] riley: hi",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatEvent(&tt.ev); got != tt.want {
				t.Fatalf("formatEvent = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestThemeColorFallsBack(t *testing.T) {
	if got := themeColor("forest"); got != "green" {
		t.Fatalf("forest accent = %q, want green", got)
	}
	if got := themeColor("no-such-theme"); got != themeAccents["default"] {
		t.Fatalf("unknown theme accent = %q, want default", got)
	}
}

func TestPlaybookCatalogHasStandup(t *testing.T) {
	catalog := playbookCatalog()
	if len(catalog) == 0 {
		t.Fatal("empty playbook catalog")
	}
	if _, ok := catalog["standup"]; !ok {
		t.Fatal("standup playbook missing")
	}
}
