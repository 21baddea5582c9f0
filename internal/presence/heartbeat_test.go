package presence

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/toutatis-dev/huddle/internal/storage"
	"github.com/toutatis-dev/huddle/pkg/models"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	layout := storage.NewLayout(t.TempDir(), t.TempDir())
	if err := layout.EnsureBase(); err != nil {
		t.Fatalf("EnsureBase: %v", err)
	}
	if err := layout.EnsureLocal(); err != nil {
		t.Fatalf("EnsureLocal: %v", err)
	}
	return storage.New(layout, nil, nil)
}

func readEntry(t *testing.T, path string) models.PresenceEntry {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read presence file: %v", err)
	}
	var entry models.PresenceEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("parse presence file: %v", err)
	}
	return entry
}

func TestHeartbeat_StartWritesAndStopUnlinks(t *testing.T) {
	store := newTestStore(t)
	identity := Identity{ClientID: "abc123def456", Name: "zoe", Color: "cyan"}
	hb := NewHeartbeat(store, nil, nil, identity, "dev", 20*time.Millisecond)

	hb.Start(context.Background())
	if !hb.IsRunning() {
		t.Fatal("heartbeat should be running after Start")
	}

	path := store.Layout().PresenceFile("dev", identity.ClientID)
	entry := readEntry(t, path)
	if entry.ClientID != identity.ClientID {
		t.Errorf("client_id = %q, want %q", entry.ClientID, identity.ClientID)
	}
	if entry.Room != "dev" {
		t.Errorf("room = %q, want dev", entry.Room)
	}
	if entry.Status != "online" {
		t.Errorf("status = %q, want online", entry.Status)
	}

	hb.Stop()
	if hb.IsRunning() {
		t.Error("heartbeat should not be running after Stop")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Stop should unlink the presence file")
	}
}

func TestHeartbeat_TickerRewrites(t *testing.T) {
	store := newTestStore(t)
	identity := Identity{ClientID: "abc123def456", Name: "zoe", Color: "cyan"}
	hb := NewHeartbeat(store, nil, nil, identity, "dev", 15*time.Millisecond)

	hb.Start(context.Background())
	defer hb.Stop()

	path := store.Layout().PresenceFile("dev", identity.ClientID)
	first, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat presence file: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		info, err := os.Stat(path)
		if err == nil && info.ModTime().After(first.ModTime()) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("presence file was never rewritten by the ticker")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHeartbeat_SetRoomMovesFile(t *testing.T) {
	store := newTestStore(t)
	identity := Identity{ClientID: "abc123def456", Name: "zoe", Color: "cyan"}
	hb := NewHeartbeat(store, nil, nil, identity, "dev", time.Hour)

	ctx := context.Background()
	hb.Start(ctx)
	defer hb.Stop()

	hb.SetRoom(ctx, "ops")

	oldPath := store.Layout().PresenceFile("dev", identity.ClientID)
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("old room presence file should be unlinked on switch")
	}

	entry := readEntry(t, store.Layout().PresenceFile("ops", identity.ClientID))
	if entry.Room != "ops" {
		t.Errorf("room = %q, want ops", entry.Room)
	}
	if hb.Room() != "ops" {
		t.Errorf("Room() = %q, want ops", hb.Room())
	}
}

func TestHeartbeat_SetStatus(t *testing.T) {
	store := newTestStore(t)
	identity := Identity{ClientID: "abc123def456", Name: "zoe", Color: "cyan"}
	hb := NewHeartbeat(store, nil, nil, identity, "dev", time.Hour)

	ctx := context.Background()
	hb.Start(ctx)
	defer hb.Stop()

	hb.SetStatus(ctx, "away")

	entry := readEntry(t, store.Layout().PresenceFile("dev", identity.ClientID))
	if entry.Status != "away" {
		t.Errorf("status = %q, want away", entry.Status)
	}
}

func TestHeartbeat_ContextCancelRemovesFile(t *testing.T) {
	store := newTestStore(t)
	identity := Identity{ClientID: "abc123def456", Name: "zoe", Color: "cyan"}
	hb := NewHeartbeat(store, nil, nil, identity, "dev", 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	hb.Start(ctx)

	path := store.Layout().PresenceFile("dev", identity.ClientID)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("presence file missing after Start: %v", err)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for hb.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("heartbeat did not stop on context cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("context cancel should unlink the presence file")
	}
}

func TestNewIdentity(t *testing.T) {
	id := NewIdentity("zoe", "cyan")
	if len(id.ClientID) != 12 {
		t.Errorf("client id length = %d, want 12", len(id.ClientID))
	}
	if id.Name != "zoe" || id.Color != "cyan" {
		t.Errorf("identity = %+v", id)
	}
}
