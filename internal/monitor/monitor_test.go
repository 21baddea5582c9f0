package monitor

import (
	"context"
	"fmt"
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

func appendChat(t *testing.T, store *storage.Store, room, author, text string) {
	t.Helper()
	ev := &models.Event{Type: models.EventChat, Author: author, Text: text}
	if err := store.AppendEvent(context.Background(), room, ev); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
}

func fastTuning() Tuning {
	return Tuning{
		Floor:         5 * time.Millisecond,
		Start:         10 * time.Millisecond,
		Ceiling:       50 * time.Millisecond,
		Step:          10 * time.Millisecond,
		IdleThreshold: 4,
		RecentWindow:  50,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestMonitor_SwitchRoomSeedsRecentWindow(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 60; i++ {
		appendChat(t, store, "dev", "alice", fmt.Sprintf("msg %d", i))
	}

	tuning := fastTuning()
	m := New(store, nil, nil, nil, nil, tuning)
	if err := m.SwitchRoom(context.Background(), "dev"); err != nil {
		t.Fatalf("SwitchRoom: %v", err)
	}

	events := m.Events()
	if len(events) != tuning.RecentWindow {
		t.Fatalf("seeded %d events, want %d", len(events), tuning.RecentWindow)
	}
	if events[0].Text != "msg 10" || events[len(events)-1].Text != "msg 59" {
		t.Errorf("window = [%s .. %s], want [msg 10 .. msg 59]",
			events[0].Text, events[len(events)-1].Text)
	}

	// Offset sits at EOF: a fresh tick finds nothing.
	m.tick(context.Background())
	if got := len(m.Events()); got != tuning.RecentWindow {
		t.Errorf("tick after seed grew the view to %d events", got)
	}
}

func TestMonitor_TickAppendsNewEvents(t *testing.T) {
	store := newTestStore(t)
	appendChat(t, store, "dev", "alice", "before")

	m := New(store, nil, nil, nil, nil, fastTuning())
	ctx := context.Background()
	if err := m.SwitchRoom(ctx, "dev"); err != nil {
		t.Fatalf("SwitchRoom: %v", err)
	}

	appendChat(t, store, "dev", "bob", "after 1")
	appendChat(t, store, "dev", "bob", "after 2")
	m.tick(ctx)

	events := m.Events()
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[1].Text != "after 1" || events[2].Text != "after 2" {
		t.Errorf("appended tail = %q, %q", events[1].Text, events[2].Text)
	}
}

func TestMonitor_PollLoopPicksUpAppends(t *testing.T) {
	store := newTestStore(t)
	m := New(store, nil, nil, nil, nil, fastTuning())
	ctx := context.Background()
	if err := m.SwitchRoom(ctx, "dev"); err != nil {
		t.Fatalf("SwitchRoom: %v", err)
	}

	m.Start(ctx)
	defer m.Stop()

	appendChat(t, store, "dev", "alice", "hello")
	waitFor(t, 2*time.Second, func() bool { return len(m.Events()) == 1 })

	if got := m.Events()[0].Text; got != "hello" {
		t.Errorf("polled event text = %q", got)
	}
}

func TestMonitor_IntervalGrowsAfterIdleThreshold(t *testing.T) {
	store := newTestStore(t)
	tuning := fastTuning()
	m := New(store, nil, nil, nil, nil, tuning)
	ctx := context.Background()
	if err := m.SwitchRoom(ctx, "dev"); err != nil {
		t.Fatalf("SwitchRoom: %v", err)
	}
	m.resetToFloor()

	// Idle polls below the threshold keep the floor interval.
	for i := 0; i < tuning.IdleThreshold-1; i++ {
		m.tick(ctx)
	}
	if got := m.currentInterval(); got != tuning.Floor {
		t.Errorf("interval after %d idles = %v, want floor %v", tuning.IdleThreshold-1, got, tuning.Floor)
	}

	m.tick(ctx)
	if got := m.currentInterval(); got != tuning.Floor+tuning.Step {
		t.Errorf("interval after threshold = %v, want %v", got, tuning.Floor+tuning.Step)
	}

	// Growth is capped at the ceiling.
	for i := 0; i < 20; i++ {
		m.tick(ctx)
	}
	if got := m.currentInterval(); got != tuning.Ceiling {
		t.Errorf("interval after long idle = %v, want ceiling %v", got, tuning.Ceiling)
	}
}

func TestMonitor_NewBytesResetToFloor(t *testing.T) {
	store := newTestStore(t)
	tuning := fastTuning()
	m := New(store, nil, nil, nil, nil, tuning)
	ctx := context.Background()
	if err := m.SwitchRoom(ctx, "dev"); err != nil {
		t.Fatalf("SwitchRoom: %v", err)
	}

	for i := 0; i < 10; i++ {
		m.tick(ctx)
	}
	if got := m.currentInterval(); got <= tuning.Start {
		t.Fatalf("interval should have grown, got %v", got)
	}

	appendChat(t, store, "dev", "alice", "wake up")
	m.tick(ctx)
	if got := m.currentInterval(); got != tuning.Floor {
		t.Errorf("interval after new bytes = %v, want floor %v", got, tuning.Floor)
	}
}

func TestMonitor_TruncationRebuildsView(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		appendChat(t, store, "dev", "alice", fmt.Sprintf("old %d", i))
	}

	m := New(store, nil, nil, nil, nil, fastTuning())
	if err := m.SwitchRoom(ctx, "dev"); err != nil {
		t.Fatalf("SwitchRoom: %v", err)
	}
	if len(m.Events()) != 3 {
		t.Fatalf("seeded %d events", len(m.Events()))
	}

	// The log is replaced with a shorter one.
	if err := os.Truncate(store.Layout().RoomLog("dev"), 0); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	appendChat(t, store, "dev", "bob", "fresh start")

	m.tick(ctx)
	events := m.Events()
	if len(events) != 1 {
		t.Fatalf("view after rewind has %d events, want 1", len(events))
	}
	if events[0].Text != "fresh start" {
		t.Errorf("rebuilt view = %q", events[0].Text)
	}
	if m.Offset() <= 0 {
		t.Errorf("offset after rewind = %d", m.Offset())
	}
}

func TestMonitor_SwitchRoomClearsViewAndSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	appendChat(t, store, "dev", "alice", "deploy finished")
	appendChat(t, store, "ops", "bob", "incident open")

	m := New(store, nil, nil, nil, nil, fastTuning())
	if err := m.SwitchRoom(ctx, "dev"); err != nil {
		t.Fatalf("SwitchRoom dev: %v", err)
	}
	if n := m.Search("deploy"); n != 1 {
		t.Fatalf("search matches = %d, want 1", n)
	}

	if err := m.SwitchRoom(ctx, "ops"); err != nil {
		t.Fatalf("SwitchRoom ops: %v", err)
	}
	if m.Query() != "" {
		t.Error("room switch should clear the search query")
	}
	if _, ok := m.CurrentMatch(); ok {
		t.Error("room switch should clear search matches")
	}
	events := m.Events()
	if len(events) != 1 || events[0].Text != "incident open" {
		t.Errorf("ops view = %+v", events)
	}
	if m.Room() != "ops" {
		t.Errorf("room = %q", m.Room())
	}
}

func TestMonitor_SignalRefreshWakesLoop(t *testing.T) {
	store := newTestStore(t)
	tuning := fastTuning()
	tuning.Start = time.Hour // the loop would sleep forever without a wake
	m := New(store, nil, nil, nil, nil, tuning)
	ctx := context.Background()
	if err := m.SwitchRoom(ctx, "dev"); err != nil {
		t.Fatalf("SwitchRoom: %v", err)
	}

	m.Start(ctx)
	defer m.Stop()

	appendChat(t, store, "dev", "alice", "hello")
	m.SignalRefresh()
	waitFor(t, 2*time.Second, func() bool { return len(m.Events()) == 1 })
}

func TestMonitor_StartStopIdempotent(t *testing.T) {
	store := newTestStore(t)
	m := New(store, nil, nil, nil, nil, fastTuning())
	ctx := context.Background()
	m.Start(ctx)
	m.Start(ctx)
	if !m.IsRunning() {
		t.Fatal("monitor should be running")
	}
	m.Stop()
	m.Stop()
	if m.IsRunning() {
		t.Fatal("monitor should be stopped")
	}
}

func TestTuning_Normalized(t *testing.T) {
	got := Tuning{}.normalized()
	want := DefaultTuning()
	if got != want {
		t.Errorf("normalized zero tuning = %+v, want defaults %+v", got, want)
	}

	partial := Tuning{Ceiling: 2 * time.Second}.normalized()
	if partial.Ceiling != 2*time.Second {
		t.Errorf("override lost: %+v", partial)
	}
	if partial.Floor != want.Floor {
		t.Errorf("unset floor should default, got %v", partial.Floor)
	}
}
