package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/toutatis-dev/huddle/internal/lockfile"
	"github.com/toutatis-dev/huddle/internal/observability"
	"github.com/toutatis-dev/huddle/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	layout := NewLayout(filepath.Join(t.TempDir(), "shared"), filepath.Join(t.TempDir(), ".local_chat"))
	if err := layout.EnsureBase(); err != nil {
		t.Fatal(err)
	}
	if err := layout.EnsureLocal(); err != nil {
		t.Fatal(err)
	}
	return New(layout, nil, nil)
}

func chatEvent(author, text string) *models.Event {
	return &models.Event{Type: models.EventChat, Author: author, Text: text}
}

func TestAppendEventAndTailSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.AppendEvent(ctx, "dev", chatEvent("alice", fmt.Sprintf("msg %d", i))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	events, offset, err := s.TailSince(ctx, "dev", 0)
	if err != nil {
		t.Fatalf("TailSince() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, ev := range events {
		if want := fmt.Sprintf("msg %d", i); ev.Text != want {
			t.Errorf("event %d text = %q, want %q", i, ev.Text, want)
		}
		if ev.V != models.SchemaVersion {
			t.Errorf("event %d version = %d, want %d", i, ev.V, models.SchemaVersion)
		}
		if ev.TS == "" {
			t.Errorf("event %d missing timestamp", i)
		}
	}

	info, err := os.Stat(s.layout.RoomLog("dev"))
	if err != nil {
		t.Fatal(err)
	}
	if offset != info.Size() {
		t.Errorf("offset = %d, want file size %d", offset, info.Size())
	}

	// Incremental tail sees only the new row.
	if err := s.AppendEvent(ctx, "dev", chatEvent("bob", "late")); err != nil {
		t.Fatal(err)
	}
	more, newOffset, err := s.TailSince(ctx, "dev", offset)
	if err != nil {
		t.Fatal(err)
	}
	if len(more) != 1 || more[0].Text != "late" {
		t.Fatalf("incremental tail = %+v, want the single late row", more)
	}
	if newOffset <= offset {
		t.Errorf("offset did not advance: %d -> %d", offset, newOffset)
	}
}

func TestAppendEvent_ASCIISafe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AppendEvent(ctx, "dev", chatEvent("Zoë", "café ☕")); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(s.layout.RoomLog("dev"))
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range data {
		if b >= 0x80 {
			t.Fatalf("non-ASCII byte 0x%02x at %d: %s", b, i, data)
		}
	}

	events, _, err := s.TailSince(ctx, "dev", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Author != "Zoë" || events[0].Text != "café ☕" {
		t.Errorf("round-trip mangled the event: %+v", events[0])
	}
}

func TestTailSince_SkipsMalformedRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.layout.EnsureRoom("dev"); err != nil {
		t.Fatal(err)
	}
	good1, _ := chatEvent("alice", "first").EncodeLine()
	good2, _ := chatEvent("bob", "second").EncodeLine()
	var buf bytes.Buffer
	buf.Write(good1)
	buf.WriteString("{this is not json\n")
	buf.WriteString(`{"v":1,"type":"poke","author":"x","text":"y"}` + "\n")
	buf.Write(good2)
	if err := os.WriteFile(s.layout.RoomLog("dev"), buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	events, offset, err := s.TailSince(ctx, "dev", 0)
	if err != nil {
		t.Fatalf("TailSince() error = %v, malformed rows must not abort tailing", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 good rows", len(events))
	}
	if events[0].Text != "first" || events[1].Text != "second" {
		t.Errorf("wrong surviving rows: %+v", events)
	}
	if offset != int64(buf.Len()) {
		t.Errorf("offset = %d, want %d (malformed rows still consumed)", offset, buf.Len())
	}
}

func TestTailSince_FutureSchemaSkipped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.layout.EnsureRoom("dev"); err != nil {
		t.Fatal(err)
	}
	row := fmt.Sprintf(`{"v":%d,"type":"chat","author":"future","text":"hi"}`+"\n", models.SchemaVersion+1)
	if err := os.WriteFile(s.layout.RoomLog("dev"), []byte(row), 0o644); err != nil {
		t.Fatal(err)
	}

	events, _, err := s.TailSince(ctx, "dev", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("future-format row was not rejected: %+v", events)
	}
}

func TestTailSince_TruncationResets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.AppendEvent(ctx, "dev", chatEvent("alice", fmt.Sprintf("old %d", i))); err != nil {
			t.Fatal(err)
		}
	}
	_, offset, err := s.TailSince(ctx, "dev", 0)
	if err != nil {
		t.Fatal(err)
	}

	// Replace the log with a single row, shrinking it below the offset.
	row, _ := chatEvent("bob", "fresh start").EncodeLine()
	if err := os.WriteFile(s.layout.RoomLog("dev"), row, 0o644); err != nil {
		t.Fatal(err)
	}

	events, newOffset, err := s.TailSince(ctx, "dev", offset)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Text != "fresh start" {
		t.Fatalf("rewound tail = %+v, want the fresh row", events)
	}
	if newOffset != int64(len(row)) {
		t.Errorf("offset after rewind = %d, want %d", newOffset, len(row))
	}
}

func TestTailSince_PartialLineHeldBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.layout.EnsureRoom("dev"); err != nil {
		t.Fatal(err)
	}
	full, _ := chatEvent("alice", "complete").EncodeLine()
	partial := `{"v":1,"type":"chat","author":"bob","te`
	if err := os.WriteFile(s.layout.RoomLog("dev"), append(full, partial...), 0o644); err != nil {
		t.Fatal(err)
	}

	events, offset, err := s.TailSince(ctx, "dev", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want only the complete row", len(events))
	}
	if offset != int64(len(full)) {
		t.Fatalf("offset = %d, want %d (partial row not consumed)", offset, len(full))
	}

	// Completing the row makes it visible on the next poll.
	rest := `xt":"finished"}` + "\n"
	f, err := os.OpenFile(s.layout.RoomLog("dev"), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(rest); err != nil {
		t.Fatal(err)
	}
	f.Close()

	events, _, err = s.TailSince(ctx, "dev", offset)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Text != "finished" {
		t.Errorf("completed row not read: %+v", events)
	}
}

func TestTailSince_MissingFile(t *testing.T) {
	s := newTestStore(t)

	events, offset, err := s.TailSince(context.Background(), "ghost", 17)
	if err != nil {
		t.Fatalf("TailSince() on missing room error = %v", err)
	}
	if len(events) != 0 || offset != 17 {
		t.Errorf("got (%d events, offset %d), want (0, 17)", len(events), offset)
	}
}

func TestReadRecent_Window(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := s.AppendEvent(ctx, "dev", chatEvent("alice", fmt.Sprintf("msg %d", i))); err != nil {
			t.Fatal(err)
		}
	}

	events, offset, err := s.ReadRecent(ctx, "dev", 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	if events[0].Text != "msg 6" || events[3].Text != "msg 9" {
		t.Errorf("window = %q..%q, want msg 6..msg 9", events[0].Text, events[3].Text)
	}

	info, _ := os.Stat(s.layout.RoomLog("dev"))
	if offset != info.Size() {
		t.Errorf("offset = %d, want end of file %d", offset, info.Size())
	}
}

func TestListRooms(t *testing.T) {
	s := newTestStore(t)

	for _, room := range []string{"ops", "dev"} {
		if err := s.layout.EnsureRoom(room); err != nil {
			t.Fatal(err)
		}
	}

	rooms, err := s.ListRooms()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"ai-dm", "dev", "ops"}
	if len(rooms) != len(want) {
		t.Fatalf("rooms = %v, want %v", rooms, want)
	}
	for i := range want {
		if rooms[i] != want[i] {
			t.Errorf("rooms[%d] = %q, want %q", i, rooms[i], want[i])
		}
	}
}

func TestAppendJSONL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	path := s.layout.MemoryPath(models.ScopePrivate)

	if err := s.AppendJSONL(ctx, path, []byte(`{"id":"mem_1"}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendJSONL(ctx, path, []byte(`{"id":"mem_2"}`+"\n")); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), data)
	}

	if err := s.AppendJSONL(ctx, path, []byte("two\nlines")); err == nil {
		t.Error("multi-line row must be rejected")
	}
	if err := s.AppendJSONL(ctx, path, []byte("\n")); err == nil {
		t.Error("empty row must be rejected")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	s := newTestStore(t)
	path := s.layout.PresenceFile("dev", "client01")

	if err := s.WriteFileAtomic(path, []byte(`{"name":"alice"}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteFileAtomic(path, []byte(`{"name":"alice","status":"away"}`)); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "away") {
		t.Errorf("overwrite lost: %s", data)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if IsTempArtifact(entry.Name()) {
			t.Errorf("stray temp file left behind: %s", entry.Name())
		}
	}
}

func TestConcurrentAppenders(t *testing.T) {
	// Two independent stores over one directory stand in for two processes;
	// the advisory lock follows the open file description, so contention is
	// real either way.
	layout := NewLayout(filepath.Join(t.TempDir(), "shared"), filepath.Join(t.TempDir(), ".local_chat"))
	if err := layout.EnsureBase(); err != nil {
		t.Fatal(err)
	}
	if err := layout.EnsureLocal(); err != nil {
		t.Fatal(err)
	}
	a := New(layout, nil, nil)
	b := New(layout, nil, nil)

	const perWriter = 100
	ctx := context.Background()

	var wg sync.WaitGroup
	run := func(s *Store, author string) {
		defer wg.Done()
		for i := 0; i < perWriter; i++ {
			if err := s.AppendEvent(ctx, "dev", chatEvent(author, fmt.Sprintf("%s %d", author, i))); err != nil {
				t.Errorf("%s append %d: %v", author, i, err)
				return
			}
		}
	}
	wg.Add(2)
	go run(a, "alice")
	go run(b, "bob")
	wg.Wait()

	data, err := os.ReadFile(layout.RoomLog("dev"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2*perWriter {
		t.Fatalf("got %d lines, want %d", len(lines), 2*perWriter)
	}

	perAuthor := map[string]int{}
	for i, line := range lines {
		ev, err := models.ParseEventLine([]byte(line))
		if err != nil {
			t.Fatalf("line %d is torn or malformed: %v\n%q", i, err, line)
		}
		perAuthor[ev.Author]++
	}
	if perAuthor["alice"] != perWriter || perAuthor["bob"] != perWriter {
		t.Errorf("per-author counts = %v, want %d each", perAuthor, perWriter)
	}
}

func TestAppendEvent_ContendedRecordsRetries(t *testing.T) {
	layout := NewLayout(filepath.Join(t.TempDir(), "shared"), filepath.Join(t.TempDir(), ".local_chat"))
	if err := layout.EnsureBase(); err != nil {
		t.Fatal(err)
	}
	if err := layout.EnsureRoom("dev"); err != nil {
		t.Fatal(err)
	}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	s := New(layout, nil, metrics)

	// Hold the lock past the first backoff step so the append must retry.
	holder, err := lockfile.AcquireAppend(context.Background(), layout.RoomLog("dev"), 0)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(150 * time.Millisecond)
		holder.Release()
	}()

	if err := s.AppendEvent(context.Background(), "dev", chatEvent("alice", "eventually")); err != nil {
		t.Fatalf("append under contention: %v", err)
	}

	if got := testutil.ToFloat64(metrics.LockRetryCounter.WithLabelValues("room_log")); got < 1 {
		t.Errorf("lock retries = %v, want at least 1", got)
	}
	if got := testutil.ToFloat64(metrics.AppendCounter.WithLabelValues("room_log", "ok")); got != 1 {
		t.Errorf("ok appends = %v, want 1", got)
	}
}
