package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/toutatis-dev/huddle/internal/lockfile"
	"github.com/toutatis-dev/huddle/internal/observability"
	"github.com/toutatis-dev/huddle/pkg/models"
)

// Store performs every filesystem operation of the transport. Writers take
// an exclusive advisory lock per append; readers never lock and tolerate
// concurrent appenders because each row lands in one locked write.
type Store struct {
	layout  Layout
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New builds a store over the given layout. Logger and metrics may be nil.
func New(layout Layout, logger *observability.Logger, metrics *observability.Metrics) *Store {
	return &Store{
		layout:  layout,
		logger:  logger.WithFields("component", "storage"),
		metrics: metrics,
	}
}

// Layout exposes the store's path layout.
func (s *Store) Layout() Layout { return s.layout }

// AppendEvent encodes ev as one ASCII-safe JSON line and appends it to the
// room's log under the cross-process lock. The row is fsynced before the
// lock is released.
func (s *Store) AppendEvent(ctx context.Context, room string, ev *models.Event) error {
	ev.Normalize()
	line, err := ev.EncodeLine()
	if err != nil {
		s.metrics.RecordAppend("room_log", "error")
		return fmt.Errorf("encode event: %w", err)
	}

	if err := s.layout.EnsureRoom(room); err != nil {
		s.metrics.RecordAppend("room_log", "error")
		return err
	}

	if err := s.appendLocked(ctx, s.layout.RoomLog(room), "room_log", line); err != nil {
		s.logger.Warn(ctx, "append failed", "room", room, "error", err)
		return err
	}
	return nil
}

// AppendJSONL appends one pre-encoded row to an arbitrary JSONL file under
// the same lock-and-fsync protocol used for room logs. A trailing newline is
// added when missing.
func (s *Store) AppendJSONL(ctx context.Context, path string, row []byte) error {
	trimmed := bytes.TrimSuffix(row, []byte{'\n'})
	if len(trimmed) == 0 || bytes.IndexByte(trimmed, '\n') >= 0 {
		return fmt.Errorf("append %s: row must be a single non-empty line", path)
	}
	row = append(append(make([]byte, 0, len(trimmed)+1), trimmed...), '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", path, err)
	}

	target := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	return s.appendLocked(ctx, path, target, row)
}

func (s *Store) appendLocked(ctx context.Context, path, target string, line []byte) error {
	handle, err := lockfile.AcquireAppend(ctx, path, lockfile.DefaultTimeout)
	if err != nil {
		s.metrics.RecordAppend(target, "error")
		if errors.Is(err, lockfile.ErrTimeout) {
			s.metrics.RecordError("storage", "lock_busy")
		} else {
			s.metrics.RecordError("storage", "io")
		}
		return err
	}
	s.metrics.RecordLockRetries(target, handle.Attempts()-1)

	file := handle.File()
	if _, err := file.Write(line); err != nil {
		handle.Release()
		s.metrics.RecordAppend(target, "error")
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		handle.Release()
		s.metrics.RecordAppend(target, "error")
		return fmt.Errorf("fsync %s: %w", path, err)
	}
	if err := handle.Release(); err != nil {
		s.metrics.RecordAppend(target, "error")
		return err
	}

	s.metrics.RecordAppend(target, "ok")
	return nil
}

// TailSince reads every complete event line appended after offset and
// returns the decoded events plus the new offset. A shrunken file resets the
// offset to zero. Malformed rows are skipped with a warning; a trailing
// partial line is left for the next poll.
func (s *Store) TailSince(ctx context.Context, room string, offset int64) ([]*models.Event, int64, error) {
	path := s.layout.RoomLog(room)

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, nil
		}
		return nil, offset, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, offset, fmt.Errorf("stat %s: %w", path, err)
	}
	size := info.Size()

	if size < offset {
		s.logger.Warn(ctx, "room log shrank, rewinding", "room", room, "size", size, "offset", offset)
		offset = 0
	}
	if size == offset {
		return nil, offset, nil
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("seek %s: %w", path, err)
	}
	chunk, err := io.ReadAll(file)
	if err != nil {
		return nil, offset, fmt.Errorf("read %s: %w", path, err)
	}

	// Only consume through the last newline; a partial row mid-append stays
	// for the next poll.
	cut := bytes.LastIndexByte(chunk, '\n')
	if cut < 0 {
		return nil, offset, nil
	}
	consumed := chunk[:cut+1]
	newOffset := offset + int64(len(consumed))

	events := s.decodeLines(ctx, room, consumed)
	return events, newOffset, nil
}

// ReadRecent returns up to maxLines of the newest well-formed events in the
// room plus the end-of-file offset, for seeding a freshly joined room.
func (s *Store) ReadRecent(ctx context.Context, room string, maxLines int) ([]*models.Event, int64, error) {
	events, offset, err := s.TailSince(ctx, room, 0)
	if err != nil {
		return nil, 0, err
	}
	if maxLines > 0 && len(events) > maxLines {
		events = events[len(events)-maxLines:]
	}
	return events, offset, nil
}

// ListRooms returns the sorted room names visible to this peer: every
// directory under the shared rooms tree plus the local-only room when its
// directory exists.
func (s *Store) ListRooms() ([]string, error) {
	roomsDir := filepath.Join(s.layout.BaseDir, "rooms")

	entries, err := os.ReadDir(roomsDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", roomsDir, err)
	}

	rooms := make([]string, 0, len(entries)+1)
	for _, entry := range entries {
		if entry.IsDir() {
			rooms = append(rooms, entry.Name())
		}
	}
	if _, err := os.Stat(s.layout.RoomDir(LocalRoom)); err == nil {
		rooms = append(rooms, LocalRoom)
	}

	sort.Strings(rooms)
	return rooms, nil
}

// WriteFileAtomic writes data to path through a sibling temp file with
// flush, fsync, and atomic rename so readers never observe a torn file.
func (s *Store) WriteFileAtomic(path string, data []byte) error {
	return WriteAtomic(path, data)
}

// WriteAtomic is the underlying atomic small-file write, usable without a
// Store for config files.
func WriteAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", path, err)
	}

	tmp := fmt.Sprintf("%s.tmp-%d-%s", path, os.Getpid(), randSuffix())
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync temp for %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp for %s: %w", path, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

// IsTempArtifact reports whether a directory entry is one of our atomic
// write temp files. Presence readers skip these.
func IsTempArtifact(name string) bool {
	return strings.Contains(name, ".tmp-")
}

func (s *Store) decodeLines(ctx context.Context, room string, data []byte) []*models.Event {
	lines := bytes.Split(data, []byte{'\n'})
	events := make([]*models.Event, 0, len(lines))
	for _, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		ev, err := models.ParseEventLine(line)
		if err != nil {
			switch {
			case errors.Is(err, models.ErrSchemaFuture):
				s.metrics.RecordError("storage", "schema_future")
				s.logger.Warn(ctx, "skipping future-format row", "room", room, "error", err)
			default:
				s.metrics.RecordError("storage", "malformed_row")
				s.logger.Warn(ctx, "skipping malformed row", "room", room, "error", err)
			}
			continue
		}
		events = append(events, ev)
	}
	return events
}

func randSuffix() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "0000"
	}
	return hex.EncodeToString(b[:])
}
