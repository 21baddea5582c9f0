// Package monitor runs the single polling task that keeps one room's view
// current: it tails the active room's log by byte offset on an adaptive
// interval, drives the rate-limited presence sweep, and owns the in-memory
// event list the UI and search read from. fsnotify supplies wake hints when
// the filesystem emits them; polling stays authoritative because shared
// mounts often do not.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/toutatis-dev/huddle/internal/bus"
	"github.com/toutatis-dev/huddle/internal/observability"
	"github.com/toutatis-dev/huddle/internal/presence"
	"github.com/toutatis-dev/huddle/internal/storage"
	"github.com/toutatis-dev/huddle/pkg/models"
)

// Tuning holds the adaptive polling constants. The defaults are tuned
// values; huddle.yaml may override the intervals.
type Tuning struct {
	// Floor is the interval after fresh bytes or an explicit refresh.
	Floor time.Duration
	// Start is the interval right after a room switch.
	Start time.Duration
	// Ceiling bounds interval growth during quiet stretches.
	Ceiling time.Duration
	// Step is added per idle cycle once IdleThreshold is crossed.
	Step time.Duration
	// IdleThreshold is how many empty polls precede growth.
	IdleThreshold int
	// RecentWindow is how many trailing events seed a room switch.
	RecentWindow int
}

// DefaultTuning returns the tuned polling constants.
func DefaultTuning() Tuning {
	return Tuning{
		Floor:         200 * time.Millisecond,
		Start:         350 * time.Millisecond,
		Ceiling:       1500 * time.Millisecond,
		Step:          100 * time.Millisecond,
		IdleThreshold: 4,
		RecentWindow:  50,
	}
}

func (t Tuning) normalized() Tuning {
	def := DefaultTuning()
	if t.Floor <= 0 {
		t.Floor = def.Floor
	}
	if t.Start <= 0 {
		t.Start = def.Start
	}
	if t.Ceiling <= 0 {
		t.Ceiling = def.Ceiling
	}
	if t.Step <= 0 {
		t.Step = def.Step
	}
	if t.IdleThreshold <= 0 {
		t.IdleThreshold = def.IdleThreshold
	}
	if t.RecentWindow <= 0 {
		t.RecentWindow = def.RecentWindow
	}
	return t
}

// Monitor is the per-process room poller and view-state owner.
type Monitor struct {
	store    *storage.Store
	presence *presence.Reader
	bus      *bus.Bus
	logger   *observability.Logger
	metrics  *observability.Metrics
	tuning   Tuning

	mu         sync.Mutex
	room       string
	events     []*models.Event
	offset     int64
	interval   time.Duration
	idleCycles int

	searchQuery   string
	searchMatches []int
	searchCursor  int

	watcher    *fsnotify.Watcher
	watchedDir string

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	refreshCh chan struct{}
}

// New builds a monitor. The presence reader and bus may be nil; polling
// then runs without sidebar sweeps or refresh events.
func New(store *storage.Store, reader *presence.Reader, b *bus.Bus, logger *observability.Logger, metrics *observability.Metrics, tuning Tuning) *Monitor {
	tuning = tuning.normalized()
	return &Monitor{
		store:     store,
		presence:  reader,
		bus:       b,
		logger:    logger.WithFields("component", "monitor"),
		metrics:   metrics,
		tuning:    tuning,
		interval:  tuning.Start,
		refreshCh: make(chan struct{}, 1),
	}
}

// SwitchRoom points the monitor at a room: the event list is rebuilt from
// the room's trailing window, search state clears, and the offset seeks to
// EOF so only new appends flow in.
func (m *Monitor) SwitchRoom(ctx context.Context, room string) error {
	events, offset, err := m.store.ReadRecent(ctx, room, m.tuning.RecentWindow)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.room = room
	m.events = events
	m.offset = offset
	m.clearSearchLocked()
	m.idleCycles = 0
	m.interval = m.tuning.Start
	m.mu.Unlock()

	m.rewatch(room)
	if m.presence != nil {
		m.presence.ForgetRoom(room)
		m.presence.Snapshot(ctx, room, true)
	}
	m.SignalRefresh()
	return nil
}

// Room returns the active room.
func (m *Monitor) Room() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

// Events returns a snapshot of the in-memory event list.
func (m *Monitor) Events() []*models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Event, len(m.events))
	copy(out, m.events)
	return out
}

// Offset returns the current byte offset into the room log.
func (m *Monitor) Offset() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offset
}

// SignalRefresh wakes the poll loop and drops the interval to the floor.
// Safe from any goroutine; coalesces when a wake is already pending.
func (m *Monitor) SignalRefresh() {
	select {
	case m.refreshCh <- struct{}{}:
	default:
	}
}

// Start launches the poll loop. No-op when already running.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	if m.running {
		m.runMu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.runMu.Unlock()

	if m.watcher == nil {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			m.logger.Warn(ctx, "fsnotify unavailable, polling only", "error", err)
		} else {
			m.watcher = watcher
			m.rewatch(m.Room())
		}
	}

	go m.run(ctx)
}

// Stop halts the poll loop and closes the watcher.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	close(m.stopCh)
	doneCh := m.doneCh
	m.runMu.Unlock()

	if doneCh != nil {
		<-doneCh
	}
	if m.watcher != nil {
		m.watcher.Close()
		m.watcher = nil
	}
}

// IsRunning reports whether the poll loop is active.
func (m *Monitor) IsRunning() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.running
}

func (m *Monitor) run(ctx context.Context) {
	defer func() {
		m.runMu.Lock()
		m.running = false
		close(m.doneCh)
		m.runMu.Unlock()
	}()

	var watchEvents chan fsnotify.Event
	var watchErrors chan error
	if m.watcher != nil {
		watchEvents = m.watcher.Events
		watchErrors = m.watcher.Errors
	}

	timer := time.NewTimer(m.currentInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-timer.C:
			m.tick(ctx)
		case <-m.refreshCh:
			m.resetToFloor()
			m.tick(ctx)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case ev, ok := <-watchEvents:
			if !ok {
				watchEvents = nil
				continue
			}
			if m.isWakeHint(ev) {
				m.resetToFloor()
				m.tick(ctx)
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			m.logger.Warn(ctx, "fsnotify error", "error", err)
			continue
		}
		timer.Reset(m.currentInterval())
	}
}

// isWakeHint reports whether a filesystem event touches the active room's
// log file.
func (m *Monitor) isWakeHint(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}
	room := m.Room()
	if room == "" {
		return false
	}
	return ev.Name == m.store.Layout().RoomLog(room)
}

// tick performs one poll: tail the active room, fold new events into the
// view, adapt the interval, and drive the presence sweep.
func (m *Monitor) tick(ctx context.Context) {
	m.mu.Lock()
	room := m.room
	offset := m.offset
	m.mu.Unlock()
	if room == "" {
		return
	}

	events, newOffset, err := m.store.TailSince(ctx, room, offset)
	switch {
	case err != nil:
		m.metrics.RecordMonitorPoll("error")
		m.logger.Warn(ctx, "poll failed", "room", room, "error", err)
		m.grow()

	case newOffset < offset:
		// The log shrank under us; the view is rebuilt from what remains
		// and any search indexes are stale.
		m.mu.Lock()
		if m.room == room {
			m.events = events
			m.offset = newOffset
			m.rebuildMatchesLocked()
		}
		m.mu.Unlock()
		m.metrics.RecordMonitorPoll("rewind")
		m.resetToFloor()
		m.publishRoomRefresh(room)
		m.bus.Publish(bus.Event{Topic: bus.TopicRebuildSearch, Room: room}, false)

	case len(events) > 0:
		m.mu.Lock()
		if m.room == room {
			m.events = append(m.events, events...)
			m.offset = newOffset
		}
		m.mu.Unlock()
		m.metrics.RecordMonitorPoll("new_events")
		m.resetToFloor()
		m.publishRoomRefresh(room)

	default:
		m.metrics.RecordMonitorPoll("idle")
		m.grow()
	}

	if m.presence != nil {
		m.presence.Snapshot(ctx, room, false)
	}
}

func (m *Monitor) publishRoomRefresh(room string) {
	m.bus.Publish(bus.Event{Topic: bus.TopicRefreshOutput, Room: room}, false)
}

func (m *Monitor) currentInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

func (m *Monitor) resetToFloor() {
	m.mu.Lock()
	m.interval = m.tuning.Floor
	m.idleCycles = 0
	m.mu.Unlock()
}

// grow widens the interval once enough consecutive polls came back empty.
func (m *Monitor) grow() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleCycles++
	if m.idleCycles < m.tuning.IdleThreshold {
		return
	}
	m.interval += m.tuning.Step
	if m.interval > m.tuning.Ceiling {
		m.interval = m.tuning.Ceiling
	}
}

// rewatch points the fsnotify watcher at the room's directory. Watching
// the directory rather than the file survives log creation.
func (m *Monitor) rewatch(room string) {
	if m.watcher == nil || room == "" {
		return
	}
	dir := m.store.Layout().RoomDir(room)

	m.mu.Lock()
	old := m.watchedDir
	m.watchedDir = dir
	m.mu.Unlock()

	if old != "" && old != dir {
		m.watcher.Remove(old)
	}
	if err := m.watcher.Add(dir); err != nil {
		m.logger.Warn(context.Background(), "watch room dir", "dir", dir, "error", err)
	}
}
