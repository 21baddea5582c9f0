// Package presence keeps the per-room peer roster alive: a heartbeat
// goroutine rewrites this peer's presence file every interval, and a reader
// sweeps presence directories, expiring stale entries and quarantining files
// that repeatedly fail to parse.
package presence

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/toutatis-dev/huddle/internal/observability"
	"github.com/toutatis-dev/huddle/internal/storage"
	"github.com/toutatis-dev/huddle/pkg/models"
)

// DefaultInterval is the heartbeat cadence. StaleAfter is how long a
// presence file may go without a rewrite before readers treat the peer as
// gone. Three missed beats mark a peer dead.
const (
	DefaultInterval = 10 * time.Second
	StaleAfter      = 30 * time.Second
)

// Identity is the stable description of this peer carried in every
// presence file it writes.
type Identity struct {
	ClientID string
	Name     string
	Color    string
}

// Heartbeat rewrites this peer's presence file on a fixed cadence. Exactly
// one file exists per (peer, room); switching rooms unlinks the old file and
// beats immediately in the new one.
type Heartbeat struct {
	store    *storage.Store
	logger   *observability.Logger
	metrics  *observability.Metrics
	identity Identity
	interval time.Duration

	mu      sync.Mutex
	room    string
	status  string
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	ticker  *time.Ticker
}

// NewHeartbeat builds a heartbeat for one peer. An interval <= 0 uses
// DefaultInterval.
func NewHeartbeat(store *storage.Store, logger *observability.Logger, metrics *observability.Metrics, identity Identity, room string, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Heartbeat{
		store:    store,
		logger:   logger.WithFields("component", "presence"),
		metrics:  metrics,
		identity: identity,
		interval: interval,
		room:     room,
		status:   "online",
	}
}

// Start begins the heartbeat loop and writes the first presence file right
// away. Calling Start on a running heartbeat is a no-op.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})
	h.ticker = time.NewTicker(h.interval)
	h.mu.Unlock()

	h.Beat(ctx)
	go h.run(ctx)
}

func (h *Heartbeat) run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		if h.ticker != nil {
			h.ticker.Stop()
			h.ticker = nil
		}
		h.running = false
		close(h.doneCh)
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			h.removeOwnFile()
			return
		case <-h.stopCh:
			return
		case <-h.ticker.C:
			h.Beat(ctx)
		}
	}
}

// Stop halts the loop, waits for it to exit, and unlinks this peer's
// presence file so other readers drop it without waiting out StaleAfter.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	close(h.stopCh)
	doneCh := h.doneCh
	h.mu.Unlock()

	if doneCh != nil {
		<-doneCh
	}
	h.removeOwnFile()
}

// IsRunning reports whether the heartbeat loop is active.
func (h *Heartbeat) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Room returns the room the heartbeat currently writes into.
func (h *Heartbeat) Room() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.room
}

// SetRoom moves the heartbeat to a new room: the old room's presence file
// is unlinked and a beat lands in the new room immediately.
func (h *Heartbeat) SetRoom(ctx context.Context, room string) {
	h.mu.Lock()
	if room == h.room {
		h.mu.Unlock()
		return
	}
	old := h.room
	h.room = room
	h.mu.Unlock()

	if old != "" {
		path := h.store.Layout().PresenceFile(old, h.identity.ClientID)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			h.logger.Warn(ctx, "remove old presence file", "room", old, "error", err)
		}
	}
	h.Beat(ctx)
}

// SetStatus changes the status string carried on the next beat.
func (h *Heartbeat) SetStatus(ctx context.Context, status string) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()
	h.Beat(ctx)
}

// Beat rewrites this peer's presence file once, atomically. Used by the
// ticker and by forced refreshes such as a room switch.
func (h *Heartbeat) Beat(ctx context.Context) {
	h.mu.Lock()
	room := h.room
	status := h.status
	h.mu.Unlock()
	if room == "" {
		return
	}

	entry := models.PresenceEntry{
		Name:     h.identity.Name,
		Color:    h.identity.Color,
		Status:   status,
		ClientID: h.identity.ClientID,
		Room:     room,
		LastSeen: time.Now().Unix(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		h.logger.Warn(ctx, "encode presence entry", "error", err)
		return
	}

	if err := h.store.Layout().EnsureRoom(room); err != nil {
		h.metrics.RecordError("presence", "write")
		h.logger.Warn(ctx, "ensure room for presence", "room", room, "error", err)
		return
	}
	path := h.store.Layout().PresenceFile(room, h.identity.ClientID)
	if err := h.store.WriteFileAtomic(path, data); err != nil {
		h.metrics.RecordError("presence", "write")
		h.logger.Warn(ctx, "write presence file", "room", room, "error", err)
		return
	}
	h.metrics.RecordPresenceWrite()
}

func (h *Heartbeat) removeOwnFile() {
	h.mu.Lock()
	room := h.room
	h.mu.Unlock()
	if room == "" {
		return
	}
	path := h.store.Layout().PresenceFile(room, h.identity.ClientID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		h.logger.Warn(context.Background(), "remove own presence file", "room", room, "error", err)
	}
}

// NewIdentity builds an identity with a fresh client id.
func NewIdentity(name, color string) Identity {
	return Identity{
		ClientID: models.NewClientID(),
		Name:     name,
		Color:    color,
	}
}
