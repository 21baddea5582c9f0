package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toutatis-dev/huddle/internal/observability"
	"github.com/toutatis-dev/huddle/internal/ratelimit"
	"github.com/toutatis-dev/huddle/internal/storage"
	"github.com/toutatis-dev/huddle/pkg/models"
)

// quarantineThreshold is how many consecutive parse failures a presence
// file gets before it is moved aside. Tuned default, not configuration.
const quarantineThreshold = 3

// Reader aggregates presence files into sidebar rosters. Sweeps are
// rate-limited per room; callers that force (room switch, explicit refresh)
// bypass the limiter. All failure modes are tolerated: stale files are
// unlinked, unreadable files are counted and eventually quarantined, and a
// failed directory scan falls back to the last cached roster.
type Reader struct {
	store   *storage.Store
	logger  *observability.Logger
	metrics *observability.Metrics
	limiter *ratelimit.Limiter

	mu       sync.Mutex
	failures map[string]int
	cache    map[string][]models.PresenceEntry
}

// NewReader builds a presence reader over the store's layout.
func NewReader(store *storage.Store, logger *observability.Logger, metrics *observability.Metrics) *Reader {
	return &Reader{
		store:    store,
		logger:   logger.WithFields("component", "presence"),
		metrics:  metrics,
		limiter:  ratelimit.NewLimiter(ratelimit.SidebarConfig()),
		failures: make(map[string]int),
		cache:    make(map[string][]models.PresenceEntry),
	}
}

// Snapshot returns the live peers in one room, sorted by name. Unless
// forced, sweeps are limited to one per ~250ms per room and the cached
// roster is returned in between.
func (r *Reader) Snapshot(ctx context.Context, room string, force bool) []models.PresenceEntry {
	if !force && !r.limiter.Allow(room) {
		return r.cached(room)
	}

	entries, err := r.sweep(ctx, room)
	if err != nil {
		r.logger.Warn(ctx, "presence sweep failed", "room", room, "error", err)
		r.metrics.RecordError("presence", "sweep")
		return r.cached(room)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].ClientID < entries[j].ClientID
	})

	r.mu.Lock()
	r.cache[room] = entries
	r.mu.Unlock()
	r.metrics.SetPresencePeers(room, len(entries))
	return entries
}

// Aggregate merges rosters across rooms. A client id seen in several rooms
// keeps only its most recent entry by last_seen.
func (r *Reader) Aggregate(ctx context.Context, rooms []string, force bool) []models.PresenceEntry {
	latest := make(map[string]models.PresenceEntry)
	for _, room := range rooms {
		for _, entry := range r.Snapshot(ctx, room, force) {
			prev, seen := latest[entry.ClientID]
			if !seen || entry.LastSeen > prev.LastSeen {
				latest[entry.ClientID] = entry
			}
		}
	}

	merged := make([]models.PresenceEntry, 0, len(latest))
	for _, entry := range latest {
		merged = append(merged, entry)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Name != merged[j].Name {
			return merged[i].Name < merged[j].Name
		}
		return merged[i].ClientID < merged[j].ClientID
	})
	return merged
}

// ForgetRoom drops the cached roster and limiter state for a room so the
// next sweep runs fresh. Called on room switch.
func (r *Reader) ForgetRoom(room string) {
	r.mu.Lock()
	delete(r.cache, room)
	r.mu.Unlock()
	r.limiter.Reset(room)
}

func (r *Reader) cached(room string) []models.PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	cached := r.cache[room]
	out := make([]models.PresenceEntry, len(cached))
	copy(out, cached)
	return out
}

func (r *Reader) sweep(ctx context.Context, room string) ([]models.PresenceEntry, error) {
	dir := r.store.Layout().PresenceDir(room)
	dirents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	now := time.Now()
	entries := make([]models.PresenceEntry, 0, len(dirents))
	for _, dirent := range dirents {
		name := dirent.Name()
		if dirent.IsDir() || storage.IsTempArtifact(name) {
			continue
		}
		path := filepath.Join(dir, name)

		info, err := dirent.Info()
		if err != nil {
			continue
		}
		// The file mtime is the liveness clock. A peer that stopped
		// heartbeating is removed on sight so every reader converges.
		if now.Sub(info.ModTime()) > StaleAfter {
			if err := os.Remove(path); err == nil || os.IsNotExist(err) {
				r.metrics.RecordPresenceExpired()
			}
			r.forget(path)
			continue
		}

		entry, err := r.parseFile(path)
		if err != nil {
			r.recordFailure(ctx, room, path, err)
			continue
		}
		r.forget(path)
		entry.Room = room
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r *Reader) parseFile(path string) (models.PresenceEntry, error) {
	var entry models.PresenceEntry
	data, err := os.ReadFile(path)
	if err != nil {
		return entry, err
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return entry, err
	}
	if entry.ClientID == "" {
		return entry, fmt.Errorf("presence file %s: missing client_id", path)
	}
	return entry, nil
}

// recordFailure bumps the per-file failure counter and quarantines the file
// once it crosses the threshold. Quarantined files keep their name plus a
// unique suffix so repeated offenders never collide.
func (r *Reader) recordFailure(ctx context.Context, room, path string, cause error) {
	r.mu.Lock()
	r.failures[path]++
	count := r.failures[path]
	r.mu.Unlock()

	if count < quarantineThreshold {
		r.logger.Debug(ctx, "presence parse failure", "path", path, "count", count, "error", cause)
		return
	}

	qdir := r.store.Layout().QuarantineDir(room)
	if err := os.MkdirAll(qdir, 0o755); err != nil {
		r.logger.Warn(ctx, "create quarantine dir", "room", room, "error", err)
		return
	}
	dest := filepath.Join(qdir, fmt.Sprintf("%s.%s", filepath.Base(path), uuid.NewString()))
	if err := os.Rename(path, dest); err != nil && !os.IsNotExist(err) {
		r.logger.Warn(ctx, "quarantine presence file", "path", path, "error", err)
		return
	}
	r.forget(path)
	r.metrics.RecordQuarantine()
	r.logger.Warn(ctx, "presence file quarantined", "path", path, "dest", dest, "error", cause)
}

func (r *Reader) forget(path string) {
	r.mu.Lock()
	delete(r.failures, path)
	r.mu.Unlock()
}
