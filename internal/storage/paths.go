// Package storage implements the shared-filesystem transport: locked JSONL
// appends, byte-offset tailing, atomic small-file writes, and the canonical
// path layout under the base directory and the per-user local state.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/toutatis-dev/huddle/pkg/models"
)

const (
	// LocalRoom is the designated local-only room. Its log lives under the
	// per-user local state, never under the shared tree.
	LocalRoom = "ai-dm"

	roomLogName     = "messages.jsonl"
	presenceDirName = "presence"
	quarantineName  = ".quarantine"

	maxRoomNameLen = 40
)

// ErrBadRoomName reports a room name that sanitizes to nothing.
var ErrBadRoomName = errors.New("invalid room name")

// Layout resolves every canonical path for one configured base directory
// plus the per-user local state directory.
type Layout struct {
	// BaseDir is the shared tree root, typically a mounted or synced folder.
	BaseDir string

	// LocalDir is the per-user state directory, <cwd>/.local_chat.
	LocalDir string
}

// NewLayout builds a layout over the given shared base and local state dirs.
func NewLayout(baseDir, localDir string) Layout {
	return Layout{BaseDir: baseDir, LocalDir: localDir}
}

// RoomDir returns the directory owning a room's log and presence files.
// The local-only room maps under LocalDir.
func (l Layout) RoomDir(room string) string {
	if room == LocalRoom {
		return filepath.Join(l.LocalDir, "rooms", room)
	}
	return filepath.Join(l.BaseDir, "rooms", room)
}

// RoomLog returns the room's append-only event log path.
func (l Layout) RoomLog(room string) string {
	return filepath.Join(l.RoomDir(room), roomLogName)
}

// PresenceDir returns the room's presence directory.
func (l Layout) PresenceDir(room string) string {
	return filepath.Join(l.RoomDir(room), presenceDirName)
}

// PresenceFile returns the presence file path for one peer in one room.
func (l Layout) PresenceFile(room, clientID string) string {
	return filepath.Join(l.PresenceDir(room), clientID)
}

// QuarantineDir returns where unparseable presence files are moved.
func (l Layout) QuarantineDir(room string) string {
	return filepath.Join(l.PresenceDir(room), quarantineName)
}

// MemoryPath returns the backing JSONL file for a memory scope. Team memory
// is shared; private and repo memory stay local.
func (l Layout) MemoryPath(scope models.MemoryScope) string {
	switch scope {
	case models.ScopeTeam:
		return filepath.Join(l.BaseDir, "memory", "global.jsonl")
	case models.ScopeRepo:
		return filepath.Join(l.LocalDir, "memory", "repo.jsonl")
	default:
		return filepath.Join(l.LocalDir, "memory", "private.jsonl")
	}
}

// AgentsDir returns the shared agents directory.
func (l Layout) AgentsDir() string {
	return filepath.Join(l.BaseDir, "agents")
}

// AuditLog returns the shared action audit log path.
func (l Layout) AuditLog() string {
	return filepath.Join(l.AgentsDir(), "audit.jsonl")
}

// ActionsLog returns the shared action snapshot log path.
func (l Layout) ActionsLog() string {
	return filepath.Join(l.AgentsDir(), "actions.jsonl")
}

// ProfilesDir returns the agent profile directory.
func (l Layout) ProfilesDir() string {
	return filepath.Join(l.AgentsDir(), "profiles")
}

// ProfilePath returns the JSON file for one agent profile.
func (l Layout) ProfilePath(id string) string {
	return filepath.Join(l.ProfilesDir(), id+".json")
}

// AIConfigPath returns the local AI provider configuration file.
func (l Layout) AIConfigPath() string {
	return filepath.Join(l.LocalDir, "ai_config.json")
}

// OnboardingStatePath returns the local onboarding progress file.
func (l Layout) OnboardingStatePath() string {
	return filepath.Join(l.LocalDir, "onboarding_state.json")
}

// RuntimeLogPath returns the local runtime log file. The terminal UI owns
// stdout, so slog writes here.
func (l Layout) RuntimeLogPath() string {
	return filepath.Join(l.LocalDir, "huddle.log")
}

// EnsureBase creates the shared tree directories.
func (l Layout) EnsureBase() error {
	for _, dir := range []string{
		filepath.Join(l.BaseDir, "rooms"),
		filepath.Join(l.BaseDir, "memory"),
		l.ProfilesDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// EnsureLocal creates the per-user local state directories.
func (l Layout) EnsureLocal() error {
	for _, dir := range []string{
		filepath.Join(l.LocalDir, "memory"),
		l.RoomDir(LocalRoom),
		l.PresenceDir(LocalRoom),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// EnsureRoom creates a room's directory and presence subdirectory.
func (l Layout) EnsureRoom(room string) error {
	if err := os.MkdirAll(l.PresenceDir(room), 0o755); err != nil {
		return fmt.Errorf("create room %s: %w", room, err)
	}
	return nil
}

// SanitizeRoom normalizes a requested room name to the allowed alphabet:
// lowercase alphanumerics plus '-' and '_', bounded length. Runs of other
// characters collapse to a single '-'. Returns ErrBadRoomName when nothing
// usable remains.
func SanitizeRoom(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	var b strings.Builder
	lastDash := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			lastDash = false
		case r == '-':
			b.WriteRune('-')
			lastDash = false
		default:
			if !lastDash {
				b.WriteRune('-')
				lastDash = true
			}
		}
	}

	out := strings.Trim(b.String(), "-")
	if len(out) > maxRoomNameLen {
		out = strings.Trim(out[:maxRoomNameLen], "-")
	}
	if out == "" {
		return "", fmt.Errorf("%w: %q", ErrBadRoomName, name)
	}
	return out, nil
}
