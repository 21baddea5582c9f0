// Package agents stores agent profiles as one JSON file each under the
// shared agents/profiles directory. The directory listing is the
// catalog; peers pick up each other's profiles on the next read. Writes
// are atomic and audited, loads are schema-gated so a corrupt file is
// skipped instead of taking the catalog down.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/toutatis-dev/huddle/internal/audit"
	"github.com/toutatis-dev/huddle/internal/observability"
	"github.com/toutatis-dev/huddle/internal/storage"
	"github.com/toutatis-dev/huddle/internal/toolcontract"
	"github.com/toutatis-dev/huddle/pkg/models"
)

// DefaultProfileID is materialized on first start and used when the
// chat config names no agent.
const DefaultProfileID = "default"

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,39}$`)

// ErrProfileNotFound wraps a profile id with no file behind it.
type ErrProfileNotFound struct {
	ID string
}

func (e *ErrProfileNotFound) Error() string {
	return fmt.Sprintf("agent profile %q not found", e.ID)
}

// ErrBadProfileID reports an id outside the allowed alphabet.
var ErrBadProfileID = errors.New("profile id must be lowercase alphanumerics, '-' or '_'")

// Store reads and writes the shared profile directory.
type Store struct {
	layout storage.Layout
	logger *observability.Logger
	audit  *audit.Logger
}

// NewStore builds a profile store. audit may be nil in tests that do
// not assert on audit rows.
func NewStore(layout storage.Layout, logger *observability.Logger, auditLog *audit.Logger) *Store {
	return &Store{
		layout: layout,
		logger: logger.WithFields("component", "agents"),
		audit:  auditLog,
	}
}

// Get loads one profile by id.
func (s *Store) Get(ctx context.Context, id string) (*models.AgentProfile, error) {
	data, err := os.ReadFile(s.layout.ProfilePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ErrProfileNotFound{ID: id}
		}
		return nil, fmt.Errorf("read profile %s: %w", id, err)
	}
	profile, err := decodeProfile(data)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", id, err)
	}
	return profile, nil
}

// Exists reports whether a profile file is present, without decoding it.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.layout.ProfilePath(id))
	return err == nil
}

// List returns every readable profile, sorted by id. Files that fail
// schema validation are skipped with a warning; one bad file never
// hides the rest of the catalog.
func (s *Store) List(ctx context.Context) ([]*models.AgentProfile, error) {
	entries, err := os.ReadDir(s.layout.ProfilesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list profiles: %w", err)
	}

	var profiles []*models.AgentProfile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || storage.IsTempArtifact(name) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.layout.ProfilesDir(), name))
		if err != nil {
			s.logger.Warn(ctx, "skipping unreadable profile", "file", name, "error", err)
			continue
		}
		profile, err := decodeProfile(data)
		if err != nil {
			s.logger.Warn(ctx, "skipping invalid profile", "file", name, "error", err)
			continue
		}
		profiles = append(profiles, profile)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].ID < profiles[j].ID })
	return profiles, nil
}

// Upsert persists a profile: allowed tools are checked against the tool
// registry, the version is bumped past any copy already on disk, the
// actor and time are stamped, and a profile_saved audit row is written.
// The stored profile is returned.
func (s *Store) Upsert(ctx context.Context, p *models.AgentProfile, actor string) (*models.AgentProfile, error) {
	if !idPattern.MatchString(p.ID) {
		return nil, fmt.Errorf("%w: %q", ErrBadProfileID, p.ID)
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, errors.New("profile name must not be empty")
	}
	for _, tool := range p.ToolPolicy.AllowedTools {
		if !toolcontract.Has(tool) {
			return nil, fmt.Errorf("tool policy: %w", &toolcontract.ErrUnknownTool{Name: tool})
		}
	}

	saved := *p
	normalizeProfile(&saved)

	base := saved.Version
	if existing, err := s.Get(ctx, saved.ID); err == nil && existing.Version > base {
		base = existing.Version
	}
	saved.Version = base + 1
	saved.UpdatedAt = time.Now().UTC()
	saved.UpdatedBy = actor
	if saved.CreatedBy == "" {
		saved.CreatedBy = actor
	}

	data, err := json.MarshalIndent(&saved, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode profile %s: %w", saved.ID, err)
	}
	if err := os.MkdirAll(s.layout.ProfilesDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create profiles dir: %w", err)
	}
	if err := storage.WriteAtomic(s.layout.ProfilePath(saved.ID), append(data, '\n')); err != nil {
		return nil, fmt.Errorf("write profile %s: %w", saved.ID, err)
	}

	if s.audit != nil {
		detail, _ := json.Marshal(map[string]any{"version": saved.Version, "name": saved.Name})
		if err := s.audit.Append(ctx, &audit.Record{
			Kind:      audit.KindProfileSaved,
			Actor:     actor,
			ProfileID: saved.ID,
			Detail:    detail,
		}); err != nil {
			s.logger.Warn(ctx, "profile audit append failed", "profile", saved.ID, "error", err)
		}
	}

	s.logger.Info(ctx, "profile saved", "profile", saved.ID, "version", saved.Version, "actor", actor)
	return &saved, nil
}

// EnsureDefault materializes the default profile when missing. The
// default is deliberately read-only: suggest mode, approval required,
// low-risk tools only.
func (s *Store) EnsureDefault(ctx context.Context, actor string) (*models.AgentProfile, error) {
	existing, err := s.Get(ctx, DefaultProfileID)
	if err == nil {
		return existing, nil
	}
	var notFound *ErrProfileNotFound
	if !errors.As(err, &notFound) {
		return nil, err
	}

	return s.Upsert(ctx, &models.AgentProfile{
		ID:           DefaultProfileID,
		Name:         "Default",
		Description:  "Read-only starter profile.",
		SystemPrompt: "You are a concise assistant for a shared team chat.",
		ToolPolicy: models.ToolPolicy{
			Mode:            "suggest",
			RequireApproval: true,
			AllowedTools:    []string{"list_dir", "read_file", "search_text"},
		},
		MemoryPolicy:  models.MemoryPolicy{Scopes: models.AllMemoryScopes},
		RoutingPolicy: models.RoutingPolicy{Routes: map[string]models.RouteTarget{}},
	}, actor)
}

// decodeProfile validates raw bytes against the profile schema and
// decodes them.
func decodeProfile(data []byte) (*models.AgentProfile, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := compiledProfileSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	var profile models.AgentProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	normalizeProfile(&profile)
	return &profile, nil
}

// normalizeProfile replaces nil collections so encoded files carry
// explicit empties and lookups never touch a nil map.
func normalizeProfile(p *models.AgentProfile) {
	if p.ToolPolicy.AllowedTools == nil {
		p.ToolPolicy.AllowedTools = []string{}
	}
	if p.MemoryPolicy.Scopes == nil {
		p.MemoryPolicy.Scopes = []models.MemoryScope{}
	}
	if p.RoutingPolicy.Routes == nil {
		p.RoutingPolicy.Routes = map[string]models.RouteTarget{}
	}
}
