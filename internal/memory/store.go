// Package memory grounds AI prompts in previously confirmed knowledge.
// Entries live in append-only JSONL files, one per scope: private and
// repo under the peer's local state, team in the shared tree. Selection
// is a lexical prefilter over all loaded entries, optionally reranked
// by a model, rendered into a bounded context block.
package memory

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/toutatis-dev/huddle/internal/observability"
	"github.com/toutatis-dev/huddle/internal/storage"
	"github.com/toutatis-dev/huddle/pkg/models"
)

// Store reads and appends scope-backed memory files.
type Store struct {
	layout  storage.Layout
	files   *storage.Store
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewStore builds a memory store over the shared layout.
func NewStore(layout storage.Layout, files *storage.Store, logger *observability.Logger, metrics *observability.Metrics) *Store {
	return &Store{
		layout:  layout,
		files:   files,
		logger:  logger.WithFields("component", "memory"),
		metrics: metrics,
	}
}

// Load reads every entry in the requested scopes, in scope order then
// file order. Malformed rows are skipped with a warning; a missing
// scope file is simply empty.
func (s *Store) Load(ctx context.Context, scopes []models.MemoryScope) []*models.MemoryEntry {
	var entries []*models.MemoryEntry
	for _, scope := range scopes {
		if !models.ValidMemoryScope(scope) {
			continue
		}
		entries = append(entries, s.loadScope(ctx, scope)...)
	}
	return entries
}

func (s *Store) loadScope(ctx context.Context, scope models.MemoryScope) []*models.MemoryEntry {
	path := s.layout.MemoryPath(scope)
	file, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn(ctx, "memory scope unreadable", "scope", scope, "error", err)
		}
		return nil
	}
	defer file.Close()

	var entries []*models.MemoryEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		entry, err := models.ParseMemoryLine(line)
		if err != nil {
			s.logger.Warn(ctx, "skipping memory row", "scope", scope, "line", lineNo, "error", err)
			continue
		}
		if entry.Scope == "" {
			entry.Scope = scope
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		s.logger.Warn(ctx, "memory scan aborted", "scope", scope, "error", err)
	}
	return entries
}

// Append writes one entry to its scope's file under the usual lock. An
// entry without a scope lands in private.
func (s *Store) Append(ctx context.Context, entry *models.MemoryEntry) error {
	if entry.Scope == "" {
		entry.Scope = models.ScopePrivate
	}
	if !models.ValidMemoryScope(entry.Scope) {
		return fmt.Errorf("unknown memory scope %q", entry.Scope)
	}
	if entry.TS == "" {
		entry.TS = models.NowISO()
	}
	line, err := entry.EncodeLine()
	if err != nil {
		return err
	}
	if err := s.files.AppendJSONL(ctx, s.layout.MemoryPath(entry.Scope), line); err != nil {
		return fmt.Errorf("append memory entry: %w", err)
	}
	s.logger.Info(ctx, "memory entry saved", "id", entry.ID, "scope", entry.Scope, "topic", entry.Topic)
	return nil
}
