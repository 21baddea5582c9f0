package models

import (
	"encoding/json"
	"fmt"
)

// Confidence grades how much weight a memory entry carries during
// selection.
type Confidence string

const (
	ConfidenceLow  Confidence = "low"
	ConfidenceMed  Confidence = "med"
	ConfidenceHigh Confidence = "high"
)

// ValidConfidence reports whether c is one of the three known grades.
func ValidConfidence(c Confidence) bool {
	switch c {
	case ConfidenceLow, ConfidenceMed, ConfidenceHigh:
		return true
	default:
		return false
	}
}

// MemoryScope selects which backing JSONL file stores an entry. Private
// and repo scopes live under the peer's local state; team lives in the
// shared tree.
type MemoryScope string

const (
	ScopePrivate MemoryScope = "private"
	ScopeRepo    MemoryScope = "repo"
	ScopeTeam    MemoryScope = "team"
)

// AllMemoryScopes lists every scope in load order.
var AllMemoryScopes = []MemoryScope{ScopePrivate, ScopeRepo, ScopeTeam}

// ValidMemoryScope reports whether s names a known scope.
func ValidMemoryScope(s MemoryScope) bool {
	switch s {
	case ScopePrivate, ScopeRepo, ScopeTeam:
		return true
	default:
		return false
	}
}

// MemoryEntry is one append-only row of a scope's memory JSONL file.
// Entries are never mutated in place; corrections are new entries.
type MemoryEntry struct {
	ID             string      `json:"id"`
	TS             string      `json:"ts"`
	Author         string      `json:"author"`
	Summary        string      `json:"summary"`
	Topic          string      `json:"topic"`
	Confidence     Confidence  `json:"confidence"`
	Source         string      `json:"source"`
	Room           string      `json:"room,omitempty"`
	OriginEventRef string      `json:"origin_event_ref,omitempty"`
	Tags           []string    `json:"tags,omitempty"`
	Scope          MemoryScope `json:"scope"`

	// Extra preserves fields written by newer builds.
	Extra map[string]json.RawMessage `json:"-"`
}

var knownMemoryKeys = map[string]struct{}{
	"id": {}, "ts": {}, "author": {}, "summary": {}, "topic": {},
	"confidence": {}, "source": {}, "room": {}, "origin_event_ref": {},
	"tags": {}, "scope": {},
}

// EncodeLine renders the entry as one ASCII-safe JSON line with unknown
// fields merged back in.
func (m *MemoryEntry) EncodeLine() ([]byte, error) {
	type alias MemoryEntry
	base, err := json.Marshal((*alias)(m))
	if err != nil {
		return nil, fmt.Errorf("encode memory entry: %w", err)
	}
	if len(m.Extra) > 0 {
		var merged map[string]json.RawMessage
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, fmt.Errorf("encode memory entry: %w", err)
		}
		for k, v := range m.Extra {
			if _, known := knownMemoryKeys[k]; known {
				continue
			}
			merged[k] = v
		}
		if base, err = json.Marshal(merged); err != nil {
			return nil, fmt.Errorf("encode memory entry: %w", err)
		}
	}
	return append(EscapeNonASCII(base), '\n'), nil
}

// ParseMemoryLine decodes one memory JSONL line. A row without an id or
// summary, or with non-string content where strings are required, is
// malformed and skipped by callers.
func ParseMemoryLine(line []byte) (*MemoryEntry, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRow, err)
	}

	m := &MemoryEntry{}
	var err error
	if m.ID, err = stringField(raw, "id"); err != nil {
		return nil, err
	}
	if m.Summary, err = stringField(raw, "summary"); err != nil {
		return nil, err
	}

	m.TS = optionalString(raw, "ts")
	m.Author = optionalString(raw, "author")
	m.Topic = optionalString(raw, "topic")
	m.Source = optionalString(raw, "source")
	m.Room = optionalString(raw, "room")
	m.OriginEventRef = optionalString(raw, "origin_event_ref")
	m.Tags = optionalStrings(raw, "tags")

	m.Confidence = Confidence(optionalString(raw, "confidence"))
	if m.Confidence == "" {
		m.Confidence = ConfidenceLow
	}
	if !ValidConfidence(m.Confidence) {
		return nil, fmt.Errorf("%w: confidence %q", ErrMalformedRow, m.Confidence)
	}

	m.Scope = MemoryScope(optionalString(raw, "scope"))

	for k, v := range raw {
		if _, known := knownMemoryKeys[k]; known {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]json.RawMessage)
		}
		m.Extra[k] = v
	}

	return m, nil
}
