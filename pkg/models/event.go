// Package models defines the wire-level data types for Huddle.
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf16"
)

// SchemaVersion is the current message-row schema version. Rows with a
// higher version come from a newer peer and are rejected rather than
// misread.
const SchemaVersion = 1

// ISOFormat is the timestamp layout used in room logs: second precision,
// no zone designator, matching what every peer writes.
const ISOFormat = "2006-01-02T15:04:05"

// NowISO returns the current wall clock in the room-log timestamp layout.
func NowISO() string {
	return time.Now().Format(ISOFormat)
}

// EventType identifies the kind of a room-log row.
type EventType string

const (
	EventChat       EventType = "chat"
	EventMe         EventType = "me"
	EventSystem     EventType = "system"
	EventAIPrompt   EventType = "ai_prompt"
	EventAIResponse EventType = "ai_response"
)

// ValidEventType reports whether t is one of the known row types.
func ValidEventType(t EventType) bool {
	switch t {
	case EventChat, EventMe, EventSystem, EventAIPrompt, EventAIResponse:
		return true
	default:
		return false
	}
}

// Parse and validation failures for room-log rows.
var (
	// ErrMalformedRow marks a line that is not a valid event row. Callers
	// skip such lines; they never abort tailing.
	ErrMalformedRow = errors.New("models: malformed event row")

	// ErrSchemaFuture marks a row whose schema version is newer than this
	// build understands.
	ErrSchemaFuture = errors.New("models: event schema version is newer than supported")
)

// Event is one immutable row of a room message log.
//
// Unknown fields observed on parse are preserved in Extra and re-emitted
// on encode, so older peers can relay rows written by newer ones without
// data loss.
type Event struct {
	V                int       `json:"v"`
	TS               string    `json:"ts"`
	Type             EventType `json:"type"`
	Author           string    `json:"author"`
	Text             string    `json:"text"`
	Provider         string    `json:"provider,omitempty"`
	Model            string    `json:"model,omitempty"`
	RequestID        string    `json:"request_id,omitempty"`
	MemoryIDsUsed    []string  `json:"memory_ids_used,omitempty"`
	MemoryTopicsUsed []string  `json:"memory_topics_used,omitempty"`

	// Extra holds fields this build does not know about.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownEventKeys are the field names Event decodes itself; anything else
// lands in Extra.
var knownEventKeys = map[string]struct{}{
	"v": {}, "ts": {}, "type": {}, "author": {}, "text": {},
	"provider": {}, "model": {}, "request_id": {},
	"memory_ids_used": {}, "memory_topics_used": {},
}

// Normalize backfills the schema version and timestamp on a locally
// constructed event before it is written.
func (e *Event) Normalize() {
	if e.V == 0 {
		e.V = SchemaVersion
	}
	if e.TS == "" {
		e.TS = NowISO()
	}
}

// EncodeLine renders the event as a single newline-terminated, ASCII-safe
// JSON line, the exact byte form appended to room logs.
func (e *Event) EncodeLine() ([]byte, error) {
	type alias Event
	base, err := json.Marshal((*alias)(e))
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	if len(e.Extra) > 0 {
		var merged map[string]json.RawMessage
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, fmt.Errorf("encode event: %w", err)
		}
		for k, v := range e.Extra {
			if _, known := knownEventKeys[k]; known {
				continue
			}
			merged[k] = v
		}
		if base, err = json.Marshal(merged); err != nil {
			return nil, fmt.Errorf("encode event: %w", err)
		}
	}
	line := append(EscapeNonASCII(base), '\n')
	return line, nil
}

// ParseEventLine decodes and validates one room-log line.
//
// It enforces the row schema: type must be a known event type, author and
// text must be strings, a missing v is backfilled to the current version
// and a v beyond it is rejected with ErrSchemaFuture. A missing ts is
// filled with the wall clock. Malformed input yields ErrMalformedRow.
// The function never panics on hostile input.
func ParseEventLine(line []byte) (*Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, ErrMalformedRow
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRow, err)
	}

	e := &Event{}

	typ, err := stringField(raw, "type")
	if err != nil {
		return nil, err
	}
	e.Type = EventType(typ)
	if !ValidEventType(e.Type) {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedRow, typ)
	}

	if e.Author, err = stringField(raw, "author"); err != nil {
		return nil, err
	}
	if e.Text, err = stringField(raw, "text"); err != nil {
		return nil, err
	}

	if v, ok := raw["v"]; ok {
		if err := json.Unmarshal(v, &e.V); err != nil {
			return nil, fmt.Errorf("%w: field v: %v", ErrMalformedRow, err)
		}
		if e.V > SchemaVersion {
			return nil, fmt.Errorf("%w: v=%d", ErrSchemaFuture, e.V)
		}
	} else {
		e.V = SchemaVersion
	}

	if ts, ok := raw["ts"]; ok {
		if err := json.Unmarshal(ts, &e.TS); err != nil {
			return nil, fmt.Errorf("%w: field ts: %v", ErrMalformedRow, err)
		}
	}
	if e.TS == "" {
		e.TS = NowISO()
	}

	e.Provider = optionalString(raw, "provider")
	e.Model = optionalString(raw, "model")
	e.RequestID = optionalString(raw, "request_id")
	e.MemoryIDsUsed = optionalStrings(raw, "memory_ids_used")
	e.MemoryTopicsUsed = optionalStrings(raw, "memory_topics_used")

	for k, v := range raw {
		if _, known := knownEventKeys[k]; known {
			continue
		}
		if e.Extra == nil {
			e.Extra = make(map[string]json.RawMessage)
		}
		e.Extra[k] = v
	}

	return e, nil
}

func stringField(raw map[string]json.RawMessage, key string) (string, error) {
	v, ok := raw[key]
	if !ok {
		return "", fmt.Errorf("%w: missing field %q", ErrMalformedRow, key)
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", fmt.Errorf("%w: field %q is not a string", ErrMalformedRow, key)
	}
	return s, nil
}

func optionalString(raw map[string]json.RawMessage, key string) string {
	v, ok := raw[key]
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(v, &s) != nil {
		return ""
	}
	return s
}

func optionalStrings(raw map[string]json.RawMessage, key string) []string {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	var out []string
	if json.Unmarshal(v, &out) != nil {
		return nil
	}
	return out
}

// EscapeNonASCII rewrites every rune above 0x7F in marshaled JSON as a
// \uXXXX escape (surrogate pairs beyond the BMP), so room-log bytes stay
// 7-bit clean regardless of mount encoding quirks. Marshaled JSON only
// carries non-ASCII inside string literals, so blanket escaping is safe.
func EscapeNonASCII(b []byte) []byte {
	ascii := true
	for _, c := range b {
		if c >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return b
	}

	var out bytes.Buffer
	out.Grow(len(b) + 16)
	for _, r := range string(b) {
		switch {
		case r < 0x80:
			out.WriteByte(byte(r))
		case r > 0xFFFF:
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(&out, `\u%04x\u%04x`, hi, lo)
		default:
			fmt.Fprintf(&out, `\u%04x`, r)
		}
	}
	return out.Bytes()
}
