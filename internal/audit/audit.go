// Package audit writes and replays the shared append-only audit log. Action
// lifecycle rows and profile saves land here; on startup the actions service
// rebuilds its in-memory state from a replay so decisions survive restarts.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/toutatis-dev/huddle/internal/observability"
	"github.com/toutatis-dev/huddle/internal/storage"
	"github.com/toutatis-dev/huddle/pkg/models"
)

// Kind discriminates audit record payloads.
type Kind string

const (
	KindActionCreated   Kind = "action_created"
	KindActionDecision  Kind = "action_decision"
	KindActionResult    Kind = "action_result"
	KindProfileSaved    Kind = "profile_saved"
	KindMemoryConfirmed Kind = "memory_confirmed"
)

// ErrMalformedRecord reports an audit row that cannot be decoded.
var ErrMalformedRecord = errors.New("malformed audit record")

// Record is one audit row. Unknown keys survive a decode/encode round trip
// so newer writers never lose data through older readers.
type Record struct {
	TS        string `json:"ts"`
	Kind      Kind   `json:"kind"`
	Actor     string `json:"actor,omitempty"`
	Room      string `json:"room,omitempty"`
	ActionID  string `json:"action_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	ProfileID string `json:"profile_id,omitempty"`
	MemoryID  string `json:"memory_id,omitempty"`
	Status    string `json:"status,omitempty"`

	// Detail carries the kind-specific payload, e.g. the full action on
	// KindActionCreated or the result on KindActionResult.
	Detail json.RawMessage `json:"detail,omitempty"`

	// Extra holds unknown keys for pass-through.
	Extra map[string]json.RawMessage `json:"-"`
}

var knownRecordKeys = map[string]struct{}{
	"ts": {}, "kind": {}, "actor": {}, "room": {}, "action_id": {},
	"request_id": {}, "profile_id": {}, "memory_id": {}, "status": {},
	"detail": {},
}

// EncodeLine renders the record as one ASCII-safe JSON line.
func (r *Record) EncodeLine() ([]byte, error) {
	type alias Record
	base, err := json.Marshal((*alias)(r))
	if err != nil {
		return nil, err
	}

	if len(r.Extra) > 0 {
		var merged map[string]json.RawMessage
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, err
		}
		for k, v := range r.Extra {
			if _, known := knownRecordKeys[k]; !known {
				merged[k] = v
			}
		}
		base, err = json.Marshal(merged)
		if err != nil {
			return nil, err
		}
	}

	return append(models.EscapeNonASCII(base), '\n'), nil
}

// ParseRecordLine decodes one audit row, capturing unknown keys.
func ParseRecordLine(line []byte) (*Record, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	type alias Record
	var rec alias
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if rec.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformedRecord)
	}

	out := Record(rec)
	for k, v := range raw {
		if _, known := knownRecordKeys[k]; !known {
			if out.Extra == nil {
				out.Extra = make(map[string]json.RawMessage)
			}
			out.Extra[k] = v
		}
	}
	return &out, nil
}

// Logger appends audit records to one shared JSONL file under the same
// lock-and-fsync protocol as room logs.
type Logger struct {
	store  *storage.Store
	path   string
	logger *observability.Logger
}

// NewLogger builds an audit logger writing to path via store.
func NewLogger(store *storage.Store, path string, logger *observability.Logger) *Logger {
	return &Logger{
		store:  store,
		path:   path,
		logger: logger.WithFields("component", "audit"),
	}
}

// Path returns the audit file path.
func (l *Logger) Path() string { return l.path }

// Append writes one record. A missing timestamp is filled with wall-clock
// time before encoding.
func (l *Logger) Append(ctx context.Context, rec *Record) error {
	if rec.TS == "" {
		rec.TS = models.NowISO()
	}
	line, err := rec.EncodeLine()
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	if err := l.store.AppendJSONL(ctx, l.path, line); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// Replay streams every parseable record in file order to fn. Malformed rows
// are skipped with a warning; they never abort the replay. A missing file is
// an empty history, not an error. fn returning an error stops the replay.
func (l *Logger) Replay(ctx context.Context, fn func(*Record) error) error {
	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := ParseRecordLine(line)
		if err != nil {
			l.logger.Warn(ctx, "skipping audit row", "line", lineNo, "error", err)
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("scan audit log: %w", err)
	}
	return nil
}

// ReadAll replays the log into memory.
func (l *Logger) ReadAll(ctx context.Context) ([]*Record, error) {
	var records []*Record
	err := l.Replay(ctx, func(rec *Record) error {
		records = append(records, rec)
		return nil
	})
	return records, err
}
