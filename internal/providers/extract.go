package providers

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON means a reply contained no well-formed JSON object.
var ErrNoJSON = errors.New("providers: no JSON object in reply")

// ExtractJSON pulls the first well-formed JSON object out of a model
// reply. Accepted shapes, in order: the whole reply is the object, the
// object sits inside a fenced code block, or the object is embedded in
// prose.
func ExtractJSON(text string) ([]byte, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, ErrNoJSON
	}
	if trimmed[0] == '{' && json.Valid([]byte(trimmed)) {
		return []byte(trimmed), nil
	}
	if block, ok := fencedBlock(trimmed); ok {
		if raw, err := ExtractJSON(block); err == nil {
			return raw, nil
		}
	}
	for start := strings.IndexByte(trimmed, '{'); start >= 0; {
		end, ok := matchBrace(trimmed, start)
		if ok {
			candidate := trimmed[start : end+1]
			if json.Valid([]byte(candidate)) {
				return []byte(candidate), nil
			}
		}
		next := strings.IndexByte(trimmed[start+1:], '{')
		if next < 0 {
			break
		}
		start += 1 + next
	}
	return nil, ErrNoJSON
}

// fencedBlock returns the contents of the first ``` fence, with any
// language tag on the opening line dropped.
func fencedBlock(s string) (string, bool) {
	open := strings.Index(s, "```")
	if open < 0 {
		return "", false
	}
	rest := s[open+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// The opening line is a language tag ("json") or empty.
		firstLine := strings.TrimSpace(rest[:nl])
		if !strings.ContainsAny(firstLine, "{}") {
			rest = rest[nl+1:]
		}
	}
	closing := strings.Index(rest, "```")
	if closing < 0 {
		return strings.TrimSpace(rest), true
	}
	return strings.TrimSpace(rest[:closing]), true
}

// matchBrace finds the index of the brace closing the one at start,
// skipping braces inside JSON strings.
func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
