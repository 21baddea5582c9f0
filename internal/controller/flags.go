package controller

import (
	"fmt"
	"strings"

	"github.com/toutatis-dev/huddle/pkg/models"
)

// aiFlags are the per-invocation /ai options. Zero values defer to the
// profile and the AI config.
type aiFlags struct {
	Provider string
	Model    string
	Private  bool
	NoMemory bool
	Scopes   []models.MemoryScope
	Act      bool
}

// parseAIFlags consumes leading --flags from args and returns the rest
// verbatim as the prompt. Flags stop at the first non-flag token so a
// prompt may itself contain double dashes.
func parseAIFlags(args string) (aiFlags, string, error) {
	var f aiFlags
	rest := strings.TrimSpace(args)

	next := func() string {
		if i := strings.IndexByte(rest, ' '); i >= 0 {
			return rest[:i]
		}
		return rest
	}
	consume := func(token string) {
		rest = strings.TrimSpace(rest[len(token):])
	}
	takeValue := func(flag string) (string, error) {
		if rest == "" || strings.HasPrefix(rest, "--") {
			return "", fmt.Errorf("flag %s needs a value", flag)
		}
		val := next()
		consume(val)
		return val, nil
	}

	for strings.HasPrefix(rest, "--") {
		token := next()
		consume(token)

		switch token {
		case "--provider":
			v, err := takeValue(token)
			if err != nil {
				return f, "", err
			}
			f.Provider = strings.ToLower(v)
		case "--model":
			v, err := takeValue(token)
			if err != nil {
				return f, "", err
			}
			f.Model = v
		case "--private":
			f.Private = true
		case "--no-memory":
			f.NoMemory = true
		case "--memory-scope":
			v, err := takeValue(token)
			if err != nil {
				return f, "", err
			}
			for _, part := range strings.Split(v, ",") {
				scope := models.MemoryScope(strings.ToLower(strings.TrimSpace(part)))
				if scope == "" {
					continue
				}
				if !models.ValidMemoryScope(scope) {
					return f, "", fmt.Errorf("unknown memory scope %q (use private, repo, or team)", part)
				}
				f.Scopes = append(f.Scopes, scope)
			}
		case "--act":
			f.Act = true
		default:
			return f, "", fmt.Errorf("unknown flag %s", token)
		}
	}
	return f, rest, nil
}
