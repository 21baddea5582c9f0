// Package toolcontract validates tool-call arguments against a small
// JSON-Schema subset: object schemas with typed properties and a
// required list. Unknown keys are rejected, not dropped, so a model
// cannot smuggle arguments past review.
//
// Validation failures use fixed, user-facing sentences because they are
// shown verbatim in approval prompts and audit rows.
package toolcontract

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/toutatis-dev/huddle/pkg/models"
)

// Property types accepted by the subset.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeObject  = "object"
)

// Property declares one argument's type.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Definition is one tool's argument schema plus the metadata the
// approval surface shows.
type Definition struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Risk        models.RiskLevel    `json:"risk"`
	Properties  map[string]Property `json:"properties"`
	Required    []string            `json:"required,omitempty"`
}

// ValidationError is a rejected argument set. The message is the exact
// sentence surfaced to the user.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func invalid(format string, args ...any) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// Validate checks args against def. Checks run in a fixed order so the
// same bad input always yields the same message: object shape, required
// keys, unknown keys, then types, each in sorted key order.
func Validate(def Definition, args map[string]any) error {
	if args == nil {
		return invalid("Arguments must be an object.")
	}

	required := append([]string(nil), def.Required...)
	sort.Strings(required)
	for _, key := range required {
		if _, ok := args[key]; !ok {
			return invalid("Missing required argument '%s'.", key)
		}
	}

	keys := make([]string, 0, len(args))
	for key := range args {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if _, ok := def.Properties[key]; !ok {
			return invalid("Unsupported argument '%s'.", key)
		}
	}
	for _, key := range keys {
		prop := def.Properties[key]
		if !typeMatches(prop.Type, args[key]) {
			return invalid("Argument '%s' must be %s.", key, article(prop.Type))
		}
	}
	return nil
}

// ValidateRaw decodes a JSON argument object and validates it. A
// non-object payload fails the same way a nil map does.
func ValidateRaw(def Definition, raw json.RawMessage) (map[string]any, error) {
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil || args == nil {
		return nil, invalid("Arguments must be an object.")
	}
	if err := Validate(def, args); err != nil {
		return nil, err
	}
	return args, nil
}

// typeMatches applies the subset's type rules. JSON numbers arrive as
// float64; an integer is a number with no fractional part. Booleans
// never pass as integers.
func typeMatches(declared string, value any) bool {
	switch declared {
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeInteger:
		switch n := value.(type) {
		case float64:
			return n == math.Trunc(n)
		case int, int32, int64:
			return true
		case json.Number:
			_, err := n.Int64()
			return err == nil
		default:
			return false
		}
	case TypeObject:
		_, ok := value.(map[string]any)
		return ok
	default:
		return false
	}
}

func article(declared string) string {
	switch declared {
	case TypeInteger, TypeObject:
		return "an " + declared
	default:
		return "a " + declared
	}
}
