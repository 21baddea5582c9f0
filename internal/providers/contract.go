package providers

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Contract pins a model reply to a schema generated from a Go struct.
// Build one per reply shape at startup; Parse it against every reply.
type Contract struct {
	name     string
	schema   []byte
	compiled *jsonschema.Schema
}

// NewContract reflects a schema from prototype and compiles it.
func NewContract(name string, prototype any) (*Contract, error) {
	raw, err := reflectSchema(prototype)
	if err != nil {
		return nil, fmt.Errorf("contract %s: %w", name, err)
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("contract %s: compile: %w", name, err)
	}
	return &Contract{name: name, schema: raw, compiled: compiled}, nil
}

// MustContract is NewContract for package-level contracts built from
// static prototypes.
func MustContract(name string, prototype any) *Contract {
	c, err := NewContract(name, prototype)
	if err != nil {
		panic(err)
	}
	return c
}

// Name returns the contract name.
func (c *Contract) Name() string { return c.name }

// SchemaJSON returns the generated schema document.
func (c *Contract) SchemaJSON() []byte { return c.schema }

// Instruction renders the reply-format block appended to the prompt.
func (c *Contract) Instruction() string {
	return "Respond with exactly one JSON object and nothing else. " +
		"It must validate against this JSON Schema:\n" + string(c.schema)
}

// Parse extracts the first JSON object from reply, validates it against
// the schema, and decodes it into out.
func (c *Contract) Parse(reply string, out any) error {
	raw, err := ExtractJSON(reply)
	if err != nil {
		return fmt.Errorf("contract %s: %w", c.name, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("contract %s: decode: %w", c.name, err)
	}
	if err := c.compiled.Validate(doc); err != nil {
		return fmt.Errorf("contract %s: %w", c.name, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("contract %s: decode: %w", c.name, err)
	}
	return nil
}
