package providers

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// reflectSchema builds an inline JSON Schema for a contract prototype.
// Definitions are expanded in place so the schema can be pasted into a
// prompt as one self-contained object.
func reflectSchema(prototype any) ([]byte, error) {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	schema := r.Reflect(prototype)
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return raw, nil
}
