package agents

import "github.com/santhosh-tekuri/jsonschema/v5"

// profileSchema gates profile files read from the shared directory.
// Only id and name are mandatory; everything else is type-checked when
// present so hand-edited files fail loudly instead of half-loading.
// Unknown keys pass through for forward compatibility with newer peers.
const profileSchema = `{
  "type": "object",
  "required": ["id", "name"],
  "properties": {
    "id": {"type": "string", "pattern": "^[a-z0-9][a-z0-9_-]{0,39}$"},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "system_prompt": {"type": "string"},
    "tool_policy": {
      "type": "object",
      "properties": {
        "mode": {"enum": ["", "off", "suggest", "act"]},
        "require_approval": {"type": "boolean"},
        "allowed_tools": {"type": ["array", "null"], "items": {"type": "string"}}
      }
    },
    "memory_policy": {
      "type": "object",
      "properties": {
        "scopes": {
          "type": ["array", "null"],
          "items": {"enum": ["private", "repo", "team"]}
        }
      }
    },
    "routing_policy": {
      "type": "object",
      "properties": {
        "routes": {
          "type": ["object", "null"],
          "additionalProperties": {
            "type": "object",
            "properties": {
              "provider": {"type": "string"},
              "model": {"type": "string"}
            }
          }
        }
      }
    },
    "created_by": {"type": "string"},
    "updated_by": {"type": "string"},
    "updated_at": {"type": "string"},
    "version": {"type": "integer", "minimum": 0}
  }
}`

var compiledProfileSchema = jsonschema.MustCompileString("agent_profile.schema.json", profileSchema)
