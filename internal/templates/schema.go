package templates

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// templateSchema is the structural contract for agent template files.
// Kept permissive on purpose: unknown top-level keys are tolerated so
// older files keep loading across upgrades.
const templateSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "instructions"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "instructions": {"type": "string"},
    "model": {
      "oneOf": [
        {"type": "string"},
        {
          "type": "object",
          "required": ["name"],
          "properties": {
            "name": {"type": "string"},
            "provider": {"type": "string"},
            "settings": {"type": "object"}
          }
        }
      ]
    },
    "tools": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string"},
          "description": {"type": "string"},
          "config": {
            "type": "object",
            "properties": {
              "parameters": {"type": "object"},
              "required": {"type": "array", "items": {"type": "string"}},
              "permission_level": {"type": "string"}
            }
          }
        }
      }
    },
    "handoffs": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["agent_name"],
        "properties": {
          "agent_name": {"type": "string"},
          "tool_name": {"type": "string"},
          "tool_description": {"type": "string"},
          "input_filter": {"enum": ["remove_tools", "user_only", "summarize", "custom"]},
          "summarize_prefix": {"type": "string"},
          "keep_recent_messages": {"type": "integer", "minimum": 0}
        }
      }
    },
    "input_guardrails": {"type": "array"},
    "output_guardrails": {"type": "array"}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = jsonschema.CompileString("template.schema.json", templateSchema)
	})
	return compiledSchema, schemaErr
}

// validateTemplate checks raw template JSON against the schema.
func validateTemplate(data []byte) error {
	schema, err := compiled()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return schema.Validate(doc)
}
