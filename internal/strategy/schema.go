package strategy

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// documentSchema is the structural contract for strategy files. It is
// intentionally loose about condition internals; ParseSpec performs the
// semantic checks (operator set, operand resolution, column references).
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "name": {"type": "string"},
    "description": {"type": "string"},
    "indicators": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["key", "type"],
        "properties": {
          "key": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "params": {"type": "object", "additionalProperties": {"type": "number"}}
        }
      }
    },
    "derived": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["key", "formula"],
        "properties": {
          "key": {"type": "string", "minLength": 1},
          "formula": {"type": "string", "minLength": 1}
        }
      }
    },
    "rules": {
      "type": "object",
      "properties": {
        "buy_condition": {"$ref": "#/$defs/ruleSide"},
        "sell_condition": {"$ref": "#/$defs/ruleSide"}
      },
      "additionalProperties": false
    }
  },
  "$defs": {
    "ruleSide": {
      "type": "object",
      "properties": {
        "entry": {
          "oneOf": [
            {"type": "array", "items": {"$ref": "#/$defs/condition"}},
            {
              "type": "object",
              "properties": {
                "all": {"type": "array", "items": {"$ref": "#/$defs/condition"}},
                "any": {"type": "array", "items": {"$ref": "#/$defs/condition"}}
              },
              "additionalProperties": false
            }
          ]
        },
        "exit": {"type": "array", "items": {"$ref": "#/$defs/condition"}}
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {"type": "string", "minLength": 1},
        "lhs": {"type": "string"},
        "op": {"type": "string"},
        "rhs": {"type": ["string", "number"]},
        "value": {"type": ["string", "number"]},
        "within": {"type": "integer", "minimum": 1},
        "condition": {"$ref": "#/$defs/condition"}
      }
    }
  }
}`

var compiledDocumentSchema = jsonschema.MustCompileString("strategy.json", documentSchema)

// ValidateDocument checks a normalized JSON strategy document against the
// structural schema.
func ValidateDocument(jsonBytes []byte) error {
	var v interface{}
	if err := json.Unmarshal(jsonBytes, &v); err != nil {
		return fmt.Errorf("strategy document is not valid JSON: %w", err)
	}
	if err := compiledDocumentSchema.Validate(v); err != nil {
		return fmt.Errorf("strategy document schema: %w", err)
	}
	return nil
}
