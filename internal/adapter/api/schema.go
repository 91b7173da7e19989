package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const followUpSchema = `{
  "type": "object",
  "required": ["messages"],
  "additionalProperties": false,
  "properties": {
    "messages": {
      "type": "array",
      "maxItems": 200,
      "items": {
        "type": "object",
        "required": ["content"],
        "properties": {
          "role": {"type": "string", "enum": ["user", "assistant", "system"]},
          "content": {"type": "string", "maxLength": 100000}
        }
      }
    },
    "count": {"type": "integer", "minimum": 1, "maximum": 10}
  }
}`

// requestSchema validates raw JSON request bodies.
type requestSchema struct {
	schema *jsonschema.Schema
}

func compileSchema(name, src string) (*requestSchema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
		return nil, fmt.Errorf("add schema resource %q: %w", name, err)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %q: %w", name, err)
	}
	return &requestSchema{schema: compiled}, nil
}

// Validate checks body is JSON and conforms to the schema.
func (s *requestSchema) Validate(body []byte) error {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := s.schema.Validate(v); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("schema validation failed: %s", leafMessage(verr))
		}
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// leafMessage returns the first concrete cause, e.g. "/count: must be <= 10".
func leafMessage(e *jsonschema.ValidationError) string {
	for len(e.Causes) > 0 {
		e = e.Causes[0]
	}
	loc := e.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + e.Message
}
