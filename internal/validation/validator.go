package validation

import (
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/matteram/ensemble/pkg/schema"
)

// executeRequestSchemaJSON is the JSON Schema for workflow execution requests.
// Embedded as a constant to avoid filesystem dependencies.
const executeRequestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://ensemble.dev/schemas/execute-request.json",
  "type": "object",
  "required": ["request"],
  "properties": {
    "workflow_id": {
      "type": "string"
    },
    "request": {
      "type": "string",
      "minLength": 1
    },
    "metadata": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    },
    "deadline_seconds": {
      "type": "integer",
      "minimum": 1,
      "maximum": 3600
    }
  },
  "additionalProperties": false
}`

// clientFrameSchemaJSON is the JSON Schema for websocket control frames.
const clientFrameSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://ensemble.dev/schemas/client-frame.json",
  "type": "object",
  "required": ["action", "room"],
  "properties": {
    "action": {
      "type": "string",
      "enum": ["subscribe", "unsubscribe"]
    },
    "room": {
      "type": "string",
      "minLength": 1
    },
    "filter": {
      "type": "string"
    },
    "filter_lang": {
      "type": "string",
      "enum": ["expr", "cel"]
    },
    "projection": {
      "type": "string"
    }
  },
  "additionalProperties": false
}`

// Validator checks inbound payloads against their JSON Schemas (Draft
// 2020-12) before they reach the executor or the hub. Safe for concurrent
// use: schemas are compiled once at construction.
type Validator struct {
	executeRequest *jsonschema.Schema
	clientFrame    *jsonschema.Schema
}

// NewValidator compiles the embedded schemas.
func NewValidator() (*Validator, error) {
	execute, err := compileEmbedded("https://ensemble.dev/schemas/execute-request.json", executeRequestSchemaJSON)
	if err != nil {
		return nil, err
	}
	frame, err := compileEmbedded("https://ensemble.dev/schemas/client-frame.json", clientFrameSchemaJSON)
	if err != nil {
		return nil, err
	}
	return &Validator{executeRequest: execute, clientFrame: frame}, nil
}

// ValidateExecuteRequest validates a raw workflow execution request body.
func (v *Validator) ValidateExecuteRequest(raw []byte) error {
	return validateRaw(v.executeRequest, raw)
}

// ValidateClientFrame validates a raw websocket control frame.
func (v *Validator) ValidateClientFrame(raw []byte) error {
	return validateRaw(v.clientFrame, raw)
}

func compileEmbedded(url, schemaJSON string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
	}
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", url, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", url, err)
	}
	return compiled, nil
}

func validateRaw(compiled *jsonschema.Schema, raw []byte) error {
	if len(raw) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "empty payload")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "malformed JSON").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toValidationError(err)
	}
	return nil
}

// toValidationError converts a jsonschema.ValidationError into a structured
// Error with clear, actionable messages.
func toValidationError(err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
