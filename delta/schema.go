package delta

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/SignalK/signalk-server-sub000/errors"
)

const deltaSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["updates"],
  "properties": {
    "context": {"type": "string"},
    "updates": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "$source": {"type": "string"},
          "timestamp": {"type": "string"},
          "source": {
            "type": "object",
            "properties": {
              "label": {"type": "string"},
              "type": {"type": "string"},
              "src": {"type": "string"},
              "pgn": {"type": "number"},
              "talker": {"type": "string"},
              "sentence": {"type": "string"}
            }
          },
          "values": {"type": "array", "items": {"$ref": "#/definitions/pathValue"}},
          "meta": {"type": "array", "items": {"$ref": "#/definitions/pathValue"}}
        }
      }
    }
  },
  "definitions": {
    "pathValue": {
      "type": "object",
      "properties": {"path": {"type": "string"}}
    }
  }
}`

// Validator checks raw delta JSON against the delta schema before decoding.
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator compiles the delta schema.
func NewValidator() (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(deltaSchema))
	if err != nil {
		return nil, errors.WrapFatal(err, "Validator", "NewValidator", "compile delta schema")
	}
	return &Validator{schema: schema}, nil
}

// Validate returns an error wrapping errors.ErrSchemaViolation when data is
// not a well-formed delta.
func (v *Validator) Validate(data []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrMalformedDelta, err), "Validator", "Validate", "decode delta")
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrSchemaViolation, strings.Join(msgs, "; ")),
		"Validator", "Validate", "validate delta")
}

// ParseValid validates data and decodes it.
func (v *Validator) ParseValid(data []byte) (*Delta, error) {
	if err := v.Validate(data); err != nil {
		return nil, err
	}
	d, err := Parse(data)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrMalformedDelta, err), "Validator", "ParseValid", "decode delta")
	}
	return d, nil
}
