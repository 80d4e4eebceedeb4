package humanfn

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema validates input or output values.
type Schema interface {
	Validate(value any) error
}

// SchemaFunc adapts a function to Schema.
type SchemaFunc func(value any) error

func (f SchemaFunc) Validate(value any) error {
	if f == nil {
		return nil
	}
	return f(value)
}

// AnySchema accepts every value.
var AnySchema Schema = SchemaFunc(func(any) error { return nil })

// JSONSchema validates values against a compiled JSON Schema document.
type JSONSchema struct {
	raw      json.RawMessage
	compiled *jsonschema.Schema
}

var schemaCounter atomic.Uint64

// CompileJSONSchema compiles a JSON Schema document.
func CompileJSONSchema(raw []byte) (*JSONSchema, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, NewError(ErrInvalidDefinition, "json schema document empty", nil, nil)
	}
	url := fmt.Sprintf("mem://schema/%d.json", schemaCounter.Add(1))
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, NewError(ErrInvalidDefinition, "json schema document invalid", err, nil)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, NewError(ErrInvalidDefinition, "json schema compile failed", err, nil)
	}
	return &JSONSchema{raw: append(json.RawMessage(nil), raw...), compiled: compiled}, nil
}

// MustCompileJSONSchema panics on an invalid document.
func MustCompileJSONSchema(raw string) *JSONSchema {
	s, err := CompileJSONSchema([]byte(raw))
	if err != nil {
		panic(err)
	}
	return s
}

// Validate implements Schema.
func (s *JSONSchema) Validate(value any) error {
	if s == nil || s.compiled == nil {
		return nil
	}
	normalized, err := NormalizeJSON(value)
	if err != nil {
		return NewError(ErrValidation, "value is not json encodable", err, nil)
	}
	return s.compiled.Validate(normalized)
}

// Raw returns the source document.
func (s *JSONSchema) Raw() json.RawMessage {
	if s == nil {
		return nil
	}
	return append(json.RawMessage(nil), s.raw...)
}

// ValidateValue runs schema and wraps failures as validation errors.
func ValidateValue(schema Schema, value any, field string) error {
	if schema == nil {
		return nil
	}
	if err := schema.Validate(value); err != nil {
		return NewError(ErrValidation, field+" failed schema validation", err, map[string]any{
			"field": field,
			"cause": err.Error(),
		})
	}
	return nil
}
