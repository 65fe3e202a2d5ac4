package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// Schema is the declarative description of an accepted response shape. It
// recognises object, array, the JSON primitives, enum, a required set, and
// optional bounds. Parsing is strict: unknown schema fields are rejected so a
// typo in a constraint cannot silently widen what a responder may send.
type Schema struct {
	Type       string             `json:"type"`
	Properties map[string]*Schema `json:"properties,omitempty"`
	Items      *Schema            `json:"items,omitempty"`
	Required   []string           `json:"required,omitempty"`
	Enum       []json.RawMessage  `json:"enum,omitempty"`

	MinLength *int     `json:"minLength,omitempty"`
	MaxLength *int     `json:"maxLength,omitempty"`
	Minimum   *float64 `json:"minimum,omitempty"`
	Maximum   *float64 `json:"maximum,omitempty"`
	MinItems  *int     `json:"minItems,omitempty"`
	MaxItems  *int     `json:"maxItems,omitempty"`
}

var schemaTypes = map[string]bool{
	"object": true, "array": true, "string": true,
	"number": true, "integer": true, "boolean": true, "null": true,
}

// ParseSchema decodes and validates a schema declaration.
func ParseSchema(raw json.RawMessage) (*Schema, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("schema is required")
	}
	var s Schema
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("malformed schema: %w", err)
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	return &s, nil
}

// check validates the declaration recursively.
func (s *Schema) check() error {
	if !schemaTypes[s.Type] {
		return fmt.Errorf("unknown schema type %q", s.Type)
	}
	if s.Type != "object" && len(s.Properties) > 0 {
		return fmt.Errorf("properties only apply to objects")
	}
	if s.Type != "object" && len(s.Required) > 0 {
		return fmt.Errorf("required only applies to objects")
	}
	if s.Type != "array" && s.Items != nil {
		return fmt.Errorf("items only applies to arrays")
	}
	for _, name := range s.Required {
		if _, ok := s.Properties[name]; !ok {
			return fmt.Errorf("required field %q is not declared", name)
		}
	}
	for name, sub := range s.Properties {
		if sub == nil {
			return fmt.Errorf("property %q has no schema", name)
		}
		if err := sub.check(); err != nil {
			return err
		}
	}
	if s.Items != nil {
		if err := s.Items.check(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a response payload against the schema. It is total (never
// panics), deterministic, and rejects undeclared object fields.
func (s *Schema) Validate(data json.RawMessage) error {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	return s.validateValue(v, "$")
}

func (s *Schema) validateValue(v any, path string) error {
	if len(s.Enum) > 0 {
		return s.validateEnum(v, path)
	}

	switch s.Type {
	case "null":
		if v != nil {
			return fmt.Errorf("%s: expected null", path)
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%s: expected boolean", path)
		}
	case "string":
		str, ok := v.(string)
		if !ok {
			return fmt.Errorf("%s: expected string", path)
		}
		if s.MinLength != nil && len(str) < *s.MinLength {
			return fmt.Errorf("%s: shorter than minLength %d", path, *s.MinLength)
		}
		if s.MaxLength != nil && len(str) > *s.MaxLength {
			return fmt.Errorf("%s: longer than maxLength %d", path, *s.MaxLength)
		}
	case "number", "integer":
		num, ok := v.(json.Number)
		if !ok {
			return fmt.Errorf("%s: expected %s", path, s.Type)
		}
		f, err := num.Float64()
		if err != nil {
			return fmt.Errorf("%s: unparseable number", path)
		}
		if s.Type == "integer" && f != math.Trunc(f) {
			return fmt.Errorf("%s: expected integer, got %s", path, num)
		}
		if s.Minimum != nil && f < *s.Minimum {
			return fmt.Errorf("%s: below minimum %v", path, *s.Minimum)
		}
		if s.Maximum != nil && f > *s.Maximum {
			return fmt.Errorf("%s: above maximum %v", path, *s.Maximum)
		}
	case "array":
		arr, ok := v.([]any)
		if !ok {
			return fmt.Errorf("%s: expected array", path)
		}
		if s.MinItems != nil && len(arr) < *s.MinItems {
			return fmt.Errorf("%s: fewer than minItems %d", path, *s.MinItems)
		}
		if s.MaxItems != nil && len(arr) > *s.MaxItems {
			return fmt.Errorf("%s: more than maxItems %d", path, *s.MaxItems)
		}
		if s.Items != nil {
			for i, item := range arr {
				if err := s.Items.validateValue(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
		}
	case "object":
		obj, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: expected object", path)
		}
		for _, name := range s.Required {
			if _, ok := obj[name]; !ok {
				return fmt.Errorf("%s: missing required field %q", path, name)
			}
		}
		for name, val := range obj {
			sub, ok := s.Properties[name]
			if !ok {
				return fmt.Errorf("%s: undeclared field %q", path, name)
			}
			if err := sub.validateValue(val, path+"."+name); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateEnum compares the value against each enum member structurally.
func (s *Schema) validateEnum(v any, path string) error {
	for _, raw := range s.Enum {
		var member any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&member); err != nil {
			continue
		}
		if reflect.DeepEqual(v, member) {
			return nil
		}
	}
	return fmt.Errorf("%s: value not in enum", path)
}
