package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const validatorResource = "dataset-schema.json"

// JSONSchema renders the schema as a JSON Schema document. Unknown
// properties are allowed so rows carrying not-yet-approved columns still
// validate against the fields they share with the published version.
func (s *Schema) JSONSchema() map[string]any {
	if s == nil {
		return map[string]any{"type": "object"}
	}
	doc := objectSchema(s.Fields)
	doc["$schema"] = "http://json-schema.org/draft-07/schema#"
	return doc
}

func objectSchema(fields map[string]*Field) map[string]any {
	props := make(map[string]any, len(fields))
	var required []string
	for name, f := range fields {
		props[name] = fieldSchema(f)
		if f.Required {
			required = append(required, name)
		}
	}
	doc := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		sort.Strings(required)
		doc["required"] = required
	}
	return doc
}

func fieldSchema(f *Field) map[string]any {
	switch f.Kind {
	case KindNumber:
		return map[string]any{"type": "number"}
	case KindBoolean:
		return map[string]any{"type": "boolean"}
	case KindDate:
		return map[string]any{"type": "string"}
	case KindString:
		doc := map[string]any{"type": "string"}
		if len(f.Enum) > 0 {
			doc["enum"] = f.Enum
		}
		return doc
	case KindArray:
		doc := map[string]any{"type": "array"}
		if f.Items != nil && f.Items.Kind != KindNull {
			doc["items"] = fieldSchema(f.Items)
		}
		return doc
	case KindObject:
		return objectSchema(f.Properties)
	default:
		return map[string]any{}
	}
}

// Validator checks records against a compiled schema.
type Validator struct {
	compiled *jsonschema.Schema
}

// NewValidator compiles the schema's JSON Schema rendering.
func NewValidator(s *Schema) (*Validator, error) {
	raw, err := json.Marshal(s.JSONSchema())
	if err != nil {
		return nil, eris.Wrap(err, "schema: marshal json schema")
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(validatorResource, bytes.NewReader(raw)); err != nil {
		return nil, eris.Wrap(err, "schema: add json schema resource")
	}
	compiled, err := c.Compile(validatorResource)
	if err != nil {
		return nil, eris.Wrap(err, "schema: compile json schema")
	}
	return &Validator{compiled: compiled}, nil
}

// Validate returns the violations found in rec, or nil when it is valid.
// rec must hold encoding/json types, as produced by BuildRecord.
func (v *Validator) Validate(rec map[string]any) []string {
	err := v.compiled.Validate(rec)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	var out []string
	for _, e := range ve.BasicOutput().Errors {
		if e.KeywordLocation == "" {
			continue
		}
		out = append(out, fmt.Sprintf("%s: %s", locationOrRoot(e.InstanceLocation), e.Error))
	}
	if len(out) == 0 {
		out = append(out, ve.Error())
	}
	return out
}

func locationOrRoot(loc string) string {
	if loc == "" {
		return "/"
	}
	return loc
}
