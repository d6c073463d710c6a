// Package schema infers, compares and renders the structure of imported rows.
package schema

import (
	"sort"
	"strings"
)

// Kind is the type tag of a schema field.
type Kind string

// Field kinds.
const (
	KindNull    Kind = "null"
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindDate    Kind = "date"
	KindArray   Kind = "array"
	KindObject  Kind = "object"
)

// Scalar reports whether the kind holds a single value.
func (k Kind) Scalar() bool {
	switch k {
	case KindString, KindNumber, KindBoolean, KindDate:
		return true
	default:
		return false
	}
}

// maxEnumValueLen bounds the strings considered as enum candidates.
const maxEnumValueLen = 100

// Field is one node of a schema tree. Items is set for arrays and
// Properties for objects.
type Field struct {
	Kind        Kind              `json:"kind"`
	Required    bool              `json:"required"`
	Occurrences int               `json:"occurrences"`
	Nulls       int               `json:"nulls,omitempty"`
	Enum        []string          `json:"enum,omitempty"`
	Items       *Field            `json:"items,omitempty"`
	Properties  map[string]*Field `json:"properties,omitempty"`

	// Values counts distinct string values until the enum limit is passed.
	Values         map[string]int `json:"values,omitempty"`
	ValuesOverflow bool           `json:"values_overflow,omitempty"`
}

// Schema is the inferred structure of a sheet. It accumulates observations
// across batches and is finalized before comparison or publication.
type Schema struct {
	Fields     map[string]*Field `json:"fields"`
	SampleSize int               `json:"sample_size"`
}

// New returns an empty schema.
func New() *Schema {
	return &Schema{Fields: make(map[string]*Field)}
}

// Options tunes inference.
type Options struct {
	// EnumThreshold is the maximum distinct values a string field may have
	// to be reported as an enum.
	EnumThreshold int
	// MaxDepth limits object/array nesting.
	MaxDepth int
}

// DefaultOptions returns the inference defaults.
func DefaultOptions() Options {
	return Options{EnumThreshold: 20, MaxDepth: 5}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.EnumThreshold <= 0 {
		o.EnumThreshold = d.EnumThreshold
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = d.MaxDepth
	}
	return o
}

// Observe folds one record into the schema.
func (s *Schema) Observe(rec map[string]any, opts Options) {
	opts = opts.withDefaults()
	if s.Fields == nil {
		s.Fields = make(map[string]*Field)
	}
	s.SampleSize++
	observeObject(s.Fields, rec, opts.EnumThreshold)
}

// Finalize derives required flags and enum values from the accumulated
// counters. It does not change the counters, so it may be called repeatedly.
func (s *Schema) Finalize(opts Options) {
	opts = opts.withDefaults()
	finalizeObject(s.Fields, s.SampleSize, opts.EnumThreshold)
}

// Empty reports whether the schema has no fields.
func (s *Schema) Empty() bool {
	return s == nil || len(s.Fields) == 0
}

// FieldNames returns the sorted top-level field names.
func (s *Schema) FieldNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the field at a dotted path, or nil.
func (s *Schema) Lookup(path string) *Field {
	if s == nil {
		return nil
	}
	return lookupPath(s.Fields, path)
}

func lookupPath(fields map[string]*Field, path string) *Field {
	head, rest, nested := strings.Cut(path, ".")
	f := fields[head]
	if f == nil || !nested {
		return f
	}
	return lookupPath(f.Properties, rest)
}

func observeObject(props map[string]*Field, rec map[string]any, enumLimit int) {
	for name, v := range rec {
		f := props[name]
		if f == nil {
			f = &Field{Kind: KindNull}
			props[name] = f
		}
		f.observe(v, enumLimit)
	}
}

func (f *Field) observe(v any, enumLimit int) {
	if v == nil {
		f.Nulls++
		return
	}
	f.Occurrences++
	f.Kind = mergeKinds(f.Kind, kindOf(v))

	switch val := v.(type) {
	case map[string]any:
		if f.Properties == nil {
			f.Properties = make(map[string]*Field)
		}
		observeObject(f.Properties, val, enumLimit)
	case []any:
		if f.Items == nil {
			f.Items = &Field{Kind: KindNull}
		}
		for _, item := range val {
			f.Items.observe(item, enumLimit)
		}
	case string:
		f.trackValue(val, enumLimit)
	}
}

func (f *Field) trackValue(v string, enumLimit int) {
	if f.ValuesOverflow {
		return
	}
	if len(v) > maxEnumValueLen {
		f.Values = nil
		f.ValuesOverflow = true
		return
	}
	if f.Values == nil {
		f.Values = make(map[string]int)
	}
	f.Values[v]++
	if len(f.Values) > enumLimit {
		f.Values = nil
		f.ValuesOverflow = true
	}
}

func finalizeObject(props map[string]*Field, parentCount, enumThreshold int) {
	for _, f := range props {
		f.Required = parentCount > 0 && f.Occurrences == parentCount
		f.Enum = f.enumValues(enumThreshold)
		if f.Properties != nil {
			finalizeObject(f.Properties, f.Occurrences, enumThreshold)
		}
		if f.Items != nil {
			f.Items.Enum = f.Items.enumValues(enumThreshold)
			if f.Items.Properties != nil {
				finalizeObject(f.Items.Properties, f.Items.Occurrences, enumThreshold)
			}
		}
	}
}

// enumValues returns the sorted distinct values when the field behaves like
// a categorical column: few distinct values, each seen more than once on
// average.
func (f *Field) enumValues(threshold int) []string {
	if f.Kind != KindString || f.ValuesOverflow || len(f.Values) == 0 || len(f.Values) > threshold {
		return nil
	}
	total := 0
	for _, n := range f.Values {
		total += n
	}
	if total <= len(f.Values) {
		return nil
	}
	values := make([]string, 0, len(f.Values))
	for v := range f.Values {
		values = append(values, v)
	}
	sort.Strings(values)
	return values
}

func kindOf(v any) Kind {
	switch val := v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBoolean
	case float64, float32, int, int64, int32:
		return KindNumber
	case string:
		if _, ok := ParseDate(val); ok {
			return KindDate
		}
		return KindString
	case []any:
		return KindArray
	case map[string]any:
		return KindObject
	default:
		return KindString
	}
}

// mergeKinds widens two observed kinds to one that accepts both.
func mergeKinds(a, b Kind) Kind {
	switch {
	case a == b:
		return a
	case a == "" || a == KindNull:
		return b
	case b == "" || b == KindNull:
		return a
	default:
		return KindString
	}
}
