package schema

import (
	"sort"
)

// FieldChange describes an added or removed field.
type FieldChange struct {
	Path     string `json:"path"`
	Kind     Kind   `json:"kind"`
	Required bool   `json:"required"`
}

// TypeChange describes a field whose kind changed.
type TypeChange struct {
	Path     string `json:"path"`
	From     Kind   `json:"from"`
	To       Kind   `json:"to"`
	Widening bool   `json:"widening"`
}

// EnumChange describes values added to or removed from an enum field.
type EnumChange struct {
	Path    string   `json:"path"`
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// Diff is the structural difference between a published schema and a newly
// inferred one.
type Diff struct {
	First       bool          `json:"first"`
	NewFields   []FieldChange `json:"new_fields,omitempty"`
	Removed     []FieldChange `json:"removed_fields,omitempty"`
	TypeChanges []TypeChange  `json:"type_changes,omitempty"`
	EnumChanges []EnumChange  `json:"enum_changes,omitempty"`
}

// HasChanges reports whether anything differs.
func (d *Diff) HasChanges() bool {
	if d == nil {
		return false
	}
	return d.First || len(d.NewFields) > 0 || len(d.Removed) > 0 ||
		len(d.TypeChanges) > 0 || len(d.EnumChanges) > 0
}

// Breaking reports whether the diff contains a change that cannot be applied
// without approval: a removed field, a narrowing type change, or a removed
// enum value. A first schema is never breaking.
func (d *Diff) Breaking() bool {
	if d == nil || d.First {
		return false
	}
	if len(d.Removed) > 0 {
		return true
	}
	for _, tc := range d.TypeChanges {
		if !tc.Widening {
			return true
		}
	}
	for _, ec := range d.EnumChanges {
		if len(ec.Removed) > 0 {
			return true
		}
	}
	return false
}

// BreakingReasons lists human-readable reasons the diff is breaking.
func (d *Diff) BreakingReasons() []string {
	if !d.Breaking() {
		return nil
	}
	var reasons []string
	for _, f := range d.Removed {
		reasons = append(reasons, "removed field "+f.Path)
	}
	for _, tc := range d.TypeChanges {
		if !tc.Widening {
			reasons = append(reasons, "type of "+tc.Path+" changed from "+string(tc.From)+" to "+string(tc.To))
		}
	}
	for _, ec := range d.EnumChanges {
		if len(ec.Removed) > 0 {
			reasons = append(reasons, "enum values removed from "+ec.Path)
		}
	}
	return reasons
}

// Compare diffs next against the published schema prev. A nil prev yields a
// first-version diff listing every field as new.
func Compare(prev, next *Schema) *Diff {
	newFlat := flatten(next)
	if prev.Empty() {
		d := &Diff{First: true}
		for _, path := range sortedKeys(newFlat) {
			f := newFlat[path]
			d.NewFields = append(d.NewFields, FieldChange{Path: path, Kind: f.Kind, Required: f.Required})
		}
		return d
	}

	oldFlat := flatten(prev)
	d := &Diff{}
	for _, path := range sortedKeys(newFlat) {
		nf := newFlat[path]
		of, ok := oldFlat[path]
		if !ok {
			d.NewFields = append(d.NewFields, FieldChange{Path: path, Kind: nf.Kind, Required: nf.Required})
			continue
		}
		if of.Kind != nf.Kind && nf.Kind != KindNull {
			d.TypeChanges = append(d.TypeChanges, TypeChange{
				Path: path, From: of.Kind, To: nf.Kind, Widening: isWidening(of.Kind, nf.Kind),
			})
		}
		if ec, changed := compareEnums(path, of.Enum, nf.Enum); changed {
			d.EnumChanges = append(d.EnumChanges, ec)
		}
	}
	for _, path := range sortedKeys(oldFlat) {
		if _, ok := newFlat[path]; !ok {
			of := oldFlat[path]
			d.Removed = append(d.Removed, FieldChange{Path: path, Kind: of.Kind, Required: of.Required})
		}
	}
	return d
}

// isWidening reports whether values of kind from are all representable as to.
func isWidening(from, to Kind) bool {
	if from == KindNull {
		return true
	}
	return to == KindString && from.Scalar()
}

// compareEnums only reports changes between two enum fields; a field gaining
// or losing enum status is not an enum change.
func compareEnums(path string, prev, next []string) (EnumChange, bool) {
	if len(prev) == 0 || len(next) == 0 {
		return EnumChange{}, false
	}
	ec := EnumChange{Path: path}
	prevSet := toSet(prev)
	nextSet := toSet(next)
	for _, v := range next {
		if !prevSet[v] {
			ec.Added = append(ec.Added, v)
		}
	}
	for _, v := range prev {
		if !nextSet[v] {
			ec.Removed = append(ec.Removed, v)
		}
	}
	return ec, len(ec.Added) > 0 || len(ec.Removed) > 0
}

// flatten maps dotted paths to fields; array items use the "[]" suffix.
func flatten(s *Schema) map[string]*Field {
	out := make(map[string]*Field)
	if s == nil {
		return out
	}
	flattenInto(s.Fields, "", out)
	return out
}

func flattenInto(fields map[string]*Field, prefix string, out map[string]*Field) {
	for name, f := range fields {
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		out[path] = f
		if f.Properties != nil {
			flattenInto(f.Properties, path, out)
		}
		if f.Items != nil && f.Items.Properties != nil {
			flattenInto(f.Items.Properties, path+"[]", out)
		}
	}
}

func sortedKeys(m map[string]*Field) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
