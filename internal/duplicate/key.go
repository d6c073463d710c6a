// Package duplicate derives row identity keys and classifies rows as
// unique, internal duplicates or external duplicates.
package duplicate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sells-group/eventimport/internal/model"
)

// Key is the identity of one row.
type Key struct {
	Value string
	// RowScoped keys are unique to their row and never duplicate anything.
	RowScoped bool
}

// RowKey returns the identity key of the row at index (0-based within the
// sheet) of job.
func RowKey(s model.IDStrategy, jobID string, index int, rec map[string]any) Key {
	switch s.Type {
	case model.IDStrategyExternal:
		if v, ok := externalValue(rec, s.Field); ok {
			return Key{Value: "ext:" + v}
		}
	case model.IDStrategyComputed:
		return Key{Value: "hash:" + ComputeHash(rec, s.ComputedFields)}
	case model.IDStrategyHybrid:
		if v, ok := externalValue(rec, s.Field); ok {
			return Key{Value: "ext:" + v}
		}
		return Key{Value: "hash:" + ComputeHash(rec, s.ComputedFields)}
	}
	return Key{Value: fmt.Sprintf("row:%s:%d", jobID, index), RowScoped: true}
}

// ComputeHash hashes the given fields of rec (all top-level fields when
// fields is empty) in sorted field order.
func ComputeHash(rec map[string]any, fields []string) string {
	if len(fields) == 0 {
		fields = make([]string, 0, len(rec))
		for k := range rec {
			fields = append(fields, k)
		}
	} else {
		fields = append([]string(nil), fields...)
	}
	sort.Strings(fields)

	h := sha256.New()
	for _, f := range fields {
		v, _ := Lookup(rec, f)
		b, err := json.Marshal(v)
		if err != nil {
			b = []byte(fmt.Sprint(v))
		}
		h.Write([]byte(f))
		h.Write([]byte{0x1f})
		h.Write(b)
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func externalValue(rec map[string]any, field string) (string, bool) {
	if field == "" {
		return "", false
	}
	v, ok := Lookup(rec, field)
	if !ok || v == nil {
		return "", false
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	default:
		s = fmt.Sprint(t)
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// Lookup resolves a dotted path inside a nested record. A flat key that
// contains dots wins over the nested path.
func Lookup(rec map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	if v, ok := rec[path]; ok {
		return v, true
	}
	cur := any(rec)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
