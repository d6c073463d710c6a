package schema

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ErrDepthExceeded is returned when a row nests deeper than the configured limit.
var ErrDepthExceeded = eris.New("schema: nesting depth exceeded")

// TransformType names a row transform.
type TransformType string

// Supported transforms.
const (
	TransformRename TransformType = "rename"
)

// Transform rewrites a column before inference and event creation.
type Transform struct {
	ID     string        `json:"id"`
	Type   TransformType `json:"type"`
	From   string        `json:"from"`
	To     string        `json:"to"`
	Active bool          `json:"active"`
}

// ApplyTransforms returns headers with every active rename applied.
// Inactive transforms are ignored.
func ApplyTransforms(headers []string, transforms []Transform) []string {
	renames := make(map[string]string)
	for _, t := range transforms {
		if t.Active && t.Type == TransformRename && t.From != "" && t.To != "" {
			renames[t.From] = t.To
		}
	}
	out := make([]string, len(headers))
	for i, h := range headers {
		if to, ok := renames[h]; ok {
			out[i] = to
			continue
		}
		out[i] = h
	}
	return out
}

// BuildRecord turns one sheet row into a typed record. Dotted headers become
// nested objects, JSON-looking cells are decoded, empty and missing cells are
// left out.
func BuildRecord(headers, values []string, maxDepth int) (map[string]any, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultOptions().MaxDepth
	}
	rec := make(map[string]any, len(headers))
	for i, h := range headers {
		if i >= len(values) || h == "" {
			continue
		}
		v := ParseValue(values[i])
		if v == nil {
			continue
		}
		path := strings.Split(h, ".")
		if len(path)+depthOf(v) > maxDepth {
			return nil, eris.Wrapf(ErrDepthExceeded, "column %q exceeds depth %d", h, maxDepth)
		}
		setPath(rec, path, v)
	}
	return rec, nil
}

// ParseValue converts a cell to bool, float64, decoded JSON, or string.
// Empty cells yield nil.
func ParseValue(cell string) any {
	s := strings.TrimSpace(cell)
	if s == "" {
		return nil
	}
	if (strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")) ||
		(strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]")) {
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err == nil {
			return decoded
		}
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if looksNumeric(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return s
}

// looksNumeric rejects identifiers with leading zeros such as postal codes.
func looksNumeric(s string) bool {
	t := strings.TrimPrefix(s, "-")
	if len(t) > 1 && t[0] == '0' && t[1] != '.' {
		return false
	}
	return true
}

func setPath(rec map[string]any, path []string, v any) {
	cur := rec
	for _, seg := range path[:len(path)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = v
}

// depthOf returns how many container levels a decoded value adds.
func depthOf(v any) int {
	switch val := v.(type) {
	case map[string]any:
		deepest := 0
		for _, child := range val {
			if d := depthOf(child); d > deepest {
				deepest = d
			}
		}
		return deepest + 1
	case []any:
		deepest := 0
		for _, child := range val {
			if d := depthOf(child); d > deepest {
				deepest = d
			}
		}
		return deepest + 1
	default:
		return 0
	}
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"02.01.2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"2 January 2006",
}

// ParseDate parses the date layouts recognised in source files.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 6 {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
