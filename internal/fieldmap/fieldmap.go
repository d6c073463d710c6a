// Package fieldmap detects which columns of an import hold the semantic
// event fields (title, timestamp, coordinates, ...) from their headers.
package fieldmap

import (
	"strings"

	"golang.org/x/text/language"

	"github.com/sells-group/eventimport/internal/model"
)

// minContainsLen is the shortest pattern matched as a word inside a longer
// header. Shorter patterns ("id", "lat", "x") must match exactly.
const minContainsLen = 4

// NormalizeLanguage maps a language tag ("de", "de-AT", "ger", "deu") to
// its ISO 639-3 code. Unknown tags fall back to the base language.
func NormalizeLanguage(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return model.BaseLanguage
	}
	tag, err := language.Parse(code)
	if err != nil {
		return model.BaseLanguage
	}
	base, _ := tag.Base()
	iso3 := base.ISO3()
	if iso3 == "" || iso3 == "und" {
		return model.BaseLanguage
	}
	return iso3
}

// Supported reports whether a pattern table exists for the language.
func Supported(code string) bool {
	_, ok := patterns[NormalizeLanguage(code)]
	return ok
}

// Detect maps headers to semantic fields using the patterns of lang,
// falling back to the base language. Overrides always win. Returned
// values are the original header strings.
func Detect(headers []string, lang string, overrides model.FieldMappings) model.FieldMappings {
	langs := []string{NormalizeLanguage(lang)}
	if langs[0] != model.BaseLanguage {
		langs = append(langs, model.BaseLanguage)
	}

	normalized := make([]string, len(headers))
	for i, h := range headers {
		normalized[i] = normalizeHeader(h)
	}

	found := make(map[Field]string)
	used := make(map[int]bool)

	claim := func(f Field, match func(header, pattern string) bool) {
		if _, ok := found[f]; ok {
			return
		}
		for _, l := range langs {
			for _, p := range patterns[l][f] {
				for i, h := range normalized {
					if used[i] || !match(h, p) {
						continue
					}
					found[f] = headers[i]
					used[i] = true
					return
				}
			}
		}
	}

	for _, f := range detectionOrder {
		claim(f, func(h, p string) bool { return h == p })
	}
	for _, f := range detectionOrder {
		claim(f, containsWord)
	}

	detected := model.FieldMappings{
		ID:           found[FieldID],
		Title:        found[FieldTitle],
		Description:  found[FieldDescription],
		Timestamp:    found[FieldTimestamp],
		Latitude:     found[FieldLatitude],
		Longitude:    found[FieldLongitude],
		LocationName: found[FieldLocationName],
		Location:     found[FieldLocation],
	}
	return detected.Override(overrides)
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(h)
	return strings.Join(strings.Fields(h), " ")
}

// containsWord reports whether pattern occurs in header on word boundaries.
func containsWord(header, pattern string) bool {
	if len(pattern) < minContainsLen || header == pattern {
		return false
	}
	padded := " " + header + " "
	return strings.Contains(padded, " "+pattern+" ")
}
