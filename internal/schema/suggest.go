package schema

import (
	"sort"
	"strings"

	"github.com/agext/levenshtein"
)

// DefaultSuggestionThreshold is the minimum name similarity for a rename
// suggestion.
const DefaultSuggestionThreshold = 0.7

// TransformSuggestion proposes treating a removed field and a new field as a
// rename.
type TransformSuggestion struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Confidence float64 `json:"confidence"`
}

// Transform converts the suggestion into an inactive rename for review.
func (s TransformSuggestion) Transform(id string) Transform {
	return Transform{ID: id, Type: TransformRename, From: s.From, To: s.To}
}

// SuggestTransforms pairs removed and new fields whose names are similar and
// whose kinds are compatible. Suggestions are ranked by confidence and each
// field appears in at most one suggestion.
func SuggestTransforms(d *Diff, threshold float64) []TransformSuggestion {
	if d == nil || d.First || len(d.Removed) == 0 || len(d.NewFields) == 0 {
		return nil
	}
	if threshold <= 0 {
		threshold = DefaultSuggestionThreshold
	}

	var candidates []TransformSuggestion
	for _, removed := range d.Removed {
		for _, added := range d.NewFields {
			if !compatibleKinds(removed.Kind, added.Kind) {
				continue
			}
			score := nameSimilarity(removed.Path, added.Path)
			if score >= threshold {
				candidates = append(candidates, TransformSuggestion{From: removed.Path, To: added.Path, Confidence: score})
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].From < candidates[j].From
	})

	usedFrom := make(map[string]bool)
	usedTo := make(map[string]bool)
	var out []TransformSuggestion
	for _, c := range candidates {
		if usedFrom[c.From] || usedTo[c.To] {
			continue
		}
		usedFrom[c.From] = true
		usedTo[c.To] = true
		out = append(out, c)
	}
	return out
}

// nameSimilarity compares field names ignoring case and separators.
func nameSimilarity(a, b string) float64 {
	na, nb := normalizeName(a), normalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	return levenshtein.Similarity(na, nb, nil)
}

func normalizeName(s string) string {
	s = strings.ToLower(s)
	return strings.NewReplacer("_", "", "-", "", " ", "", ".", "").Replace(s)
}

func compatibleKinds(a, b Kind) bool {
	return a == b || a == KindNull || b == KindNull || isWidening(a, b) || isWidening(b, a)
}
