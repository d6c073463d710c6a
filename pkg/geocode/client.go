// Package geocode resolves free-form addresses to coordinates through an
// ordered list of providers (Google, Nominatim).
package geocode

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
)

// ErrNoMatch is returned when no provider could resolve an address.
var ErrNoMatch = eris.New("geocode: no provider matched the address")

// Result holds the geocoding output for an address.
type Result struct {
	Latitude          float64
	Longitude         float64
	Confidence        float64 // 0..1
	Provider          string
	FormattedAddress  string
	NormalizedAddress string
	Matched           bool
}

// Client geocodes a single address.
type Client interface {
	Geocode(ctx context.Context, address string) (*Result, error)
}

// Normalize trims, collapses internal whitespace and Unicode case-folds an
// address so equivalent spellings share a cache entry. Casers are not safe
// for concurrent use, so each call builds its own.
func Normalize(address string) string {
	return cases.Fold().String(strings.Join(strings.Fields(address), " "))
}
