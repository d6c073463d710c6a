// Package location resolves event coordinates: it validates imported
// coordinates and geocodes addresses through a shared cache.
package location

import (
	"math"
	"strconv"
	"strings"

	"github.com/sells-group/eventimport/internal/model"
)

// Coordinates is the outcome of checking an imported lat/lon pair.
type Coordinates struct {
	Point   model.Point
	Valid   bool
	Swapped bool
}

// CheckCoordinates validates raw latitude and longitude values. A pair whose
// latitude is out of range but fits when swapped is corrected and flagged.
// (0, 0) is treated as missing.
func CheckCoordinates(rawLat, rawLon any) Coordinates {
	lat, okLat := toFloat(rawLat)
	lon, okLon := toFloat(rawLon)
	if !okLat || !okLon {
		return Coordinates{}
	}
	if lat == 0 && lon == 0 {
		return Coordinates{}
	}
	if inRange(lat, 90) && inRange(lon, 180) {
		return Coordinates{Point: model.Point{Latitude: lat, Longitude: lon}, Valid: true}
	}
	if inRange(lon, 90) && inRange(lat, 180) {
		return Coordinates{Point: model.Point{Latitude: lon, Longitude: lat}, Valid: true, Swapped: true}
	}
	return Coordinates{}
}

func inRange(v, limit float64) bool {
	return !math.IsNaN(v) && v >= -limit && v <= limit
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		// Decimal comma, as written by many European exports.
		if !strings.Contains(s, ".") && strings.Count(s, ",") == 1 {
			s = strings.Replace(s, ",", ".", 1)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
