package model

import "time"

// CoordinateSource records where an event's coordinates came from.
type CoordinateSource string

const (
	CoordinateSourceImport   CoordinateSource = "import"
	CoordinateSourceGeocoded CoordinateSource = "geocoded"
	CoordinateSourceNone     CoordinateSource = "none"
)

// Point is a WGS84 coordinate pair.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// EventValidation holds the per-row checks recorded on an event.
type EventValidation struct {
	CoordinatesSwapped bool     `json:"coordinates_swapped,omitempty"`
	SchemaErrors       []string `json:"schema_errors,omitempty"`
}

// Event is one row of a dataset after import.
type Event struct {
	ID               string           `json:"id"`
	DatasetID        string           `json:"dataset_id"`
	ImportJobID      string           `json:"import_job_id"`
	SchemaVersionID  string           `json:"schema_version_id,omitempty"`
	UniqueKey        string           `json:"unique_key"`
	Version          int              `json:"version"`
	Title            string           `json:"title,omitempty"`
	Description      string           `json:"description,omitempty"`
	Data             map[string]any   `json:"data"`
	EventTimestamp   *time.Time       `json:"event_timestamp,omitempty"`
	Location         *Point           `json:"location,omitempty"`
	LocationName     string           `json:"location_name,omitempty"`
	CoordinateSource CoordinateSource `json:"coordinate_source"`
	Validation       EventValidation  `json:"validation"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// LocationCacheEntry is a geocoded address shared across imports.
type LocationCacheEntry struct {
	NormalizedAddress string    `json:"normalized_address"`
	OriginalAddress   string    `json:"original_address"`
	Latitude          float64   `json:"latitude"`
	Longitude         float64   `json:"longitude"`
	Confidence        float64   `json:"confidence"`
	Provider          string    `json:"provider"`
	FormattedAddress  string    `json:"formatted_address,omitempty"`
	HitCount          int       `json:"hit_count"`
	LastUsedAt        time.Time `json:"last_used_at"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// CacheStats summarizes the location cache.
type CacheStats struct {
	Entries   int            `json:"entries"`
	TotalHits int            `json:"total_hits"`
	Providers map[string]int `json:"providers"`
	Oldest    *time.Time     `json:"oldest,omitempty"`
}
