package model

import (
	"time"

	"github.com/sells-group/eventimport/internal/schema"
)

// DuplicateSummary aggregates the duplicate analysis of a job.
type DuplicateSummary struct {
	Strategy IDStrategyType `json:"strategy"`
	Total    int            `json:"total"`
	Unique   int            `json:"unique"`
	Internal int            `json:"internal"`
	External int            `json:"external"`
}

// SchemaValidation is the outcome of comparing a job's inferred schema with
// its dataset's published schema.
type SchemaValidation struct {
	Decision            schema.Decision              `json:"decision,omitempty"`
	Reason              string                       `json:"reason,omitempty"`
	Changes             *schema.Diff                 `json:"changes,omitempty"`
	Breaking            bool                         `json:"breaking"`
	BreakingReasons     []string                     `json:"breaking_reasons,omitempty"`
	RequiresApproval    bool                         `json:"requires_approval"`
	Approved            bool                         `json:"approved"`
	AutoApproved        bool                         `json:"auto_approved"`
	ApprovedBy          string                       `json:"approved_by,omitempty"`
	ApprovedAt          *time.Time                   `json:"approved_at,omitempty"`
	Notes               string                       `json:"notes,omitempty"`
	Rejected            bool                         `json:"rejected,omitempty"`
	DraftVersionID      string                       `json:"draft_version_id,omitempty"`
	SuggestedTransforms []schema.TransformSuggestion `json:"suggested_transforms,omitempty"`
}

// GeocodeResult is the resolution of one normalized address.
type GeocodeResult struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Confidence float64 `json:"confidence"`
	Provider   string  `json:"provider,omitempty"`
	FromCache  bool    `json:"from_cache"`
	Failed     bool    `json:"failed,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// GeocodingState tracks geocoding of a job across batches.
type GeocodingState struct {
	Skipped    bool                     `json:"skipped,omitempty"`
	Attempted  int                      `json:"attempted"`
	Succeeded  int                      `json:"succeeded"`
	Failed     int                      `json:"failed"`
	FromCache  int                      `json:"from_cache"`
	FromImport int                      `json:"from_import"`
	Swapped    int                      `json:"swapped"`
	Results    map[string]GeocodeResult `json:"results,omitempty"`
}

// Resolved counts the unique addresses that have coordinates, whether they
// came from the location cache or a provider.
func (g GeocodingState) Resolved() int {
	n := 0
	for _, r := range g.Results {
		if !r.Failed {
			n++
		}
	}
	return n
}

// EventResults counts what event creation did with each row.
type EventResults struct {
	Created    int `json:"created"`
	Updated    int `json:"updated"`
	Versioned  int `json:"versioned"`
	Skipped    int `json:"skipped"`
	Duplicates int `json:"duplicates"`
	Invalid    int `json:"invalid"`
}

// ImportJob processes one sheet of an ImportFile into one Dataset.
type ImportJob struct {
	ID                    string           `json:"id"`
	ImportFileID          string           `json:"import_file_id"`
	DatasetID             string           `json:"dataset_id"`
	SheetIndex            int              `json:"sheet_index"`
	SheetName             string           `json:"sheet_name"`
	Stage                 Stage            `json:"stage"`
	Version               int64            `json:"version"`
	Progress              Progress         `json:"progress"`
	Duplicates            DuplicateSummary `json:"duplicates"`
	Schema                *schema.Schema   `json:"schema,omitempty"`
	DetectedFieldMappings FieldMappings    `json:"detected_field_mappings"`
	SchemaValidation      SchemaValidation `json:"schema_validation"`
	SchemaVersionID       string           `json:"schema_version_id,omitempty"`
	Geocoding             GeocodingState   `json:"geocoding"`
	Results               EventResults     `json:"results"`
	ErrorLog              []ErrorEntry     `json:"error_log,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
	CompletedAt           *time.Time       `json:"completed_at,omitempty"`
}

// Fail moves the job to StageFailed and records where it failed.
func (j *ImportJob) Fail(stage Stage, msg string, now time.Time) {
	j.Stage = StageFailed
	j.ErrorLog = append(j.ErrorLog, ErrorEntry{Stage: stage, Message: msg, At: now})
}

// LastError returns the most recent error entry, if any.
func (j *ImportJob) LastError() *ErrorEntry {
	if len(j.ErrorLog) == 0 {
		return nil
	}
	e := j.ErrorLog[len(j.ErrorLog)-1]
	return &e
}
