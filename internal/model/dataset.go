package model

import (
	"time"

	"github.com/sells-group/eventimport/internal/schema"
)

// BaseLanguage is the default dataset language (ISO 639-3).
const BaseLanguage = "eng"

// IDStrategyType selects how a row's identity key is derived.
type IDStrategyType string

// Identity strategies.
const (
	IDStrategyAuto     IDStrategyType = "auto"
	IDStrategyExternal IDStrategyType = "external"
	IDStrategyComputed IDStrategyType = "computed"
	IDStrategyHybrid   IDStrategyType = "hybrid"
)

// DuplicateStrategy decides what happens to rows whose key already exists
// in the dataset.
type DuplicateStrategy string

// Duplicate strategies.
const (
	DuplicateSkip    DuplicateStrategy = "skip"
	DuplicateUpdate  DuplicateStrategy = "update"
	DuplicateVersion DuplicateStrategy = "version"
)

// IDStrategy configures row identity for a dataset.
type IDStrategy struct {
	Type           IDStrategyType    `json:"type"`
	Field          string            `json:"field,omitempty"`
	ComputedFields []string          `json:"computed_fields,omitempty"`
	Duplicates     DuplicateStrategy `json:"duplicates"`
}

// SchemaConfig controls how a dataset's schema may change.
type SchemaConfig struct {
	Locked                 bool `json:"locked"`
	AutoGrow               bool `json:"auto_grow"`
	AutoApproveNonBreaking bool `json:"auto_approve_non_breaking"`
	MaxDepth               int  `json:"max_depth,omitempty"`
	EnumThreshold          int  `json:"enum_threshold,omitempty"`
}

// Policy returns the schema-change policy.
func (c SchemaConfig) Policy() schema.Policy {
	return schema.Policy{
		Locked:                 c.Locked,
		AutoGrow:               c.AutoGrow,
		AutoApproveNonBreaking: c.AutoApproveNonBreaking,
	}
}

// FieldMappings maps semantic event fields to source column paths.
type FieldMappings struct {
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`
	Latitude     string `json:"latitude,omitempty"`
	Longitude    string `json:"longitude,omitempty"`
	Location     string `json:"location,omitempty"`
	LocationName string `json:"location_name,omitempty"`
	ID           string `json:"id,omitempty"`
}

// Override returns m with every non-empty field of o taking precedence.
func (m FieldMappings) Override(o FieldMappings) FieldMappings {
	pick := func(detected, override string) string {
		if override != "" {
			return override
		}
		return detected
	}
	return FieldMappings{
		Title:        pick(m.Title, o.Title),
		Description:  pick(m.Description, o.Description),
		Timestamp:    pick(m.Timestamp, o.Timestamp),
		Latitude:     pick(m.Latitude, o.Latitude),
		Longitude:    pick(m.Longitude, o.Longitude),
		Location:     pick(m.Location, o.Location),
		LocationName: pick(m.LocationName, o.LocationName),
		ID:           pick(m.ID, o.ID),
	}
}

// HasCoordinates reports whether both coordinate columns are mapped.
func (m FieldMappings) HasCoordinates() bool {
	return m.Latitude != "" && m.Longitude != ""
}

// Dataset is a named, language-tagged table of events inside a catalog.
type Dataset struct {
	ID                     string             `json:"id"`
	CatalogID              string             `json:"catalog_id"`
	Name                   string             `json:"name"`
	Language               string             `json:"language"`
	FieldMappingOverrides  FieldMappings      `json:"field_mapping_overrides"`
	IDStrategy             IDStrategy         `json:"id_strategy"`
	SchemaConfig           SchemaConfig       `json:"schema_config"`
	Transforms             []schema.Transform `json:"transforms,omitempty"`
	RecoveryStages         []Stage            `json:"recovery_stages,omitempty"`
	CurrentSchemaVersionID string             `json:"current_schema_version_id,omitempty"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// NewDataset returns a dataset with default identity and schema settings.
func NewDataset(catalogID, name, language string) *Dataset {
	if language == "" {
		language = BaseLanguage
	}
	return &Dataset{
		CatalogID: catalogID,
		Name:      name,
		Language:  language,
		IDStrategy: IDStrategy{
			Type:       IDStrategyAuto,
			Duplicates: DuplicateSkip,
		},
		SchemaConfig: SchemaConfig{
			AutoGrow:               true,
			AutoApproveNonBreaking: true,
		},
	}
}

// Recovery returns the stages a failed job of this dataset may restart at.
func (d *Dataset) Recovery(fallback []Stage) []Stage {
	if d != nil && len(d.RecoveryStages) > 0 {
		return d.RecoveryStages
	}
	if len(fallback) > 0 {
		return fallback
	}
	return DefaultRecoveryStages()
}

// SchemaVersionStatus is the publication state of a schema version.
type SchemaVersionStatus string

// Schema version states.
const (
	SchemaVersionDraft      SchemaVersionStatus = "draft"
	SchemaVersionPublished  SchemaVersionStatus = "published"
	SchemaVersionSuperseded SchemaVersionStatus = "superseded"
)

// Approval records who approved a schema version and how.
type Approval struct {
	Auto       bool       `json:"auto"`
	ApprovedBy string     `json:"approved_by,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

// SchemaVersion is an immutable snapshot of a dataset's structure.
type SchemaVersion struct {
	ID            string              `json:"id"`
	DatasetID     string              `json:"dataset_id"`
	VersionNumber int                 `json:"version_number"`
	Status        SchemaVersionStatus `json:"status"`
	Schema        *schema.Schema      `json:"schema"`
	Changes       *schema.Diff        `json:"changes,omitempty"`
	Approval      Approval            `json:"approval"`
	ImportJobID   string              `json:"import_job_id,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	PublishedAt   *time.Time          `json:"published_at,omitempty"`
}
