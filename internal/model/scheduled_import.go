package model

import (
	"time"
)

// maxExecutionHistory bounds ScheduledImport.ExecutionHistory.
const maxExecutionHistory = 10

// AuthType selects how a scheduled fetch authenticates.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "api-key"
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
)

// AuthConfig carries credentials for a scheduled source.
type AuthConfig struct {
	Type          AuthType          `json:"type" yaml:"type"`
	Header        string            `json:"header,omitempty" yaml:"header"`
	Key           string            `json:"key,omitempty" yaml:"key"`
	Token         string            `json:"token,omitempty" yaml:"token"`
	Username      string            `json:"username,omitempty" yaml:"username"`
	Password      string            `json:"password,omitempty" yaml:"password"`
	CustomHeaders map[string]string `json:"custom_headers,omitempty" yaml:"custom_headers"`
}

// Frequency is a named schedule period.
type Frequency string

const (
	FrequencyHourly  Frequency = "hourly"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// ScheduleStatus is the state of a schedule's most recent run.
type ScheduleStatus string

const (
	ScheduleIdle    ScheduleStatus = "idle"
	ScheduleRunning ScheduleStatus = "running"
	ScheduleSuccess ScheduleStatus = "success"
	ScheduleFailed  ScheduleStatus = "failed"
)

// SheetMapping routes one sheet, by name or index, to a dataset.
type SheetMapping struct {
	SheetName   string `json:"sheet_name,omitempty" yaml:"sheet_name"`
	SheetIndex  *int   `json:"sheet_index,omitempty" yaml:"sheet_index"`
	DatasetID   string `json:"dataset_id,omitempty" yaml:"dataset_id"`
	DatasetName string `json:"dataset_name,omitempty" yaml:"dataset_name"`
}

// DatasetMapping routes sheets of fetched files to datasets.
type DatasetMapping struct {
	DatasetID string         `json:"dataset_id,omitempty" yaml:"dataset_id"`
	Sheets    []SheetMapping `json:"sheets,omitempty" yaml:"sheets"`
}

// Resolve returns the mapping entry for a sheet, if any. Name matches take
// precedence over index matches; a top-level DatasetID applies to every
// sheet not otherwise mapped.
func (m *DatasetMapping) Resolve(index int, name string) (SheetMapping, bool) {
	if m == nil {
		return SheetMapping{}, false
	}
	for _, s := range m.Sheets {
		if s.SheetName != "" && s.SheetName == name {
			return s, true
		}
	}
	for _, s := range m.Sheets {
		if s.SheetIndex != nil && *s.SheetIndex == index {
			return s, true
		}
	}
	if m.DatasetID != "" {
		return SheetMapping{DatasetID: m.DatasetID}, true
	}
	return SheetMapping{}, false
}

// ScheduleStatistics aggregates run outcomes.
type ScheduleStatistics struct {
	TotalRuns      int           `json:"total_runs"`
	SuccessfulRuns int           `json:"successful_runs"`
	FailedRuns     int           `json:"failed_runs"`
	AvgDuration    time.Duration `json:"avg_duration"`
}

// ScheduleExecution is one entry of a schedule's run history.
type ScheduleExecution struct {
	StartedAt    time.Time      `json:"started_at"`
	Duration     time.Duration  `json:"duration"`
	Status       ScheduleStatus `json:"status"`
	Error        string         `json:"error,omitempty"`
	ImportFileID string         `json:"import_file_id,omitempty"`
	Unchanged    bool           `json:"unchanged,omitempty"`
	Bytes        int64          `json:"bytes,omitempty"`
}

// ScheduledImport periodically fetches a URL and imports it.
type ScheduledImport struct {
	ID                  string              `json:"id"`
	Name                string              `json:"name"`
	Enabled             bool                `json:"enabled"`
	CatalogID           string              `json:"catalog_id"`
	SourceURL           string              `json:"source_url"`
	Auth                AuthConfig          `json:"auth"`
	Cron                string              `json:"cron,omitempty"`
	Frequency           Frequency           `json:"frequency,omitempty"`
	MaxRetries          int                 `json:"max_retries"`
	RetryDelay          time.Duration       `json:"retry_delay"`
	Timeout             time.Duration       `json:"timeout"`
	MaxFileSize         int64               `json:"max_file_size"`
	ContentTypeOverride string              `json:"content_type_override,omitempty"`
	SkipDuplicateCheck  bool                `json:"skip_duplicate_check"`
	DatasetMapping      *DatasetMapping     `json:"dataset_mapping,omitempty"`
	LastRun             *time.Time          `json:"last_run,omitempty"`
	NextRun             *time.Time          `json:"next_run,omitempty"`
	LastStatus          ScheduleStatus      `json:"last_status"`
	LastError           string              `json:"last_error,omitempty"`
	LastContentHash     string              `json:"last_content_hash,omitempty"`
	Statistics          ScheduleStatistics  `json:"statistics"`
	ExecutionHistory    []ScheduleExecution `json:"execution_history,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// RecordExecution folds a finished run into the statistics and history.
func (s *ScheduledImport) RecordExecution(e ScheduleExecution) {
	st := &s.Statistics
	prevTotal := st.TotalRuns
	st.TotalRuns++
	if e.Status == ScheduleSuccess {
		st.SuccessfulRuns++
	} else {
		st.FailedRuns++
	}
	st.AvgDuration = (st.AvgDuration*time.Duration(prevTotal) + e.Duration) / time.Duration(st.TotalRuns)

	s.LastStatus = e.Status
	s.LastError = e.Error
	s.ExecutionHistory = append([]ScheduleExecution{e}, s.ExecutionHistory...)
	if len(s.ExecutionHistory) > maxExecutionHistory {
		s.ExecutionHistory = s.ExecutionHistory[:maxExecutionHistory]
	}
}
