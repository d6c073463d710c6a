package model

import "time"

// FileStatus is the lifecycle status of an ImportFile.
type FileStatus string

// Import file statuses.
const (
	FileStatusPending    FileStatus = "pending"
	FileStatusProcessing FileStatus = "processing"
	FileStatusCompleted  FileStatus = "completed"
	FileStatusFailed     FileStatus = "failed"
)

// ErrorEntry records a failure with the stage it happened in.
type ErrorEntry struct {
	Stage   Stage     `json:"stage"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// SheetInfo describes one sheet found during dataset detection.
type SheetInfo struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	Rows      int    `json:"rows"`
	DatasetID string `json:"dataset_id,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ScheduledExecution records which schedule run produced a file.
type ScheduledExecution struct {
	ScheduleID   string    `json:"schedule_id"`
	ScheduleName string    `json:"schedule_name"`
	SourceURL    string    `json:"source_url"`
	ExecutedAt   time.Time `json:"executed_at"`
}

// FileMetadata is per-run context attached to an ImportFile.
type FileMetadata struct {
	TargetDatasetID    string              `json:"target_dataset_id,omitempty"`
	DatasetMapping     *DatasetMapping     `json:"dataset_mapping,omitempty"`
	ScheduledExecution *ScheduledExecution `json:"scheduled_execution,omitempty"`
	Extra              map[string]any      `json:"extra,omitempty"`
}

// ImportFile is one uploaded or fetched artifact.
type ImportFile struct {
	ID                string       `json:"id"`
	CatalogID         string       `json:"catalog_id"`
	StorageKey        string       `json:"storage_key"`
	OriginalName      string       `json:"original_name"`
	DisplayName       string       `json:"display_name,omitempty"`
	DeclaredMimeType  string       `json:"declared_mime_type,omitempty"`
	DetectedMimeType  string       `json:"detected_mime_type,omitempty"`
	Size              int64        `json:"size"`
	ContentHash       string       `json:"content_hash"`
	Status            FileStatus   `json:"status"`
	DatasetsCount     int          `json:"datasets_count"`
	DatasetsProcessed int          `json:"datasets_processed"`
	JobsCompleted     int          `json:"jobs_completed"`
	JobsFailed        int          `json:"jobs_failed"`
	Sheets            []SheetInfo  `json:"sheets,omitempty"`
	Metadata          FileMetadata `json:"metadata"`
	ErrorLog          []ErrorEntry `json:"error_log,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// Fail marks the file failed and records the error.
func (f *ImportFile) Fail(stage Stage, msg string, now time.Time) {
	f.Status = FileStatusFailed
	f.ErrorLog = append(f.ErrorLog, ErrorEntry{Stage: stage, Message: msg, At: now})
}

// Rollup recomputes the file status from its child jobs. The file is
// completed only when every job is terminal and none failed; with any failed
// job it is failed once all jobs are terminal. Counters are kept either way.
func (f *ImportFile) Rollup(jobs []ImportJob) {
	completed, failed := 0, 0
	for _, j := range jobs {
		switch j.Stage {
		case StageCompleted:
			completed++
		case StageFailed:
			failed++
		}
	}
	f.JobsCompleted = completed
	f.JobsFailed = failed
	f.DatasetsProcessed = completed + failed

	if len(jobs) == 0 {
		return
	}
	if completed+failed < len(jobs) {
		f.Status = FileStatusProcessing
		return
	}
	if failed > 0 {
		f.Status = FileStatusFailed
		return
	}
	f.Status = FileStatusCompleted
}
