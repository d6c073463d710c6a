// Package store persists import files, jobs, datasets, schema versions,
// events, the location cache, schedules, tasks and settings.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/eventimport/internal/duplicate"
	"github.com/sells-group/eventimport/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is returned when an optimistic version check fails.
	ErrConflict = eris.New("store: version conflict")
)

// EventRef identifies the latest stored version of an event key.
type EventRef struct {
	ID          string
	Version     int
	ImportJobID string
}

// Store defines the persistence interface for the import pipeline.
type Store interface {
	// Import files
	CreateImportFile(ctx context.Context, f *model.ImportFile) error
	GetImportFile(ctx context.Context, id string) (*model.ImportFile, error)
	UpdateImportFile(ctx context.Context, f *model.ImportFile) error

	// Import jobs. UpdateImportJob succeeds only when j.Version matches the
	// stored version and bumps it; otherwise ErrConflict.
	CreateImportJob(ctx context.Context, j *model.ImportJob) error
	GetImportJob(ctx context.Context, id string) (*model.ImportJob, error)
	UpdateImportJob(ctx context.Context, j *model.ImportJob) error
	ListImportJobs(ctx context.Context, fileID string) ([]model.ImportJob, error)
	ListOpenImportJobs(ctx context.Context) ([]model.ImportJob, error)

	// Datasets
	CreateDataset(ctx context.Context, d *model.Dataset) error
	GetDataset(ctx context.Context, id string) (*model.Dataset, error)
	FindDataset(ctx context.Context, catalogID, name string) (*model.Dataset, error)
	UpdateDataset(ctx context.Context, d *model.Dataset) error

	// Schema versions
	CreateSchemaVersion(ctx context.Context, v *model.SchemaVersion) error
	GetSchemaVersion(ctx context.Context, id string) (*model.SchemaVersion, error)
	PublishedSchemaVersion(ctx context.Context, datasetID string) (*model.SchemaVersion, error)
	PublishSchemaVersion(ctx context.Context, id string, approval model.Approval, now time.Time) (*model.SchemaVersion, error)

	// Events
	InsertEvents(ctx context.Context, events []model.Event) (int, error)
	UpdateEvent(ctx context.Context, e *model.Event) error
	LatestEvents(ctx context.Context, datasetID string, keys []string) (map[string]EventRef, error)
	CountEvents(ctx context.Context, datasetID string) (int, error)

	// Duplicate keys
	duplicate.KeyStore

	// Location cache
	GetLocations(ctx context.Context, addresses []string) (map[string]model.LocationCacheEntry, error)
	UpsertLocation(ctx context.Context, e *model.LocationCacheEntry) error
	IncrementLocationHits(ctx context.Context, address string, n int, now time.Time) error
	LocationStats(ctx context.Context) (*model.CacheStats, error)
	PurgeLocations(ctx context.Context, unusedSince time.Time) (int, error)

	// Scheduled imports. ClaimSchedule moves a schedule to running unless
	// it already is and its last run is newer than staleBefore.
	UpsertSchedule(ctx context.Context, s *model.ScheduledImport) error
	GetSchedule(ctx context.Context, id string) (*model.ScheduledImport, error)
	ListSchedules(ctx context.Context, enabledOnly bool) ([]model.ScheduledImport, error)
	UpdateSchedule(ctx context.Context, s *model.ScheduledImport) error
	ClaimSchedule(ctx context.Context, id string, now, staleBefore time.Time) (bool, error)

	// Tasks. EnqueueTask reports false when a pending task with the same
	// dedupe key already exists.
	EnqueueTask(ctx context.Context, t *model.Task) (bool, error)
	ClaimTasks(ctx context.Context, now time.Time, limit int) ([]model.Task, error)
	CompleteTask(ctx context.Context, id string) error
	RescheduleTask(ctx context.Context, id string, runAfter time.Time, lastErr string) error
	FailTask(ctx context.Context, id string, lastErr string) error
	RequeueStaleTasks(ctx context.Context, before time.Time) (int, error)
	ListTasks(ctx context.Context, dedupeKey string) ([]model.Task, error)
	CountTasks(ctx context.Context, status model.TaskStatus) (int, error)

	// Health
	CountImportJobsByStage(ctx context.Context, since time.Time) (map[model.Stage]int, error)

	// Settings
	GetSettings(ctx context.Context) (map[string]json.RawMessage, error)
	PutSetting(ctx context.Context, key string, value any) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
