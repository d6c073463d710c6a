package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/eventimport/internal/duplicate"
	"github.com/sells-group/eventimport/internal/model"
	"github.com/sells-group/eventimport/internal/schema"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func TestNewSQLite_InvalidDSN(t *testing.T) {
	_, err := NewSQLite("/nonexistent/dir/subdir/test.db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite")
}

func seedFileAndJob(t *testing.T, s Store) (*model.ImportFile, *model.ImportJob) {
	t.Helper()
	ctx := context.Background()
	f := &model.ImportFile{CatalogID: "cat-1", OriginalName: "events.csv", ContentHash: "abc"}
	require.NoError(t, s.CreateImportFile(ctx, f))
	j := &model.ImportJob{ImportFileID: f.ID, DatasetID: "ds-1", SheetName: "events", Stage: model.StageAnalyzeDuplicates}
	require.NoError(t, s.CreateImportJob(ctx, j))
	return f, j
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("ImportFileLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		f, j := seedFileAndJob(t, s)
		assert.Equal(t, model.FileStatusPending, f.Status)

		f.Status = model.FileStatusProcessing
		f.Sheets = []model.SheetInfo{{Index: 0, Name: "events", Rows: 2, JobID: j.ID}}
		require.NoError(t, s.UpdateImportFile(ctx, f))

		got, err := s.GetImportFile(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, model.FileStatusProcessing, got.Status)
		require.Len(t, got.Sheets, 1)
		assert.Equal(t, j.ID, got.Sheets[0].JobID)

		_, err = s.GetImportFile(ctx, "missing")
		assert.True(t, eris.Is(err, ErrNotFound))

		err = s.UpdateImportFile(ctx, &model.ImportFile{ID: "missing"})
		assert.True(t, eris.Is(err, ErrNotFound))
	})

	t.Run("ImportJobOptimisticVersion", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, j := seedFileAndJob(t, s)
		assert.Equal(t, int64(1), j.Version)

		a, err := s.GetImportJob(ctx, j.ID)
		require.NoError(t, err)
		b, err := s.GetImportJob(ctx, j.ID)
		require.NoError(t, err)

		a.Stage = model.StageDetectSchema
		a.Progress.Stage(model.StageAnalyzeDuplicates).RowsProcessed = 100
		require.NoError(t, s.UpdateImportJob(ctx, a))
		assert.Equal(t, int64(2), a.Version)

		b.Stage = model.StageFailed
		err = s.UpdateImportJob(ctx, b)
		require.Error(t, err)
		assert.True(t, eris.Is(err, ErrConflict))
		assert.Equal(t, int64(1), b.Version)

		got, err := s.GetImportJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StageDetectSchema, got.Stage)
		assert.Equal(t, int64(2), got.Version)
		assert.Equal(t, 100, got.Progress.Offset(model.StageAnalyzeDuplicates))

		err = s.UpdateImportJob(ctx, &model.ImportJob{ID: "missing", Version: 1})
		assert.True(t, eris.Is(err, ErrNotFound))
	})

	t.Run("ListJobs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		f, j := seedFileAndJob(t, s)
		done := &model.ImportJob{ImportFileID: f.ID, Stage: model.StageCompleted}
		require.NoError(t, s.CreateImportJob(ctx, done))
		waiting := &model.ImportJob{ImportFileID: f.ID, Stage: model.StageAwaitApproval}
		require.NoError(t, s.CreateImportJob(ctx, waiting))

		jobs, err := s.ListImportJobs(ctx, f.ID)
		require.NoError(t, err)
		assert.Len(t, jobs, 3)

		open, err := s.ListOpenImportJobs(ctx)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, j.ID, open[0].ID)
	})

	t.Run("DatasetsAndSchemaVersions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		d := model.NewDataset("cat-1", "Events", "deu")
		require.NoError(t, s.CreateDataset(ctx, d))

		found, err := s.FindDataset(ctx, "cat-1", "Events")
		require.NoError(t, err)
		assert.Equal(t, d.ID, found.ID)
		assert.Equal(t, "deu", found.Language)

		_, err = s.FindDataset(ctx, "cat-1", "events")
		assert.True(t, eris.Is(err, ErrNotFound), "name match is case-sensitive")

		_, err = s.PublishedSchemaVersion(ctx, d.ID)
		assert.True(t, eris.Is(err, ErrNotFound))

		sc := schema.New()
		sc.Observe(map[string]any{"title": "a"}, schema.DefaultOptions())
		sc.Finalize(schema.DefaultOptions())

		v1 := &model.SchemaVersion{DatasetID: d.ID, Schema: sc}
		require.NoError(t, s.CreateSchemaVersion(ctx, v1))
		v2 := &model.SchemaVersion{DatasetID: d.ID, Schema: sc}
		require.NoError(t, s.CreateSchemaVersion(ctx, v2))
		assert.Equal(t, 1, v1.VersionNumber)
		assert.Equal(t, 2, v2.VersionNumber)

		pub, err := s.PublishSchemaVersion(ctx, v2.ID, model.Approval{Auto: true}, time.Now())
		require.NoError(t, err)
		assert.Equal(t, model.SchemaVersionPublished, pub.Status)
		require.NotNil(t, pub.PublishedAt)

		old, err := s.GetSchemaVersion(ctx, v1.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SchemaVersionSuperseded, old.Status)

		current, err := s.PublishedSchemaVersion(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, v2.ID, current.ID)
		assert.True(t, current.Approval.Auto)
		require.NotNil(t, current.Schema)
		assert.Equal(t, []string{"title"}, current.Schema.FieldNames())

		got, err := s.GetDataset(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, v2.ID, got.CurrentSchemaVersionID)

		// A config update must not move the pointer back.
		d.SchemaConfig.Locked = true
		require.NoError(t, s.UpdateDataset(ctx, d))
		got, err = s.GetDataset(ctx, d.ID)
		require.NoError(t, err)
		assert.True(t, got.SchemaConfig.Locked)
		assert.Equal(t, v2.ID, got.CurrentSchemaVersionID)

		_, err = s.PublishSchemaVersion(ctx, v1.ID, model.Approval{}, time.Now())
		assert.Error(t, err)
	})

	t.Run("EventsIdempotentInsertAndLatest", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		events := []model.Event{
			{DatasetID: "ds-1", ImportJobID: "j1", UniqueKey: "ext:1", Data: map[string]any{"title": "a"},
				Location: &model.Point{Latitude: 52.52, Longitude: 13.40}, CoordinateSource: model.CoordinateSourceImport},
			{DatasetID: "ds-1", ImportJobID: "j1", UniqueKey: "ext:2", Data: map[string]any{"title": "b"},
				CoordinateSource: model.CoordinateSourceNone},
		}
		n, err := s.InsertEvents(ctx, events)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		replay := []model.Event{{DatasetID: "ds-1", ImportJobID: "j1", UniqueKey: "ext:1", Data: map[string]any{}}}
		n, err = s.InsertEvents(ctx, replay)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		v2 := []model.Event{{DatasetID: "ds-1", ImportJobID: "j2", UniqueKey: "ext:1", Version: 2, Data: map[string]any{}}}
		n, err = s.InsertEvents(ctx, v2)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		refs, err := s.LatestEvents(ctx, "ds-1", []string{"ext:1", "ext:2", "ext:3"})
		require.NoError(t, err)
		require.Len(t, refs, 2)
		assert.Equal(t, 2, refs["ext:1"].Version)
		assert.Equal(t, "j2", refs["ext:1"].ImportJobID)
		assert.Equal(t, 1, refs["ext:2"].Version)

		keys, err := s.ExistingEventKeys(ctx, "ds-1", []string{"ext:2", "ext:9"})
		require.NoError(t, err)
		assert.Equal(t, map[string]bool{"ext:2": true}, keys)

		events[1].Data["title"] = "b2"
		require.NoError(t, s.UpdateEvent(ctx, &events[1]))

		count, err := s.CountEvents(ctx, "ds-1")
		require.NoError(t, err)
		assert.Equal(t, 3, count)
	})

	t.Run("RowKeysKeepFirstOccurrence", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, err := s.RecordRowKeys(ctx, "job-1", []duplicate.RowKeyEntry{{Key: "a", Row: 0}, {Key: "b", Row: 1}, {Key: "a", Row: 2}})
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"a": 0, "b": 1}, first)

		// Next batch; replaying row 1 is stable.
		first, err = s.RecordRowKeys(ctx, "job-1", []duplicate.RowKeyEntry{{Key: "b", Row: 1}, {Key: "c", Row: 3}, {Key: "a", Row: 4}})
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"a": 0, "b": 1, "c": 3}, first)

		other, err := s.RecordRowKeys(ctx, "job-2", []duplicate.RowKeyEntry{{Key: "a", Row: 7}})
		require.NoError(t, err)
		assert.Equal(t, 7, other["a"])
	})

	t.Run("LocationCache", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		old := time.Now().Add(-90 * 24 * time.Hour)

		require.NoError(t, s.UpsertLocation(ctx, &model.LocationCacheEntry{
			NormalizedAddress: "alexanderplatz 1, berlin", OriginalAddress: "Alexanderplatz 1, Berlin",
			Latitude: 52.52, Longitude: 13.41, Confidence: 0.9, Provider: "nominatim",
		}))
		require.NoError(t, s.UpsertLocation(ctx, &model.LocationCacheEntry{
			NormalizedAddress: "old street", OriginalAddress: "Old Street",
			Latitude: 1, Longitude: 2, Provider: "google", LastUsedAt: old, CreatedAt: old,
		}))

		got, err := s.GetLocations(ctx, []string{"alexanderplatz 1, berlin", "unknown"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		e := got["alexanderplatz 1, berlin"]
		assert.InDelta(t, 52.52, e.Latitude, 1e-9)
		assert.Equal(t, 0, e.HitCount)

		require.NoError(t, s.IncrementLocationHits(ctx, "alexanderplatz 1, berlin", 3, time.Now()))
		// A racing writer of the same address counts as a hit.
		require.NoError(t, s.UpsertLocation(ctx, &model.LocationCacheEntry{
			NormalizedAddress: "alexanderplatz 1, berlin", OriginalAddress: "Alexanderplatz 1", Latitude: 52.52, Longitude: 13.41, Provider: "nominatim",
		}))
		got, err = s.GetLocations(ctx, []string{"alexanderplatz 1, berlin"})
		require.NoError(t, err)
		assert.Equal(t, 4, got["alexanderplatz 1, berlin"].HitCount)

		assert.Error(t, s.IncrementLocationHits(ctx, "unknown", 1, time.Now()))

		stats, err := s.LocationStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Entries)
		assert.Equal(t, 4, stats.TotalHits)
		assert.Equal(t, map[string]int{"nominatim": 1, "google": 1}, stats.Providers)
		require.NotNil(t, stats.Oldest)
		assert.WithinDuration(t, old, *stats.Oldest, time.Second)

		purged, err := s.PurgeLocations(ctx, time.Now().Add(-30*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, purged)
	})

	t.Run("ScheduleUpsertAndClaim", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		sch := &model.ScheduledImport{Name: "daily-feed", Enabled: true, SourceURL: "https://example.com/feed.csv", Frequency: model.FrequencyDaily}
		require.NoError(t, s.UpsertSchedule(ctx, sch))
		assert.Equal(t, model.ScheduleIdle, sch.LastStatus)

		disabled := &model.ScheduledImport{Name: "off", SourceURL: "https://example.com/off.csv"}
		require.NoError(t, s.UpsertSchedule(ctx, disabled))

		enabled, err := s.ListSchedules(ctx, true)
		require.NoError(t, err)
		require.Len(t, enabled, 1)
		assert.Equal(t, sch.ID, enabled[0].ID)

		all, err := s.ListSchedules(ctx, false)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		now := time.Now()
		ok, err := s.ClaimSchedule(ctx, sch.ID, now, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.ClaimSchedule(ctx, sch.ID, now, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.False(t, ok, "second claim loses while the run is fresh")

		ok, err = s.ClaimSchedule(ctx, sch.ID, now.Add(2*time.Hour), now.Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, ok, "stale run can be taken over")

		got, err := s.GetSchedule(ctx, sch.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ScheduleRunning, got.LastStatus)
		require.NotNil(t, got.LastRun)

		// Re-applying the definition keeps run state and id.
		redefined := &model.ScheduledImport{Name: "daily-feed", Enabled: true, SourceURL: "https://example.com/v2.csv", Frequency: model.FrequencyHourly}
		require.NoError(t, s.UpsertSchedule(ctx, redefined))
		assert.Equal(t, sch.ID, redefined.ID)
		got, err = s.GetSchedule(ctx, sch.ID)
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/v2.csv", got.SourceURL)
		assert.Equal(t, model.ScheduleRunning, got.LastStatus)
	})

	t.Run("TaskQueue", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		payload, _ := json.Marshal(model.TaskPayload{ImportJobID: "job-1"})

		ok, err := s.EnqueueTask(ctx, &model.Task{Name: "detect-schema", DedupeKey: "job-1:detect-schema", Payload: payload})
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.EnqueueTask(ctx, &model.Task{Name: "detect-schema", DedupeKey: "job-1:detect-schema", Payload: payload})
		require.NoError(t, err)
		assert.False(t, ok, "one pending task per key")

		future := &model.Task{Name: "geocode-batch", DedupeKey: "job-2:geocode-batch", RunAfter: time.Now().Add(time.Hour)}
		ok, err = s.EnqueueTask(ctx, future)
		require.NoError(t, err)
		assert.True(t, ok)

		claimed, err := s.ClaimTasks(ctx, time.Now(), 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		first := claimed[0]
		assert.Equal(t, model.TaskRunning, first.Status)
		assert.Equal(t, 1, first.Attempts)
		assert.JSONEq(t, string(payload), string(first.Payload))

		// The running task does not block a new pending one, but the new one
		// waits until the running task finishes.
		ok, err = s.EnqueueTask(ctx, &model.Task{Name: "detect-schema", DedupeKey: "job-1:detect-schema"})
		require.NoError(t, err)
		assert.True(t, ok)
		claimed, err = s.ClaimTasks(ctx, time.Now(), 10)
		require.NoError(t, err)
		assert.Empty(t, claimed)

		require.NoError(t, s.CompleteTask(ctx, first.ID))
		claimed, err = s.ClaimTasks(ctx, time.Now(), 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		second := claimed[0]

		require.NoError(t, s.RescheduleTask(ctx, second.ID, time.Now().Add(-time.Second), "timeout"))
		claimed, err = s.ClaimTasks(ctx, time.Now(), 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, second.ID, claimed[0].ID)
		assert.Equal(t, 2, claimed[0].Attempts)
		assert.Equal(t, "timeout", claimed[0].LastError)

		require.NoError(t, s.FailTask(ctx, second.ID, "gave up"))
		tasks, err := s.ListTasks(ctx, "job-1:detect-schema")
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		statuses := []model.TaskStatus{tasks[0].Status, tasks[1].Status}
		assert.ElementsMatch(t, []model.TaskStatus{model.TaskCompleted, model.TaskFailed}, statuses)
	})

	t.Run("RequeueStaleTasks", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.EnqueueTask(ctx, &model.Task{Name: "create-events", DedupeKey: "job-1:create-events"})
		require.NoError(t, err)
		claimed, err := s.ClaimTasks(ctx, time.Now(), 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		n, err := s.RequeueStaleTasks(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		claimed, err = s.ClaimTasks(ctx, time.Now().Add(time.Second), 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, 2, claimed[0].Attempts)
	})

	t.Run("Settings", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.PutSetting(ctx, "enableGeocoding", false))
		require.NoError(t, s.PutSetting(ctx, "enableGeocoding", true))
		require.NoError(t, s.PutSetting(ctx, "enableScheduledImports", false))

		settings, err := s.GetSettings(ctx)
		require.NoError(t, err)
		assert.JSONEq(t, `true`, string(settings["enableGeocoding"]))
		assert.JSONEq(t, `false`, string(settings["enableScheduledImports"]))
	})

	t.Run("HealthCounts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		seedFileAndJob(t, s)
		seedFileAndJob(t, s)

		counts, err := s.CountImportJobsByStage(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, map[model.Stage]int{model.StageAnalyzeDuplicates: 2}, counts)

		counts, err = s.CountImportJobsByStage(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, counts)

		_, err = s.EnqueueTask(ctx, &model.Task{Name: "detect-schema", DedupeKey: "job-1:detect-schema"})
		require.NoError(t, err)
		claimed, err := s.ClaimTasks(ctx, time.Now(), 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.NoError(t, s.FailTask(ctx, claimed[0].ID, "boom"))

		n, err := s.CountTasks(ctx, model.TaskFailed)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = s.CountTasks(ctx, model.TaskPending)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}
