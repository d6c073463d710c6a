package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/eventimport/internal/blob"
	"github.com/sells-group/eventimport/internal/config"
	"github.com/sells-group/eventimport/internal/model"
	"github.com/sells-group/eventimport/internal/queue"
	"github.com/sells-group/eventimport/internal/schema"
	"github.com/sells-group/eventimport/internal/settings"
	"github.com/sells-group/eventimport/internal/store"
	"github.com/sells-group/eventimport/pkg/geocode"
)

type mockGeocoder struct {
	mock.Mock
}

func (m *mockGeocoder) Geocode(ctx context.Context, address string) (*geocode.Result, error) {
	args := m.Called(ctx, address)
	res, _ := args.Get(0).(*geocode.Result)
	return res, args.Error(1)
}

// discardQueue accepts and drops every task.
type discardQueue struct{}

func (discardQueue) Enqueue(context.Context, string, model.TaskPayload, string, time.Duration) (bool, error) {
	return false, nil
}

type testEnv struct {
	p     *Pipeline
	q     *queue.StoreQueue
	st    store.Store
	blobs blob.Store
	gc    *mockGeocoder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewSQLite(filepath.Join(dir, "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	blobs, err := blob.NewLocal(filepath.Join(dir, "uploads"))
	require.NoError(t, err)

	cfg := &config.Config{
		Pipeline: config.PipelineConfig{
			DuplicatesBatchSize: 2,
			SchemaBatchSize:     2,
			GeocodeBatchSize:    2,
			EventsBatchSize:     2,
			BaseLanguage:        "eng",
			SuggestionThreshold: 0.7,
		},
		Quotas:  config.QuotaConfig{MaxRowsPerImport: 1000},
		Geocode: config.GeocodeConfig{Concurrency: 2},
	}
	q := queue.NewStoreQueue(st, queue.Config{})
	gc := &mockGeocoder{}
	p := New(cfg, st, blobs, q, gc, settings.NewCache(st, 0))
	p.Register(q.Registry)
	return &testEnv{p: p, q: q, st: st, blobs: blobs, gc: gc}
}

// upload stores content as a pending import file.
func (e *testEnv) upload(t *testing.T, name, content string) *model.ImportFile {
	t.Helper()
	ctx := context.Background()
	key := "uploads/" + uuid.NewString() + "/" + name
	require.NoError(t, e.blobs.Put(ctx, key, []byte(content), "text/csv"))
	f := &model.ImportFile{
		CatalogID:        "catalog-1",
		StorageKey:       key,
		OriginalName:     name,
		DeclaredMimeType: "text/csv",
		Size:             int64(len(content)),
		Status:           model.FileStatusPending,
	}
	require.NoError(t, e.st.CreateImportFile(ctx, f))
	return f
}

// run submits a file, drains the queue and returns the file and its first job.
func (e *testEnv) run(t *testing.T, f *model.ImportFile) (*model.ImportFile, *model.ImportJob) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.p.Submit(ctx, f.ID))
	require.NoError(t, e.q.Drain(ctx))
	return e.reload(t, f.ID)
}

func (e *testEnv) reload(t *testing.T, fileID string) (*model.ImportFile, *model.ImportJob) {
	t.Helper()
	ctx := context.Background()
	got, err := e.st.GetImportFile(ctx, fileID)
	require.NoError(t, err)
	jobs, err := e.st.ListImportJobs(ctx, fileID)
	require.NoError(t, err)
	if len(jobs) == 0 {
		return got, nil
	}
	return got, &jobs[0]
}

func (e *testEnv) createDataset(t *testing.T, name string, edit func(*model.Dataset)) *model.Dataset {
	t.Helper()
	ds := model.NewDataset("catalog-1", name, "eng")
	if edit != nil {
		edit(ds)
	}
	require.NoError(t, e.st.CreateDataset(context.Background(), ds))
	return ds
}

func matched(lat, lon float64) *geocode.Result {
	return &geocode.Result{Matched: true, Latitude: lat, Longitude: lon, Confidence: 0.9, Provider: "stub"}
}

const eventsCSV = "title,date,address\n" +
	"Concert,2024-05-01,1 Main St\n" +
	"Fair,2024-06-01,1 Main St\n" +
	"Expo,2024-07-01,2 Side St\n"

func TestPipeline_ImportCSV(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.gc.On("Geocode", mock.Anything, "1 Main St").Return(matched(52.52, 13.40), nil)
	env.gc.On("Geocode", mock.Anything, "2 Side St").Return(matched(48.13, 11.58), nil)

	f, job := env.run(t, env.upload(t, "events.csv", eventsCSV))
	require.NotNil(t, job)

	assert.Equal(t, model.FileStatusCompleted, f.Status)
	assert.Equal(t, 1, f.DatasetsCount)
	assert.Equal(t, 1, f.JobsCompleted)
	require.Len(t, f.Sheets, 1)
	assert.Equal(t, job.ID, f.Sheets[0].JobID)

	assert.Equal(t, model.StageCompleted, job.Stage)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, model.DuplicateSummary{Strategy: model.IDStrategyAuto, Total: 3, Unique: 3}, job.Duplicates)
	assert.Equal(t, "title", job.DetectedFieldMappings.Title)
	assert.Equal(t, "date", job.DetectedFieldMappings.Timestamp)
	assert.Equal(t, "address", job.DetectedFieldMappings.Location)
	assert.Equal(t, schema.DecisionPublish, job.SchemaValidation.Decision)
	assert.True(t, job.SchemaValidation.AutoApproved)
	assert.NotEmpty(t, job.SchemaVersionID)

	assert.Equal(t, 2, job.Geocoding.Attempted)
	assert.Equal(t, 2, job.Geocoding.Succeeded)
	assert.Equal(t, 1, job.Geocoding.FromCache)
	assert.Len(t, job.Geocoding.Results, 2)
	assert.Equal(t, 3, job.Results.Created)
	env.gc.AssertNumberOfCalls(t, "Geocode", 2)

	n, err := env.st.CountEvents(ctx, job.DatasetID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ds, err := env.st.GetDataset(ctx, job.DatasetID)
	require.NoError(t, err)
	assert.Equal(t, "events.csv", ds.Name)

	v, err := env.st.GetSchemaVersion(ctx, job.SchemaVersionID)
	require.NoError(t, err)
	assert.Equal(t, model.SchemaVersionPublished, v.Status)
	assert.Equal(t, 1, v.VersionNumber)
}

func TestPipeline_ReimportUsesLocationCache(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.gc.On("Geocode", mock.Anything, "1 Main St").Return(matched(52.52, 13.40), nil)
	env.gc.On("Geocode", mock.Anything, "2 Side St").Return(matched(48.13, 11.58), nil)

	_, first := env.run(t, env.upload(t, "events.csv", eventsCSV))
	require.Equal(t, model.StageCompleted, first.Stage)

	f, second := env.run(t, env.upload(t, "events.csv", eventsCSV))
	assert.Equal(t, model.FileStatusCompleted, f.Status)
	assert.Equal(t, model.StageCompleted, second.Stage)
	assert.Equal(t, first.DatasetID, second.DatasetID)
	assert.Equal(t, schema.DecisionUnchanged, second.SchemaValidation.Decision)
	assert.Equal(t, first.SchemaVersionID, second.SchemaVersionID)

	assert.Equal(t, 0, second.Geocoding.Attempted)
	assert.Equal(t, 3, second.Geocoding.FromCache)
	env.gc.AssertNumberOfCalls(t, "Geocode", 2)

	n, err := env.st.CountEvents(ctx, first.DatasetID)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	stats, err := env.st.LocationStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entries)

	// One reuse inside the first import, then one hit per row of the second.
	entries, err := env.st.GetLocations(ctx, []string{"1 main st", "2 side st"})
	require.NoError(t, err)
	assert.Equal(t, 3, entries["1 main st"].HitCount)
	assert.Equal(t, 1, entries["2 side st"].HitCount)
}

func TestPipeline_LocationHeaderImportedTwice(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.gc.On("Geocode", mock.Anything, "10 Harbour Rd").Return(matched(53.55, 9.99), nil)
	env.gc.On("Geocode", mock.Anything, "5 Castle Hill").Return(matched(50.94, 6.96), nil)
	const csv = "title,date,location\n" +
		"Regatta,2024-08-01,10 Harbour Rd\n" +
		"Tour,2024-08-02,5 Castle Hill\n"

	f, first := env.run(t, env.upload(t, "outings.csv", csv))
	require.NotNil(t, first)
	assert.Equal(t, model.FileStatusCompleted, f.Status)
	assert.Equal(t, "location", first.DetectedFieldMappings.Location)
	assert.Equal(t, 2, first.Geocoding.Succeeded)
	assert.Equal(t, 2, first.Results.Created)
	env.gc.AssertNumberOfCalls(t, "Geocode", 2)

	jobs, err := env.st.ListImportJobs(ctx, f.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	f, second := env.run(t, env.upload(t, "outings.csv", csv))
	assert.Equal(t, model.FileStatusCompleted, f.Status)
	assert.Equal(t, first.DatasetID, second.DatasetID)
	assert.Equal(t, 2, second.Results.Created)
	assert.Equal(t, 2, second.Geocoding.FromCache)
	env.gc.AssertNumberOfCalls(t, "Geocode", 2)

	n, err := env.st.CountEvents(ctx, first.DatasetID)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	stats, err := env.st.LocationStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entries)
	entries, err := env.st.GetLocations(ctx, []string{"10 harbour rd", "5 castle hill"})
	require.NoError(t, err)
	assert.Equal(t, 1, entries["10 harbour rd"].HitCount)
	assert.Equal(t, 1, entries["5 castle hill"].HitCount)
}

func TestPipeline_ReusesDatasetNamedAfterFile(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.st.PutSetting(context.Background(), settings.KeyGeocoding, false))
	stripped := env.createDataset(t, "events", nil)
	named := env.createDataset(t, "events.csv", func(d *model.Dataset) {
		d.Language = "deu"
	})

	f, job := env.run(t, env.upload(t, "events.csv", eventsCSV))
	require.Equal(t, model.StageCompleted, job.Stage)
	assert.Equal(t, model.FileStatusCompleted, f.Status)
	assert.Equal(t, named.ID, job.DatasetID)
	assert.NotEqual(t, stripped.ID, job.DatasetID)
	assert.Equal(t, 3, job.Results.Created)
}

func TestPipeline_ExternalKeysAndUpdateStrategy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	ds := env.createDataset(t, "people.csv", func(d *model.Dataset) {
		d.IDStrategy = model.IDStrategy{Type: model.IDStrategyExternal, Field: "id", Duplicates: model.DuplicateUpdate}
	})

	_, job := env.run(t, env.upload(t, "people.csv", "id,title\n1,Alpha\n2,Beta\n1,Alpha again\n"))
	require.Equal(t, model.StageCompleted, job.Stage)
	assert.Equal(t, ds.ID, job.DatasetID)
	assert.Equal(t, 1, job.Duplicates.Internal)
	assert.Equal(t, 2, job.Duplicates.Unique)
	assert.Equal(t, 2, job.Results.Created)
	assert.Equal(t, 1, job.Results.Duplicates)
	assert.True(t, job.Geocoding.Skipped)

	_, job = env.run(t, env.upload(t, "people.csv", "id,title\n1,Gamma\n3,Delta\n"))
	require.Equal(t, model.StageCompleted, job.Stage)
	assert.Equal(t, 1, job.Duplicates.External)
	assert.Equal(t, 1, job.Results.Updated)
	assert.Equal(t, 1, job.Results.Created)

	n, err := env.st.CountEvents(ctx, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	env.gc.AssertNotCalled(t, "Geocode", mock.Anything, mock.Anything)
}

func TestPipeline_VersionStrategy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	ds := env.createDataset(t, "people.csv", func(d *model.Dataset) {
		d.IDStrategy = model.IDStrategy{Type: model.IDStrategyExternal, Field: "id", Duplicates: model.DuplicateVersion}
	})

	env.run(t, env.upload(t, "people.csv", "id,title\n1,Alpha\n2,Beta\n"))
	_, job := env.run(t, env.upload(t, "people.csv", "id,title\n1,Alpha v2\n2,Beta v2\n"))
	require.Equal(t, model.StageCompleted, job.Stage)
	assert.Equal(t, 2, job.Results.Versioned)

	latest, err := env.st.LatestEvents(ctx, ds.ID, []string{"ext:1", "ext:2"})
	require.NoError(t, err)
	assert.Equal(t, 2, latest["ext:1"].Version)
	assert.Equal(t, 2, latest["ext:2"].Version)
}

func TestPipeline_ApprovalFlow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createDataset(t, "people.csv", func(d *model.Dataset) {
		d.SchemaConfig.AutoApproveNonBreaking = false
	})

	f, job := env.run(t, env.upload(t, "people.csv", "id,title\n1,Alpha\n2,Beta\n"))
	require.Equal(t, model.StageAwaitApproval, job.Stage)
	assert.Equal(t, model.FileStatusProcessing, f.Status)
	assert.True(t, job.SchemaValidation.RequiresApproval)
	require.NotEmpty(t, job.SchemaValidation.DraftVersionID)

	draft, err := env.st.GetSchemaVersion(ctx, job.SchemaValidation.DraftVersionID)
	require.NoError(t, err)
	assert.Equal(t, model.SchemaVersionDraft, draft.Status)

	_, err = env.p.Approve(ctx, job.ID, "reviewer", "looks right")
	require.NoError(t, err)
	require.NoError(t, env.q.Drain(ctx))

	f, job = env.reload(t, f.ID)
	assert.Equal(t, model.StageCompleted, job.Stage)
	assert.Equal(t, model.FileStatusCompleted, f.Status)
	assert.Equal(t, draft.ID, job.SchemaVersionID)
	assert.Equal(t, "reviewer", job.SchemaValidation.ApprovedBy)

	v, err := env.st.GetSchemaVersion(ctx, job.SchemaVersionID)
	require.NoError(t, err)
	assert.Equal(t, model.SchemaVersionPublished, v.Status)
	assert.Equal(t, "reviewer", v.Approval.ApprovedBy)
	assert.False(t, v.Approval.Auto)
}

func TestPipeline_Reject(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createDataset(t, "people.csv", func(d *model.Dataset) {
		d.SchemaConfig.Locked = true
	})

	f, job := env.run(t, env.upload(t, "people.csv", "id,title\n1,Alpha\n"))
	require.Equal(t, model.StageAwaitApproval, job.Stage)

	_, err := env.p.Approve(ctx, job.ID+"-missing", "reviewer", "")
	require.Error(t, err)

	rejected, err := env.p.Reject(ctx, job.ID, "reviewer", "wrong columns")
	require.NoError(t, err)
	assert.Equal(t, model.StageFailed, rejected.Stage)
	assert.True(t, rejected.SchemaValidation.Rejected)
	require.NotNil(t, rejected.LastError())
	assert.Equal(t, "schema changes rejected: wrong columns", rejected.LastError().Message)

	f, _ = env.reload(t, f.ID)
	assert.Equal(t, model.FileStatusFailed, f.Status)
	assert.Equal(t, 1, f.JobsFailed)

	_, err = env.p.Approve(ctx, job.ID, "reviewer", "")
	assert.True(t, eris.Is(err, model.ErrInvalidTransition))
}

func TestPipeline_GeocodingFailureAndRetry(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.gc.On("Geocode", mock.Anything, "Nowhere 1").Return(nil, geocode.ErrNoMatch).Once()
	env.gc.On("Geocode", mock.Anything, "Nowhere 1").Return(matched(1, 2), nil)

	f, job := env.run(t, env.upload(t, "spots.csv", "title,address\nA,Nowhere 1\nB,Nowhere 1\n"))
	require.Equal(t, model.StageFailed, job.Stage)
	assert.Equal(t, model.FileStatusFailed, f.Status)
	require.NotNil(t, job.LastError())
	assert.Equal(t, model.StageGeocodeBatch, job.LastError().Stage)
	assert.Equal(t, 1, job.Geocoding.Attempted)
	assert.Equal(t, 0, job.Geocoding.Succeeded)
	assert.Equal(t, 1, job.Geocoding.Failed)
	require.Contains(t, job.Geocoding.Results, "nowhere 1")
	assert.True(t, job.Geocoding.Results["nowhere 1"].Failed)
	require.NotNil(t, job.Progress.Stages[model.StageGeocodeBatch])
	assert.Equal(t, 2, job.Progress.Stages[model.StageGeocodeBatch].RowsProcessed)

	_, err := env.p.Retry(ctx, job.ID, model.StageAnalyzeDuplicates)
	assert.True(t, eris.Is(err, model.ErrInvalidTransition))

	retried, err := env.p.Retry(ctx, job.ID, model.StageGeocodeBatch)
	require.NoError(t, err)
	assert.Equal(t, model.StageGeocodeBatch, retried.Stage)
	assert.Equal(t, model.GeocodingState{}, retried.Geocoding)

	f, _ = env.reload(t, f.ID)
	assert.Equal(t, model.FileStatusProcessing, f.Status)

	require.NoError(t, env.q.Drain(ctx))
	f, job = env.reload(t, f.ID)
	assert.Equal(t, model.StageCompleted, job.Stage)
	assert.Equal(t, model.FileStatusCompleted, f.Status)
	assert.Equal(t, 1, job.Geocoding.Succeeded)
	assert.Equal(t, 2, job.Results.Created)

	_, err = env.p.Retry(ctx, job.ID, model.StageCreateEvents)
	assert.True(t, eris.Is(err, model.ErrInvalidTransition))
}

func TestPipeline_CachedAddressKeepsJobAlive(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.gc.On("Geocode", mock.Anything, "1 Main St").Return(matched(52.52, 13.40), nil).Once()
	env.gc.On("Geocode", mock.Anything, "9 Nowhere").Return(nil, geocode.ErrNoMatch)

	_, first := env.run(t, env.upload(t, "one.csv", "title,address\nA,1 Main St\n"))
	require.Equal(t, model.StageCompleted, first.Stage)

	f, job := env.run(t, env.upload(t, "two.csv", "title,address\nB,1 Main St\nC,9 Nowhere\n"))
	require.Equal(t, model.StageCompleted, job.Stage)
	assert.Equal(t, model.FileStatusCompleted, f.Status)
	assert.Equal(t, 1, job.Geocoding.Attempted)
	assert.Equal(t, 0, job.Geocoding.Succeeded)
	assert.Equal(t, 1, job.Geocoding.Failed)
	assert.Equal(t, 1, job.Geocoding.FromCache)
	assert.Equal(t, 1, job.Geocoding.Resolved())
	assert.Equal(t, 2, job.Results.Created)
	env.gc.AssertNumberOfCalls(t, "Geocode", 2)

	n, err := env.st.CountEvents(ctx, job.DatasetID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPipeline_ImportCoordinates(t *testing.T) {
	env := newTestEnv(t)

	_, job := env.run(t, env.upload(t, "points.csv", "title,lat,lon\nA,52.5,13.4\nB,152.5,13.4\nC,,\n"))
	require.Equal(t, model.StageCompleted, job.Stage)
	assert.Equal(t, 2, job.Geocoding.FromImport)
	assert.Equal(t, 1, job.Geocoding.Swapped)
	assert.Equal(t, 0, job.Geocoding.Attempted)
	assert.Equal(t, 3, job.Results.Created)
	env.gc.AssertNotCalled(t, "Geocode", mock.Anything, mock.Anything)
}

func TestPipeline_GeocodingDisabled(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.st.PutSetting(ctx, settings.KeyGeocoding, false))

	_, job := env.run(t, env.upload(t, "events.csv", eventsCSV))
	require.Equal(t, model.StageCompleted, job.Stage)
	assert.True(t, job.Geocoding.Skipped)
	assert.Equal(t, 3, job.Results.Created)
	env.gc.AssertNotCalled(t, "Geocode", mock.Anything, mock.Anything)
}

func TestPipeline_EventCreationDeferred(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.st.PutSetting(ctx, settings.KeyEventCreation, false))
	require.NoError(t, env.st.PutSetting(ctx, settings.KeyGeocoding, false))

	f, job := env.run(t, env.upload(t, "events.csv", eventsCSV))
	assert.Equal(t, model.StageCreateEvents, job.Stage)
	assert.Equal(t, model.FileStatusProcessing, f.Status)

	tasks, err := env.st.ListTasks(ctx, model.JobTaskKey(job.ID, model.StageCreateEvents))
	require.NoError(t, err)
	require.NotEmpty(t, tasks)
	last := tasks[len(tasks)-1]
	assert.Equal(t, model.TaskPending, last.Status)
	assert.Contains(t, last.LastError, "event creation disabled")
	assert.True(t, last.RunAfter.After(time.Now().Add(time.Minute)))

	n, err := env.st.CountEvents(ctx, job.DatasetID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPipeline_EmptyFileFails(t *testing.T) {
	env := newTestEnv(t)

	f, job := env.run(t, env.upload(t, "empty.csv", "title,date\n"))
	assert.Nil(t, job)
	assert.Equal(t, model.FileStatusFailed, f.Status)
	require.Len(t, f.ErrorLog, 1)
	assert.Equal(t, model.StageDatasetDetection, f.ErrorLog[0].Stage)
	assert.Contains(t, f.ErrorLog[0].Message, "no data rows")
}

func TestPipeline_RowQuota(t *testing.T) {
	env := newTestEnv(t)
	env.p.quotas.MaxRowsPerImport = 2

	f, job := env.run(t, env.upload(t, "events.csv", eventsCSV))
	assert.Nil(t, job)
	assert.Equal(t, model.FileStatusFailed, f.Status)
	require.NotEmpty(t, f.ErrorLog)
	assert.Contains(t, f.ErrorLog[0].Message, "limit is 2")
}

func TestPipeline_MissingBlobFailsFile(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	f := env.upload(t, "events.csv", eventsCSV)
	require.NoError(t, env.blobs.Delete(ctx, f.StorageKey))

	got, job := env.run(t, f)
	assert.Nil(t, job)
	assert.Equal(t, model.FileStatusFailed, got.Status)
}

func TestPipeline_SubmitFinishedFile(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.gc.On("Geocode", mock.Anything, mock.Anything).Return(matched(1, 1), nil)

	f, _ := env.run(t, env.upload(t, "events.csv", eventsCSV))
	require.Equal(t, model.FileStatusCompleted, f.Status)
	assert.Error(t, env.p.Submit(ctx, f.ID))
}

func TestPipeline_DetectionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.gc.On("Geocode", mock.Anything, mock.Anything).Return(matched(1, 1), nil)

	f := env.upload(t, "events.csv", eventsCSV)
	require.NoError(t, env.p.Submit(ctx, f.ID))
	require.NoError(t, env.p.detectDatasets(ctx, model.TaskPayload{ImportFileID: f.ID}))
	require.NoError(t, env.p.detectDatasets(ctx, model.TaskPayload{ImportFileID: f.ID}))

	jobs, err := env.st.ListImportJobs(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, jobID(f.ID, 0), jobs[0].ID)

	require.NoError(t, env.q.Drain(ctx))
	got, job := env.reload(t, f.ID)
	assert.Equal(t, model.FileStatusCompleted, got.Status)
	assert.Equal(t, 3, job.Results.Created)
}

func TestPipeline_ResumeRequeuesLostTasks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.gc.On("Geocode", mock.Anything, mock.Anything).Return(matched(1, 1), nil)

	f := env.upload(t, "events.csv", eventsCSV)
	require.NoError(t, env.p.Submit(ctx, f.ID))

	env.p.queue = discardQueue{}
	_, err := env.q.RunDue(ctx)
	require.NoError(t, err)
	_, job := env.reload(t, f.ID)
	require.NotNil(t, job)
	require.Equal(t, model.StageAnalyzeDuplicates, job.Stage)

	env.p.queue = env.q
	n, err := env.p.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = env.p.Resume(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, env.q.Drain(ctx))
	_, job = env.reload(t, f.ID)
	assert.Equal(t, model.StageCompleted, job.Stage)
}

func TestTransition_Rejected(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	j := &model.ImportJob{ID: "job-1", Stage: model.StageAnalyzeDuplicates}
	err := env.p.Transition(ctx, j, model.StageCreateEvents)
	assert.True(t, eris.Is(err, model.ErrInvalidTransition))
	assert.Equal(t, model.StageAnalyzeDuplicates, j.Stage)

	j.Stage = model.StageCompleted
	err = env.p.Transition(ctx, j, model.StageCreateEvents)
	assert.True(t, eris.Is(err, model.ErrTerminalJob))
}

func TestResetFrom(t *testing.T) {
	j := &model.ImportJob{
		Duplicates:      model.DuplicateSummary{Total: 3},
		Schema:          schema.New(),
		SchemaVersionID: "v1",
		Geocoding:       model.GeocodingState{Attempted: 2},
		Results:         model.EventResults{Created: 3},
	}
	resetFrom(j, model.StageGeocodeBatch)
	assert.Equal(t, 3, j.Duplicates.Total)
	assert.NotNil(t, j.Schema)
	assert.Equal(t, "v1", j.SchemaVersionID)
	assert.Zero(t, j.Geocoding.Attempted)
	assert.Zero(t, j.Results.Created)

	resetFrom(j, model.StageDetectSchema)
	assert.Nil(t, j.Schema)
	assert.Empty(t, j.SchemaVersionID)
	assert.Equal(t, 3, j.Duplicates.Total)
}

func TestCoordinatesFor(t *testing.T) {
	m := model.FieldMappings{Latitude: "lat", Longitude: "lon", Location: "address"}
	g := &model.GeocodingState{Results: map[string]model.GeocodeResult{
		"1 main st": {Latitude: 5, Longitude: 6},
		"bad":       {Failed: true},
	}}

	pt, src, swapped := coordinatesFor(map[string]any{"lat": 1.5, "lon": 2.5, "address": "1 Main St"}, m, g)
	require.NotNil(t, pt)
	assert.Equal(t, model.CoordinateSourceImport, src)
	assert.False(t, swapped)

	pt, src, _ = coordinatesFor(map[string]any{"lat": 999.0, "address": " 1  MAIN st"}, m, g)
	require.NotNil(t, pt)
	assert.Equal(t, model.CoordinateSourceGeocoded, src)
	assert.InDelta(t, 5.0, pt.Latitude, 0.0001)

	pt, src, _ = coordinatesFor(map[string]any{"address": "bad"}, m, g)
	assert.Nil(t, pt)
	assert.Equal(t, model.CoordinateSourceNone, src)
}
