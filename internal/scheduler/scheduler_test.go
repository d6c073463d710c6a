package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/eventimport/internal/blob"
	"github.com/sells-group/eventimport/internal/config"
	"github.com/sells-group/eventimport/internal/fetch"
	"github.com/sells-group/eventimport/internal/intake"
	"github.com/sells-group/eventimport/internal/model"
	"github.com/sells-group/eventimport/internal/queue"
	"github.com/sells-group/eventimport/internal/resilience"
	"github.com/sells-group/eventimport/internal/settings"
	"github.com/sells-group/eventimport/internal/store"
)

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) Fetch(ctx context.Context, req fetch.Request) (*fetch.Result, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*fetch.Result)
	return res, args.Error(1)
}

type recordingSubmitter struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingSubmitter) Submit(_ context.Context, fileID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, fileID)
	return nil
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

type testEnv struct {
	s       *Scheduler
	st      store.Store
	q       *queue.StoreQueue
	fetcher *mockFetcher
	sub     *recordingSubmitter
}

func newTestEnv(t *testing.T, cfg config.SchedulerConfig) *testEnv {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewSQLite(filepath.Join(dir, "scheduler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	blobs, err := blob.NewLocal(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	sub := &recordingSubmitter{}
	in := intake.New(st, blobs, sub, config.QuotaConfig{MaxFileSize: 1 << 20})
	q := queue.NewStoreQueue(st, queue.Config{})
	f := &mockFetcher{}
	s := New(cfg, st, q, f, in, settings.NewCache(st, 0))
	s.Register(q.Registry)
	return &testEnv{s: s, st: st, q: q, fetcher: f, sub: sub}
}

func (e *testEnv) schedule(t *testing.T, sch *model.ScheduledImport) *model.ScheduledImport {
	t.Helper()
	if sch.CatalogID == "" {
		sch.CatalogID = "catalog-1"
	}
	if sch.SourceURL == "" {
		sch.SourceURL = "https://example.com/events.csv"
	}
	if sch.Frequency == "" && sch.Cron == "" {
		sch.Frequency = model.FrequencyDaily
	}
	sch.Enabled = true
	require.NoError(t, e.st.UpsertSchedule(context.Background(), sch))
	return sch
}

func (e *testEnv) reload(t *testing.T, id string) *model.ScheduledImport {
	t.Helper()
	sch, err := e.st.GetSchedule(context.Background(), id)
	require.NoError(t, err)
	return sch
}

func ptr[T any](v T) *T { return &v }

func TestNextRun(t *testing.T) {
	from := time.Date(2026, 10, 21, 10, 7, 0, 0, time.UTC) // Wednesday
	tests := []struct {
		name    string
		sch     model.ScheduledImport
		want    time.Time
		wantErr bool
	}{
		{name: "cron", sch: model.ScheduledImport{Cron: "*/15 * * * *"}, want: time.Date(2026, 10, 21, 10, 15, 0, 0, time.UTC)},
		{name: "cron descriptor", sch: model.ScheduledImport{Cron: "@daily"}, want: time.Date(2026, 10, 22, 0, 0, 0, 0, time.UTC)},
		{name: "hourly", sch: model.ScheduledImport{Frequency: model.FrequencyHourly}, want: time.Date(2026, 10, 21, 11, 0, 0, 0, time.UTC)},
		{name: "daily", sch: model.ScheduledImport{Frequency: model.FrequencyDaily}, want: time.Date(2026, 10, 22, 0, 0, 0, 0, time.UTC)},
		{name: "weekly", sch: model.ScheduledImport{Frequency: model.FrequencyWeekly}, want: time.Date(2026, 10, 26, 0, 0, 0, 0, time.UTC)},
		{name: "monthly", sch: model.ScheduledImport{Frequency: model.FrequencyMonthly}, want: time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)},
		{name: "cron wins", sch: model.ScheduledImport{Cron: "0 3 * * *", Frequency: model.FrequencyHourly}, want: time.Date(2026, 10, 22, 3, 0, 0, 0, time.UTC)},
		{name: "bad cron", sch: model.ScheduledImport{Cron: "every day"}, wantErr: true},
		{name: "nothing", sch: model.ScheduledImport{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextRun(&tt.sch, from)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDue(t *testing.T) {
	now := time.Date(2026, 10, 21, 10, 0, 0, 0, time.UTC)

	assert.True(t, Due(&model.ScheduledImport{Frequency: model.FrequencyDaily}, now), "never ran")
	assert.False(t, Due(&model.ScheduledImport{NextRun: ptr(now.Add(time.Minute))}, now))
	assert.True(t, Due(&model.ScheduledImport{NextRun: ptr(now)}, now))
	assert.False(t, Due(&model.ScheduledImport{Frequency: model.FrequencyDaily, LastRun: ptr(now.Add(-time.Hour))}, now))
	assert.True(t, Due(&model.ScheduledImport{Frequency: model.FrequencyDaily, LastRun: ptr(now.Add(-24 * time.Hour))}, now))
}

func TestEvaluate_QueuesDueSchedules(t *testing.T) {
	env := newTestEnv(t, config.SchedulerConfig{StaleGraceSecs: 60})
	ctx := context.Background()
	now := time.Now().UTC()

	due := env.schedule(t, &model.ScheduledImport{Name: "due", NextRun: ptr(now.Add(-time.Minute))})
	later := env.schedule(t, &model.ScheduledImport{Name: "later", NextRun: ptr(now.Add(time.Hour))})

	res, err := env.s.Evaluate(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, EvalResult{Evaluated: 2, Queued: 1}, res)

	got := env.reload(t, due.ID)
	assert.Equal(t, model.ScheduleRunning, got.LastStatus)
	require.NotNil(t, got.LastRun)

	tasks, err := env.st.ListTasks(ctx, model.ScheduleTaskKey(due.ID))
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, model.TaskScheduledFetch, tasks[0].Name)

	tasks, err = env.st.ListTasks(ctx, model.ScheduleTaskKey(later.ID))
	require.NoError(t, err)
	assert.Empty(t, tasks)

	// Still running: not queued again.
	res, err = env.s.Evaluate(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Queued)
	assert.Equal(t, 1, res.Skipped)
}

func TestEvaluate_StaleRunRestarts(t *testing.T) {
	env := newTestEnv(t, config.SchedulerConfig{StaleGraceSecs: 60})
	now := time.Now().UTC()

	sch := env.schedule(t, &model.ScheduledImport{
		Name:       "stuck",
		Timeout:    time.Minute,
		MaxRetries: 1,
		NextRun:    ptr(now.Add(-time.Hour)),
	})
	sch.LastStatus = model.ScheduleRunning
	sch.LastRun = ptr(now.Add(-2 * time.Minute))
	require.NoError(t, env.st.UpdateSchedule(context.Background(), sch))

	// 2m ago is within 1m*2 + 60s.
	res, err := env.s.Evaluate(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Queued)

	res, err = env.s.Evaluate(context.Background(), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Queued)
}

func TestEvaluate_Disabled(t *testing.T) {
	env := newTestEnv(t, config.SchedulerConfig{})
	ctx := context.Background()
	env.schedule(t, &model.ScheduledImport{Name: "due"})
	require.NoError(t, env.st.PutSetting(ctx, settings.KeyScheduledImports, false))

	res, err := env.s.Evaluate(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, EvalResult{}, res)
}

func TestEvaluate_StrictLockConcurrent(t *testing.T) {
	env := newTestEnv(t, config.SchedulerConfig{StrictLock: true, StaleGraceSecs: 60})
	env.schedule(t, &model.ScheduledImport{Name: "contended"})
	now := time.Now().UTC()

	var wg sync.WaitGroup
	results := make([]EvalResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.s.Evaluate(context.Background(), now)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	queued := 0
	for _, r := range results {
		queued += r.Queued
	}
	assert.Equal(t, 1, queued)
}

func TestEvaluate_BestEffortLockConcurrent(t *testing.T) {
	env := newTestEnv(t, config.SchedulerConfig{StaleGraceSecs: 60})
	sch := env.schedule(t, &model.ScheduledImport{Name: "contended"})
	now := time.Now().UTC()

	var wg sync.WaitGroup
	results := make([]EvalResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.s.Evaluate(context.Background(), now)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	queued := 0
	for _, r := range results {
		queued += r.Queued
	}
	// Without the compare-and-set a racing evaluator may slip through, but
	// the fetch task key still bounds the duplicates.
	assert.GreaterOrEqual(t, queued, 1)
	assert.LessOrEqual(t, queued, 2)

	got, err := env.st.GetSchedule(context.Background(), sch.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleRunning, got.LastStatus)
	require.NotNil(t, got.LastRun)
}

func TestExecute_ImportsAndDedupesUnchangedContent(t *testing.T) {
	env := newTestEnv(t, config.SchedulerConfig{DefaultMaxFileSize: 4096})
	ctx := context.Background()
	sch := env.schedule(t, &model.ScheduledImport{
		Name:                "feed",
		Auth:                model.AuthConfig{Type: model.AuthBearer, Token: "tok"},
		ContentTypeOverride: "text/csv",
		DatasetMapping:      &model.DatasetMapping{DatasetID: "ds-1"},
	})

	env.fetcher.On("Fetch", mock.Anything, mock.MatchedBy(func(r fetch.Request) bool {
		return r.URL == sch.SourceURL && r.Auth.Token == "tok" && r.MaxSize == 4096 && r.ContentType == "text/csv"
	})).Return(&fetch.Result{Data: []byte("title\nA\n"), ContentType: "text/csv", FileName: "events.csv"}, nil)

	exec, err := env.s.Execute(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleSuccess, exec.Status)
	assert.False(t, exec.Unchanged)
	require.NotEmpty(t, exec.ImportFileID)

	f, err := env.st.GetImportFile(ctx, exec.ImportFileID)
	require.NoError(t, err)
	assert.Equal(t, "ds-1", f.Metadata.TargetDatasetID)
	require.NotNil(t, f.Metadata.ScheduledExecution)
	assert.Equal(t, sch.ID, f.Metadata.ScheduledExecution.ScheduleID)
	assert.Equal(t, "feed", f.Metadata.ScheduledExecution.ScheduleName)

	exec, err = env.s.Execute(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleSuccess, exec.Status)
	assert.True(t, exec.Unchanged)
	assert.Equal(t, 1, env.sub.count())

	got := env.reload(t, sch.ID)
	assert.Equal(t, model.ScheduleSuccess, got.LastStatus)
	assert.Equal(t, 2, got.Statistics.TotalRuns)
	assert.Equal(t, 2, got.Statistics.SuccessfulRuns)
	assert.Len(t, got.ExecutionHistory, 2)
	assert.NotEmpty(t, got.LastContentHash)
	require.NotNil(t, got.NextRun)
	assert.True(t, got.NextRun.After(*got.LastRun))
}

func TestExecute_SkipDuplicateCheck(t *testing.T) {
	env := newTestEnv(t, config.SchedulerConfig{})
	sch := env.schedule(t, &model.ScheduledImport{Name: "always", SkipDuplicateCheck: true})
	env.fetcher.On("Fetch", mock.Anything, mock.Anything).
		Return(&fetch.Result{Data: []byte("title\nA\n"), FileName: "a.csv"}, nil)

	for range 2 {
		exec, err := env.s.Execute(context.Background(), sch.ID)
		require.NoError(t, err)
		assert.False(t, exec.Unchanged)
	}
	assert.Equal(t, 2, env.sub.count())
}

func TestExecute_RetriesTransientFailures(t *testing.T) {
	env := newTestEnv(t, config.SchedulerConfig{})
	sch := env.schedule(t, &model.ScheduledImport{Name: "flaky", MaxRetries: 2, RetryDelay: time.Millisecond})

	env.fetcher.On("Fetch", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("503"), 503)).Once()
	env.fetcher.On("Fetch", mock.Anything, mock.Anything).
		Return(&fetch.Result{Data: []byte("title\nA\n"), FileName: "a.csv"}, nil).Once()

	exec, err := env.s.Execute(context.Background(), sch.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleSuccess, exec.Status)
	env.fetcher.AssertNumberOfCalls(t, "Fetch", 2)
}

func TestExecute_PermanentFailureRecorded(t *testing.T) {
	env := newTestEnv(t, config.SchedulerConfig{})
	sch := env.schedule(t, &model.ScheduledImport{Name: "huge", MaxRetries: 3, RetryDelay: time.Millisecond})
	env.fetcher.On("Fetch", mock.Anything, mock.Anything).Return(nil, eris.Wrap(fetch.ErrTooLarge, "limit is 1 KiB"))

	exec, err := env.s.Execute(context.Background(), sch.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleFailed, exec.Status)
	env.fetcher.AssertNumberOfCalls(t, "Fetch", 1)

	got := env.reload(t, sch.ID)
	assert.Equal(t, model.ScheduleFailed, got.LastStatus)
	assert.Contains(t, got.LastError, "size limit")
	assert.Equal(t, 1, got.Statistics.FailedRuns)
	assert.Empty(t, got.LastContentHash)
	assert.NotNil(t, got.NextRun)
}

func TestTrigger_RunsThroughQueue(t *testing.T) {
	env := newTestEnv(t, config.SchedulerConfig{StaleGraceSecs: 60})
	ctx := context.Background()
	sch := env.schedule(t, &model.ScheduledImport{Name: "manual", NextRun: ptr(time.Now().Add(24 * time.Hour))})
	env.fetcher.On("Fetch", mock.Anything, mock.Anything).
		Return(&fetch.Result{Data: []byte("title\nA\n"), FileName: "a.csv"}, nil)

	require.NoError(t, env.s.Trigger(ctx, sch.ID))
	assert.True(t, eris.Is(env.s.Trigger(ctx, sch.ID), ErrAlreadyRunning))

	require.NoError(t, env.q.Drain(ctx))
	got := env.reload(t, sch.ID)
	assert.Equal(t, model.ScheduleSuccess, got.LastStatus)
	assert.Equal(t, 1, env.sub.count())
}

func TestHandleFetch_MissingScheduleDropped(t *testing.T) {
	env := newTestEnv(t, config.SchedulerConfig{})
	assert.NoError(t, env.s.handleFetch(context.Background(), model.TaskPayload{ScheduleID: "missing"}))
}

const schedulesYAML = `
schedules:
  - name: city-events
    catalog_id: catalog-1
    source_url: https://data.example.com/events.csv
    cron: "0 6 * * *"
    max_retries: 2
    retry_delay: 45s
    timeout: 2m
    max_file_size: 50 MB
    auth:
      type: api-key
      header: X-Key
      key: secret
    dataset_mapping:
      dataset_id: ds-1
  - name: venues
    enabled: false
    catalog_id: catalog-1
    source_url: ftp://ftp.example.com/pub/venues.xlsx
    frequency: weekly
`

func TestLoadDefinitionsAndApply(t *testing.T) {
	env := newTestEnv(t, config.SchedulerConfig{})
	ctx := context.Background()

	defs, err := LoadDefinitions(strings.NewReader(schedulesYAML))
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, 45*time.Second, defs[0].RetryDelay)
	assert.Equal(t, 2*time.Minute, defs[0].Timeout)

	applied, err := env.s.Apply(ctx, defs)
	require.NoError(t, err)
	require.Len(t, applied, 2)
	first := applied[0]
	assert.Equal(t, int64(50_000_000), first.MaxFileSize)
	assert.Equal(t, model.AuthAPIKey, first.Auth.Type)
	assert.True(t, first.Enabled)
	assert.False(t, applied[1].Enabled)
	assert.Equal(t, model.AuthNone, applied[1].Auth.Type)

	// Re-applying keeps identity and run state.
	stored := env.reload(t, first.ID)
	stored.LastRun = ptr(time.Date(2026, 10, 21, 6, 0, 0, 0, time.UTC))
	stored.LastStatus = model.ScheduleSuccess
	require.NoError(t, env.st.UpdateSchedule(ctx, stored))

	defs[0].Cron = "0 7 * * *"
	applied, err = env.s.Apply(ctx, defs)
	require.NoError(t, err)
	assert.Equal(t, first.ID, applied[0].ID)

	got := env.reload(t, first.ID)
	assert.Equal(t, model.ScheduleSuccess, got.LastStatus)
	require.NotNil(t, got.NextRun)
	assert.Equal(t, time.Date(2026, 10, 21, 7, 0, 0, 0, time.UTC), got.NextRun.UTC())

	all, err := env.st.ListSchedules(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDefinition_Validation(t *testing.T) {
	valid := Definition{Name: "a", CatalogID: "c", SourceURL: "https://x.example/a.csv", Frequency: model.FrequencyDaily}
	_, err := valid.Schedule()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(d *Definition)
	}{
		{name: "no name", mutate: func(d *Definition) { d.Name = "" }},
		{name: "no catalog", mutate: func(d *Definition) { d.CatalogID = "" }},
		{name: "bad scheme", mutate: func(d *Definition) { d.SourceURL = "s3://bucket/a.csv" }},
		{name: "no timing", mutate: func(d *Definition) { d.Frequency = "" }},
		{name: "bad frequency", mutate: func(d *Definition) { d.Frequency = "fortnightly" }},
		{name: "bad cron", mutate: func(d *Definition) { d.Cron = "sometimes" }},
		{name: "bad auth", mutate: func(d *Definition) { d.Auth.Type = "oauth" }},
		{name: "bad size", mutate: func(d *Definition) { d.MaxFileSize = "lots" }},
		{name: "negative retries", mutate: func(d *Definition) { d.MaxRetries = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid
			tt.mutate(&d)
			_, err := d.Schedule()
			assert.Error(t, err)
		})
	}

	env := newTestEnv(t, config.SchedulerConfig{})
	_, err = env.s.Apply(context.Background(), []Definition{valid, valid})
	assert.ErrorContains(t, err, "duplicate")
}

func TestLoadDefinitions_UnknownKey(t *testing.T) {
	_, err := LoadDefinitions(strings.NewReader("schedules:\n  - name: a\n    sorce_url: x\n"))
	assert.Error(t, err)
}
