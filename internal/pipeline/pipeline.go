// Package pipeline drives import files and jobs through the stage graph.
// Every stage runs as a queue task that processes one bounded batch, saves
// the job checkpoint and re-enqueues itself or moves the job on.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eventimport/internal/blob"
	"github.com/sells-group/eventimport/internal/config"
	"github.com/sells-group/eventimport/internal/duplicate"
	"github.com/sells-group/eventimport/internal/location"
	"github.com/sells-group/eventimport/internal/model"
	"github.com/sells-group/eventimport/internal/queue"
	"github.com/sells-group/eventimport/internal/resilience"
	"github.com/sells-group/eventimport/internal/settings"
	"github.com/sells-group/eventimport/internal/sheet"
	"github.com/sells-group/eventimport/internal/store"
	"github.com/sells-group/eventimport/pkg/geocode"
)

// stageFunc processes one batch of a job at its current stage.
type stageFunc func(ctx context.Context, job *model.ImportJob, payload model.TaskPayload) error

// Pipeline orchestrates dataset detection and the per-job stages.
type Pipeline struct {
	cfg      config.PipelineConfig
	quotas   config.QuotaConfig
	store    store.Store
	blobs    blob.Store
	queue    queue.Queue
	resolver *location.Resolver
	flags    *settings.Cache
	analyzer *duplicate.Analyzer
	now      func() time.Time
	log      *zap.Logger

	sheetsMu sync.Mutex
	sheets   map[string]*sheet.Workbook
}

// New creates a Pipeline. geocoder may be nil, in which case the geocoding
// stage is skipped.
func New(
	cfg *config.Config,
	st store.Store,
	blobs blob.Store,
	q queue.Queue,
	geocoder geocode.Client,
	flags *settings.Cache,
) *Pipeline {
	p := &Pipeline{
		cfg:      cfg.Pipeline,
		quotas:   cfg.Quotas,
		store:    st,
		blobs:    blobs,
		queue:    q,
		flags:    flags,
		analyzer: duplicate.NewAnalyzer(st),
		now:      time.Now,
		log:      zap.L().With(zap.String("component", "pipeline")),
		sheets:   make(map[string]*sheet.Workbook),
	}
	if geocoder != nil {
		p.resolver = location.NewResolver(st, geocoder, cfg.Geocode.Concurrency)
	}
	return p
}

// Register installs the stage handlers and the failure hook on r.
func (p *Pipeline) Register(r *queue.Registry) {
	r.Handle(model.StageDatasetDetection.TaskName(), p.detectDatasets)
	r.Handle(model.StageAnalyzeDuplicates.TaskName(), p.stageHandler(model.StageAnalyzeDuplicates, p.analyzeDuplicates))
	r.Handle(model.StageDetectSchema.TaskName(), p.stageHandler(model.StageDetectSchema, p.detectSchema))
	r.Handle(model.StageValidateSchema.TaskName(), p.stageHandler(model.StageValidateSchema, p.validateSchema))
	r.Handle(model.StageCreateSchemaVersion.TaskName(), p.stageHandler(model.StageCreateSchemaVersion, p.createSchemaVersion))
	r.Handle(model.StageGeocodeBatch.TaskName(), p.stageHandler(model.StageGeocodeBatch, p.geocodeBatch))
	r.Handle(model.StageCreateEvents.TaskName(), p.stageHandler(model.StageCreateEvents, p.createEvents))
	r.OnFailure(p.taskFailed)
}

// Submit starts processing an import file. The file moves to processing
// and dataset detection is enqueued; submitting twice is harmless.
func (p *Pipeline) Submit(ctx context.Context, fileID string) error {
	f, err := p.store.GetImportFile(ctx, fileID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: submit %s", fileID)
	}
	switch f.Status {
	case model.FileStatusCompleted, model.FileStatusFailed:
		return eris.Errorf("pipeline: import file %s is already %s", fileID, f.Status)
	case model.FileStatusPending:
		f.Status = model.FileStatusProcessing
		f.UpdatedAt = p.now().UTC()
		if err := p.store.UpdateImportFile(ctx, f); err != nil {
			return eris.Wrap(err, "pipeline: mark file processing")
		}
	}
	_, err = p.queue.Enqueue(ctx, model.StageDatasetDetection.TaskName(),
		model.TaskPayload{ImportFileID: fileID},
		model.JobTaskKey(fileID, model.StageDatasetDetection), 0)
	if err != nil {
		return eris.Wrap(err, "pipeline: enqueue dataset detection")
	}
	p.log.Info("pipeline: file submitted", zap.String("file_id", fileID), zap.String("name", f.OriginalName))
	return nil
}

// Resume re-enqueues the current stage of every open job. It repairs jobs
// whose task was lost between saving the job and enqueueing, and is safe to
// call at any time since enqueueing is deduplicated.
func (p *Pipeline) Resume(ctx context.Context) (int, error) {
	jobs, err := p.store.ListOpenImportJobs(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: list open jobs")
	}
	n := 0
	for i := range jobs {
		j := &jobs[i]
		if j.Stage == model.StageAwaitApproval {
			continue
		}
		ok, err := p.enqueueStage(ctx, j, 0)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		p.log.Info("pipeline: resumed open jobs", zap.Int("count", n))
	}
	return n, nil
}

func (p *Pipeline) enqueueStage(ctx context.Context, j *model.ImportJob, batch int) (bool, error) {
	ok, err := p.queue.Enqueue(ctx, j.Stage.TaskName(), model.TaskPayload{
		ImportFileID: j.ImportFileID,
		ImportJobID:  j.ID,
		Batch:        batch,
	}, model.JobTaskKey(j.ID, j.Stage), 0)
	if err != nil {
		return false, eris.Wrapf(err, "pipeline: enqueue %s for job %s", j.Stage, j.ID)
	}
	return ok, nil
}

// stageHandler loads the job, skips stale tasks and tracks the batch like a
// phase: start, duration and outcome are logged. Input and policy errors fail
// the job immediately; transient errors go back to the queue for retry.
func (p *Pipeline) stageHandler(stage model.Stage, fn stageFunc) queue.Handler {
	return func(ctx context.Context, payload model.TaskPayload) error {
		log := p.log.With(
			zap.String("job_id", payload.ImportJobID),
			zap.String("stage", string(stage)),
			zap.Int("batch", payload.Batch),
		)
		job, err := p.store.GetImportJob(ctx, payload.ImportJobID)
		if eris.Is(err, store.ErrNotFound) {
			log.Warn("pipeline: job not found, dropping task")
			return nil
		}
		if err != nil {
			return resilience.NewTransientError(eris.Wrap(err, "pipeline: load job"), 0)
		}
		if job.Stage != stage {
			log.Debug("pipeline: job moved on, skipping task", zap.String("current_stage", string(job.Stage)))
			return nil
		}

		start := p.now()
		log.Debug("pipeline: stage batch started")
		err = fn(ctx, job, payload)
		duration := p.now().Sub(start)

		switch {
		case err == nil:
			log.Info("pipeline: stage batch complete", zap.Duration("duration", duration))
			return nil
		case eris.Is(err, store.ErrConflict):
			log.Warn("pipeline: job changed concurrently, retrying", zap.Duration("duration", duration))
			return resilience.NewTransientError(err, 0)
		case resilience.IsTransient(err):
			log.Warn("pipeline: stage batch failed, will retry", zap.Duration("duration", duration), zap.Error(err))
			return err
		default:
			log.Error("pipeline: stage failed", zap.Duration("duration", duration), zap.Error(err))
			if ferr := p.Fail(ctx, job.ID, stage, err); ferr != nil {
				return ferr
			}
			return nil
		}
	}
}

// taskFailed escalates tasks whose retries are exhausted.
func (p *Pipeline) taskFailed(ctx context.Context, name string, payload model.TaskPayload, cause error) {
	stage := model.Stage(name)
	var err error
	switch {
	case stage == model.StageDatasetDetection:
		err = p.failFile(ctx, payload.ImportFileID, cause)
	case payload.ImportJobID != "" && stage.Valid():
		err = p.Fail(ctx, payload.ImportJobID, stage, cause)
	default:
		return
	}
	if err != nil {
		p.log.Error("pipeline: escalate failed task",
			zap.String("task", name),
			zap.String("job_id", payload.ImportJobID),
			zap.Error(err),
		)
	}
}
