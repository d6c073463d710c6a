package pipeline

import (
	"context"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eventimport/internal/model"
	"github.com/sells-group/eventimport/internal/schema"
	"github.com/sells-group/eventimport/internal/settings"
	"github.com/sells-group/eventimport/internal/store"
)

// conflictRetries bounds reload-and-retry loops for writes racing with a
// stage task.
const conflictRetries = 3

// recovery returns the stages a failed job may restart at.
func (p *Pipeline) recovery(ctx context.Context, j *model.ImportJob) []model.Stage {
	ds, err := p.store.GetDataset(ctx, j.DatasetID)
	if err != nil {
		ds = nil
	}
	return ds.Recovery(p.cfg.Recovery())
}

// Transition moves a job to another stage, saves it and enqueues the new
// stage. Moving to the terminal stages rolls up the parent file; moving to
// await-approval enqueues nothing.
func (p *Pipeline) Transition(ctx context.Context, j *model.ImportJob, to model.Stage) error {
	if err := model.ValidateTransition(j.Stage, to, p.recovery(ctx, j)); err != nil {
		return eris.Wrapf(err, "pipeline: job %s", j.ID)
	}
	now := p.now().UTC()
	from := j.Stage
	j.Stage = to
	j.UpdatedAt = now
	if to == model.StageCompleted {
		j.CompletedAt = &now
		j.Progress.Percent = 100
		j.Progress.EstimatedCompletion = nil
	}
	if err := p.store.UpdateImportJob(ctx, j); err != nil {
		j.Stage = from
		return eris.Wrapf(err, "pipeline: save job %s", j.ID)
	}
	p.log.Info("pipeline: job transitioned",
		zap.String("job_id", j.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)

	switch {
	case to.Terminal():
		return p.RollupFile(ctx, j.ImportFileID)
	case to == model.StageAwaitApproval:
		return nil
	default:
		_, err := p.enqueueStage(ctx, j, 0)
		return err
	}
}

// continueStage saves the checkpoint and enqueues the next batch of the
// current stage.
func (p *Pipeline) continueStage(ctx context.Context, j *model.ImportJob, payload model.TaskPayload) error {
	j.UpdatedAt = p.now().UTC()
	if err := p.store.UpdateImportJob(ctx, j); err != nil {
		return eris.Wrapf(err, "pipeline: save checkpoint for job %s", j.ID)
	}
	_, err := p.enqueueStage(ctx, j, payload.Batch+1)
	return err
}

// Fail moves a job to failed, records the error against stage and rolls up
// the parent file. Completed jobs are left untouched.
func (p *Pipeline) Fail(ctx context.Context, jobID string, stage model.Stage, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	var j *model.ImportJob
	for attempt := 0; ; attempt++ {
		var err error
		j, err = p.store.GetImportJob(ctx, jobID)
		if err != nil {
			return eris.Wrapf(err, "pipeline: load job %s", jobID)
		}
		if j.Stage == model.StageCompleted {
			p.log.Warn("pipeline: not failing completed job", zap.String("job_id", jobID), zap.String("error", msg))
			return nil
		}
		j.Fail(stage, msg, p.now().UTC())
		j.UpdatedAt = p.now().UTC()
		err = p.store.UpdateImportJob(ctx, j)
		if err == nil {
			break
		}
		if !eris.Is(err, store.ErrConflict) || attempt >= conflictRetries {
			return eris.Wrapf(err, "pipeline: fail job %s", jobID)
		}
	}
	p.log.Error("pipeline: job failed",
		zap.String("job_id", jobID),
		zap.String("stage", string(stage)),
		zap.String("error", msg),
	)
	return p.RollupFile(ctx, j.ImportFileID)
}

// failFile fails an import file during dataset detection, before any job
// exists.
func (p *Pipeline) failFile(ctx context.Context, fileID string, cause error) error {
	f, err := p.store.GetImportFile(ctx, fileID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: load file %s", fileID)
	}
	f.Fail(model.StageDatasetDetection, cause.Error(), p.now().UTC())
	f.UpdatedAt = p.now().UTC()
	if err := p.store.UpdateImportFile(ctx, f); err != nil {
		return eris.Wrapf(err, "pipeline: fail file %s", fileID)
	}
	p.log.Error("pipeline: import file failed", zap.String("file_id", fileID), zap.Error(cause))
	return nil
}

// RollupFile recomputes the file status and counters from its jobs. The
// job list is read again after writing so a rollup racing with another
// job's rollup settles on the final state.
func (p *Pipeline) RollupFile(ctx context.Context, fileID string) error {
	for attempt := 0; attempt < conflictRetries; attempt++ {
		jobs, err := p.store.ListImportJobs(ctx, fileID)
		if err != nil {
			return eris.Wrapf(err, "pipeline: list jobs of %s", fileID)
		}
		f, err := p.store.GetImportFile(ctx, fileID)
		if err != nil {
			return eris.Wrapf(err, "pipeline: load file %s", fileID)
		}
		f.Rollup(jobs)
		f.UpdatedAt = p.now().UTC()
		if err := p.store.UpdateImportFile(ctx, f); err != nil {
			return eris.Wrapf(err, "pipeline: update file %s", fileID)
		}

		again, err := p.store.ListImportJobs(ctx, fileID)
		if err != nil {
			return eris.Wrapf(err, "pipeline: list jobs of %s", fileID)
		}
		check := *f
		check.Rollup(again)
		if check.Status == f.Status && check.JobsCompleted == f.JobsCompleted && check.JobsFailed == f.JobsFailed {
			if f.Status == model.FileStatusCompleted || f.Status == model.FileStatusFailed {
				p.log.Info("pipeline: import file finished",
					zap.String("file_id", fileID),
					zap.String("status", string(f.Status)),
					zap.Int("jobs_completed", f.JobsCompleted),
					zap.Int("jobs_failed", f.JobsFailed),
				)
			}
			return nil
		}
	}
	return nil
}

// Retry restarts a failed job at a recovery stage. The checkpoints of that
// stage and every later stage are cleared.
func (p *Pipeline) Retry(ctx context.Context, jobID string, stage model.Stage) (*model.ImportJob, error) {
	j, err := p.store.GetImportJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load job %s", jobID)
	}
	if j.Stage != model.StageFailed {
		return nil, eris.Wrapf(model.ErrInvalidTransition, "pipeline: job %s is %s, only failed jobs can be retried", jobID, j.Stage)
	}
	resetFrom(j, stage)
	if err := p.Transition(ctx, j, stage); err != nil {
		return nil, err
	}
	if err := p.RollupFile(ctx, j.ImportFileID); err != nil {
		return nil, err
	}
	return j, nil
}

// stageOrder is the processing order used to clear checkpoints on retry.
var stageOrder = []model.Stage{
	model.StageAnalyzeDuplicates,
	model.StageDetectSchema,
	model.StageValidateSchema,
	model.StageAwaitApproval,
	model.StageCreateSchemaVersion,
	model.StageGeocodeBatch,
	model.StageCreateEvents,
}

func resetFrom(j *model.ImportJob, stage model.Stage) {
	idx := slices.Index(stageOrder, stage)
	if idx < 0 {
		return
	}
	for _, s := range stageOrder[idx:] {
		j.Progress.Reset(s)
	}
	reaches := func(s model.Stage) bool { return slices.Index(stageOrder, s) >= idx }
	if reaches(model.StageAnalyzeDuplicates) {
		j.Duplicates = model.DuplicateSummary{}
	}
	if reaches(model.StageDetectSchema) {
		j.Schema = nil
		j.DetectedFieldMappings = model.FieldMappings{}
	}
	if reaches(model.StageValidateSchema) {
		j.SchemaValidation = model.SchemaValidation{}
		j.SchemaVersionID = ""
	}
	if reaches(model.StageGeocodeBatch) {
		j.Geocoding = model.GeocodingState{}
	}
	if reaches(model.StageCreateEvents) {
		j.Results = model.EventResults{}
	}
	j.CompletedAt = nil
}

// Approve records a manual approval of the job's pending schema changes and
// moves it on to version creation.
func (p *Pipeline) Approve(ctx context.Context, jobID, approvedBy, notes string) (*model.ImportJob, error) {
	j, err := p.store.GetImportJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load job %s", jobID)
	}
	if j.Stage != model.StageAwaitApproval {
		return nil, eris.Wrapf(model.ErrInvalidTransition, "pipeline: job %s is %s, not awaiting approval", jobID, j.Stage)
	}
	now := p.now().UTC()
	j.SchemaValidation.Approved = true
	j.SchemaValidation.AutoApproved = false
	j.SchemaValidation.ApprovedBy = approvedBy
	j.SchemaValidation.ApprovedAt = &now
	j.SchemaValidation.Notes = notes
	if err := p.Transition(ctx, j, model.StageCreateSchemaVersion); err != nil {
		return nil, err
	}
	return j, nil
}

// Reject declines the job's pending schema changes and fails the job.
func (p *Pipeline) Reject(ctx context.Context, jobID, rejectedBy, reason string) (*model.ImportJob, error) {
	j, err := p.store.GetImportJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load job %s", jobID)
	}
	if j.Stage != model.StageAwaitApproval {
		return nil, eris.Wrapf(model.ErrInvalidTransition, "pipeline: job %s is %s, not awaiting approval", jobID, j.Stage)
	}
	j.SchemaValidation.Rejected = true
	j.SchemaValidation.ApprovedBy = rejectedBy
	j.SchemaValidation.Notes = reason
	j.UpdatedAt = p.now().UTC()
	if err := p.store.UpdateImportJob(ctx, j); err != nil {
		return nil, eris.Wrapf(err, "pipeline: save rejection for job %s", jobID)
	}
	msg := "schema changes rejected"
	if reason != "" {
		msg += ": " + reason
	}
	if err := p.Fail(ctx, jobID, model.StageAwaitApproval, eris.New(msg)); err != nil {
		return nil, err
	}
	return p.store.GetImportJob(ctx, jobID)
}

// featureFlags returns the cached flags, or every feature enabled when no
// cache is configured.
func (p *Pipeline) featureFlags(ctx context.Context) settings.Flags {
	if p.flags == nil {
		return settings.DefaultFlags()
	}
	f, err := p.flags.Flags(ctx)
	if err != nil {
		p.log.Warn("pipeline: feature flags unavailable, using defaults", zap.Error(err))
		return settings.DefaultFlags()
	}
	return f
}

// schemaOptions returns the inference options for a dataset.
func (p *Pipeline) schemaOptions(ds *model.Dataset) schema.Options {
	opts := schema.Options{EnumThreshold: p.cfg.EnumThreshold, MaxDepth: p.cfg.MaxDepth}
	if ds.SchemaConfig.EnumThreshold > 0 {
		opts.EnumThreshold = ds.SchemaConfig.EnumThreshold
	}
	if ds.SchemaConfig.MaxDepth > 0 {
		opts.MaxDepth = ds.SchemaConfig.MaxDepth
	}
	return opts
}
