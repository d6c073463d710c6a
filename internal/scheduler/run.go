package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eventimport/internal/fetch"
	"github.com/sells-group/eventimport/internal/intake"
	"github.com/sells-group/eventimport/internal/model"
	"github.com/sells-group/eventimport/internal/resilience"
	"github.com/sells-group/eventimport/internal/store"
)

const defaultRetryDelay = 30 * time.Second

func (s *Scheduler) handleFetch(ctx context.Context, payload model.TaskPayload) error {
	_, err := s.Execute(ctx, payload.ScheduleID)
	if eris.Is(err, store.ErrNotFound) {
		s.log.Warn("scheduler: schedule not found, dropping task", zap.String("schedule_id", payload.ScheduleID))
		return nil
	}
	if err != nil {
		return resilience.NewTransientError(err, 0)
	}
	return nil
}

// Execute fetches the schedule's source and imports it. Fetch and import
// failures are recorded on the schedule, not returned; the error covers
// loading and saving the schedule only.
func (s *Scheduler) Execute(ctx context.Context, id string) (*model.ScheduleExecution, error) {
	sch, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "scheduler: load schedule %s", id)
	}
	log := s.log.With(zap.String("schedule_id", sch.ID), zap.String("schedule", sch.Name))

	start := s.now().UTC()
	exec := s.run(ctx, sch, start, log)
	exec.Duration = s.now().Sub(start)

	// Reload so definition changes made during the run survive.
	latest, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return &exec, eris.Wrapf(err, "scheduler: reload schedule %s", id)
	}
	latest.RecordExecution(exec)
	if exec.Status == model.ScheduleSuccess && !exec.Unchanged {
		latest.LastContentHash = sch.LastContentHash
	}
	latest.LastRun = &start
	if next, err := NextRun(latest, start); err == nil {
		latest.NextRun = &next
	} else {
		log.Warn("scheduler: compute next run", zap.Error(err))
	}
	if err := s.store.UpdateSchedule(ctx, latest); err != nil {
		return &exec, eris.Wrap(err, "scheduler: save run")
	}

	fields := []zap.Field{
		zap.String("status", string(exec.Status)),
		zap.Duration("duration", exec.Duration),
		zap.Int64("bytes", exec.Bytes),
		zap.Bool("unchanged", exec.Unchanged),
	}
	if exec.Status == model.ScheduleFailed {
		log.Warn("scheduler: run failed", append(fields, zap.String("error", exec.Error))...)
	} else {
		log.Info("scheduler: run complete", append(fields, zap.String("import_file_id", exec.ImportFileID))...)
	}
	return &exec, nil
}

// run performs the fetch and intake. On a new import it stores the content
// hash on sch.
func (s *Scheduler) run(ctx context.Context, sch *model.ScheduledImport, start time.Time, log *zap.Logger) model.ScheduleExecution {
	exec := model.ScheduleExecution{StartedAt: start}
	fail := func(err error) model.ScheduleExecution {
		exec.Status = model.ScheduleFailed
		exec.Error = err.Error()
		return exec
	}

	limit := s.cfg.DefaultMaxFileSize
	if sch.MaxFileSize > 0 {
		limit = sch.MaxFileSize
	}
	req := fetch.Request{
		URL:         sch.SourceURL,
		Auth:        sch.Auth,
		MaxSize:     s.intake.Limit(limit),
		Timeout:     s.timeout(sch),
		ContentType: sch.ContentTypeOverride,
	}

	delay := sch.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	res, err := resilience.DoVal(ctx, resilience.RetryConfig{
		MaxAttempts:    sch.MaxRetries + 1,
		InitialBackoff: delay,
		MaxBackoff:     delay * 8,
		Multiplier:     2,
		OnRetry: func(attempt int, err error) {
			log.Warn("scheduler: fetch failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		},
	}, func(ctx context.Context) (*fetch.Result, error) {
		return s.fetcher.Fetch(ctx, req)
	})
	if err != nil {
		return fail(err)
	}
	exec.Bytes = int64(len(res.Data))

	sum := sha256.Sum256(res.Data)
	hash := hex.EncodeToString(sum[:])
	if !sch.SkipDuplicateCheck && hash == sch.LastContentHash {
		exec.Status = model.ScheduleSuccess
		exec.Unchanged = true
		log.Info("scheduler: content unchanged since last run, skipping import")
		return exec
	}

	var datasetID string
	if sch.DatasetMapping != nil {
		datasetID = sch.DatasetMapping.DatasetID
	}
	f, err := s.intake.Intake(ctx, intake.Upload{
		Data:      res.Data,
		FileName:  res.FileName,
		MimeType:  res.ContentType,
		CatalogID: sch.CatalogID,
		DatasetID: datasetID,
		MaxSize:   limit,
		Metadata: model.FileMetadata{
			DatasetMapping: sch.DatasetMapping,
			ScheduledExecution: &model.ScheduledExecution{
				ScheduleID:   sch.ID,
				ScheduleName: sch.Name,
				SourceURL:    sch.SourceURL,
				ExecutedAt:   start,
			},
		},
	})
	if f != nil {
		exec.ImportFileID = f.ID
	}
	if err != nil {
		return fail(err)
	}
	sch.LastContentHash = hash
	exec.Status = model.ScheduleSuccess
	return exec
}
