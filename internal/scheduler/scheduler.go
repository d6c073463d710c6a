// Package scheduler runs scheduled URL imports: it decides which schedules
// are due, queues their fetch tasks and records every run's outcome.
package scheduler

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eventimport/internal/config"
	"github.com/sells-group/eventimport/internal/fetch"
	"github.com/sells-group/eventimport/internal/intake"
	"github.com/sells-group/eventimport/internal/model"
	"github.com/sells-group/eventimport/internal/queue"
	"github.com/sells-group/eventimport/internal/settings"
	"github.com/sells-group/eventimport/internal/store"
)

// ErrAlreadyRunning is returned by Trigger while a run is in progress.
var ErrAlreadyRunning = eris.New("scheduler: schedule is already running")

// Intaker stores fetched content as an import file.
type Intaker interface {
	Intake(ctx context.Context, u intake.Upload) (*model.ImportFile, error)
	Limit(override int64) int64
}

// Scheduler evaluates and executes scheduled imports.
type Scheduler struct {
	cfg     config.SchedulerConfig
	store   store.Store
	queue   queue.Queue
	fetcher fetch.Fetcher
	intake  Intaker
	flags   *settings.Cache
	now     func() time.Time
	log     *zap.Logger
}

// New creates a Scheduler.
func New(
	cfg config.SchedulerConfig,
	st store.Store,
	q queue.Queue,
	f fetch.Fetcher,
	in Intaker,
	flags *settings.Cache,
) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		store:   st,
		queue:   q,
		fetcher: f,
		intake:  in,
		flags:   flags,
		now:     time.Now,
		log:     zap.L().With(zap.String("component", "scheduler")),
	}
}

// Register installs the fetch task handler on r.
func (s *Scheduler) Register(r *queue.Registry) {
	r.Handle(model.TaskScheduledFetch, s.handleFetch)
}

// EvalResult summarizes one evaluation pass.
type EvalResult struct {
	Evaluated int
	Queued    int
	Skipped   int
}

// Evaluate queues a fetch for every enabled schedule that is due at now.
// Schedules still running are skipped unless their run is stale.
func (s *Scheduler) Evaluate(ctx context.Context, now time.Time) (EvalResult, error) {
	var res EvalResult
	flags, err := s.flags.Flags(ctx)
	if err != nil {
		return res, eris.Wrap(err, "scheduler: load flags")
	}
	if !flags.ScheduledImports {
		s.log.Debug("scheduler: scheduled imports disabled")
		return res, nil
	}

	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		return res, eris.Wrap(err, "scheduler: list schedules")
	}
	for i := range schedules {
		sch := &schedules[i]
		res.Evaluated++
		if !Due(sch, now) {
			continue
		}
		log := s.log.With(zap.String("schedule_id", sch.ID), zap.String("schedule", sch.Name))
		if sch.LastStatus == model.ScheduleRunning && !s.stale(sch, now) {
			log.Debug("scheduler: previous run still in progress")
			res.Skipped++
			continue
		}
		if sch.LastStatus == model.ScheduleRunning {
			log.Warn("scheduler: previous run is stale, starting again", zap.Timep("last_run", sch.LastRun))
		}

		ok, err := s.start(ctx, sch, now)
		if err != nil {
			log.Error("scheduler: start run", zap.Error(err))
			res.Skipped++
			continue
		}
		if !ok {
			res.Skipped++
			continue
		}
		res.Queued++
		log.Info("scheduler: run queued")
	}
	return res, nil
}

// Trigger queues a run of the schedule regardless of its due time.
func (s *Scheduler) Trigger(ctx context.Context, id string) error {
	sch, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return eris.Wrapf(err, "scheduler: trigger %s", id)
	}
	now := s.now().UTC()
	if sch.LastStatus == model.ScheduleRunning && !s.stale(sch, now) {
		return eris.Wrapf(ErrAlreadyRunning, "schedule %s", sch.Name)
	}
	ok, err := s.start(ctx, sch, now)
	if err != nil {
		return err
	}
	if !ok {
		return eris.Wrapf(ErrAlreadyRunning, "schedule %s", sch.Name)
	}
	s.log.Info("scheduler: run triggered", zap.String("schedule_id", sch.ID), zap.String("schedule", sch.Name))
	return nil
}

// start marks sch running and queues its fetch. With a strict lock the
// mark is a compare-and-set and losing it reports false.
func (s *Scheduler) start(ctx context.Context, sch *model.ScheduledImport, now time.Time) (bool, error) {
	if s.cfg.StrictLock {
		claimed, err := s.store.ClaimSchedule(ctx, sch.ID, now, now.Add(-s.staleAfter(sch)))
		if err != nil {
			return false, eris.Wrap(err, "scheduler: claim")
		}
		if !claimed {
			return false, nil
		}
	} else {
		sch.LastStatus = model.ScheduleRunning
		sch.LastRun = &now
		if err := s.store.UpdateSchedule(ctx, sch); err != nil {
			return false, eris.Wrap(err, "scheduler: mark running")
		}
	}

	queued, err := s.queue.Enqueue(ctx, model.TaskScheduledFetch,
		model.TaskPayload{ScheduleID: sch.ID}, model.ScheduleTaskKey(sch.ID), 0)
	if err != nil {
		return false, eris.Wrap(err, "scheduler: enqueue fetch")
	}
	return queued, nil
}

// staleAfter is how long a run may stay running before another may start:
// every attempt timing out plus the configured grace.
func (s *Scheduler) staleAfter(sch *model.ScheduledImport) time.Duration {
	return s.timeout(sch)*time.Duration(sch.MaxRetries+1) + time.Duration(s.cfg.StaleGraceSecs)*time.Second
}

func (s *Scheduler) stale(sch *model.ScheduledImport, now time.Time) bool {
	return sch.LastRun == nil || now.Sub(*sch.LastRun) > s.staleAfter(sch)
}

func (s *Scheduler) timeout(sch *model.ScheduledImport) time.Duration {
	if sch.Timeout > 0 {
		return sch.Timeout
	}
	if s.cfg.DefaultTimeoutSecs > 0 {
		return time.Duration(s.cfg.DefaultTimeoutSecs) * time.Second
	}
	return 5 * time.Minute
}

// Run evaluates schedules every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.Interval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("scheduler: started", zap.Duration("interval", interval))
	for {
		if _, err := s.Evaluate(ctx, s.now().UTC()); err != nil {
			s.log.Error("scheduler: evaluate", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
