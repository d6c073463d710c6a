package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eventimport/internal/model"
	"github.com/sells-group/eventimport/internal/resilience"
)

// TaskStore is the persistence StoreQueue needs.
type TaskStore interface {
	EnqueueTask(ctx context.Context, t *model.Task) (bool, error)
	ClaimTasks(ctx context.Context, now time.Time, limit int) ([]model.Task, error)
	CompleteTask(ctx context.Context, id string) error
	RescheduleTask(ctx context.Context, id string, runAfter time.Time, lastErr string) error
	FailTask(ctx context.Context, id string, lastErr string) error
	RequeueStaleTasks(ctx context.Context, before time.Time) (int, error)
}

// StoreQueue polls the tasks table. Any number of workers may poll the same
// store; claiming is atomic and serialized per dedupe key.
type StoreQueue struct {
	*Registry
	store TaskStore
	cfg   Config
	now   func() time.Time
}

// NewStoreQueue creates a queue backed by st.
func NewStoreQueue(st TaskStore, cfg Config) *StoreQueue {
	return &StoreQueue{
		Registry: NewRegistry(),
		store:    st,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// Enqueue implements Queue.
func (q *StoreQueue) Enqueue(ctx context.Context, name string, payload model.TaskPayload, dedupeKey string, delay time.Duration) (bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, eris.Wrap(err, "queue: marshal payload")
	}
	if dedupeKey == "" {
		dedupeKey = name
	}
	t := &model.Task{
		Name:        name,
		DedupeKey:   dedupeKey,
		Payload:     raw,
		MaxAttempts: q.cfg.MaxAttempts,
		RunAfter:    q.now().Add(delay),
	}
	ok, err := q.store.EnqueueTask(ctx, t)
	if err != nil {
		return false, eris.Wrapf(err, "queue: enqueue %s", dedupeKey)
	}
	if !ok {
		zap.L().Debug("queue: task already pending",
			zap.String("task", name),
			zap.String("dedupe_key", dedupeKey),
		)
	}
	return ok, nil
}

// RunDue claims and runs due tasks once. It returns the number of tasks it
// ran.
func (q *StoreQueue) RunDue(ctx context.Context) (int, error) {
	tasks, err := q.store.ClaimTasks(ctx, q.now(), q.cfg.ClaimBatch)
	if err != nil {
		return 0, eris.Wrap(err, "queue: claim")
	}
	for i := range tasks {
		if err := q.runTask(ctx, &tasks[i]); err != nil {
			return i + 1, err
		}
	}
	return len(tasks), nil
}

// Drain runs due tasks until none are left. Tasks rescheduled into the
// future are not waited for.
func (q *StoreQueue) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := q.RunDue(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// Run polls until ctx is cancelled.
func (q *StoreQueue) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "queue"))
	log.Info("queue: worker started", zap.Duration("poll_interval", q.cfg.PollInterval))

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	lastSweep := time.Time{}

	for {
		if q.now().Sub(lastSweep) >= q.cfg.StaleAfter/2 {
			n, err := q.store.RequeueStaleTasks(ctx, q.now().Add(-q.cfg.StaleAfter))
			if err != nil {
				log.Warn("queue: requeue stale tasks failed", zap.Error(err))
			} else if n > 0 {
				log.Warn("queue: requeued stale tasks", zap.Int("count", n))
			}
			lastSweep = q.now()
		}

		n, err := q.RunDue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("queue: run due tasks failed", zap.Error(err))
		}
		if n > 0 && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			log.Info("queue: worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// runTask executes one claimed task and records the outcome. The returned
// error is only for store failures; handler errors are recorded on the task.
func (q *StoreQueue) runTask(ctx context.Context, t *model.Task) error {
	log := zap.L().With(
		zap.String("task", t.Name),
		zap.String("task_id", t.ID),
		zap.String("dedupe_key", t.DedupeKey),
		zap.Int("attempt", t.Attempts),
	)

	var payload model.TaskPayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		log.Error("queue: bad payload", zap.Error(err))
		return eris.Wrap(q.store.FailTask(ctx, t.ID, "bad payload: "+err.Error()), "queue: fail task")
	}

	start := q.now()
	herr := q.dispatch(ctx, t.Name, payload)
	if herr == nil {
		log.Debug("queue: task done", zap.Duration("elapsed", q.now().Sub(start)))
		return eris.Wrap(q.store.CompleteTask(ctx, t.ID), "queue: complete task")
	}

	if resilience.IsTransient(herr) && t.Attempts < t.MaxAttempts {
		delay := resilience.RetryAfterOf(herr)
		if delay <= 0 {
			delay = resilience.Backoff(t.Attempts-1, q.cfg.Retry)
		}
		log.Warn("queue: task failed, will retry", zap.Duration("delay", delay), zap.Error(herr))
		return eris.Wrap(q.store.RescheduleTask(ctx, t.ID, q.now().Add(delay), herr.Error()), "queue: reschedule task")
	}

	log.Error("queue: task failed permanently", zap.Error(herr))
	if err := q.store.FailTask(ctx, t.ID, herr.Error()); err != nil {
		return eris.Wrap(err, "queue: fail task")
	}
	q.failed(ctx, t.Name, payload, herr)
	return nil
}
