package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/eventimport/internal/model"
)

// MetricsSnapshot holds a point-in-time view of import health.
type MetricsSnapshot struct {
	// Import jobs last updated within the lookback window.
	JobsTotal     int     `json:"jobs_total"`
	JobsCompleted int     `json:"jobs_completed"`
	JobsFailed    int     `json:"jobs_failed"`
	JobsAwaiting  int     `json:"jobs_awaiting_approval"`
	JobsActive    int     `json:"jobs_active"`
	JobFailRate   float64 `json:"job_fail_rate"`

	// Scheduled import runs started within the lookback window.
	ScheduleRuns     int      `json:"schedule_runs"`
	ScheduleFailures int      `json:"schedule_failures"`
	FailingSchedules []string `json:"failing_schedules,omitempty"`

	// Queue tasks that exhausted their retries.
	DeadTasks int `json:"dead_tasks"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the store surface the collector reads.
type Source interface {
	CountImportJobsByStage(ctx context.Context, since time.Time) (map[model.Stage]int, error)
	ListSchedules(ctx context.Context, enabledOnly bool) ([]model.ScheduledImport, error)
	CountTasks(ctx context.Context, status model.TaskStatus) (int, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	src Source
	now func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(src Source) *Collector {
	return &Collector{src: src, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	counts, err := c.src.CountImportJobsByStage(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count import jobs")
	}
	for stage, n := range counts {
		snap.JobsTotal += n
		switch stage {
		case model.StageCompleted:
			snap.JobsCompleted += n
		case model.StageFailed:
			snap.JobsFailed += n
		case model.StageAwaitApproval:
			snap.JobsAwaiting += n
		default:
			snap.JobsActive += n
		}
	}
	if finished := snap.JobsCompleted + snap.JobsFailed; finished > 0 {
		snap.JobFailRate = float64(snap.JobsFailed) / float64(finished)
	}

	schedules, err := c.src.ListSchedules(ctx, true)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list schedules")
	}
	for _, s := range schedules {
		failed := false
		for _, e := range s.ExecutionHistory {
			if e.StartedAt.Before(cutoff) {
				continue
			}
			snap.ScheduleRuns++
			if e.Status == model.ScheduleFailed {
				snap.ScheduleFailures++
				failed = true
			}
		}
		if failed {
			snap.FailingSchedules = append(snap.FailingSchedules, s.Name)
		}
	}

	dead, err := c.src.CountTasks(ctx, model.TaskFailed)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dead tasks")
	}
	snap.DeadTasks = dead

	return snap, nil
}
