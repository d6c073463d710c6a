package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"

	"github.com/sells-group/eventimport/internal/model"
)

// NextRun returns the first run time of sch strictly after from. Cron
// expressions take precedence over named frequencies. All times are UTC.
func NextRun(sch *model.ScheduledImport, from time.Time) (time.Time, error) {
	from = from.UTC()
	if sch.Cron != "" {
		sched, err := cron.ParseStandard(sch.Cron)
		if err != nil {
			return time.Time{}, eris.Wrapf(err, "scheduler: parse cron %q", sch.Cron)
		}
		return sched.Next(from), nil
	}
	switch sch.Frequency {
	case model.FrequencyHourly:
		return periodStart(sch.Frequency, from).Add(time.Hour), nil
	case model.FrequencyDaily:
		return periodStart(sch.Frequency, from).AddDate(0, 0, 1), nil
	case model.FrequencyWeekly:
		return periodStart(sch.Frequency, from).AddDate(0, 0, 7), nil
	case model.FrequencyMonthly:
		return periodStart(sch.Frequency, from).AddDate(0, 1, 0), nil
	}
	return time.Time{}, eris.Errorf("scheduler: schedule %q has neither cron nor a known frequency", sch.Name)
}

// periodStart truncates t to the start of its hour, day, ISO week or month.
func periodStart(f model.Frequency, t time.Time) time.Time {
	y, m, d := t.Date()
	switch f {
	case model.FrequencyHourly:
		return t.Truncate(time.Hour)
	case model.FrequencyWeekly:
		offset := (int(t.Weekday()) + 6) % 7
		return time.Date(y, m, d-offset, 0, 0, 0, 0, time.UTC)
	case model.FrequencyMonthly:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
}

// Due reports whether sch should run at now. A schedule that never ran is
// due immediately.
func Due(sch *model.ScheduledImport, now time.Time) bool {
	if sch.NextRun != nil {
		return !now.Before(*sch.NextRun)
	}
	if sch.LastRun == nil {
		return true
	}
	next, err := NextRun(sch, *sch.LastRun)
	if err != nil {
		return false
	}
	return !now.Before(next)
}

// ValidateTiming checks that sch has a parseable cron expression or a known
// frequency.
func ValidateTiming(sch *model.ScheduledImport) error {
	if sch.Cron == "" && sch.Frequency == "" {
		return eris.Errorf("scheduler: schedule %q needs cron or frequency", sch.Name)
	}
	_, err := NextRun(sch, time.Now())
	return err
}
