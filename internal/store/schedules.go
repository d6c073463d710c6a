package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/eventimport/internal/model"
)

const scheduleColumns = `enabled, last_status, last_run, next_run, doc`

// scanSchedule loads the document and overlays the columns the claim CAS
// writes directly.
func scanSchedule(r row) (*model.ScheduledImport, error) {
	var enabled bool
	var status string
	var lastRun, nextRun *time.Time
	var doc []byte
	if err := r.Scan(&enabled, &status, &lastRun, &nextRun, &doc); err != nil {
		return nil, err
	}
	var sch model.ScheduledImport
	if err := unmarshalDoc(doc, &sch); err != nil {
		return nil, err
	}
	sch.Enabled = enabled
	sch.LastStatus = model.ScheduleStatus(status)
	sch.LastRun = lastRun
	sch.NextRun = nextRun
	return &sch, nil
}

// UpsertSchedule inserts a schedule or replaces the definition of the one
// with the same name. Run state of an existing schedule is preserved.
func (s *sqlStore) UpsertSchedule(ctx context.Context, sch *model.ScheduledImport) error {
	existing, err := scanSchedule(s.db.queryRow(ctx,
		`SELECT `+scheduleColumns+` FROM scheduled_imports WHERE name = ?`, sch.Name))
	switch {
	case isNoRows(err):
		return s.insertSchedule(ctx, sch)
	case err != nil:
		return s.wrap(err, "upsert schedule")
	}

	sch.ID = existing.ID
	sch.CreatedAt = existing.CreatedAt
	sch.LastRun = existing.LastRun
	sch.LastStatus = existing.LastStatus
	sch.LastError = existing.LastError
	sch.LastContentHash = existing.LastContentHash
	sch.Statistics = existing.Statistics
	sch.ExecutionHistory = existing.ExecutionHistory
	if sch.NextRun == nil {
		sch.NextRun = existing.NextRun
	}
	return s.UpdateSchedule(ctx, sch)
}

func (s *sqlStore) insertSchedule(ctx context.Context, sch *model.ScheduledImport) error {
	if sch.ID == "" {
		sch.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if sch.CreatedAt.IsZero() {
		sch.CreatedAt = now
	}
	sch.UpdatedAt = now
	if sch.LastStatus == "" {
		sch.LastStatus = model.ScheduleIdle
	}
	doc, err := marshalDoc(sch)
	if err != nil {
		return s.wrap(err, "insert schedule")
	}
	_, err = s.db.exec(ctx,
		`INSERT INTO scheduled_imports (id, name, enabled, last_status, last_run, next_run, doc, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sch.ID, sch.Name, sch.Enabled, string(sch.LastStatus), utcPtr(sch.LastRun), utcPtr(sch.NextRun), doc, utc(sch.CreatedAt), utc(sch.UpdatedAt),
	)
	return s.wrap(err, "insert schedule")
}

// GetSchedule loads a schedule by id.
func (s *sqlStore) GetSchedule(ctx context.Context, id string) (*model.ScheduledImport, error) {
	sch, err := scanSchedule(s.db.queryRow(ctx, `SELECT `+scheduleColumns+` FROM scheduled_imports WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "%s: schedule %s", s.name, id)
	}
	if err != nil {
		return nil, s.wrap(err, "get schedule")
	}
	return sch, nil
}

// ListSchedules returns schedules ordered by name.
func (s *sqlStore) ListSchedules(ctx context.Context, enabledOnly bool) ([]model.ScheduledImport, error) {
	query := `SELECT ` + scheduleColumns + ` FROM scheduled_imports`
	var args []any
	if enabledOnly {
		query += ` WHERE enabled = ?`
		args = append(args, true)
	}
	query += ` ORDER BY name`

	rs, err := s.db.query(ctx, query, args...)
	if err != nil {
		return nil, s.wrap(err, "list schedules")
	}
	defer rs.Close()

	var out []model.ScheduledImport
	for rs.Next() {
		sch, err := scanSchedule(rs)
		if err != nil {
			return nil, s.wrap(err, "scan schedule")
		}
		out = append(out, *sch)
	}
	return out, s.wrap(rs.Err(), "list schedules")
}

// UpdateSchedule overwrites a schedule.
func (s *sqlStore) UpdateSchedule(ctx context.Context, sch *model.ScheduledImport) error {
	sch.UpdatedAt = time.Now().UTC()
	doc, err := marshalDoc(sch)
	if err != nil {
		return s.wrap(err, "update schedule")
	}
	n, err := s.db.exec(ctx,
		`UPDATE scheduled_imports SET name = ?, enabled = ?, last_status = ?, last_run = ?, next_run = ?, doc = ?, updated_at = ? WHERE id = ?`,
		sch.Name, sch.Enabled, string(sch.LastStatus), utcPtr(sch.LastRun), utcPtr(sch.NextRun), doc, utc(sch.UpdatedAt), sch.ID,
	)
	if err != nil {
		return s.wrap(err, "update schedule")
	}
	return s.checkAffected(n, "schedule", sch.ID)
}

// ClaimSchedule atomically marks a schedule running. It reports false when
// another evaluator holds a run that started after staleBefore.
func (s *sqlStore) ClaimSchedule(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	n, err := s.db.exec(ctx,
		`UPDATE scheduled_imports SET last_status = ?, last_run = ?, updated_at = ?
		WHERE id = ? AND (last_status <> ? OR last_run IS NULL OR last_run < ?)`,
		string(model.ScheduleRunning), utc(now), utc(now),
		id, string(model.ScheduleRunning), utc(staleBefore),
	)
	if err != nil {
		return false, s.wrap(err, "claim schedule")
	}
	return n == 1, nil
}
