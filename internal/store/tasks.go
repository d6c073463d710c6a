package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/eventimport/internal/model"
)

const taskColumns = `id, name, dedupe_key, payload, status, attempts, max_attempts, run_after, last_error, created_at, updated_at`

func scanTask(r row) (*model.Task, error) {
	var t model.Task
	var payload []byte
	var status string
	if err := r.Scan(&t.ID, &t.Name, &t.DedupeKey, &payload, &status, &t.Attempts, &t.MaxAttempts,
		&t.RunAfter, &t.LastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Payload = json.RawMessage(payload)
	t.Status = model.TaskStatus(status)
	return &t, nil
}

// EnqueueTask inserts a pending task unless one with the same dedupe key is
// already pending.
func (s *sqlStore) EnqueueTask(ctx context.Context, t *model.Task) (bool, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if t.RunAfter.IsZero() {
		t.RunAfter = now
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 5
	}
	if len(t.Payload) == 0 {
		t.Payload = json.RawMessage(`{}`)
	}
	t.Status = model.TaskPending
	t.CreatedAt, t.UpdatedAt = now, now

	n, err := s.db.exec(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		t.ID, t.Name, t.DedupeKey, string(t.Payload), string(t.Status), t.Attempts, t.MaxAttempts,
		utc(t.RunAfter), t.LastError, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return false, s.wrap(err, "enqueue task")
	}
	return n == 1, nil
}

// ClaimTasks moves up to limit due tasks to running and returns them. A task
// is skipped while another task with the same dedupe key is running, which
// serializes work per key.
func (s *sqlStore) ClaimTasks(ctx context.Context, now time.Time, limit int) ([]model.Task, error) {
	if limit <= 0 {
		limit = 10
	}
	now = now.UTC()

	rs, err := s.db.query(ctx,
		`SELECT id FROM tasks WHERE status = ? AND run_after <= ? ORDER BY run_after, created_at LIMIT ?`,
		string(model.TaskPending), now, limit,
	)
	if err != nil {
		return nil, s.wrap(err, "claim tasks")
	}
	var ids []string
	for rs.Next() {
		var id string
		if err := rs.Scan(&id); err != nil {
			rs.Close()
			return nil, s.wrap(err, "scan task id")
		}
		ids = append(ids, id)
	}
	err = rs.Err()
	rs.Close()
	if err != nil {
		return nil, s.wrap(err, "claim tasks")
	}

	var claimed []model.Task
	for _, id := range ids {
		n, err := s.db.exec(ctx,
			`UPDATE tasks SET status = ?, attempts = attempts + 1, updated_at = ?
			WHERE id = ? AND status = ?
			AND NOT EXISTS (SELECT 1 FROM tasks AS r WHERE r.dedupe_key = tasks.dedupe_key AND r.status = ?)`,
			string(model.TaskRunning), now, id, string(model.TaskPending), string(model.TaskRunning),
		)
		if err != nil {
			return claimed, s.wrap(err, "claim task")
		}
		if n == 0 {
			continue
		}
		t, err := scanTask(s.db.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
		if err != nil {
			return claimed, s.wrap(err, "load claimed task")
		}
		claimed = append(claimed, *t)
	}
	return claimed, nil
}

// CompleteTask marks a task completed.
func (s *sqlStore) CompleteTask(ctx context.Context, id string) error {
	return s.setTaskStatus(ctx, id, model.TaskCompleted, "")
}

// FailTask marks a task permanently failed.
func (s *sqlStore) FailTask(ctx context.Context, id string, lastErr string) error {
	return s.setTaskStatus(ctx, id, model.TaskFailed, lastErr)
}

func (s *sqlStore) setTaskStatus(ctx context.Context, id string, status model.TaskStatus, lastErr string) error {
	n, err := s.db.exec(ctx,
		`UPDATE tasks SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return s.wrap(err, "set task status")
	}
	return s.checkAffected(n, "task", id)
}

// RescheduleTask returns a running task to pending at runAfter. When a
// pending task with the same key was enqueued meanwhile, this one is
// completed instead since the newer task carries the work.
func (s *sqlStore) RescheduleTask(ctx context.Context, id string, runAfter time.Time, lastErr string) error {
	now := time.Now().UTC()
	n, err := s.db.exec(ctx,
		`UPDATE tasks SET status = ?, run_after = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND NOT EXISTS (SELECT 1 FROM tasks AS p WHERE p.dedupe_key = tasks.dedupe_key AND p.status = ?)`,
		string(model.TaskPending), utc(runAfter), lastErr, now, id, string(model.TaskPending),
	)
	if err != nil {
		return s.wrap(err, "reschedule task")
	}
	if n == 1 {
		return nil
	}
	return s.setTaskStatus(ctx, id, model.TaskCompleted, lastErr)
}

// RequeueStaleTasks returns tasks stuck in running since before to pending,
// e.g. after a worker crash. Tasks whose key already has a pending task are
// completed.
func (s *sqlStore) RequeueStaleTasks(ctx context.Context, before time.Time) (int, error) {
	now := time.Now().UTC()
	n, err := s.db.exec(ctx,
		`UPDATE tasks SET status = ?, run_after = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?
		AND NOT EXISTS (SELECT 1 FROM tasks AS p WHERE p.dedupe_key = tasks.dedupe_key AND p.status = ?)`,
		string(model.TaskPending), now, now, string(model.TaskRunning), utc(before), string(model.TaskPending),
	)
	if err != nil {
		return 0, s.wrap(err, "requeue stale tasks")
	}
	if _, err := s.db.exec(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE status = ? AND updated_at < ?`,
		string(model.TaskCompleted), now, string(model.TaskRunning), utc(before),
	); err != nil {
		return int(n), s.wrap(err, "retire stale tasks")
	}
	return int(n), nil
}

// ListTasks returns every task with the given dedupe key, newest first.
func (s *sqlStore) ListTasks(ctx context.Context, dedupeKey string) ([]model.Task, error) {
	rs, err := s.db.query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE dedupe_key = ? ORDER BY created_at DESC`, dedupeKey)
	if err != nil {
		return nil, s.wrap(err, "list tasks")
	}
	defer rs.Close()

	var out []model.Task
	for rs.Next() {
		t, err := scanTask(rs)
		if err != nil {
			return nil, s.wrap(err, "scan task")
		}
		out = append(out, *t)
	}
	return out, s.wrap(rs.Err(), "list tasks")
}

// GetSettings returns every stored setting as raw JSON.
func (s *sqlStore) GetSettings(ctx context.Context) (map[string]json.RawMessage, error) {
	rs, err := s.db.query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, s.wrap(err, "get settings")
	}
	defer rs.Close()

	out := map[string]json.RawMessage{}
	for rs.Next() {
		var key string
		var value []byte
		if err := rs.Scan(&key, &value); err != nil {
			return nil, s.wrap(err, "scan setting")
		}
		out[key] = json.RawMessage(value)
	}
	return out, s.wrap(rs.Err(), "get settings")
}

// PutSetting stores value as JSON under key.
func (s *sqlStore) PutSetting(ctx context.Context, key string, value any) error {
	doc, err := marshalDoc(value)
	if err != nil {
		return s.wrap(err, "put setting")
	}
	_, err = s.db.exec(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, doc, time.Now().UTC(),
	)
	return s.wrap(err, "put setting")
}
