package store

import (
	"context"
	"time"

	"github.com/sells-group/eventimport/internal/model"
)

// CountImportJobsByStage counts jobs last updated at or after since, keyed
// by their current stage.
func (s *sqlStore) CountImportJobsByStage(ctx context.Context, since time.Time) (map[model.Stage]int, error) {
	rs, err := s.db.query(ctx,
		`SELECT stage, COUNT(*) FROM import_jobs WHERE updated_at >= ? GROUP BY stage`, utc(since))
	if err != nil {
		return nil, s.wrap(err, "count import jobs")
	}
	defer rs.Close()

	out := make(map[model.Stage]int)
	for rs.Next() {
		var stage string
		var n int64
		if err := rs.Scan(&stage, &n); err != nil {
			return nil, s.wrap(err, "scan job count")
		}
		out[model.Stage(stage)] = int(n)
	}
	return out, s.wrap(rs.Err(), "count import jobs")
}

// CountTasks counts queue tasks in the given status.
func (s *sqlStore) CountTasks(ctx context.Context, status model.TaskStatus) (int, error) {
	var n int64
	if err := s.db.queryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE status = ?`, string(status)).Scan(&n); err != nil {
		return 0, s.wrap(err, "count tasks")
	}
	return int(n), nil
}
