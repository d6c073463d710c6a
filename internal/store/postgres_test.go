package store

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/eventimport/internal/duplicate"
	"github.com/sells-group/eventimport/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return newPostgresStore(mock, mock.Close), mock
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)", rebind("SELECT a FROM t WHERE x = ? AND y IN (?, ?)"))
	assert.Equal(t, "SELECT 1", rebind("SELECT 1"))
	assert.True(t, strings.HasSuffix(rebind(placeholders(10)), "$9, $10"))
}

func TestPostgresStore_GetImportJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT version, doc FROM import_jobs WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetImportJob(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetImportJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	doc, err := json.Marshal(model.ImportJob{ID: "job-1", Stage: model.StageGeocodeBatch})
	require.NoError(t, err)
	mock.ExpectQuery(`SELECT version, doc FROM import_jobs`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"version", "doc"}).AddRow(int64(7), doc))

	j, err := s.GetImportJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), j.Version)
	assert.Equal(t, model.StageGeocodeBatch, j.Stage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateImportJob_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE import_jobs SET .* WHERE id = \$6 AND version = \$7`).
		WithArgs("", string(model.StageCreateEvents), int64(4), pgxmock.AnyArg(), pgxmock.AnyArg(), "job-1", int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT 1 FROM import_jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))

	j := &model.ImportJob{ID: "job-1", Stage: model.StageCreateEvents, Version: 3}
	err := s.UpdateImportJob(context.Background(), j)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrConflict))
	assert.Equal(t, int64(3), j.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnqueueTask_Duplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`(?s)INSERT INTO tasks .* ON CONFLICT DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ok, err := s.EnqueueTask(context.Background(), &model.Task{Name: "detect-schema", DedupeKey: "job-1:detect-schema"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimSchedule(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now()

	mock.ExpectExec(`UPDATE scheduled_imports SET last_status = \$1, last_run = \$2`).
		WithArgs(string(model.ScheduleRunning), pgxmock.AnyArg(), pgxmock.AnyArg(), "sch-1", string(model.ScheduleRunning), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := s.ClaimSchedule(context.Background(), "sch-1", now, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordRowKeys(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_import_row_keys"}, []string{"job_id", "key", "first_row"}).
		WillReturnResult(2)
	mock.ExpectExec(`ON CONFLICT \("job_id", "key"\) DO NOTHING`).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT key, first_row FROM import_row_keys WHERE job_id = \$1 AND key IN \(\$2, \$3\)`).
		WithArgs("job-1", "a", "b").
		WillReturnRows(pgxmock.NewRows([]string{"key", "first_row"}).AddRow("a", 0).AddRow("b", 1))

	first, err := s.RecordRowKeys(context.Background(), "job-1", []duplicate.RowKeyEntry{{Key: "a", Row: 0}, {Key: "b", Row: 1}, {Key: "a", Row: 2}})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 0, "b": 1}, first)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertEvents_EWKB(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)INSERT INTO events .* ST_GeomFromEWKB\(\$8\)`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := s.InsertEvents(context.Background(), []model.Event{{
		DatasetID: "ds-1", ImportJobID: "job-1", UniqueKey: "row:job-1:0",
		Data: map[string]any{"title": "x"}, Location: &model.Point{Latitude: 48.85, Longitude: 2.35},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPointEWKB(t *testing.T) {
	b, err := pointEWKB(&model.Point{Latitude: 1, Longitude: 2})
	require.NoError(t, err)
	// NDR byte order, point type with SRID flag, SRID 4326.
	assert.Equal(t, byte(0x01), b[0])
	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x20}, b[1:5])
	assert.Equal(t, []byte{0xE6, 0x10, 0x00, 0x00}, b[5:9])

	b, err = pointEWKB(nil)
	require.NoError(t, err)
	assert.Nil(t, b)
}
