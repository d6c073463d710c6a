package store

import (
	"context"
	"database/sql"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	*sqlStore
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas apply per connection, so keep exactly one. It also serializes writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{
		sqlStore: &sqlStore{db: sqliteConn{db: db}, name: "sqlite", geomExpr: "?"},
		db:       db,
	}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS import_files (
	id           TEXT PRIMARY KEY,
	catalog_id   TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	content_hash TEXT NOT NULL DEFAULT '',
	doc          TEXT NOT NULL,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS import_jobs (
	id             TEXT PRIMARY KEY,
	import_file_id TEXT NOT NULL REFERENCES import_files(id),
	dataset_id     TEXT NOT NULL DEFAULT '',
	stage          TEXT NOT NULL,
	version        INTEGER NOT NULL DEFAULT 1,
	doc            TEXT NOT NULL,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS datasets (
	id                        TEXT PRIMARY KEY,
	catalog_id                TEXT NOT NULL,
	name                      TEXT NOT NULL,
	current_schema_version_id TEXT NOT NULL DEFAULT '',
	doc                       TEXT NOT NULL,
	created_at                DATETIME NOT NULL,
	updated_at                DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_versions (
	id             TEXT PRIMARY KEY,
	dataset_id     TEXT NOT NULL REFERENCES datasets(id),
	version_number INTEGER NOT NULL,
	status         TEXT NOT NULL,
	doc            TEXT NOT NULL,
	created_at     DATETIME NOT NULL,
	published_at   DATETIME,
	UNIQUE (dataset_id, version_number)
);

CREATE TABLE IF NOT EXISTS events (
	id            TEXT PRIMARY KEY,
	dataset_id    TEXT NOT NULL,
	import_job_id TEXT NOT NULL,
	unique_key    TEXT NOT NULL,
	version       INTEGER NOT NULL DEFAULT 1,
	latitude      REAL,
	longitude     REAL,
	geom          BLOB,
	doc           TEXT NOT NULL,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL,
	UNIQUE (dataset_id, unique_key, version)
);

CREATE TABLE IF NOT EXISTS import_row_keys (
	job_id    TEXT NOT NULL,
	key       TEXT NOT NULL,
	first_row INTEGER NOT NULL,
	PRIMARY KEY (job_id, key)
);

CREATE TABLE IF NOT EXISTS location_cache (
	normalized_address TEXT PRIMARY KEY,
	original_address   TEXT NOT NULL,
	latitude           REAL NOT NULL,
	longitude          REAL NOT NULL,
	confidence         REAL NOT NULL DEFAULT 0,
	provider           TEXT NOT NULL DEFAULT '',
	formatted_address  TEXT NOT NULL DEFAULT '',
	hit_count          INTEGER NOT NULL DEFAULT 0,
	last_used_at       DATETIME NOT NULL,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS scheduled_imports (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	enabled     INTEGER NOT NULL DEFAULT 1,
	last_status TEXT NOT NULL DEFAULT 'idle',
	last_run    DATETIME,
	next_run    DATETIME,
	doc         TEXT NOT NULL,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	dedupe_key   TEXT NOT NULL,
	payload      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	run_after    DATETIME NOT NULL,
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_import_jobs_file ON import_jobs(import_file_id);
CREATE INDEX IF NOT EXISTS idx_import_jobs_stage ON import_jobs(stage);
CREATE INDEX IF NOT EXISTS idx_datasets_catalog_name ON datasets(catalog_id, name);
CREATE INDEX IF NOT EXISTS idx_schema_versions_dataset ON schema_versions(dataset_id, status);
CREATE INDEX IF NOT EXISTS idx_events_dataset_key ON events(dataset_id, unique_key);
CREATE INDEX IF NOT EXISTS idx_location_cache_last_used ON location_cache(last_used_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_pending_dedupe ON tasks(dedupe_key) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, run_after);
`

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqliteConn adapts *sql.DB to conn.
type sqliteConn struct {
	db *sql.DB
}

func (c sqliteConn) exec(ctx context.Context, query string, args ...any) (int64, error) {
	return sqliteExec(ctx, c.db, query, args...)
}

func (c sqliteConn) queryRow(ctx context.Context, query string, args ...any) row {
	return c.db.QueryRowContext(ctx, query, args...)
}

func (c sqliteConn) query(ctx context.Context, query string, args ...any) (rows, error) {
	r, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqliteRows{r}, nil
}

func (c sqliteConn) inTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "begin tx")
	}
	if err := fn(sqliteTx{tx: tx}); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	return eris.Wrap(tx.Commit(), "commit tx")
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t sqliteTx) exec(ctx context.Context, query string, args ...any) (int64, error) {
	return sqliteExec(ctx, t.tx, query, args...)
}

func (t sqliteTx) queryRow(ctx context.Context, query string, args ...any) row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t sqliteTx) query(ctx context.Context, query string, args ...any) (rows, error) {
	r, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqliteRows{r}, nil
}

type execContexter interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func sqliteExec(ctx context.Context, e execContexter, query string, args ...any) (int64, error) {
	res, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type sqliteRows struct {
	*sql.Rows
}

func (r sqliteRows) Close() { r.Rows.Close() } //nolint:errcheck
