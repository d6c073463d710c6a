package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/eventimport/internal/db"
	"github.com/sells-group/eventimport/internal/duplicate"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	*sqlStore
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresStore(pool, pool.Close), nil
}

func newPostgresStore(pool db.Pool, closeFn func()) *PostgresStore {
	return &PostgresStore{
		sqlStore: &sqlStore{db: pgConn{pool: pool}, name: "postgres", geomExpr: "ST_GeomFromEWKB(?)"},
		pool:     pool,
		closeFn:  closeFn,
	}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS postgis;

CREATE TABLE IF NOT EXISTS import_files (
	id           TEXT PRIMARY KEY,
	catalog_id   TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	content_hash TEXT NOT NULL DEFAULT '',
	doc          JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS import_jobs (
	id             TEXT PRIMARY KEY,
	import_file_id TEXT NOT NULL REFERENCES import_files(id),
	dataset_id     TEXT NOT NULL DEFAULT '',
	stage          TEXT NOT NULL,
	version        BIGINT NOT NULL DEFAULT 1,
	doc            JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS datasets (
	id                        TEXT PRIMARY KEY,
	catalog_id                TEXT NOT NULL,
	name                      TEXT NOT NULL,
	current_schema_version_id TEXT NOT NULL DEFAULT '',
	doc                       JSONB NOT NULL,
	created_at                TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at                TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS schema_versions (
	id             TEXT PRIMARY KEY,
	dataset_id     TEXT NOT NULL REFERENCES datasets(id),
	version_number INTEGER NOT NULL,
	status         TEXT NOT NULL,
	doc            JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at   TIMESTAMPTZ,
	UNIQUE (dataset_id, version_number)
);

CREATE TABLE IF NOT EXISTS events (
	id            TEXT PRIMARY KEY,
	dataset_id    TEXT NOT NULL,
	import_job_id TEXT NOT NULL,
	unique_key    TEXT NOT NULL,
	version       INTEGER NOT NULL DEFAULT 1,
	latitude      DOUBLE PRECISION,
	longitude     DOUBLE PRECISION,
	geom          geometry(Point, 4326),
	doc           JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
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
	latitude           DOUBLE PRECISION NOT NULL,
	longitude          DOUBLE PRECISION NOT NULL,
	confidence         DOUBLE PRECISION NOT NULL DEFAULT 0,
	provider           TEXT NOT NULL DEFAULT '',
	formatted_address  TEXT NOT NULL DEFAULT '',
	hit_count          INTEGER NOT NULL DEFAULT 0,
	last_used_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS scheduled_imports (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	enabled     BOOLEAN NOT NULL DEFAULT true,
	last_status TEXT NOT NULL DEFAULT 'idle',
	last_run    TIMESTAMPTZ,
	next_run    TIMESTAMPTZ,
	doc         JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	dedupe_key   TEXT NOT NULL,
	payload      JSONB NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	run_after    TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_import_jobs_file ON import_jobs(import_file_id);
CREATE INDEX IF NOT EXISTS idx_import_jobs_stage ON import_jobs(stage);
CREATE INDEX IF NOT EXISTS idx_datasets_catalog_name ON datasets(catalog_id, name);
CREATE INDEX IF NOT EXISTS idx_schema_versions_dataset ON schema_versions(dataset_id, status);
CREATE INDEX IF NOT EXISTS idx_events_dataset_key ON events(dataset_id, unique_key);
CREATE INDEX IF NOT EXISTS idx_events_geom ON events USING GIST (geom);
CREATE INDEX IF NOT EXISTS idx_location_cache_last_used ON location_cache(last_used_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_pending_dedupe ON tasks(dedupe_key) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, run_after);
`

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Ping checks the pool connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// RecordRowKeys stages keys through COPY and keeps the first row per key.
func (s *PostgresStore) RecordRowKeys(ctx context.Context, jobID string, keys []duplicate.RowKeyEntry) (map[string]int, error) {
	if len(keys) == 0 {
		return map[string]int{}, nil
	}
	// COPY cannot carry two rows with the same key into one merge.
	seen := make(map[string]bool, len(keys))
	rows := make([][]any, 0, len(keys))
	for _, k := range keys {
		if seen[k.Key] {
			continue
		}
		seen[k.Key] = true
		rows = append(rows, []any{jobID, k.Key, k.Row})
	}
	if _, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:           "import_row_keys",
		Columns:         []string{"job_id", "key", "first_row"},
		ConflictKeys:    []string{"job_id", "key"},
		IgnoreConflicts: true,
	}, rows); err != nil {
		return nil, eris.Wrap(err, "postgres: record row keys")
	}
	return s.firstRows(ctx, jobID, keys)
}

// pgConn adapts db.Pool to conn.
type pgConn struct {
	pool db.Pool
}

func (c pgConn) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := c.pool.Exec(ctx, rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c pgConn) queryRow(ctx context.Context, query string, args ...any) row {
	return c.pool.QueryRow(ctx, rebind(query), args...)
}

func (c pgConn) query(ctx context.Context, query string, args ...any) (rows, error) {
	return c.pool.Query(ctx, rebind(query), args...)
}

func (c pgConn) inTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "begin tx")
	}
	if err := fn(pgTx{tx: tx}); err != nil {
		tx.Rollback(ctx) //nolint:errcheck
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "commit tx")
}

type pgTx struct {
	tx pgx.Tx
}

func (t pgTx) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t pgTx) queryRow(ctx context.Context, query string, args ...any) row {
	return t.tx.QueryRow(ctx, rebind(query), args...)
}

func (t pgTx) query(ctx context.Context, query string, args ...any) (rows, error) {
	return t.tx.Query(ctx, rebind(query), args...)
}
