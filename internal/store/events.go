package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"

	"github.com/sells-group/eventimport/internal/duplicate"
	"github.com/sells-group/eventimport/internal/model"
)

// pointEWKB encodes a WGS84 point as little-endian EWKB with SRID 4326.
func pointEWKB(p *model.Point) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	pt := geom.NewPointFlat(geom.XY, []float64{p.Longitude, p.Latitude}).SetSRID(4326)
	b, err := ewkb.Marshal(pt, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "encode point")
	}
	return b, nil
}

type eventColumns struct {
	lat, lon *float64
	geom     []byte
	doc      string
}

func encodeEvent(e *model.Event) (eventColumns, error) {
	var c eventColumns
	if e.Location != nil {
		lat, lon := e.Location.Latitude, e.Location.Longitude
		c.lat, c.lon = &lat, &lon
	}
	g, err := pointEWKB(e.Location)
	if err != nil {
		return c, err
	}
	c.geom = g
	c.doc, err = marshalDoc(e)
	return c, err
}

// InsertEvents inserts events in one transaction. Events whose (dataset,
// key, version) already exist are left alone, so a replayed batch is
// harmless. It returns the number of rows inserted.
func (s *sqlStore) InsertEvents(ctx context.Context, events []model.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	query := `INSERT INTO events (id, dataset_id, import_job_id, unique_key, version, latitude, longitude, geom, doc, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ` + s.geomExpr + `, ?, ?, ?)
		ON CONFLICT (dataset_id, unique_key, version) DO NOTHING`

	inserted := 0
	err := s.db.inTx(ctx, func(q querier) error {
		for i := range events {
			e := &events[i]
			if e.ID == "" {
				e.ID = uuid.New().String()
			}
			if e.Version == 0 {
				e.Version = 1
			}
			if e.CreatedAt.IsZero() {
				e.CreatedAt = now
			}
			e.UpdatedAt = now

			c, err := encodeEvent(e)
			if err != nil {
				return err
			}
			n, err := q.exec(ctx, query,
				e.ID, e.DatasetID, e.ImportJobID, e.UniqueKey, e.Version,
				c.lat, c.lon, c.geom, c.doc, utc(e.CreatedAt), utc(e.UpdatedAt),
			)
			if err != nil {
				return eris.Wrapf(err, "insert event %s", e.UniqueKey)
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, s.wrap(err, "insert events")
	}
	return inserted, nil
}

// UpdateEvent overwrites an existing event's data and location in place.
func (s *sqlStore) UpdateEvent(ctx context.Context, e *model.Event) error {
	e.UpdatedAt = time.Now().UTC()
	c, err := encodeEvent(e)
	if err != nil {
		return s.wrap(err, "update event")
	}
	n, err := s.db.exec(ctx,
		`UPDATE events SET import_job_id = ?, latitude = ?, longitude = ?, geom = `+s.geomExpr+`, doc = ?, updated_at = ? WHERE id = ?`,
		e.ImportJobID, c.lat, c.lon, c.geom, c.doc, utc(e.UpdatedAt), e.ID,
	)
	if err != nil {
		return s.wrap(err, "update event")
	}
	return s.checkAffected(n, "event", e.ID)
}

// LatestEvents returns the highest stored version for each key that exists
// in the dataset.
func (s *sqlStore) LatestEvents(ctx context.Context, datasetID string, keys []string) (map[string]EventRef, error) {
	out := make(map[string]EventRef, len(keys))
	for _, part := range chunk(keys, maxInParams) {
		rs, err := s.db.query(ctx,
			`SELECT unique_key, id, version, import_job_id FROM events WHERE dataset_id = ? AND unique_key IN (`+placeholders(len(part))+`)`,
			stringArgs(part, datasetID)...,
		)
		if err != nil {
			return nil, s.wrap(err, "latest events")
		}
		for rs.Next() {
			var key string
			var ref EventRef
			if err := rs.Scan(&key, &ref.ID, &ref.Version, &ref.ImportJobID); err != nil {
				rs.Close()
				return nil, s.wrap(err, "scan latest event")
			}
			if cur, ok := out[key]; !ok || ref.Version > cur.Version {
				out[key] = ref
			}
		}
		err = rs.Err()
		rs.Close()
		if err != nil {
			return nil, s.wrap(err, "latest events")
		}
	}
	return out, nil
}

// ExistingEventKeys implements duplicate.KeyStore.
func (s *sqlStore) ExistingEventKeys(ctx context.Context, datasetID string, keys []string) (map[string]bool, error) {
	refs, err := s.LatestEvents(ctx, datasetID, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(refs))
	for k := range refs {
		out[k] = true
	}
	return out, nil
}

// CountEvents returns the number of stored event rows of a dataset.
func (s *sqlStore) CountEvents(ctx context.Context, datasetID string) (int, error) {
	var n int
	err := s.db.queryRow(ctx, `SELECT COUNT(*) FROM events WHERE dataset_id = ?`, datasetID).Scan(&n)
	return n, s.wrap(err, "count events")
}

// RecordRowKeys implements duplicate.KeyStore.
func (s *sqlStore) RecordRowKeys(ctx context.Context, jobID string, keys []duplicate.RowKeyEntry) (map[string]int, error) {
	if len(keys) == 0 {
		return map[string]int{}, nil
	}
	err := s.db.inTx(ctx, func(q querier) error {
		for _, k := range keys {
			if _, err := q.exec(ctx,
				`INSERT INTO import_row_keys (job_id, key, first_row) VALUES (?, ?, ?) ON CONFLICT (job_id, key) DO NOTHING`,
				jobID, k.Key, k.Row,
			); err != nil {
				return eris.Wrap(err, "insert row key")
			}
		}
		return nil
	})
	if err != nil {
		return nil, s.wrap(err, "record row keys")
	}
	return s.firstRows(ctx, jobID, keys)
}

func (s *sqlStore) firstRows(ctx context.Context, jobID string, keys []duplicate.RowKeyEntry) (map[string]int, error) {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k.Key] {
			seen[k.Key] = true
			uniq = append(uniq, k.Key)
		}
	}

	out := make(map[string]int, len(uniq))
	for _, part := range chunk(uniq, maxInParams) {
		rs, err := s.db.query(ctx,
			`SELECT key, first_row FROM import_row_keys WHERE job_id = ? AND key IN (`+placeholders(len(part))+`)`,
			stringArgs(part, jobID)...,
		)
		if err != nil {
			return nil, s.wrap(err, "first rows")
		}
		for rs.Next() {
			var key string
			var first int
			if err := rs.Scan(&key, &first); err != nil {
				rs.Close()
				return nil, s.wrap(err, "scan first row")
			}
			out[key] = first
		}
		err = rs.Err()
		rs.Close()
		if err != nil {
			return nil, s.wrap(err, "first rows")
		}
	}
	return out, nil
}
