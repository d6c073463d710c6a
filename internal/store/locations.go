package store

import (
	"context"
	"time"

	"github.com/sells-group/eventimport/internal/model"
)

const locationColumns = `normalized_address, original_address, latitude, longitude, confidence, provider, formatted_address, hit_count, last_used_at, created_at, updated_at`

func scanLocation(r row) (model.LocationCacheEntry, error) {
	var e model.LocationCacheEntry
	err := r.Scan(&e.NormalizedAddress, &e.OriginalAddress, &e.Latitude, &e.Longitude, &e.Confidence,
		&e.Provider, &e.FormattedAddress, &e.HitCount, &e.LastUsedAt, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

// GetLocations returns cached entries for the given normalized addresses.
// Missing addresses are absent from the result.
func (s *sqlStore) GetLocations(ctx context.Context, addresses []string) (map[string]model.LocationCacheEntry, error) {
	out := make(map[string]model.LocationCacheEntry, len(addresses))
	for _, part := range chunk(addresses, maxInParams) {
		rs, err := s.db.query(ctx,
			`SELECT `+locationColumns+` FROM location_cache WHERE normalized_address IN (`+placeholders(len(part))+`)`,
			stringArgs(part)...,
		)
		if err != nil {
			return nil, s.wrap(err, "get locations")
		}
		for rs.Next() {
			e, err := scanLocation(rs)
			if err != nil {
				rs.Close()
				return nil, s.wrap(err, "scan location")
			}
			out[e.NormalizedAddress] = e
		}
		err = rs.Err()
		rs.Close()
		if err != nil {
			return nil, s.wrap(err, "get locations")
		}
	}
	return out, nil
}

// UpsertLocation writes a geocoding result. A concurrent writer of the same
// address turns the insert into an update that also counts one hit.
func (s *sqlStore) UpsertLocation(ctx context.Context, e *model.LocationCacheEntry) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.LastUsedAt.IsZero() {
		e.LastUsedAt = now
	}
	e.UpdatedAt = now
	_, err := s.db.exec(ctx,
		`INSERT INTO location_cache (`+locationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (normalized_address) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			confidence = excluded.confidence,
			provider = excluded.provider,
			formatted_address = excluded.formatted_address,
			hit_count = location_cache.hit_count + 1,
			last_used_at = excluded.last_used_at,
			updated_at = excluded.updated_at`,
		e.NormalizedAddress, e.OriginalAddress, e.Latitude, e.Longitude, e.Confidence,
		e.Provider, e.FormattedAddress, e.HitCount, utc(e.LastUsedAt), utc(e.CreatedAt), utc(e.UpdatedAt),
	)
	return s.wrap(err, "upsert location")
}

// IncrementLocationHits adds n hits to an entry and refreshes its last use.
func (s *sqlStore) IncrementLocationHits(ctx context.Context, address string, n int, now time.Time) error {
	if n <= 0 {
		return nil
	}
	affected, err := s.db.exec(ctx,
		`UPDATE location_cache SET hit_count = hit_count + ?, last_used_at = ? WHERE normalized_address = ?`,
		n, utc(now), address,
	)
	if err != nil {
		return s.wrap(err, "increment location hits")
	}
	return s.checkAffected(affected, "location", address)
}

// LocationStats summarizes the cache.
func (s *sqlStore) LocationStats(ctx context.Context) (*model.CacheStats, error) {
	stats := &model.CacheStats{Providers: map[string]int{}}
	rs, err := s.db.query(ctx, `SELECT provider, COUNT(*), COALESCE(SUM(hit_count), 0) FROM location_cache GROUP BY provider`)
	if err != nil {
		return nil, s.wrap(err, "location stats")
	}
	for rs.Next() {
		var provider string
		var count, hits int
		if err := rs.Scan(&provider, &count, &hits); err != nil {
			rs.Close()
			return nil, s.wrap(err, "scan location stats")
		}
		stats.Providers[provider] = count
		stats.Entries += count
		stats.TotalHits += hits
	}
	err = rs.Err()
	rs.Close()
	if err != nil {
		return nil, s.wrap(err, "location stats")
	}

	if stats.Entries > 0 {
		var oldest time.Time
		if err := s.db.queryRow(ctx, `SELECT created_at FROM location_cache ORDER BY created_at LIMIT 1`).Scan(&oldest); err != nil {
			return nil, s.wrap(err, "oldest location")
		}
		stats.Oldest = &oldest
	}
	return stats, nil
}

// PurgeLocations deletes entries not used since unusedSince.
func (s *sqlStore) PurgeLocations(ctx context.Context, unusedSince time.Time) (int, error) {
	n, err := s.db.exec(ctx, `DELETE FROM location_cache WHERE last_used_at < ?`, utc(unusedSince))
	return int(n), s.wrap(err, "purge locations")
}
