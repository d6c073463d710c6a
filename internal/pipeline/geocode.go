package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eventimport/internal/location"
	"github.com/sells-group/eventimport/internal/model"
	"github.com/sells-group/eventimport/pkg/geocode"
)

// geocodeBatch resolves the addresses of one batch through the location
// cache. Rows with valid imported coordinates are not geocoded.
func (p *Pipeline) geocodeBatch(ctx context.Context, j *model.ImportJob, payload model.TaskPayload) error {
	stage := model.StageGeocodeBatch
	log := p.log.With(zap.String("job_id", j.ID), zap.String("stage", string(stage)))

	mappings := j.DetectedFieldMappings
	reason := ""
	switch {
	case !p.featureFlags(ctx).Geocoding:
		reason = "geocoding disabled"
	case p.resolver == nil:
		reason = "geocoder not configured"
	case mappings.Location == "" && !mappings.HasCoordinates():
		reason = "no location columns mapped"
	}
	if reason != "" {
		log.Info("pipeline: geocoding skipped", zap.String("reason", reason))
		j.Geocoding.Skipped = true
		j.Progress.Complete(stage, p.now().UTC())
		return p.Transition(ctx, j, model.StageCreateEvents)
	}

	in, err := p.loadInput(ctx, j)
	if err != nil {
		return err
	}
	records, offset, err := p.batch(in, j, stage, p.cfg.GeocodeBatchSize, p.schemaOptions(in.dataset).MaxDepth)
	if err != nil {
		return err
	}

	g := &j.Geocoding
	var addresses []string
	for _, rec := range records {
		if mappings.HasCoordinates() {
			c := location.CheckCoordinates(valueAt(rec, mappings.Latitude), valueAt(rec, mappings.Longitude))
			if c.Valid {
				g.FromImport++
				if c.Swapped {
					g.Swapped++
				}
				continue
			}
		}
		if addr := textAt(rec, mappings.Location); addr != "" {
			addresses = append(addresses, addr)
		}
	}

	if len(addresses) > 0 {
		results, stats, err := p.resolver.Resolve(ctx, addresses)
		if err != nil {
			return err
		}
		if g.Results == nil {
			g.Results = make(map[string]model.GeocodeResult, len(results))
		}
		for addr, res := range results {
			if prev, seen := g.Results[addr]; seen && !prev.Failed {
				continue
			}
			g.Results[addr] = res
		}
		g.Attempted += stats.Geocoded + stats.Failed
		g.Succeeded += stats.Geocoded
		g.Failed += stats.Failed
		g.FromCache += stats.CacheHits + stats.Reused
		log.Debug("pipeline: geocoded batch",
			zap.Int("rows", stats.Rows),
			zap.Int("cache_hits", stats.CacheHits),
			zap.Int("geocoded", stats.Geocoded),
			zap.Int("failed", stats.Failed),
		)
	}

	now := p.now().UTC()
	j.Progress.Advance(stage, len(records), now)
	if !lastBatch(in, offset, len(records)) {
		return p.continueStage(ctx, j, payload)
	}
	if g.Attempted > 0 && g.Resolved() == 0 {
		// Keep the counters on the job the failure handler reloads.
		if err := p.store.UpdateImportJob(ctx, j); err != nil {
			return eris.Wrapf(err, "pipeline: save job %s", j.ID)
		}
		return eris.Errorf("pipeline: geocoding failed for all %d attempted addresses", g.Attempted)
	}
	j.Progress.Complete(stage, now)
	return p.Transition(ctx, j, model.StageCreateEvents)
}

// coordinatesFor returns the point and its source for one record, preferring
// valid imported coordinates over geocoded ones.
func coordinatesFor(rec map[string]any, m model.FieldMappings, g *model.GeocodingState) (*model.Point, model.CoordinateSource, bool) {
	if m.HasCoordinates() {
		c := location.CheckCoordinates(valueAt(rec, m.Latitude), valueAt(rec, m.Longitude))
		if c.Valid {
			pt := c.Point
			return &pt, model.CoordinateSourceImport, c.Swapped
		}
	}
	if addr := textAt(rec, m.Location); addr != "" && g.Results != nil {
		if res, ok := g.Results[geocode.Normalize(addr)]; ok && !res.Failed {
			return &model.Point{Latitude: res.Latitude, Longitude: res.Longitude}, model.CoordinateSourceGeocoded, false
		}
	}
	return nil, model.CoordinateSourceNone, false
}
