package location

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/eventimport/internal/model"
	"github.com/sells-group/eventimport/internal/resilience"
	"github.com/sells-group/eventimport/pkg/geocode"
)

// Cache is the persistence the resolver needs.
type Cache interface {
	GetLocations(ctx context.Context, addresses []string) (map[string]model.LocationCacheEntry, error)
	UpsertLocation(ctx context.Context, e *model.LocationCacheEntry) error
	IncrementLocationHits(ctx context.Context, address string, n int, now time.Time) error
}

// Stats counts what a Resolve call did. Rows count every occurrence;
// Geocoded and Failed count unique addresses.
type Stats struct {
	Rows      int
	CacheHits int
	Geocoded  int
	Failed    int
	Reused    int
}

// Resolver geocodes batches of addresses through the location cache.
type Resolver struct {
	cache       Cache
	client      geocode.Client
	concurrency int
	now         func() time.Time
	log         *zap.Logger
}

// NewResolver creates a Resolver. concurrency bounds parallel provider
// calls per batch.
func NewResolver(cache Cache, client geocode.Client, concurrency int) *Resolver {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Resolver{
		cache:       cache,
		client:      client,
		concurrency: concurrency,
		now:         time.Now,
		log:         zap.L().With(zap.String("component", "location")),
	}
}

// Resolve returns a result per normalized address for the raw addresses of
// one batch. Each unique address is looked up in the cache once and
// geocoded at most once; cache hits and repeated rows count as hits.
// Per-address failures are reported in the result. An error is returned
// only for cache failures, cancellation, or when every provider call failed
// transiently so the batch can be retried.
func (r *Resolver) Resolve(ctx context.Context, addresses []string) (map[string]model.GeocodeResult, Stats, error) {
	var stats Stats
	counts := make(map[string]int)
	originals := make(map[string]string)
	for _, a := range addresses {
		n := geocode.Normalize(a)
		if n == "" {
			continue
		}
		stats.Rows++
		counts[n]++
		if _, ok := originals[n]; !ok {
			originals[n] = a
		}
	}
	results := make(map[string]model.GeocodeResult, len(counts))
	if len(counts) == 0 {
		return results, stats, nil
	}

	unique := make([]string, 0, len(counts))
	for n := range counts {
		unique = append(unique, n)
	}
	sort.Strings(unique)

	cached, err := r.cache.GetLocations(ctx, unique)
	if err != nil {
		return nil, stats, eris.Wrap(err, "location: cache lookup")
	}

	now := r.now().UTC()
	var misses []string
	for _, n := range unique {
		e, ok := cached[n]
		if !ok {
			misses = append(misses, n)
			continue
		}
		if err := r.cache.IncrementLocationHits(ctx, n, counts[n], now); err != nil {
			return nil, stats, eris.Wrap(err, "location: record cache hit")
		}
		stats.CacheHits += counts[n]
		results[n] = model.GeocodeResult{
			Latitude:   e.Latitude,
			Longitude:  e.Longitude,
			Confidence: e.Confidence,
			Provider:   e.Provider,
			FromCache:  true,
		}
	}

	var mu sync.Mutex
	transient := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, n := range misses {
		g.Go(func() error {
			res, gerr := r.client.Geocode(gctx, originals[n])
			if gerr != nil {
				if gctx.Err() != nil {
					return eris.Wrap(gctx.Err(), "location: geocode cancelled")
				}
				mu.Lock()
				defer mu.Unlock()
				stats.Failed++
				if resilience.IsTransient(gerr) {
					transient++
				}
				msg := gerr.Error()
				if eris.Is(gerr, geocode.ErrNoMatch) {
					msg = "no match"
				}
				results[n] = model.GeocodeResult{Failed: true, Error: msg}
				r.log.Debug("geocode failed", zap.String("address", n), zap.Error(gerr))
				return nil
			}

			entry := &model.LocationCacheEntry{
				NormalizedAddress: n,
				OriginalAddress:   originals[n],
				Latitude:          res.Latitude,
				Longitude:         res.Longitude,
				Confidence:        res.Confidence,
				Provider:          res.Provider,
				FormattedAddress:  res.FormattedAddress,
				LastUsedAt:        now,
			}
			if err := r.cache.UpsertLocation(gctx, entry); err != nil {
				return eris.Wrapf(err, "location: cache %q", n)
			}
			if extra := counts[n] - 1; extra > 0 {
				if err := r.cache.IncrementLocationHits(gctx, n, extra, now); err != nil {
					return eris.Wrapf(err, "location: record reuse of %q", n)
				}
			}

			mu.Lock()
			defer mu.Unlock()
			stats.Geocoded++
			stats.Reused += counts[n] - 1
			results[n] = model.GeocodeResult{
				Latitude:   res.Latitude,
				Longitude:  res.Longitude,
				Confidence: res.Confidence,
				Provider:   res.Provider,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, stats, err
	}

	if len(misses) > 0 && transient == len(misses) {
		return nil, stats, resilience.NewTransientError(
			eris.Errorf("location: all %d provider calls failed transiently", len(misses)), 0)
	}
	return results, stats, nil
}
