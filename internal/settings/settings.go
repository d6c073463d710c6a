// Package settings caches feature flags stored in the settings table.
package settings

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Flag keys.
const (
	KeyScheduledImports = "enableScheduledImports"
	KeyGeocoding        = "enableGeocoding"
	KeyEventCreation    = "enableEventCreation"
)

// Flags are the feature switches read by the pipeline and scheduler.
// Missing keys default to enabled.
type Flags struct {
	ScheduledImports bool `json:"enableScheduledImports"`
	Geocoding        bool `json:"enableGeocoding"`
	EventCreation    bool `json:"enableEventCreation"`
}

// DefaultFlags returns every feature enabled.
func DefaultFlags() Flags {
	return Flags{ScheduledImports: true, Geocoding: true, EventCreation: true}
}

// Source loads raw settings.
type Source interface {
	GetSettings(ctx context.Context) (map[string]json.RawMessage, error)
}

// Cache serves Flags from memory for ttl after each load. Invalidate forces
// the next read to reload.
type Cache struct {
	src Source
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	flags    Flags
	loadedAt time.Time
	valid    bool
}

// NewCache creates a cache over src. A ttl <= 0 disables caching.
func NewCache(src Source, ttl time.Duration) *Cache {
	return &Cache{src: src, ttl: ttl, now: time.Now}
}

// Flags returns the current flags. When the source fails, the last loaded
// flags are returned if any, otherwise the error.
func (c *Cache) Flags(ctx context.Context) (Flags, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valid && c.ttl > 0 && c.now().Sub(c.loadedAt) < c.ttl {
		return c.flags, nil
	}

	raw, err := c.src.GetSettings(ctx)
	if err != nil {
		if c.loadedAt.IsZero() {
			return Flags{}, eris.Wrap(err, "settings: load")
		}
		zap.L().Warn("settings: reload failed, serving stale flags", zap.Error(err))
		return c.flags, nil
	}

	flags := DefaultFlags()
	flags.ScheduledImports = boolSetting(raw, KeyScheduledImports, flags.ScheduledImports)
	flags.Geocoding = boolSetting(raw, KeyGeocoding, flags.Geocoding)
	flags.EventCreation = boolSetting(raw, KeyEventCreation, flags.EventCreation)

	c.flags = flags
	c.loadedAt = c.now()
	c.valid = true
	return flags, nil
}

// Invalidate drops the cached flags.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
}

func boolSetting(raw map[string]json.RawMessage, key string, fallback bool) bool {
	v, ok := raw[key]
	if !ok {
		return fallback
	}
	var b bool
	if err := json.Unmarshal(v, &b); err != nil {
		zap.L().Warn("settings: ignoring non-boolean flag", zap.String("key", key), zap.ByteString("value", v))
		return fallback
	}
	return b
}
