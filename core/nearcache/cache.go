// Package nearcache holds a node's best-effort mirror of remote entries.
// Shadows are populated lazily on first remote read and refreshed by
// post-commit pushes from partition primaries. A shadow's version may lag
// the authoritative version but never leads it and never regresses.
package nearcache

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

// shadow is one mirrored entry.
type shadow struct {
	value       []byte
	version     uint64
	primaryHint string
}

// Cache is the per-node near cache.
type Cache struct {
	mu      sync.RWMutex
	shadows map[string]*shadow
	log     *zap.Logger

	hits   metric.Int64Counter
	misses metric.Int64Counter
}

// New creates an empty near cache. meter may be nil.
func New(log *zap.Logger, meter metric.Meter) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("meshcache")
	}
	hits, _ := meter.Int64Counter("meshcache.near.hits")
	misses, _ := meter.Int64Counter("meshcache.near.misses")
	return &Cache{
		shadows: make(map[string]*shadow),
		log:     log.Named("nearcache"),
		hits:    hits,
		misses:  misses,
	}
}

// Peek returns the shadowed value and version of key, if present. Shadows
// are never authoritative; callers treat a miss as "ask the primary".
func (c *Cache) Peek(key string) (value []byte, version uint64, ok bool) {
	c.mu.RLock()
	s, exists := c.shadows[key]
	c.mu.RUnlock()
	if !exists {
		c.misses.Add(context.Background(), 1)
		return nil, 0, false
	}
	c.hits.Add(context.Background(), 1)
	return s.value, s.version, true
}

// PrimaryHint returns the primary recorded when the shadow was last
// refreshed, or "" if the key is not shadowed.
func (c *Cache) PrimaryHint(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.shadows[key]; ok {
		return s.primaryHint
	}
	return ""
}

// Update installs a fresher shadow of key. Pushes may arrive out of order;
// a version at or below the recorded one is ignored so the shadow never
// regresses.
func (c *Cache) Update(key string, value []byte, version uint64, primaryHint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.shadows[key]
	if !ok {
		c.shadows[key] = &shadow{value: value, version: version, primaryHint: primaryHint}
		return
	}
	if version <= s.version {
		return
	}
	s.value = value
	s.version = version
	if primaryHint != "" {
		s.primaryHint = primaryHint
	}
}

// Invalidate drops the shadow of key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.shadows, key)
}

// DropPartitions discards every shadow whose key falls in parts, keyed by
// the affinity function pf. Used when a primary is lost or ownership moves;
// the shadows are rebuilt lazily on the next access.
func (c *Cache) DropPartitions(parts map[int]struct{}, pf func(key string) int) {
	if len(parts) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for key := range c.shadows {
		if _, hit := parts[pf(key)]; hit {
			delete(c.shadows, key)
			dropped++
		}
	}
	if dropped > 0 {
		c.log.Debug("dropped shadows after repartition", zap.Int("count", dropped))
	}
}

// Len reports the number of live shadows.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.shadows)
}
