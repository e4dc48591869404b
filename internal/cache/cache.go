// Package cache implements the time-bounded resource cache that
// short-circuits repeat lookups against providers.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/buildsource/stockyard/internal/cachestore"
	"github.com/buildsource/stockyard/internal/observability"
	"github.com/buildsource/stockyard/pkg/wire"
)

const DefaultSweepInterval = time.Minute

// Cache is a TTL cache keyed by (provider id, resource id) over a pluggable
// storage backend. Expired entries are rejected on read; the periodic sweep
// is a memory-bounding housekeeping step, not a correctness requirement.
type Cache struct {
	backend       cachestore.Backend
	ttl           time.Duration
	sweepInterval time.Duration
	metrics       *observability.Metrics
	log           *slog.Logger
}

// New creates a cache with the given default TTL. A non-positive TTL
// disables caching: Get always misses and Put is a no-op.
func New(backend cachestore.Backend, ttl, sweepInterval time.Duration, metrics *observability.Metrics) *Cache {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Cache{
		backend:       backend,
		ttl:           ttl,
		sweepInterval: sweepInterval,
		metrics:       metrics,
		log:           slog.Default().With("component", "cache"),
	}
}

// Enabled reports whether caching is active.
func (c *Cache) Enabled() bool { return c.ttl > 0 }

// Get returns the cached resource if present and not expired.
func (c *Cache) Get(ctx context.Context, providerID, resourceID string) (*wire.Resource, bool) {
	if !c.Enabled() {
		return nil, false
	}
	entry, err := c.backend.Get(ctx, providerID, resourceID)
	if err != nil {
		if !errors.Is(err, cachestore.ErrNotFound) {
			c.log.WarnContext(ctx, "cache read failed", "provider", providerID, "resource", resourceID, "error", err)
		}
		c.miss()
		return nil, false
	}
	if entry.Expired(time.Now()) {
		c.miss()
		return nil, false
	}
	if c.metrics != nil {
		c.metrics.CacheHits.Inc()
	}
	return &entry.Resource, true
}

// Put stores a resource snapshot with the default TTL.
func (c *Cache) Put(ctx context.Context, providerID string, resource wire.Resource) error {
	return c.PutTTL(ctx, providerID, resource, c.ttl)
}

// PutTTL stores a resource snapshot with an absolute expiry of now+ttl.
func (c *Cache) PutTTL(ctx context.Context, providerID string, resource wire.Resource, ttl time.Duration) error {
	if !c.Enabled() || ttl <= 0 {
		return nil
	}
	return c.backend.Put(ctx, &cachestore.Entry{
		ProviderID: providerID,
		ResourceID: resource.ID,
		Resource:   resource,
		ExpiresAt:  time.Now().Add(ttl).UnixMilli(),
	})
}

// Invalidate removes the entry immediately. Used whenever an event reports a
// change to the resource, so no stale read survives a known update.
func (c *Cache) Invalidate(ctx context.Context, providerID, resourceID string) error {
	if !c.Enabled() {
		return nil
	}
	return c.backend.Delete(ctx, providerID, resourceID)
}

// Stats returns backend statistics.
func (c *Cache) Stats(ctx context.Context) (*cachestore.Stats, error) {
	return c.backend.Stats(ctx)
}

// Close releases the backend.
func (c *Cache) Close() error {
	return c.backend.Close()
}

// Run starts the periodic sweep loop. Blocks until the context is canceled.
func (c *Cache) Run(ctx context.Context) {
	if !c.Enabled() {
		return
	}
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Cache) sweep(ctx context.Context) {
	removed, err := c.backend.DeleteExpired(ctx, time.Now())
	if err != nil {
		if !errors.Is(err, cachestore.ErrClosed) {
			c.log.WarnContext(ctx, "cache sweep failed", "error", err)
		}
		return
	}
	if removed > 0 {
		c.log.DebugContext(ctx, "cache sweep", "removed", removed)
	}
}

func (c *Cache) miss() {
	if c.metrics != nil {
		c.metrics.CacheMisses.Inc()
	}
}
