package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/buildsource/stockyard/internal/cache"
	"github.com/buildsource/stockyard/internal/cachestore/memory"
	"github.com/buildsource/stockyard/pkg/wire"
)

func testResource(id string) wire.Resource {
	return wire.Resource{
		ID:         id,
		Type:       "lumber",
		Name:       "2x4 pine stud",
		Attributes: map[string]any{"price": 4.25},
	}
}

func TestCacheRoundTrip(t *testing.T) {
	c := cache.New(memory.New(), 5*time.Minute, time.Minute, nil)
	t.Cleanup(func() { c.Close() })
	ctx := context.Background()

	if _, ok := c.Get(ctx, "mill-co", "r-1"); ok {
		t.Error("Get hit on empty cache")
	}

	if err := c.Put(ctx, "mill-co", testResource("r-1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := c.Get(ctx, "mill-co", "r-1")
	if !ok {
		t.Fatal("Get missed after Put")
	}
	if got.Name != "2x4 pine stud" {
		t.Errorf("name = %q", got.Name)
	}

	// The key is the (provider, resource) pair.
	if _, ok := c.Get(ctx, "toolshed", "r-1"); ok {
		t.Error("Get hit under the wrong provider")
	}
}

func TestCacheExpiry(t *testing.T) {
	c := cache.New(memory.New(), 5*time.Minute, time.Minute, nil)
	t.Cleanup(func() { c.Close() })
	ctx := context.Background()

	if err := c.PutTTL(ctx, "mill-co", testResource("r-1"), 10*time.Millisecond); err != nil {
		t.Fatalf("PutTTL: %v", err)
	}
	if _, ok := c.Get(ctx, "mill-co", "r-1"); !ok {
		t.Fatal("Get missed before expiry")
	}

	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get(ctx, "mill-co", "r-1"); ok {
		t.Error("Get hit after expiry")
	}
}

func TestCacheInvalidate(t *testing.T) {
	c := cache.New(memory.New(), 5*time.Minute, time.Minute, nil)
	t.Cleanup(func() { c.Close() })
	ctx := context.Background()

	if err := c.Put(ctx, "mill-co", testResource("r-1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Invalidate(ctx, "mill-co", "r-1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok := c.Get(ctx, "mill-co", "r-1"); ok {
		t.Error("Get hit after invalidation")
	}
}

func TestCacheDisabled(t *testing.T) {
	c := cache.New(memory.New(), 0, time.Minute, nil)
	t.Cleanup(func() { c.Close() })
	ctx := context.Background()

	if c.Enabled() {
		t.Error("Enabled() = true with zero TTL")
	}
	if err := c.Put(ctx, "mill-co", testResource("r-1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok := c.Get(ctx, "mill-co", "r-1"); ok {
		t.Error("disabled cache served a hit")
	}
}

func TestCacheSweep(t *testing.T) {
	c := cache.New(memory.New(), 5*time.Minute, 10*time.Millisecond, nil)
	t.Cleanup(func() { c.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := c.PutTTL(ctx, "mill-co", testResource("r-1"), time.Millisecond); err != nil {
		t.Fatalf("PutTTL: %v", err)
	}

	go c.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stats, err := c.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats.Entries == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("sweep never removed the expired entry")
}
