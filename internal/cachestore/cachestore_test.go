package cachestore_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/buildsource/stockyard/internal/cachestore"
	_ "github.com/buildsource/stockyard/internal/cachestore/badger"
	_ "github.com/buildsource/stockyard/internal/cachestore/memory"
	_ "github.com/buildsource/stockyard/internal/cachestore/sqlite"
	"github.com/buildsource/stockyard/pkg/wire"
)

// backendConfigs enumerates the backends exercised by the shared suite.
// Redis needs a running server and is covered separately in integration
// environments.
func backendConfigs(t *testing.T) map[string]map[string]string {
	t.Helper()
	return map[string]map[string]string{
		"memory": nil,
		"badger": {"in_memory": "true"},
		"sqlite": {"path": filepath.Join(t.TempDir(), "cache.db")},
	}
}

func newEntry(providerID, resourceID string, expiresAt time.Time) *cachestore.Entry {
	return &cachestore.Entry{
		ProviderID: providerID,
		ResourceID: resourceID,
		Resource: wire.Resource{
			ID:         resourceID,
			Type:       "lumber",
			Name:       "2x4 pine stud",
			Attributes: map[string]any{"price": 4.25, "in_stock": true},
		},
		ExpiresAt: expiresAt.UnixMilli(),
	}
}

func TestBackendRoundTrip(t *testing.T) {
	for name, config := range backendConfigs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			backend, err := cachestore.New(ctx, name, config)
			if err != nil {
				t.Fatalf("New(%s): %v", name, err)
			}
			t.Cleanup(func() { backend.Close() })

			entry := newEntry("mill-co", "r-1", time.Now().Add(time.Hour))
			if err := backend.Put(ctx, entry); err != nil {
				t.Fatalf("Put: %v", err)
			}

			got, err := backend.Get(ctx, "mill-co", "r-1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Resource.Name != "2x4 pine stud" {
				t.Errorf("resource name = %q", got.Resource.Name)
			}
			if price, ok := got.Resource.Price(); !ok || price != 4.25 {
				t.Errorf("price = %v, %v", price, ok)
			}
			if got.ExpiresAt != entry.ExpiresAt {
				t.Errorf("expiresAt = %d, want %d", got.ExpiresAt, entry.ExpiresAt)
			}

			if _, err := backend.Get(ctx, "mill-co", "absent"); !errors.Is(err, cachestore.ErrNotFound) {
				t.Errorf("Get(absent) = %v, want ErrNotFound", err)
			}
			if _, err := backend.Get(ctx, "other", "r-1"); !errors.Is(err, cachestore.ErrNotFound) {
				t.Errorf("Get(other provider) = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestBackendDelete(t *testing.T) {
	for name, config := range backendConfigs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			backend, err := cachestore.New(ctx, name, config)
			if err != nil {
				t.Fatalf("New(%s): %v", name, err)
			}
			t.Cleanup(func() { backend.Close() })

			if err := backend.Put(ctx, newEntry("mill-co", "r-1", time.Now().Add(time.Hour))); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := backend.Delete(ctx, "mill-co", "r-1"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := backend.Get(ctx, "mill-co", "r-1"); !errors.Is(err, cachestore.ErrNotFound) {
				t.Errorf("Get after delete = %v, want ErrNotFound", err)
			}
			// Deleting a missing entry is not an error.
			if err := backend.Delete(ctx, "mill-co", "r-1"); err != nil {
				t.Errorf("second Delete: %v", err)
			}
		})
	}
}

func TestBackendDeleteExpired(t *testing.T) {
	// Redis expires natively and reports zero here; memory, badger, and
	// sqlite sweep explicitly.
	for name, config := range backendConfigs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			backend, err := cachestore.New(ctx, name, config)
			if err != nil {
				t.Fatalf("New(%s): %v", name, err)
			}
			t.Cleanup(func() { backend.Close() })

			now := time.Now()
			if err := backend.Put(ctx, newEntry("mill-co", "stale", now.Add(-time.Minute))); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := backend.Put(ctx, newEntry("mill-co", "fresh", now.Add(time.Hour))); err != nil {
				t.Fatalf("Put: %v", err)
			}

			removed, err := backend.DeleteExpired(ctx, now)
			if err != nil {
				t.Fatalf("DeleteExpired: %v", err)
			}
			if removed != 1 {
				t.Errorf("DeleteExpired removed %d, want 1", removed)
			}
			if _, err := backend.Get(ctx, "mill-co", "stale"); !errors.Is(err, cachestore.ErrNotFound) {
				t.Errorf("stale entry survived: %v", err)
			}
			if _, err := backend.Get(ctx, "mill-co", "fresh"); err != nil {
				t.Errorf("fresh entry lost: %v", err)
			}
		})
	}
}

func TestBackendDeleteExpiredAfterRefresh(t *testing.T) {
	// A re-put with a later expiry must supersede the earlier one; the
	// sweep may not remove the refreshed entry.
	for name, config := range backendConfigs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			backend, err := cachestore.New(ctx, name, config)
			if err != nil {
				t.Fatalf("New(%s): %v", name, err)
			}
			t.Cleanup(func() { backend.Close() })

			now := time.Now()
			if err := backend.Put(ctx, newEntry("mill-co", "r-1", now.Add(time.Minute))); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := backend.Put(ctx, newEntry("mill-co", "r-1", now.Add(time.Hour))); err != nil {
				t.Fatalf("refresh Put: %v", err)
			}

			removed, err := backend.DeleteExpired(ctx, now.Add(10*time.Minute))
			if err != nil {
				t.Fatalf("DeleteExpired: %v", err)
			}
			if removed != 0 {
				t.Errorf("DeleteExpired removed %d, want 0", removed)
			}
			if _, err := backend.Get(ctx, "mill-co", "r-1"); err != nil {
				t.Errorf("refreshed entry lost: %v", err)
			}
		})
	}
}

func TestBackendStats(t *testing.T) {
	for name, config := range backendConfigs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			backend, err := cachestore.New(ctx, name, config)
			if err != nil {
				t.Fatalf("New(%s): %v", name, err)
			}
			t.Cleanup(func() { backend.Close() })

			for _, id := range []string{"r-1", "r-2", "r-3"} {
				if err := backend.Put(ctx, newEntry("mill-co", id, time.Now().Add(time.Hour))); err != nil {
					t.Fatalf("Put(%s): %v", id, err)
				}
			}

			stats, err := backend.Stats(ctx)
			if err != nil {
				t.Fatalf("Stats: %v", err)
			}
			if stats.Entries != 3 {
				t.Errorf("Entries = %d, want 3", stats.Entries)
			}
			if stats.BackendType != name {
				t.Errorf("BackendType = %q, want %q", stats.BackendType, name)
			}
		})
	}
}

func TestBackendClosed(t *testing.T) {
	ctx := context.Background()
	backend, err := cachestore.New(ctx, "memory", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := backend.Put(ctx, newEntry("mill-co", "r-1", time.Now().Add(time.Hour))); !errors.Is(err, cachestore.ErrClosed) {
		t.Errorf("Put after close = %v, want ErrClosed", err)
	}
	if _, err := backend.Get(ctx, "mill-co", "r-1"); !errors.Is(err, cachestore.ErrClosed) {
		t.Errorf("Get after close = %v, want ErrClosed", err)
	}
}

func TestRegistryUnknownBackend(t *testing.T) {
	if _, err := cachestore.New(context.Background(), "etched-stone", nil); err == nil {
		t.Error("New accepted an unregistered backend")
	}
}

func TestEntryExpired(t *testing.T) {
	now := time.Now()
	fresh := newEntry("mill-co", "r-1", now.Add(time.Minute))
	if fresh.Expired(now) {
		t.Error("fresh entry reported expired")
	}
	stale := newEntry("mill-co", "r-2", now.Add(-time.Minute))
	if !stale.Expired(now) {
		t.Error("stale entry reported fresh")
	}
}
