// Package memory provides an in-memory cache storage backend.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildsource/stockyard/internal/cachestore"
)

func init() {
	cachestore.Register("memory", NewFactory, Defaults)
}

// Defaults returns the default configuration for the memory backend.
func Defaults() map[string]string {
	return map[string]string{}
}

// NewFactory creates a new memory backend from a configuration map.
func NewFactory(_ context.Context, _ map[string]string) (cachestore.Backend, error) {
	return New(), nil
}

// Backend is a map-based implementation of cachestore.Backend.
type Backend struct {
	mu      sync.RWMutex
	entries map[entryKey]*cachestore.Entry
	closed  atomic.Bool
}

type entryKey struct {
	provider string
	resource string
}

// New creates an empty memory backend.
func New() *Backend {
	return &Backend{entries: make(map[entryKey]*cachestore.Entry)}
}

func (b *Backend) Put(_ context.Context, entry *cachestore.Entry) error {
	if b.closed.Load() {
		return cachestore.ErrClosed
	}
	cp := *entry
	b.mu.Lock()
	b.entries[entryKey{entry.ProviderID, entry.ResourceID}] = &cp
	b.mu.Unlock()
	return nil
}

func (b *Backend) Get(_ context.Context, providerID, resourceID string) (*cachestore.Entry, error) {
	if b.closed.Load() {
		return nil, cachestore.ErrClosed
	}
	b.mu.RLock()
	entry, ok := b.entries[entryKey{providerID, resourceID}]
	b.mu.RUnlock()
	if !ok {
		return nil, cachestore.ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

func (b *Backend) Delete(_ context.Context, providerID, resourceID string) error {
	if b.closed.Load() {
		return cachestore.ErrClosed
	}
	b.mu.Lock()
	delete(b.entries, entryKey{providerID, resourceID})
	b.mu.Unlock()
	return nil
}

func (b *Backend) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	if b.closed.Load() {
		return 0, cachestore.ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for k, entry := range b.entries {
		if entry.Expired(now) {
			delete(b.entries, k)
			removed++
		}
	}
	return removed, nil
}

func (b *Backend) Stats(_ context.Context) (*cachestore.Stats, error) {
	if b.closed.Load() {
		return nil, cachestore.ErrClosed
	}
	b.mu.RLock()
	n := len(b.entries)
	b.mu.RUnlock()
	return &cachestore.Stats{Entries: int64(n), BackendType: "memory"}, nil
}

func (b *Backend) Close() error {
	b.closed.Store(true)
	b.mu.Lock()
	b.entries = make(map[entryKey]*cachestore.Entry)
	b.mu.Unlock()
	return nil
}
