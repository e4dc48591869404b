// Package cachestore provides the storage backend interface for the resource
// cache, with pluggable physical backends.
package cachestore

import (
	"context"
	"errors"
	"time"

	"github.com/buildsource/stockyard/pkg/wire"
)

var (
	// ErrNotFound indicates the requested entry was not found.
	ErrNotFound = errors.New("entry not found")

	// ErrClosed indicates the backend has been closed.
	ErrClosed = errors.New("backend closed")
)

// Entry is one cached resource snapshot keyed by (provider id, resource id).
type Entry struct {
	ProviderID string        `json:"providerId"`
	ResourceID string        `json:"resourceId"`
	Resource   wire.Resource `json:"resource"`
	ExpiresAt  int64         `json:"expiresAt"` // unix millis, absolute expiry
}

// Expired reports whether the entry's expiry has passed at the given time.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt > 0 && now.UnixMilli() >= e.ExpiresAt
}

// Stats contains storage statistics.
type Stats struct {
	Entries     int64
	BackendType string
}

// Backend is the physical storage interface for the resource cache.
// All implementations must be thread-safe. Backends may return expired
// entries from Get; the cache layer rejects them on read.
type Backend interface {
	Put(ctx context.Context, entry *Entry) error
	Get(ctx context.Context, providerID, resourceID string) (*Entry, error)
	Delete(ctx context.Context, providerID, resourceID string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}
