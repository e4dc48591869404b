// Package redis provides a Redis-backed cache storage backend.
// Expiry is delegated to Redis key TTLs, so DeleteExpired is a no-op.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/buildsource/stockyard/internal/cachestore"
)

const (
	KeyAddr         = "addr"
	KeyPassword     = "password"
	KeyDB           = "db"
	KeyDialTimeout  = "dial_timeout"
	KeyReadTimeout  = "read_timeout"
	KeyWriteTimeout = "write_timeout"
	KeyKeyPrefix    = "key_prefix"
)

func init() {
	cachestore.Register("redis", NewFactory, Defaults)
}

// Defaults returns the default configuration for the Redis backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyAddr:         "localhost:6379",
		KeyPassword:     "",
		KeyDB:           "1",
		KeyDialTimeout:  "5s",
		KeyReadTimeout:  "3s",
		KeyWriteTimeout: "3s",
		KeyKeyPrefix:    "stockyard:",
	}
}

// NewFactory creates a new Redis backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (cachestore.Backend, error) {
	addr := cachestore.GetString(config, KeyAddr, "")
	if addr == "" {
		return nil, cachestore.NewConfigError("redis", KeyAddr, "cannot be empty")
	}

	db, err := cachestore.GetInt(config, KeyDB, 1)
	if err != nil {
		return nil, cachestore.NewConfigErrorWithValue("redis", KeyDB, config[KeyDB], err.Error())
	}
	if db < 0 {
		return nil, cachestore.NewConfigErrorWithValue("redis", KeyDB, config[KeyDB], "must be non-negative")
	}

	dialTimeout, err := cachestore.GetDuration(config, KeyDialTimeout, 5*time.Second)
	if err != nil {
		return nil, cachestore.NewConfigErrorWithValue("redis", KeyDialTimeout, config[KeyDialTimeout], err.Error())
	}

	readTimeout, err := cachestore.GetDuration(config, KeyReadTimeout, 3*time.Second)
	if err != nil {
		return nil, cachestore.NewConfigErrorWithValue("redis", KeyReadTimeout, config[KeyReadTimeout], err.Error())
	}

	writeTimeout, err := cachestore.GetDuration(config, KeyWriteTimeout, 3*time.Second)
	if err != nil {
		return nil, cachestore.NewConfigErrorWithValue("redis", KeyWriteTimeout, config[KeyWriteTimeout], err.Error())
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cachestore.GetString(config, KeyPassword, ""),
		DB:           db,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, cachestore.NewConfigErrorWithCause("redis", KeyAddr, "failed to connect", err)
	}

	slog.Info("redis cachestore initialized", "addr", addr, "db", db)
	return &Backend{
		client:    client,
		keyPrefix: cachestore.GetString(config, KeyKeyPrefix, "stockyard:"),
	}, nil
}

// Backend is a Redis implementation of cachestore.Backend.
type Backend struct {
	client    *redis.Client
	keyPrefix string
	closed    atomic.Bool
}

func (b *Backend) key(providerID, resourceID string) string {
	return fmt.Sprintf("%sres:%s:%s", b.keyPrefix, providerID, resourceID)
}

func (b *Backend) Put(ctx context.Context, entry *cachestore.Entry) error {
	if b.closed.Load() {
		return cachestore.ErrClosed
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if entry.ExpiresAt > 0 {
		ttl = time.Until(time.UnixMilli(entry.ExpiresAt))
		if ttl <= 0 {
			// Already expired, nothing to store.
			return nil
		}
	}
	return b.client.Set(ctx, b.key(entry.ProviderID, entry.ResourceID), value, ttl).Err()
}

func (b *Backend) Get(ctx context.Context, providerID, resourceID string) (*cachestore.Entry, error) {
	if b.closed.Load() {
		return nil, cachestore.ErrClosed
	}
	value, err := b.client.Get(ctx, b.key(providerID, resourceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, cachestore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var entry cachestore.Entry
	if err := json.Unmarshal(value, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (b *Backend) Delete(ctx context.Context, providerID, resourceID string) error {
	if b.closed.Load() {
		return cachestore.ErrClosed
	}
	return b.client.Del(ctx, b.key(providerID, resourceID)).Err()
}

func (b *Backend) DeleteExpired(_ context.Context, _ time.Time) (int, error) {
	if b.closed.Load() {
		return 0, cachestore.ErrClosed
	}
	// Redis expires keys server-side.
	return 0, nil
}

func (b *Backend) Stats(ctx context.Context) (*cachestore.Stats, error) {
	if b.closed.Load() {
		return nil, cachestore.ErrClosed
	}
	var count int64
	var cursor uint64
	pattern := b.keyPrefix + "res:*"
	for {
		keys, next, err := b.client.Scan(ctx, cursor, pattern, 1000).Result()
		if err != nil {
			return nil, err
		}
		count += int64(len(keys))
		if next == 0 {
			break
		}
		cursor = next
	}
	return &cachestore.Stats{Entries: count, BackendType: "redis"}, nil
}

func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.client.Close()
}
