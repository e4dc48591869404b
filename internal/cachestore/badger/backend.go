// Package badger provides a BadgerDB-backed cache storage backend.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/buildsource/stockyard/internal/cachestore"
)

const (
	prefixEntry  = "res/"
	prefixExpiry = "exp/"
)

const (
	KeyPath       = "path"
	KeySyncWrites = "sync_writes"
	KeyInMemory   = "in_memory"
)

func init() {
	cachestore.Register("badger", NewFactory, Defaults)
}

// Defaults returns the default configuration for the BadgerDB backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:       "~/.stockyard/cache",
		KeySyncWrites: "false",
		KeyInMemory:   "false",
	}
}

// NewFactory creates a new BadgerDB backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (cachestore.Backend, error) {
	inMemory, err := cachestore.GetBool(config, KeyInMemory, false)
	if err != nil {
		return nil, cachestore.NewConfigErrorWithValue("badger", KeyInMemory, config[KeyInMemory], err.Error())
	}

	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		path := cachestore.GetString(config, KeyPath, "")
		if path == "" {
			return nil, cachestore.NewConfigError("badger", KeyPath, "cannot be empty")
		}
		path = cachestore.ExpandPath(path)
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, cachestore.NewConfigErrorWithCause("badger", KeyPath, "failed to create directory", err)
		}

		syncWrites, err := cachestore.GetBool(config, KeySyncWrites, false)
		if err != nil {
			return nil, cachestore.NewConfigErrorWithValue("badger", KeySyncWrites, config[KeySyncWrites], err.Error())
		}
		opts = badger.DefaultOptions(path)
		opts.SyncWrites = syncWrites
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, cachestore.NewConfigErrorWithCause("badger", KeyPath, "failed to open database", err)
	}

	slog.Info("badger cachestore initialized", "in_memory", inMemory)
	return NewWithDB(db), nil
}

// Backend is a BadgerDB implementation of cachestore.Backend.
type Backend struct {
	db     *badger.DB
	closed atomic.Bool
}

// NewWithDB creates a new backend with an existing BadgerDB instance.
func NewWithDB(db *badger.DB) *Backend {
	return &Backend{db: db}
}

func entryKey(providerID, resourceID string) []byte {
	return []byte(prefixEntry + providerID + "/" + resourceID)
}

// expiryKey orders entries by expiry time for cheap expired-entry scans.
func expiryKey(expiresAt int64, providerID, resourceID string) []byte {
	key := make([]byte, 0, len(prefixExpiry)+8+1+len(providerID)+1+len(resourceID))
	key = append(key, prefixExpiry...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(expiresAt))
	key = append(key, ts[:]...)
	key = append(key, '/')
	key = append(key, providerID...)
	key = append(key, '/')
	key = append(key, resourceID...)
	return key
}

func (b *Backend) Put(_ context.Context, entry *cachestore.Entry) error {
	if b.closed.Load() {
		return cachestore.ErrClosed
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(entryKey(entry.ProviderID, entry.ResourceID), value); err != nil {
			return err
		}
		if entry.ExpiresAt > 0 {
			return txn.Set(expiryKey(entry.ExpiresAt, entry.ProviderID, entry.ResourceID), nil)
		}
		return nil
	})
}

func (b *Backend) Get(_ context.Context, providerID, resourceID string) (*cachestore.Entry, error) {
	if b.closed.Load() {
		return nil, cachestore.ErrClosed
	}
	var entry cachestore.Entry
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(providerID, resourceID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, cachestore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (b *Backend) Delete(_ context.Context, providerID, resourceID string) error {
	if b.closed.Load() {
		return cachestore.ErrClosed
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entryKey(providerID, resourceID))
	})
}

func (b *Backend) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	if b.closed.Load() {
		return 0, cachestore.ErrClosed
	}

	var cutoff [8]byte
	binary.BigEndian.PutUint64(cutoff[:], uint64(now.UnixMilli()))

	removed := 0
	err := b.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixExpiry)})
		defer it.Close()

		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			ts := key[len(prefixExpiry) : len(prefixExpiry)+8]
			if string(ts) > string(cutoff[:]) {
				break // expiry index is time-ordered
			}
			stale = append(stale, key)
		}

		for _, key := range stale {
			rest := key[len(prefixExpiry)+8+1:]
			ekey := append([]byte(prefixEntry), rest...)

			// A re-put with a later TTL leaves the superseded index key
			// behind, so the entry's own ExpiresAt is authoritative.
			expired := false
			item, err := txn.Get(ekey)
			if err == nil {
				var entry cachestore.Entry
				if verr := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &entry)
				}); verr != nil {
					return verr
				}
				expired = entry.Expired(now)
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			if expired {
				if err := txn.Delete(ekey); err != nil {
					return err
				}
				removed++
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	return removed, err
}

func (b *Backend) Stats(_ context.Context) (*cachestore.Stats, error) {
	if b.closed.Load() {
		return nil, cachestore.ErrClosed
	}
	var count int64
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         []byte(prefixEntry),
			PrefetchValues: false,
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cachestore.Stats{Entries: count, BackendType: "badger"}, nil
}

func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
