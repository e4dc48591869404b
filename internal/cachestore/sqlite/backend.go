// Package sqlite provides a SQLite-backed cache storage backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/buildsource/stockyard/internal/cachestore"
)

const (
	KeyPath        = "path"
	KeyJournalMode = "journal_mode"
	KeyBusyTimeout = "busy_timeout"
)

func init() {
	cachestore.Register("sqlite", NewFactory, Defaults)
}

// Defaults returns the default configuration for the SQLite backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:        "~/.stockyard/cache.db",
		KeyJournalMode: "wal",
		KeyBusyTimeout: "5000",
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS resources (
    provider_id  TEXT NOT NULL,
    resource_id  TEXT NOT NULL,
    snapshot     TEXT NOT NULL,
    expires_at   INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (provider_id, resource_id)
);

CREATE INDEX IF NOT EXISTS idx_resources_expires ON resources(expires_at) WHERE expires_at > 0;
`

// NewFactory creates a new SQLite backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (cachestore.Backend, error) {
	path := cachestore.GetString(config, KeyPath, "")
	if path == "" {
		return nil, cachestore.NewConfigError("sqlite", KeyPath, "cannot be empty")
	}
	if path != ":memory:" {
		path = cachestore.ExpandPath(path)
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, cachestore.NewConfigErrorWithCause("sqlite", KeyPath, "failed to create directory", err)
		}
	}

	journalMode := cachestore.GetString(config, KeyJournalMode, "wal")
	busyTimeout, err := cachestore.GetInt(config, KeyBusyTimeout, 5000)
	if err != nil {
		return nil, cachestore.NewConfigErrorWithValue("sqlite", KeyBusyTimeout, config[KeyBusyTimeout], err.Error())
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%d)", path, journalMode, busyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, cachestore.NewConfigErrorWithCause("sqlite", KeyPath, "failed to open database", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, cachestore.NewConfigErrorWithCause("sqlite", KeyPath, "failed to apply schema", err)
	}

	slog.Info("sqlite cachestore initialized", "path", path)
	return &Backend{db: db}, nil
}

// Backend is a SQLite implementation of cachestore.Backend.
type Backend struct {
	db     *sql.DB
	closed atomic.Bool
}

func (b *Backend) Put(ctx context.Context, entry *cachestore.Entry) error {
	if b.closed.Load() {
		return cachestore.ErrClosed
	}
	snapshot, err := json.Marshal(entry.Resource)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO resources (provider_id, resource_id, snapshot, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (provider_id, resource_id)
		DO UPDATE SET snapshot = excluded.snapshot, expires_at = excluded.expires_at`,
		entry.ProviderID, entry.ResourceID, string(snapshot), entry.ExpiresAt)
	return err
}

func (b *Backend) Get(ctx context.Context, providerID, resourceID string) (*cachestore.Entry, error) {
	if b.closed.Load() {
		return nil, cachestore.ErrClosed
	}
	entry := &cachestore.Entry{ProviderID: providerID, ResourceID: resourceID}
	var snapshot string
	err := b.db.QueryRowContext(ctx, `
		SELECT snapshot, expires_at FROM resources
		WHERE provider_id = ? AND resource_id = ?`,
		providerID, resourceID).Scan(&snapshot, &entry.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cachestore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(snapshot), &entry.Resource); err != nil {
		return nil, err
	}
	return entry, nil
}

func (b *Backend) Delete(ctx context.Context, providerID, resourceID string) error {
	if b.closed.Load() {
		return cachestore.ErrClosed
	}
	_, err := b.db.ExecContext(ctx, `
		DELETE FROM resources WHERE provider_id = ? AND resource_id = ?`,
		providerID, resourceID)
	return err
}

func (b *Backend) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if b.closed.Load() {
		return 0, cachestore.ErrClosed
	}
	res, err := b.db.ExecContext(ctx, `
		DELETE FROM resources WHERE expires_at > 0 AND expires_at <= ?`,
		now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (b *Backend) Stats(ctx context.Context) (*cachestore.Stats, error) {
	if b.closed.Load() {
		return nil, cachestore.ErrClosed
	}
	var count int64
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resources`).Scan(&count); err != nil {
		return nil, err
	}
	return &cachestore.Stats{Entries: count, BackendType: "sqlite"}, nil
}

func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
