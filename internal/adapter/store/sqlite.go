// Package store persists gateway payloads between process runs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"opencami/internal/domain"
)

// SQLitePayloadCache implements domain.PayloadCache on a single SQLite table.
type SQLitePayloadCache struct {
	db     *sql.DB
	maxAge time.Duration
	now    func() time.Time
}

// NewSQLitePayloadCache opens (or creates) the database at path. Entries older
// than maxAge are treated as missing; zero keeps them forever. ":memory:" is
// accepted for tests.
func NewSQLitePayloadCache(path string, maxAge time.Duration) (*SQLitePayloadCache, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, domain.NewDomainError("Cache.Open", domain.ErrCacheStore, err.Error())
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, domain.NewDomainError("Cache.Open", domain.ErrCacheStore, err.Error())
	}
	// A second connection to ":memory:" would see an empty database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, domain.NewDomainError("Cache.Open", domain.ErrCacheStore, "set WAL mode: "+err.Error())
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, domain.NewDomainError("Cache.Open", domain.ErrCacheStore, "migrate: "+err.Error())
	}
	return &SQLitePayloadCache{db: db, maxAge: maxAge, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS payloads (
			key       TEXT PRIMARY KEY,
			payload   TEXT NOT NULL,
			stored_at TEXT NOT NULL
		)
	`)
	return err
}

// Put upserts the payload for key.
func (c *SQLitePayloadCache) Put(ctx context.Context, key string, payload json.RawMessage) error {
	if !json.Valid(payload) {
		return domain.NewDomainError("Cache.Put", domain.ErrInvalidInput, "payload is not valid JSON")
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO payloads (key, payload, stored_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, stored_at = excluded.stored_at`,
		key, string(payload), c.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.NewDomainError("Cache.Put", domain.ErrCacheStore, err.Error())
	}
	return nil
}

// Get returns the stored payload for key, if present and not expired.
func (c *SQLitePayloadCache) Get(ctx context.Context, key string) (domain.CachedPayload, bool, error) {
	var payload, storedAt string
	err := c.db.QueryRowContext(ctx,
		"SELECT payload, stored_at FROM payloads WHERE key = ?", key,
	).Scan(&payload, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CachedPayload{}, false, nil
	}
	if err != nil {
		return domain.CachedPayload{}, false, domain.NewDomainError("Cache.Get", domain.ErrCacheStore, err.Error())
	}

	ts, err := time.Parse(time.RFC3339Nano, storedAt)
	if err != nil {
		return domain.CachedPayload{}, false, domain.NewDomainError("Cache.Get", domain.ErrCacheStore,
			fmt.Sprintf("bad timestamp %q", storedAt))
	}
	if c.maxAge > 0 && c.now().Sub(ts) > c.maxAge {
		return domain.CachedPayload{}, false, nil
	}
	return domain.CachedPayload{Key: key, Payload: json.RawMessage(payload), StoredAt: ts}, true, nil
}

// Close closes the underlying database connection.
func (c *SQLitePayloadCache) Close() error {
	return c.db.Close()
}

var _ domain.PayloadCache = (*SQLitePayloadCache)(nil)
