package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CachePut stores a JSON value in the metadata cache under key with the given
// TTL, replacing any previous entry. The cache is advisory: readers must
// tolerate its absence.
func (d *DB) CachePut(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expires := time.Now().Add(ttl).Unix()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO metadata_cache (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, string(value), expires,
	)
	if err != nil {
		return fmt.Errorf("failed to store cache entry %q: %w", key, err)
	}
	return nil
}

// CacheGet returns the value for key if present and unexpired. Expired
// entries are treated as absent (the janitor removes them lazily).
func (d *DB) CacheGet(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value   string
		expires int64
	)
	err := d.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM metadata_cache WHERE key = ?", key,
	).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load cache entry %q: %w", key, err)
	}
	if time.Now().Unix() >= expires {
		return nil, false, nil
	}
	return []byte(value), true, nil
}

// CachePrune deletes expired cache entries and returns how many were removed.
func (d *DB) CachePrune(ctx context.Context) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		"DELETE FROM metadata_cache WHERE expires_at <= ?", time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune metadata cache: %w", err)
	}
	return res.RowsAffected()
}
