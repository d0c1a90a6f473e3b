package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	asub "github.com/aparcar/asu-builder"
)

// PutResult inserts a build result. Single-writer: a second insert for the
// same fingerprint returns ErrAlreadyExists, because results are immutable
// once written.
func (d *DB) PutResult(ctx context.Context, result *asub.BuildResult) error {
	images, err := json.Marshal(emptySlice(result.Images))
	if err != nil {
		return fmt.Errorf("failed to encode images: %w", err)
	}

	buildAt := result.BuildAt
	if buildAt.IsZero() {
		buildAt = time.Now().UTC()
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO build_results (request_hash, images, manifest, build_at, build_duration_seconds)
		VALUES (?, ?, ?, ?, ?)`,
		result.RequestHash, string(images), result.Manifest, buildAt, result.BuildDurationSeconds,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "constraint failed") {
			return fmt.Errorf("result for %s: %w", result.RequestHash, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

// GetResult returns the build result for the fingerprint, or ErrNotFound.
// The returned record has CacheHit unset; the read path decides whether the
// response counts as a cache hit.
func (d *DB) GetResult(ctx context.Context, requestHash string) (*asub.BuildResult, error) {
	var (
		result asub.BuildResult
		images string
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT request_hash, images, manifest, build_at, build_duration_seconds
		FROM build_results WHERE request_hash = ?`, requestHash,
	).Scan(&result.RequestHash, &images, &result.Manifest, &result.BuildAt, &result.BuildDurationSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load result: %w", err)
	}

	if err := json.Unmarshal([]byte(images), &result.Images); err != nil {
		return nil, fmt.Errorf("corrupt images column for %s: %w", requestHash, err)
	}
	return &result, nil
}

// Expire deletes the result row for the fingerprint. The caller owns deleting
// the artifact blobs on disk; this only removes the reference. Idempotent.
func (d *DB) Expire(ctx context.Context, requestHash string) error {
	if _, err := d.db.ExecContext(ctx,
		"DELETE FROM build_results WHERE request_hash = ?", requestHash,
	); err != nil {
		return fmt.Errorf("failed to expire result: %w", err)
	}
	return nil
}

// ListResultsBefore returns the fingerprints of results built before the
// cutoff, for TTL expiry.
func (d *DB) ListResultsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT request_hash FROM build_results WHERE build_at < ?", cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list expired results: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}
