package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	asub "github.com/aparcar/asu-builder"
)

// PutRequest inserts a canonical request. Idempotent: inserting the same
// fingerprint twice is a no-op, which is what makes concurrent identical
// submissions converge on a single row.
func (d *DB) PutRequest(ctx context.Context, req *asub.BuildRequest) error {
	if req.RequestHash == "" {
		return errors.New("database: request has no fingerprint")
	}

	packages, err := json.Marshal(emptySlice(req.Packages))
	if err != nil {
		return fmt.Errorf("failed to encode packages: %w", err)
	}
	pins, err := json.Marshal(emptyMap(req.PackagesVersions))
	if err != nil {
		return fmt.Errorf("failed to encode packages_versions: %w", err)
	}
	repos, err := json.Marshal(emptySlice(req.Repositories))
	if err != nil {
		return fmt.Errorf("failed to encode repositories: %w", err)
	}
	keys, err := json.Marshal(emptySlice(req.RepositoryKeys))
	if err != nil {
		return fmt.Errorf("failed to encode repository_keys: %w", err)
	}

	query := `
		INSERT INTO build_requests (
			request_hash, distro, version, target, profile,
			packages, packages_versions, defaults, rootfs_size_mb,
			repositories, repository_keys, diff_packages,
			skip_package_resolution, client
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_hash) DO NOTHING`
	_, err = d.db.ExecContext(ctx, query,
		req.RequestHash, req.Distro, req.Version, req.Target, req.Profile,
		string(packages), string(pins), req.Defaults, req.RootfsSizeMB,
		string(repos), string(keys), req.DiffPackages,
		req.SkipPackageResolution, req.Client,
	)
	if err != nil {
		return fmt.Errorf("failed to store request: %w", err)
	}
	return nil
}

// GetRequest returns the canonical request for the given fingerprint, or
// ErrNotFound.
func (d *DB) GetRequest(ctx context.Context, requestHash string) (*asub.BuildRequest, error) {
	query := `
		SELECT request_hash, distro, version, target, profile,
		       packages, packages_versions, defaults, rootfs_size_mb,
		       repositories, repository_keys, diff_packages,
		       skip_package_resolution, client, created_at
		FROM build_requests WHERE request_hash = ?`

	var (
		req                        asub.BuildRequest
		packages, pins, repos, key string
	)
	err := d.db.QueryRowContext(ctx, query, requestHash).Scan(
		&req.RequestHash, &req.Distro, &req.Version, &req.Target, &req.Profile,
		&packages, &pins, &req.Defaults, &req.RootfsSizeMB,
		&repos, &key, &req.DiffPackages,
		&req.SkipPackageResolution, &req.Client, &req.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load request: %w", err)
	}

	if err := json.Unmarshal([]byte(packages), &req.Packages); err != nil {
		return nil, fmt.Errorf("corrupt packages column for %s: %w", requestHash, err)
	}
	if err := json.Unmarshal([]byte(pins), &req.PackagesVersions); err != nil {
		return nil, fmt.Errorf("corrupt packages_versions column for %s: %w", requestHash, err)
	}
	if err := json.Unmarshal([]byte(repos), &req.Repositories); err != nil {
		return nil, fmt.Errorf("corrupt repositories column for %s: %w", requestHash, err)
	}
	if err := json.Unmarshal([]byte(key), &req.RepositoryKeys); err != nil {
		return nil, fmt.Errorf("corrupt repository_keys column for %s: %w", requestHash, err)
	}

	return &req, nil
}

func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
