package database

// schemaMigrationsTable creates the schema_migrations table for tracking database versions.
const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT
);
`

// initialSchema contains the initial database schema (version 1).
const initialSchema = `
-- build_requests table: canonical requests keyed by fingerprint
CREATE TABLE IF NOT EXISTS build_requests (
    request_hash TEXT PRIMARY KEY,
    distro TEXT NOT NULL,
    version TEXT NOT NULL,
    target TEXT NOT NULL,
    profile TEXT NOT NULL,
    packages TEXT NOT NULL DEFAULT '[]',
    packages_versions TEXT NOT NULL DEFAULT '{}',
    defaults TEXT NOT NULL DEFAULT '',
    rootfs_size_mb INTEGER NOT NULL DEFAULT 0,
    repositories TEXT NOT NULL DEFAULT '[]',
    repository_keys TEXT NOT NULL DEFAULT '[]',
    diff_packages BOOLEAN NOT NULL DEFAULT 0,
    skip_package_resolution BOOLEAN NOT NULL DEFAULT 0,
    client TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    CHECK (diff_packages IN (0, 1)),
    CHECK (skip_package_resolution IN (0, 1)),
    CHECK (rootfs_size_mb >= 0)
);

CREATE INDEX IF NOT EXISTS idx_build_requests_version_target ON build_requests(version, target);

-- build_jobs table: the queue. At most one job per fingerprint may be
-- pending or building; the partial unique index enforces it.
CREATE TABLE IF NOT EXISTS build_jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_hash TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    enqueued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    started_at DATETIME,
    finished_at DATETIME,
    worker_id TEXT,
    build_cmd TEXT,
    error_message TEXT,

    FOREIGN KEY (request_hash) REFERENCES build_requests(request_hash) ON DELETE CASCADE,
    CHECK (status IN ('pending', 'building', 'completed', 'failed'))
);

CREATE INDEX IF NOT EXISTS idx_build_jobs_request_hash ON build_jobs(request_hash);
CREATE INDEX IF NOT EXISTS idx_build_jobs_status ON build_jobs(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_build_jobs_in_flight
    ON build_jobs(request_hash) WHERE status IN ('pending', 'building');

-- build_results table: cached artifact descriptors, written once per fingerprint
CREATE TABLE IF NOT EXISTS build_results (
    request_hash TEXT PRIMARY KEY,
    images TEXT NOT NULL DEFAULT '[]',
    manifest TEXT NOT NULL DEFAULT '',
    build_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    build_duration_seconds REAL NOT NULL DEFAULT 0,

    FOREIGN KEY (request_hash) REFERENCES build_requests(request_hash) ON DELETE CASCADE,
    CHECK (build_duration_seconds >= 0)
);

CREATE INDEX IF NOT EXISTS idx_build_results_build_at ON build_results(build_at);

-- stats_events table: one row per counted event (request, cache_hit,
-- build_completed, build_failed), aggregated on read.
CREATE TABLE IF NOT EXISTS stats_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event TEXT NOT NULL,
    version TEXT,
    target TEXT,
    profile TEXT,
    client TEXT,
    diff_packages BOOLEAN,
    duration_seconds REAL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_stats_events_event ON stats_events(event);
CREATE INDEX IF NOT EXISTS idx_stats_events_created_at ON stats_events(created_at);
`

// metadataCacheSchema adds the free-form metadata cache (version 2). The
// default-package probe memoizes "make info" output here per
// (version, target, profile); the cache is advisory and may be pruned at any
// time without affecting correctness.
const metadataCacheSchema = `
CREATE TABLE IF NOT EXISTS metadata_cache (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_metadata_cache_expires_at ON metadata_cache(expires_at);
`
