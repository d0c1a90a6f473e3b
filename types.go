// Package asub defines the canonical request, job, and result types for the
// on-demand OpenWrt firmware build service, together with request validation
// and fingerprint derivation.
//
// A BuildRequest is canonicalized exactly once at the API boundary; everything
// downstream (cache lookups, queue admission, worker claims, artifact storage)
// keys off the fingerprint derived from the canonical form.
package asub

import "time"

// JobStatus is the lifecycle state of a build job. Transitions only move
// forward: pending -> building -> completed|failed.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusBuilding  JobStatus = "building"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// BuildRequest is the canonical input to the build pipeline.
//
// Callers SHOULD NOT compute RequestHash directly. Canonicalize validates and
// normalizes the request and derives the hash via Fingerprint, which is the
// single source of truth for request identity and deduplication.
type BuildRequest struct {
	// RequestHash is the derived fingerprint (set by Canonicalize).
	RequestHash string `json:"request_hash,omitempty"`

	// Distro is the distribution name; defaults to "openwrt".
	Distro string `json:"distro,omitempty"`

	// Version is the release version (e.g. "23.05.0", "24.10.0-rc2", "SNAPSHOT").
	Version string `json:"version"`

	// Target is "<target>/<subtarget>" (e.g. "ath79/generic").
	Target string `json:"target"`

	// Profile is the device profile within the target (e.g. "tplink_archer-c7-v5").
	Profile string `json:"profile"`

	// Packages is the requested package set. With DiffPackages it is a delta
	// against the device's installed set; a leading "-" removes a package.
	Packages []string `json:"packages,omitempty"`

	// PackagesVersions pins package versions by name.
	PackagesVersions map[string]string `json:"packages_versions,omitempty"`

	// Defaults is an optional first-boot script injected as a uci-defaults file.
	Defaults string `json:"defaults,omitempty"`

	// RootfsSizeMB overrides the rootfs partition size when non-zero.
	RootfsSizeMB int `json:"rootfs_size_mb,omitempty"`

	// Repositories are extra package feeds, paired positionally with
	// RepositoryKeys. Order is semantically meaningful (feed precedence).
	Repositories   []string `json:"repositories,omitempty"`
	RepositoryKeys []string `json:"repository_keys,omitempty"`

	// DiffPackages switches Packages from absolute-set to delta semantics.
	DiffPackages bool `json:"diff_packages,omitempty"`

	// SkipPackageResolution makes the orchestrator use Packages verbatim.
	// Set by the prepare flow, which has already resolved the set.
	SkipPackageResolution bool `json:"skip_package_resolution,omitempty"`

	// Client is an opaque caller identifier recorded with stats events.
	Client string `json:"client,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// BuildJob is a queue entry. The job store exclusively owns its transitions;
// at most one job per fingerprint may be pending or building at any instant.
type BuildJob struct {
	ID            int64      `json:"id"`
	RequestHash   string     `json:"request_hash"`
	Status        JobStatus  `json:"status"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	WorkerID      string     `json:"worker_id,omitempty"`
	QueuePosition int        `json:"queue_position,omitempty"`
	BuildCmd      string     `json:"build_cmd,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// BuildResult is the cached artifact descriptor for a completed build.
// Written exactly once per fingerprint; immutable afterwards.
type BuildResult struct {
	RequestHash string `json:"request_hash"`

	// Images are artifact paths relative to the per-fingerprint blob directory.
	Images []string `json:"images"`

	// Manifest is the ImageBuilder's installed package name/version listing.
	Manifest string `json:"manifest,omitempty"`

	BuildAt time.Time `json:"build_at"`

	// CacheHit is false at first write; set on read-path responses to signal
	// deduplication.
	CacheHit bool `json:"cache_hit"`

	BuildDurationSeconds float64 `json:"build_duration,omitempty"`
}

// Package change types and actions emitted by the resolver.
const (
	ChangeTypeMigration = "migration"
	ChangeTypeAddition  = "addition"
	ChangeTypeRemoval   = "removal"
	ChangeTypePin       = "pin"

	ChangeActionReplace = "replace"
	ChangeActionAdd     = "add"
	ChangeActionRemove  = "remove"
	ChangeActionPin     = "pin"
)

// PackageChange is one audit record from the resolver. The resolver emits an
// ordered list of these per request.
type PackageChange struct {
	Type        string `json:"type"`
	Action      string `json:"action"`
	Package     string `json:"package,omitempty"`
	FromPackage string `json:"from_package,omitempty"`
	ToPackage   string `json:"to_package,omitempty"`
	Version     string `json:"version,omitempty"`
	Reason      string `json:"reason"`
	Automatic   bool   `json:"automatic"`
}
