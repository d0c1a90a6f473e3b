// Package build runs the per-job pipeline: ensure the ImageBuilder image,
// probe default packages, resolve the package set, execute the build,
// capture the manifest, and publish the result.
//
// The orchestrator owns the per-fingerprint artifact directory and the
// terminal job transition; it never writes outside store/<fingerprint>/ and
// updates counters exactly once per terminal state.
package build

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	asub "github.com/aparcar/asu-builder"
	"github.com/aparcar/asu-builder/container"
	"github.com/aparcar/asu-builder/database"
	"github.com/aparcar/asu-builder/metrics"
	"github.com/aparcar/asu-builder/resolver"
)

var tracer = otel.Tracer("github.com/aparcar/asu-builder/build")

// Artifact extensions published to clients. Everything else in the artifact
// directory (json metadata, checksums, the injected files/ tree) stays
// unlisted.
var artifactExtensions = map[string]bool{
	".bin": true,
	".img": true,
	".gz":  true,
	".trx": true,
}

// Phase names used in failure messages "<phase>: <reason>".
const (
	PhasePull     = "pull"
	PhaseProbe    = "info-probe"
	PhaseResolve  = "resolve"
	PhaseBuild    = "build"
	PhaseManifest = "manifest"
	PhaseDiscover = "discover"
)

// PhaseError names the pipeline phase that failed. Its message is what gets
// stored on the job and surfaced to polling clients.
type PhaseError struct {
	Phase  string
	Reason string
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Phase, e.Reason)
}

// Config holds the orchestrator's operational settings.
type Config struct {
	// StorePath is the root of the per-fingerprint artifact directories.
	StorePath string

	// Registry is the ImageBuilder tag prefix.
	Registry string

	// ProbeTTL bounds how long a memoized default-package probe is trusted.
	ProbeTTL time.Duration
}

// Orchestrator composes the resolver and the container driver over the job
// store.
type Orchestrator struct {
	store  *database.DB
	driver container.Driver
	rules  *resolver.Rules
	cfg    Config
	log    *logrus.Logger
	m      *metrics.Metrics
}

// New creates an orchestrator. A zero ProbeTTL defaults to six hours.
func New(store *database.DB, driver container.Driver, rules *resolver.Rules, cfg Config, log *logrus.Logger, m *metrics.Metrics) *Orchestrator {
	if cfg.ProbeTTL <= 0 {
		cfg.ProbeTTL = 6 * time.Hour
	}
	return &Orchestrator{store: store, driver: driver, rules: rules, cfg: cfg, log: log, m: m}
}

// Run executes the pipeline for a claimed job and applies the terminal
// transition. The returned error is the classified failure (nil on success);
// the job record is already updated either way.
func (o *Orchestrator) Run(ctx context.Context, job *asub.BuildJob) error {
	ctx, span := tracer.Start(ctx, "build.job",
		trace.WithAttributes(attribute.String("request_hash", job.RequestHash)))
	defer span.End()

	log := o.log.WithFields(logrus.Fields{
		"request_hash": job.RequestHash,
		"worker_id":    job.WorkerID,
	})

	// Terminal transitions must land even when ctx is already past its
	// deadline (the timeout path), so database writes use a context that
	// survives cancellation.
	dbCtx := context.WithoutCancel(ctx)

	start := time.Now()
	req, err := o.store.GetRequest(dbCtx, job.RequestHash)
	if err != nil {
		msg := fmt.Sprintf("%s: request record missing", PhaseBuild)
		o.failJob(dbCtx, job, nil, msg, log)
		return fmt.Errorf("load request %s: %w", job.RequestHash, err)
	}

	buildCmd, result, perr := o.pipeline(ctx, req)
	if perr != nil {
		span.RecordError(perr)
		o.failJob(dbCtx, job, req, perr.Error(), log)
		return perr
	}

	result.BuildDurationSeconds = time.Since(start).Seconds()
	if err := o.store.PutResult(dbCtx, result); err != nil && !errors.Is(err, database.ErrAlreadyExists) {
		o.failJob(dbCtx, job, req, fmt.Sprintf("%s: result write failed", PhaseDiscover), log)
		return fmt.Errorf("store result: %w", err)
	}
	if err := o.store.Complete(dbCtx, job.RequestHash, buildCmd); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	o.m.BuildsTotal.WithLabelValues(string(asub.StatusCompleted)).Inc()
	o.m.BuildDuration.Observe(result.BuildDurationSeconds)
	if err := o.store.RecordEvent(dbCtx, database.EventBuildCompleted, req, time.Since(start)); err != nil {
		log.WithError(err).Warn("failed to record completion event")
	}

	log.WithFields(logrus.Fields{
		"images":   len(result.Images),
		"duration": time.Since(start).Round(time.Second),
	}).Info("build completed")
	return nil
}

// failJob applies the failed transition and counts it exactly once.
func (o *Orchestrator) failJob(ctx context.Context, job *asub.BuildJob, req *asub.BuildRequest, msg string, log *logrus.Entry) {
	if err := o.store.Fail(ctx, job.RequestHash, msg); err != nil {
		log.WithError(err).Error("failed to mark job failed")
		return
	}
	o.m.BuildsTotal.WithLabelValues(string(asub.StatusFailed)).Inc()
	if err := o.store.RecordEvent(ctx, database.EventBuildFailed, req, 0); err != nil {
		log.WithError(err).Warn("failed to record failure event")
	}
	log.WithField("error", msg).Warn("build failed")
}

// pipeline runs the build phases and returns the build command line and the
// result to persist. All failures come back as *PhaseError.
func (o *Orchestrator) pipeline(ctx context.Context, req *asub.BuildRequest) (string, *asub.BuildResult, *PhaseError) {
	tag, err := container.Tag(o.cfg.Registry, req.Version, req.Target)
	if err != nil {
		return "", nil, &PhaseError{Phase: PhasePull, Reason: err.Error()}
	}

	if perr := o.ensureImage(ctx, tag); perr != nil {
		return "", nil, perr
	}

	defaults, perr := o.probeDefaults(ctx, tag, req)
	if perr != nil {
		return "", nil, perr
	}

	packages := req.Packages
	if !req.SkipPackageResolution {
		res, err := resolver.Resolve(req, defaults, o.rules)
		if err != nil {
			return "", nil, &PhaseError{Phase: PhaseResolve, Reason: err.Error()}
		}
		packages = res.Packages
	}

	artifactDir := filepath.Join(o.cfg.StorePath, req.RequestHash)
	mounts, perr := o.prepareArtifactDir(artifactDir, req)
	if perr != nil {
		return "", nil, perr
	}

	buildCmd, perr := o.runImageBuild(ctx, tag, req, packages, mounts)
	if perr != nil {
		return buildCmd, nil, perr
	}

	manifest, perr := o.captureManifest(ctx, tag, req)
	if perr != nil {
		return buildCmd, nil, perr
	}

	images, perr := discoverArtifacts(artifactDir)
	if perr != nil {
		return buildCmd, nil, perr
	}

	return buildCmd, &asub.BuildResult{
		RequestHash: req.RequestHash,
		Images:      images,
		Manifest:    manifest,
		BuildAt:     time.Now().UTC(),
	}, nil
}

// ensureImage pulls the tag if it is not already local. Pull failures are
// treated as transient and retried once before the job fails.
func (o *Orchestrator) ensureImage(ctx context.Context, tag string) *PhaseError {
	ctx, span := tracer.Start(ctx, "build.pull", trace.WithAttributes(attribute.String("image", tag)))
	defer span.End()

	exists, err := o.driver.ImageExists(ctx, tag)
	if err != nil {
		return &PhaseError{Phase: PhasePull, Reason: shortReason(err.Error())}
	}
	if exists {
		return nil
	}

	err = backoff.Retry(func() error {
		return o.driver.Pull(ctx, tag)
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), 1), ctx))
	if err != nil {
		span.RecordError(err)
		return &PhaseError{Phase: PhasePull, Reason: shortReason(err.Error())}
	}
	return nil
}

// runImageBuild executes "make image" with the artifact directory bound
// read-write at /builder/bin.
func (o *Orchestrator) runImageBuild(ctx context.Context, tag string, req *asub.BuildRequest, packages []string, extraMounts []container.Mount) (string, *PhaseError) {
	ctx, span := tracer.Start(ctx, "build.image")
	defer span.End()

	cmd := []string{
		"make", "image",
		"PROFILE=" + req.Profile,
		fmt.Sprintf("PACKAGES=%s", strings.Join(packages, " ")),
	}
	if req.RootfsSizeMB > 0 {
		cmd = append(cmd, fmt.Sprintf("ROOTFS_PARTSIZE=%d", req.RootfsSizeMB))
	}
	cmdline := strings.Join(cmd, " ")
	span.SetAttributes(attribute.String("build_cmd", cmdline))

	mounts := append([]container.Mount{{
		Source: filepath.Join(o.cfg.StorePath, req.RequestHash),
		Target: "/builder/bin",
	}}, extraMounts...)

	res, err := o.runContainer(ctx, container.RunOptions{
		Image:   tag,
		Name:    containerName(req.RequestHash, "image"),
		Command: cmd,
		Mounts:  mounts,
		WorkDir: "/builder",
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, context.DeadlineExceeded) {
			return cmdline, &PhaseError{Phase: PhaseBuild, Reason: "timeout"}
		}
		return cmdline, &PhaseError{Phase: PhaseBuild, Reason: shortReason(err.Error())}
	}
	if res.ExitCode != 0 {
		return cmdline, &PhaseError{Phase: PhaseBuild, Reason: buildFailureReason(res)}
	}
	return cmdline, nil
}

// captureManifest runs "make manifest" and validates any version pins
// against it. The ImageBuilder cannot pin inside PACKAGES=, so this is where
// requested versions are enforced.
func (o *Orchestrator) captureManifest(ctx context.Context, tag string, req *asub.BuildRequest) (string, *PhaseError) {
	ctx, span := tracer.Start(ctx, "build.manifest")
	defer span.End()

	res, err := o.runContainer(ctx, container.RunOptions{
		Image:   tag,
		Name:    containerName(req.RequestHash, "manifest"),
		Command: []string{"make", "manifest", "PROFILE=" + req.Profile},
		WorkDir: "/builder",
	})
	if err != nil {
		span.RecordError(err)
		return "", &PhaseError{Phase: PhaseManifest, Reason: shortReason(err.Error())}
	}
	if res.ExitCode != 0 {
		return "", &PhaseError{Phase: PhaseManifest, Reason: fmt.Sprintf("exit code %d", res.ExitCode)}
	}
	manifest := res.Output
	if strings.TrimSpace(manifest) == "" {
		return "", &PhaseError{Phase: PhaseManifest, Reason: "empty manifest"}
	}

	if len(req.PackagesVersions) > 0 {
		if reason := validatePins(manifest, req.PackagesVersions); reason != "" {
			return "", &PhaseError{Phase: PhaseManifest, Reason: reason}
		}
	}
	return manifest, nil
}

// runContainer retries driver-level failures (socket errors, runtime
// unavailable) once. A container that ran and exited non-zero is a build
// outcome, not a transient error, and is never retried.
func (o *Orchestrator) runContainer(ctx context.Context, opts container.RunOptions) (*container.RunResult, error) {
	var res *container.RunResult
	err := backoff.Retry(func() error {
		var err error
		res, err = o.driver.Run(ctx, opts)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), 1), ctx))
	return res, err
}

func containerName(requestHash, phase string) string {
	short := requestHash
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("asu-%s-%s", short, phase)
}

// buildFailureReason condenses a failed build's output to its last
// non-empty line, which for the ImageBuilder is usually the make error.
func buildFailureReason(res *container.RunResult) string {
	lines := strings.Split(strings.TrimRight(res.Output, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return fmt.Sprintf("exit code %d: %s", res.ExitCode, shortReason(line))
		}
	}
	return fmt.Sprintf("exit code %d", res.ExitCode)
}

func shortReason(s string) string {
	const max = 200
	if len(s) > max {
		return s[:max]
	}
	return s
}
