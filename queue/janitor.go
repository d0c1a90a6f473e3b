package queue

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aparcar/asu-builder/database"
	"github.com/aparcar/asu-builder/perf"
)

// Janitor retires cached results past their TTL, forgets old failed jobs so
// their fingerprints can be resubmitted, and prunes the metadata cache.
type Janitor struct {
	db         *database.DB
	storePath  string
	buildTTL   time.Duration
	failureTTL time.Duration
	interval   time.Duration
	log        *logrus.Logger
}

// NewJanitor creates a janitor. A zero interval defaults to one minute.
func NewJanitor(db *database.DB, storePath string, buildTTL, failureTTL, interval time.Duration, log *logrus.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{
		db:         db,
		storePath:  storePath,
		buildTTL:   buildTTL,
		failureTTL: failureTTL,
		interval:   interval,
		log:        log,
	}
}

// Start runs periodic sweeps until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Sweep(ctx); err != nil {
				j.log.WithError(err).Error("janitor sweep failed")
			}
		}
	}
}

// Sweep performs one pass. Expiry is idempotent, so a sweep interrupted by
// shutdown just leaves work for the next one.
func (j *Janitor) Sweep(ctx context.Context) error {
	timer := perf.StartPass("janitor-sweep", j.log)
	defer timer.StopWithThreshold(30 * time.Second)

	now := time.Now().UTC()

	expired, err := j.db.ListResultsBefore(ctx, now.Add(-j.buildTTL))
	if err != nil {
		return err
	}
	timer.Tally("results_expired", len(expired))
	for _, hash := range expired {
		if err := j.db.Expire(ctx, hash); err != nil {
			j.log.WithError(err).WithField("request_hash", hash).Warn("failed to expire result")
			continue
		}
		j.removeArtifacts(hash)
		j.log.WithField("request_hash", hash).Debug("expired cached build")
	}

	failed, err := j.db.DeleteFailedJobsBefore(ctx, now.Add(-j.failureTTL))
	if err != nil {
		return err
	}
	timer.Tally("failed_jobs_forgotten", len(failed))
	for _, hash := range failed {
		// A failed build may have left a partial artifact tree behind.
		j.removeArtifacts(hash)
	}
	if len(failed) > 0 {
		j.log.WithField("count", len(failed)).Debug("forgot old failed jobs")
	}

	pruned, err := j.db.CachePrune(ctx)
	if err != nil {
		return err
	}
	timer.Tally("cache_entries_pruned", int(pruned))
	return nil
}

func (j *Janitor) removeArtifacts(hash string) {
	if hash == "" || j.storePath == "" {
		return
	}
	dir := filepath.Join(j.storePath, hash)
	if err := os.RemoveAll(dir); err != nil {
		j.log.WithError(err).WithField("dir", dir).Warn("failed to remove artifact dir")
	}
}
