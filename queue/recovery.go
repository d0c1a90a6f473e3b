package queue

import (
	"context"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/aparcar/asu-builder/database"
	"github.com/aparcar/asu-builder/perf"
)

// Recover handles jobs left in the building state by an unclean shutdown.
// Called once at startup, before any worker claims a job.
//
// A job whose artifact directory is absent or empty never got anywhere and is
// safe to requeue. A job that already wrote into its directory is failed
// instead, because re-running over a half-written tree could publish a mix of
// old and new artifacts. The fingerprint can be resubmitted once the failure
// TTL forgets it.
func Recover(ctx context.Context, db *database.DB, storePath string, log *logrus.Logger) error {
	timer := perf.StartPass("startup-recovery", log)
	defer timer.Stop()

	orphans, err := db.ListBuilding(ctx)
	if err != nil {
		return err
	}

	for _, job := range orphans {
		jlog := log.WithFields(logrus.Fields{
			"request_hash": job.RequestHash,
			"worker_id":    job.WorkerID,
		})

		dir := filepath.Join(storePath, job.RequestHash)
		if artifactDirEmpty(dir) {
			if err := db.Requeue(ctx, job.ID); err != nil {
				jlog.WithError(err).Error("failed to requeue orphaned job")
				continue
			}
			timer.Tally("jobs_requeued", 1)
			jlog.Info("requeued job orphaned by restart")
			continue
		}

		if err := db.Fail(ctx, job.RequestHash, "build: interrupted by restart"); err != nil {
			jlog.WithError(err).Error("failed to fail orphaned job")
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			jlog.WithError(err).Warn("failed to remove partial artifact dir")
		}
		timer.Tally("jobs_failed", 1)
		jlog.Warn("failed job with partial artifacts after restart")
	}
	return nil
}

// artifactDirEmpty reports whether dir is missing or contains no entries.
func artifactDirEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return true
	}
	return len(entries) == 0
}
