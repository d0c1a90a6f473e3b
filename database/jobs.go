package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	asub "github.com/aparcar/asu-builder"
)

// EnqueueOutcome describes what Enqueue found for the fingerprint.
type EnqueueOutcome string

const (
	// OutcomeNew means a fresh pending job was created.
	OutcomeNew EnqueueOutcome = "new"

	// OutcomeAlreadyInFlight means a job for this fingerprint is already
	// pending or building; the caller becomes a subscriber to it.
	OutcomeAlreadyInFlight EnqueueOutcome = "already-in-flight"

	// OutcomeAlreadyBuilt means a result already exists for this fingerprint.
	OutcomeAlreadyBuilt EnqueueOutcome = "already-built"
)

// Enqueue creates a pending job for the fingerprint iff no job is currently
// pending or building and no result exists. The check and the insert run in
// one transaction; together with the partial unique index on in-flight jobs
// this keeps the single-flight invariant even across processes.
func (d *DB) Enqueue(ctx context.Context, requestHash string) (EnqueueOutcome, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var haveResult bool
	err = tx.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM build_results WHERE request_hash = ?)", requestHash,
	).Scan(&haveResult)
	if err != nil {
		return "", fmt.Errorf("failed to check for existing result: %w", err)
	}
	if haveResult {
		return OutcomeAlreadyBuilt, nil
	}

	var inFlight bool
	err = tx.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM build_jobs WHERE request_hash = ? AND status IN ('pending', 'building'))",
		requestHash,
	).Scan(&inFlight)
	if err != nil {
		return "", fmt.Errorf("failed to check for in-flight job: %w", err)
	}
	if inFlight {
		return OutcomeAlreadyInFlight, nil
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO build_jobs (request_hash, status, enqueued_at) VALUES (?, 'pending', ?)",
		requestHash, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return OutcomeNew, nil
}

// GetJob returns the latest job for the fingerprint, or ErrNotFound. For
// pending jobs the queue position is filled in.
func (d *DB) GetJob(ctx context.Context, requestHash string) (*asub.BuildJob, error) {
	query := `
		SELECT id, request_hash, status, enqueued_at, started_at, finished_at,
		       worker_id, build_cmd, error_message
		FROM build_jobs
		WHERE request_hash = ?
		ORDER BY id DESC LIMIT 1`

	job, err := scanJob(d.db.QueryRowContext(ctx, query, requestHash))
	if err != nil {
		return nil, err
	}

	if job.Status == asub.StatusPending {
		pos, err := d.queuePositionByID(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		job.QueuePosition = pos
	}
	return job, nil
}

// QueueLength returns the number of pending jobs.
func (d *DB) QueueLength(ctx context.Context) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM build_jobs WHERE status = 'pending'").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return n, nil
}

// QueuePosition returns the 1-based position of the fingerprint's pending job
// among pending jobs, counting only jobs admitted earlier. Returns 0 if the
// fingerprint has no pending job.
func (d *DB) QueuePosition(ctx context.Context, requestHash string) (int, error) {
	var id int64
	err := d.db.QueryRowContext(ctx,
		"SELECT id FROM build_jobs WHERE request_hash = ? AND status = 'pending'", requestHash,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up pending job: %w", err)
	}
	return d.queuePositionByID(ctx, id)
}

func (d *DB) queuePositionByID(ctx context.Context, id int64) (int, error) {
	var ahead int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM build_jobs WHERE status = 'pending' AND id < ?", id,
	).Scan(&ahead)
	if err != nil {
		return 0, fmt.Errorf("failed to compute queue position: %w", err)
	}
	return ahead + 1, nil
}

// ClaimPending atomically selects the oldest pending job, flips it to
// building, and stamps the start time and worker id. Returns nil (no error)
// when the queue is empty.
//
// The transition UPDATE is guarded on status = 'pending', so if two workers
// race for the same row only one sees rows-affected = 1; the loser retries
// against the next candidate. This is the single synchronization point
// between workers.
func (d *DB) ClaimPending(ctx context.Context, workerID string) (*asub.BuildJob, error) {
	for {
		var id int64
		err := d.db.QueryRowContext(ctx,
			"SELECT id FROM build_jobs WHERE status = 'pending' ORDER BY id ASC LIMIT 1",
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select pending job: %w", err)
		}

		res, err := d.db.ExecContext(ctx,
			"UPDATE build_jobs SET status = 'building', started_at = ?, worker_id = ? WHERE id = ? AND status = 'pending'",
			time.Now().UTC(), workerID, id,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to claim job %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read claim result: %w", err)
		}
		if n == 0 {
			// Lost the race for this row; another worker took it.
			continue
		}

		return d.getJobByID(ctx, id)
	}
}

// Complete transitions the fingerprint's building job to completed and
// records the build command line.
func (d *DB) Complete(ctx context.Context, requestHash, buildCmd string) error {
	return d.finishJob(ctx, requestHash, asub.StatusCompleted, buildCmd, "")
}

// Fail transitions the fingerprint's in-flight job to failed with the given
// error message.
func (d *DB) Fail(ctx context.Context, requestHash, errMsg string) error {
	return d.finishJob(ctx, requestHash, asub.StatusFailed, "", errMsg)
}

func (d *DB) finishJob(ctx context.Context, requestHash string, status asub.JobStatus, buildCmd, errMsg string) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE build_jobs
		SET status = ?, finished_at = ?,
		    build_cmd = CASE WHEN ? != '' THEN ? ELSE build_cmd END,
		    error_message = CASE WHEN ? != '' THEN ? ELSE error_message END
		WHERE request_hash = ? AND status IN ('pending', 'building')`,
		string(status), time.Now().UTC(), buildCmd, buildCmd, errMsg, errMsg, requestHash,
	)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read finish result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("no in-flight job for %s: %w", requestHash, ErrNotFound)
	}
	return nil
}

// ListBuilding returns all jobs currently marked building, oldest first.
// Used by the startup recovery sweep to find work orphaned by a crash.
func (d *DB) ListBuilding(ctx context.Context) ([]*asub.BuildJob, error) {
	query := `
		SELECT id, request_hash, status, enqueued_at, started_at, finished_at,
		       worker_id, build_cmd, error_message
		FROM build_jobs
		WHERE status = 'building'
		ORDER BY id ASC`

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list building jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*asub.BuildJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListRecentJobs returns the newest jobs, any status, newest first.
func (d *DB) ListRecentJobs(ctx context.Context, limit int) ([]*asub.BuildJob, error) {
	if limit < 1 {
		limit = 20
	}
	query := `
		SELECT id, request_hash, status, enqueued_at, started_at, finished_at,
		       worker_id, build_cmd, error_message
		FROM build_jobs
		ORDER BY id DESC LIMIT ?`

	rows, err := d.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*asub.BuildJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Requeue flips a building job back to pending, clearing the claim stamps.
// Guarded on status so a job finished in the meantime is left alone.
func (d *DB) Requeue(ctx context.Context, jobID int64) error {
	_, err := d.db.ExecContext(ctx,
		"UPDATE build_jobs SET status = 'pending', started_at = NULL, worker_id = NULL WHERE id = ? AND status = 'building'",
		jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to requeue job %d: %w", jobID, err)
	}
	return nil
}

// DeleteFailedJobsBefore removes failed jobs that finished before the cutoff
// and have no surviving result row. Returns the fingerprints removed.
func (d *DB) DeleteFailedJobsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT DISTINCT request_hash FROM build_jobs
		WHERE status = 'failed' AND finished_at < ?`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list expired failures: %w", err)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, h := range hashes {
		if _, err := d.db.ExecContext(ctx,
			"DELETE FROM build_jobs WHERE request_hash = ? AND status = 'failed'", h,
		); err != nil {
			return nil, fmt.Errorf("failed to delete failed jobs for %s: %w", h, err)
		}
	}
	return hashes, nil
}

func (d *DB) getJobByID(ctx context.Context, id int64) (*asub.BuildJob, error) {
	query := `
		SELECT id, request_hash, status, enqueued_at, started_at, finished_at,
		       worker_id, build_cmd, error_message
		FROM build_jobs WHERE id = ?`
	return scanJob(d.db.QueryRowContext(ctx, query, id))
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*asub.BuildJob, error) {
	var (
		job                    asub.BuildJob
		status                 string
		startedAt, finishedAt  sql.NullTime
		worker, cmd, errorText sql.NullString
	)
	err := row.Scan(&job.ID, &job.RequestHash, &status, &job.EnqueuedAt,
		&startedAt, &finishedAt, &worker, &cmd, &errorText)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Status = asub.JobStatus(status)
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	job.WorkerID = worker.String
	job.BuildCmd = cmd.String
	job.ErrorMessage = errorText.String
	return &job, nil
}
