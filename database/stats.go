package database

import (
	"context"
	"fmt"
	"time"

	asub "github.com/aparcar/asu-builder"
)

// Stats event names. Each terminal transition and each admission outcome is
// recorded exactly once.
const (
	EventRequest        = "request"
	EventCacheHit       = "cache_hit"
	EventBuildCompleted = "build_completed"
	EventBuildFailed    = "build_failed"
	EventQueueFull      = "queue_full"
)

// RecordEvent appends one stats event. req may be nil for events that are not
// tied to a concrete request.
func (d *DB) RecordEvent(ctx context.Context, event string, req *asub.BuildRequest, duration time.Duration) error {
	var version, target, profile, client string
	var diff bool
	if req != nil {
		version, target, profile = req.Version, req.Target, req.Profile
		client = req.Client
		diff = req.DiffPackages
	}

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO stats_events (event, version, target, profile, client, diff_packages, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event, version, target, profile, client, diff, duration.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s event: %w", event, err)
	}
	return nil
}

// Counters returns the total event count per event name.
func (d *DB) Counters(ctx context.Context) (map[string]int64, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT event, COUNT(*) FROM stats_events GROUP BY event")
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate counters: %w", err)
	}
	defer rows.Close()

	counters := make(map[string]int64)
	for rows.Next() {
		var event string
		var n int64
		if err := rows.Scan(&event, &n); err != nil {
			return nil, err
		}
		counters[event] = n
	}
	return counters, rows.Err()
}

// AverageBuildDuration returns the mean duration of completed builds, zero if
// none have completed yet.
func (d *DB) AverageBuildDuration(ctx context.Context) (time.Duration, error) {
	var seconds float64
	err := d.db.QueryRowContext(ctx,
		"SELECT COALESCE(AVG(duration_seconds), 0) FROM stats_events WHERE event = ?",
		EventBuildCompleted,
	).Scan(&seconds)
	if err != nil {
		return 0, fmt.Errorf("failed to average build durations: %w", err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}
