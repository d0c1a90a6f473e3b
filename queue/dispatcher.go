// Package queue drives the durable job queue: a worker pool that claims and
// runs pending builds, a janitor that retires expired results, and a startup
// sweep that recovers jobs orphaned by a crash.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	asub "github.com/aparcar/asu-builder"
	"github.com/aparcar/asu-builder/database"
	"github.com/aparcar/asu-builder/safeguards"
)

// Runner executes a claimed job to its terminal state. Satisfied by
// build.Orchestrator.
type Runner interface {
	Run(ctx context.Context, job *asub.BuildJob) error
}

// Dispatcher polls the queue with a fixed pool of workers. Each worker claims
// at most one job at a time, so worker count bounds build concurrency.
type Dispatcher struct {
	db      *database.DB
	runner  Runner
	log     *logrus.Logger
	workers int
	poll    time.Duration
	timeout time.Duration

	// Guard, when set, gates each build behind a preflight check. Optional.
	Guard *safeguards.Guard

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given pool size, poll interval,
// and per-job deadline.
func NewDispatcher(db *database.DB, runner Runner, workers int, poll, timeout time.Duration, log *logrus.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Dispatcher{
		db:      db,
		runner:  runner,
		log:     log,
		workers: workers,
		poll:    poll,
		timeout: timeout,
	}
}

// Start launches the worker pool. Workers stop when ctx is canceled; a build
// already in flight finishes its terminal transition before the worker exits.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		id := "worker-" + ulid.Make().String()
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.work(ctx, id)
		}()
	}
	d.log.WithField("workers", d.workers).Info("dispatcher started")
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context, workerID string) {
	log := d.log.WithField("worker_id", workerID)
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		// The guard is taken before claiming so a refused preflight leaves
		// the job pending for a healthier moment, not stuck in building.
		if d.Guard != nil {
			if err := d.Guard.Acquire(ctx, "build"); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.WithError(err).Warn("build preflight refused")
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				continue
			}
		}

		job, err := d.db.ClaimPending(ctx, workerID)
		if err != nil {
			log.WithError(err).Error("failed to claim job")
		}
		if job != nil {
			d.runOne(ctx, job, log)
			if d.Guard != nil {
				d.Guard.Release("build")
			}
			// Drain the queue before going back to sleep.
			continue
		}
		if d.Guard != nil {
			d.Guard.Release("build")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) runOne(ctx context.Context, job *asub.BuildJob, log *logrus.Entry) {
	jobCtx := ctx
	var cancel context.CancelFunc
	if d.timeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	log.WithField("request_hash", job.RequestHash).Info("starting build")

	err := safeguards.RecoverableOperation(log, "build", func() error {
		return d.runner.Run(jobCtx, job)
	})
	if err != nil {
		// The runner already recorded the terminal state; this is operator
		// visibility only.
		log.WithError(err).WithField("request_hash", job.RequestHash).Warn("build did not complete")
	}
}
