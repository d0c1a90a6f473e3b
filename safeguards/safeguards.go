// Package safeguards provides preflight checks and panic containment around
// build execution. Builds are disk-heavy container runs; the guard keeps a
// worker from starting one the host cannot finish.
package safeguards

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Guard serializes admission to build execution and runs a health check
// before each operation.
type Guard struct {
	mu              sync.Mutex
	semaphore       chan struct{}
	activeOps       int
	logger          logrus.FieldLogger
	healthCheckFunc func(context.Context) error
}

// GuardConfig configures the guard.
type GuardConfig struct {
	// MaxConcurrent bounds concurrent guarded operations (default: 1).
	MaxConcurrent int
	// Logger for logging operations
	Logger logrus.FieldLogger
	// HealthCheckFunc is called before each operation is admitted.
	HealthCheckFunc func(context.Context) error
}

// NewGuard creates a guard.
func NewGuard(cfg GuardConfig) *Guard {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Guard{
		semaphore:       make(chan struct{}, cfg.MaxConcurrent),
		logger:          cfg.Logger.WithField("component", "build-guard"),
		healthCheckFunc: cfg.HealthCheckFunc,
	}
}

// Acquire takes a slot, running the health check first.
func (g *Guard) Acquire(ctx context.Context, opName string) error {
	select {
	case g.semaphore <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for build slot: %w", ctx.Err())
	}

	g.mu.Lock()
	g.activeOps++
	active := g.activeOps
	g.mu.Unlock()

	g.logger.WithFields(logrus.Fields{
		"operation":  opName,
		"active_ops": active,
	}).Debug("acquired build slot")

	if g.healthCheckFunc != nil {
		if err := g.healthCheckFunc(ctx); err != nil {
			g.Release(opName)
			return fmt.Errorf("health check failed before %s: %w", opName, err)
		}
	}
	return nil
}

// Release returns a slot.
func (g *Guard) Release(opName string) {
	g.mu.Lock()
	g.activeOps--
	active := g.activeOps
	g.mu.Unlock()

	<-g.semaphore

	g.logger.WithFields(logrus.Fields{
		"operation":  opName,
		"active_ops": active,
	}).Debug("released build slot")
}

// ActiveOperations returns the number of guarded operations in flight.
func (g *Guard) ActiveOperations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeOps
}

// WithOperation runs fn under the guard.
func (g *Guard) WithOperation(ctx context.Context, opName string, fn func() error) error {
	if err := g.Acquire(ctx, opName); err != nil {
		return err
	}
	defer g.Release(opName)
	return fn()
}

// RecoverableOperation wraps fn with panic recovery. A panicking build must
// not take the worker pool down with it.
func RecoverableOperation(logger logrus.FieldLogger, opName string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logger.WithFields(logrus.Fields{
				"operation": opName,
				"panic":     r,
				"stack":     string(stack),
			}).Error("recovered from panic in operation")
			err = fmt.Errorf("panic in operation %s: %v", opName, r)
		}
	}()
	return fn()
}

// DiskChecker verifies the artifact store has room for another build.
type DiskChecker struct {
	path      string
	minFreeMB uint64
	logger    logrus.FieldLogger
}

// NewDiskChecker creates a checker for the given path. A zero minFreeMB
// defaults to 512.
func NewDiskChecker(path string, minFreeMB uint64, logger logrus.FieldLogger) *DiskChecker {
	if minFreeMB == 0 {
		minFreeMB = 512
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DiskChecker{
		path:      path,
		minFreeMB: minFreeMB,
		logger:    logger.WithField("component", "disk-checker"),
	}
}

// Check fails when free space under the store path drops below the floor.
func (d *DiskChecker) Check(ctx context.Context) error {
	var st syscall.Statfs_t
	if err := syscall.Statfs(d.path, &st); err != nil {
		return fmt.Errorf("statfs %s: %w", d.path, err)
	}

	freeMB := st.Bavail * uint64(st.Bsize) / (1024 * 1024)
	if freeMB < d.minFreeMB {
		d.logger.WithFields(logrus.Fields{
			"free_mb": freeMB,
			"min_mb":  d.minFreeMB,
		}).Warn("low disk space in artifact store")
		return fmt.Errorf("low disk space: %dMB free, need %dMB", freeMB, d.minFreeMB)
	}
	return nil
}
