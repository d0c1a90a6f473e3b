// Package perf times the maintenance passes (janitor sweeps, startup
// recovery) that run outside any tracing span, and carries their per-item
// tallies into the completion log line.
package perf

import (
	"time"

	"github.com/sirupsen/logrus"
)

// PassTimer measures one maintenance pass and accumulates tallies of the
// items it touched.
type PassTimer struct {
	pass    string
	start   time.Time
	tallies logrus.Fields
	logger  logrus.FieldLogger
}

// StartPass begins timing a maintenance pass.
func StartPass(pass string, logger logrus.FieldLogger) *PassTimer {
	return &PassTimer{
		pass:    pass,
		start:   time.Now(),
		tallies: logrus.Fields{},
		logger:  logger,
	}
}

// Tally records how many items of one kind the pass handled. Repeated calls
// with the same kind accumulate. Returns the timer so tallies can chain.
func (t *PassTimer) Tally(kind string, n int) *PassTimer {
	if prev, ok := t.tallies[kind].(int); ok {
		n += prev
	}
	t.tallies[kind] = n
	return t
}

// Stop finishes the pass and logs its elapsed time with all tallies.
func (t *PassTimer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.logger != nil {
		t.entry(elapsed).Debug("maintenance pass finished")
	}
	return elapsed
}

// StopWithThreshold is Stop, but warns when the pass overran threshold. Slow
// sweeps usually mean the store filesystem is struggling.
func (t *PassTimer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if t.logger == nil {
		return elapsed
	}
	if elapsed > threshold {
		t.entry(elapsed).WithField("threshold_ms", threshold.Milliseconds()).Warn("maintenance pass ran long")
	} else {
		t.entry(elapsed).Debug("maintenance pass finished")
	}
	return elapsed
}

func (t *PassTimer) entry(elapsed time.Duration) *logrus.Entry {
	return t.logger.WithFields(t.tallies).WithFields(logrus.Fields{
		"pass":       t.pass,
		"elapsed_ms": elapsed.Milliseconds(),
	})
}
