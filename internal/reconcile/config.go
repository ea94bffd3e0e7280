package reconcile

import (
	"time"

	"github.com/pkg/errors"
)

// Config carries the reconciliation timing knobs. All four resolution
// deadlines are configuration, never hardcoded at call sites.
type Config struct {
	GraceDelay      time.Duration
	PollInterval    time.Duration
	PollMaxAttempts int
	HardTimeout     time.Duration
	SweepInterval   time.Duration
}

// Validate rejects a configuration whose hard timeout could fire
// before the poller exhausts its budget.
func (c Config) Validate() error {
	if c.GraceDelay <= 0 {
		return errors.New("reconcile: grace delay must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.New("reconcile: poll interval must be positive")
	}
	if c.PollMaxAttempts <= 0 {
		return errors.New("reconcile: poll attempt budget must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("reconcile: sweep interval must be positive")
	}
	pollWindow := c.GraceDelay + time.Duration(c.PollMaxAttempts)*c.PollInterval
	if c.HardTimeout <= pollWindow {
		return errors.Errorf(
			"reconcile: hard timeout %s must exceed grace delay + interval x attempts (%s)",
			c.HardTimeout, pollWindow,
		)
	}
	return nil
}
