package resource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/dghilardi/port-plumber/internal/config"
)

// ErrHealthcheckExhausted is returned when every healthcheck deadline
// passed without a successful check.
var ErrHealthcheckExhausted = errors.New("healthcheck deadlines exhausted")

// minHealthcheckInterval stops the halving of the timeout.
const minHealthcheckInterval = 1000 * time.Millisecond

// Healthcheck polls a check command with decreasing density: the check is
// retried at deadlines now+timeout/2^k, nearest first.
type Healthcheck struct {
	timeout time.Duration
	check   func(ctx context.Context) error
	now     func() time.Time
	log     *logrus.Entry
}

// NewHealthcheck builds a healthcheck running cfg's command in the temp dir.
func NewHealthcheck(cfg config.HealthcheckConfig, log *logrus.Entry) *Healthcheck {
	runner := NewRunner(cfg.Command, cfg.Args, os.TempDir(), log)
	return &Healthcheck{
		timeout: time.Duration(cfg.TimeoutMillis) * time.Millisecond,
		check:   runner.Run,
		now:     time.Now,
		log:     runner.log,
	}
}

// healthcheckIntervals halves timeout while it is above one second and
// returns every collected value, largest first.
func healthcheckIntervals(timeout time.Duration) []time.Duration {
	intervals := []time.Duration{timeout}
	current := timeout
	for current > minHealthcheckInterval {
		current /= 2
		intervals = append(intervals, current)
	}
	return intervals
}

// deadlines converts the intervals into absolute instants, nearest first.
func (h *Healthcheck) deadlines() []time.Time {
	intervals := healthcheckIntervals(h.timeout)
	now := h.now()
	out := make([]time.Time, 0, len(intervals))
	for i := len(intervals) - 1; i >= 0; i-- {
		out = append(out, now.Add(intervals[i]))
	}
	return out
}

// deadlineBackOff hands out the wait until the next future deadline.
type deadlineBackOff struct {
	deadlines []time.Time
	now       func() time.Time
}

func (b *deadlineBackOff) NextBackOff() time.Duration {
	now := b.now()
	for len(b.deadlines) > 0 && !b.deadlines[0].After(now) {
		b.deadlines = b.deadlines[1:]
	}
	if len(b.deadlines) == 0 {
		return backoff.Stop
	}
	next := b.deadlines[0]
	b.deadlines = b.deadlines[1:]
	return next.Sub(now)
}

func (b *deadlineBackOff) Reset() {}

// WaitUntilHealthy returns nil on the first successful check. A check that
// cannot be executed at all aborts immediately.
func (h *Healthcheck) WaitUntilHealthy(ctx context.Context) error {
	policy := backoff.WithContext(&deadlineBackOff{deadlines: h.deadlines(), now: h.now}, ctx)
	attempt := func() error {
		err := h.check(ctx)
		if err == nil {
			return nil
		}
		if checkCannotRun(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		h.log.WithError(err).WithField("retry_in", wait).Debug("Healthcheck not passing yet")
	}

	err := backoff.RetryNotify(attempt, policy, notify)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if checkCannotRun(err) {
		return fmt.Errorf("healthcheck command cannot run: %w", err)
	}
	return fmt.Errorf("%w: %v", ErrHealthcheckExhausted, err)
}

// checkCannotRun is true when retrying is pointless: missing binary or
// working directory.
func checkCannotRun(err error) bool {
	var pathErr *fs.PathError
	return errors.Is(err, exec.ErrNotFound) || errors.As(err, &pathErr)
}
