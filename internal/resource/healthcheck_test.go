package resource

import (
	"context"
	"errors"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dghilardi/port-plumber/internal/config"
)

func TestHealthcheckIntervals(t *testing.T) {
	assert.Equal(t,
		[]time.Duration{8000 * time.Millisecond, 4000 * time.Millisecond, 2000 * time.Millisecond, 1000 * time.Millisecond},
		healthcheckIntervals(8000*time.Millisecond))
	assert.Equal(t,
		[]time.Duration{3000 * time.Millisecond, 1500 * time.Millisecond, 750 * time.Millisecond},
		healthcheckIntervals(3000*time.Millisecond))
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, healthcheckIntervals(500*time.Millisecond))
}

func TestHealthcheckDeadlinesNearestFirst(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h := &Healthcheck{timeout: 8 * time.Second, now: func() time.Time { return base }}

	got := h.deadlines()
	want := []time.Time{
		base.Add(1 * time.Second),
		base.Add(2 * time.Second),
		base.Add(4 * time.Second),
		base.Add(8 * time.Second),
	}
	assert.Equal(t, want, got)
}

func TestDeadlineBackOffSkipsPastDeadlines(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base.Add(3 * time.Second)
	b := &deadlineBackOff{
		deadlines: []time.Time{base.Add(time.Second), base.Add(2 * time.Second), base.Add(4 * time.Second)},
		now:       func() time.Time { return now },
	}

	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, time.Duration(-1), b.NextBackOff(), "exhausted policy returns backoff.Stop")
}

func newTestHealthcheck(timeout time.Duration, check func(ctx context.Context) error) *Healthcheck {
	logger, _ := logrusTestLogger()
	return &Healthcheck{timeout: timeout, check: check, now: time.Now, log: logger}
}

func logrusTestLogger() (*logrus.Entry, *logrus.Logger) {
	l := logrus.New()
	l.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(l), l
}

func TestWaitUntilHealthyRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	h := newTestHealthcheck(1200*time.Millisecond, func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	start := time.Now()
	require.NoError(t, h.WaitUntilHealthy(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
	// deadlines at 600ms and 1200ms
	assert.GreaterOrEqual(t, time.Since(start), 1100*time.Millisecond)
}

func TestWaitUntilHealthyExhausts(t *testing.T) {
	var calls atomic.Int32
	h := newTestHealthcheck(100*time.Millisecond, func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("down")
	})

	err := h.WaitUntilHealthy(context.Background())
	require.ErrorIs(t, err, ErrHealthcheckExhausted)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWaitUntilHealthyStopsOnMissingBinary(t *testing.T) {
	var calls atomic.Int32
	h := newTestHealthcheck(5*time.Second, func(ctx context.Context) error {
		calls.Add(1)
		return &exec.Error{Name: "nope", Err: exec.ErrNotFound}
	})

	err := h.WaitUntilHealthy(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrHealthcheckExhausted)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWaitUntilHealthyHonoursContext(t *testing.T) {
	h := newTestHealthcheck(10*time.Second, func(ctx context.Context) error {
		return errors.New("down")
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := h.WaitUntilHealthy(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewHealthcheckRunsCommand(t *testing.T) {
	logger, _ := logrusTestLogger()
	h := NewHealthcheck(config.HealthcheckConfig{Command: "true", TimeoutMillis: 1000}, logger)
	assert.NoError(t, h.WaitUntilHealthy(context.Background()))

	h = NewHealthcheck(config.HealthcheckConfig{Command: "false", TimeoutMillis: 200}, logger)
	assert.ErrorIs(t, h.WaitUntilHealthy(context.Background()), ErrHealthcheckExhausted)
}
