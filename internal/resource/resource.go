package resource

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dghilardi/port-plumber/internal/config"
)

// Resource is the backing process of a port mapping. A Resource without a
// runner is empty and every operation on it is a no-op.
type Resource struct {
	route       string
	runner      *Runner
	warmup      time.Duration
	healthcheck *Healthcheck
	observer    Observer
	stopGrace   time.Duration
	log         *logrus.Entry
}

// Option customises a Resource.
type Option func(*Resource)

// WithObserver reports lifecycle transitions to o.
func WithObserver(o Observer) Option {
	return func(r *Resource) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithLogger sets the base logger.
func WithLogger(log *logrus.Entry) Option {
	return func(r *Resource) { r.log = log }
}

// WithStopGrace overrides how long Stop waits between SIGTERM and SIGKILL.
func WithStopGrace(d time.Duration) Option {
	return func(r *Resource) { r.stopGrace = d }
}

// New builds the resource for route from cfg; a nil cfg yields an empty
// resource.
func New(route string, cfg *config.ResourceConfig, opts ...Option) (*Resource, error) {
	r := &Resource{
		route:    route,
		observer: Observers(nil),
		log:      logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithField("route", route)
	if cfg == nil {
		return r, nil
	}
	if cfg.Setup.Command == "" {
		return nil, fmt.Errorf("resource for %s: setup command cannot be empty", route)
	}

	r.runner = NewRunner(cfg.Setup.Command, cfg.Setup.Args, cfg.Setup.WorkingDir, r.log)
	if r.stopGrace > 0 {
		r.runner.SetStopGrace(r.stopGrace)
	}
	r.warmup = time.Duration(cfg.WarmupMillis) * time.Millisecond
	if cfg.Healthcheck != nil {
		r.healthcheck = NewHealthcheck(*cfg.Healthcheck, r.log)
	}
	return r, nil
}

// EnsureRunning starts the process if it is not alive, waits out the warmup
// and then the healthcheck. A healthcheck that never passes is logged and
// does not fail the call: connections are let through regardless.
func (r *Resource) EnsureRunning(ctx context.Context) error {
	if r.runner == nil || r.runner.IsRunning() {
		return nil
	}

	r.log.WithField("command", r.runner.String()).Info("Spawning resource command")
	if err := r.runner.Start(); err != nil {
		return err
	}
	r.observer.ResourceStarted(r.route)

	if r.warmup > 0 {
		t := time.NewTimer(r.warmup)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}

	if r.healthcheck != nil {
		if err := r.healthcheck.WaitUntilHealthy(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.WithError(err).Error("Error waiting process startup")
			r.observer.HealthcheckFailed(r.route, err)
			return nil
		}
		r.observer.HealthcheckPassed(r.route)
	}
	return nil
}

// EnsureStopped terminates the process if it is alive.
func (r *Resource) EnsureStopped() error {
	if r.runner == nil || !r.runner.IsRunning() {
		return nil
	}
	r.log.Info("Stopping resource command")
	if err := r.runner.Stop(); err != nil {
		return err
	}
	r.observer.ResourceStopped(r.route)
	return nil
}
