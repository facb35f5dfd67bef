package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Component is a long-lived part of the daemon: the plumber, the control
// socket, the DNS front-end.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Supervisor starts components in registration order and stops them in
// reverse.
type Supervisor struct {
	mu         sync.Mutex
	components []Component
	started    []Component
	log        *logrus.Entry
}

func New(log *logrus.Entry) *Supervisor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{log: log.WithField("component", "supervisor")}
}

// Register adds a component. Registering after Start panics.
func (s *Supervisor) Register(c Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started != nil {
		panic("supervisor: cannot register component after start")
	}
	s.components = append(s.components, c)
}

// Start starts every component. On failure the ones already started are
// stopped in reverse order and the start error is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started != nil {
		s.mu.Unlock()
		return nil
	}
	comps := append([]Component(nil), s.components...)
	s.started = make([]Component, 0, len(comps))
	s.mu.Unlock()

	for _, c := range comps {
		s.log.WithField("name", c.Name()).Debug("Starting component")
		if err := c.Start(ctx); err != nil {
			startErr := fmt.Errorf("start %s: %w", c.Name(), err)
			if stopErr := s.Stop(ctx); stopErr != nil {
				s.log.WithError(stopErr).Warn("Rollback after failed start")
			}
			return startErr
		}
		s.mu.Lock()
		s.started = append(s.started, c)
		s.mu.Unlock()
	}
	return nil
}

// Stop stops the started components in reverse order and returns every
// failure combined. Calling it before Start is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	comps := s.started
	s.started = nil
	s.mu.Unlock()

	var err error
	for i := len(comps) - 1; i >= 0; i-- {
		s.log.WithField("name", comps[i].Name()).Debug("Stopping component")
		if stopErr := comps[i].Stop(ctx); stopErr != nil {
			err = multierr.Append(err, fmt.Errorf("stop %s: %w", comps[i].Name(), stopErr))
		}
	}
	return err
}
