package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type Level int

const (
	LevelOK Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelOK:
		return "ok"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// State is the last known lifecycle state of a route's resource.
type State string

const (
	StateStopped   State = "stopped"
	StateStarting  State = "starting"
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
)

type Status struct {
	Level     Level     `json:"level"`
	State     State     `json:"state"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tracker keeps the health of every route whose resource has been started
// at least once. It is fed by resource lifecycle notifications.
type Tracker struct {
	mu       sync.RWMutex
	clock    clock.Clock
	statuses map[string]Status
}

func NewTracker() *Tracker {
	return NewTrackerWithClock(clock.New())
}

func NewTrackerWithClock(clk clock.Clock) *Tracker {
	return &Tracker{clock: clk, statuses: make(map[string]Status)}
}

func (t *Tracker) set(route string, level Level, state State, msg string) {
	t.mu.Lock()
	t.statuses[route] = Status{Level: level, State: state, Message: msg, UpdatedAt: t.clock.Now().UTC()}
	t.mu.Unlock()
}

func (t *Tracker) ResourceStarted(route string) {
	t.set(route, LevelOK, StateStarting, "")
}

// ResourceStopped keeps an unhealthy status visible: a resource stopped
// after a failed healthcheck is still reported as failing.
func (t *Tracker) ResourceStopped(route string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.statuses[route]
	st := Status{Level: LevelOK, State: StateStopped, UpdatedAt: t.clock.Now().UTC()}
	if ok && prev.State == StateUnhealthy {
		st.Level = LevelWarn
		st.Message = prev.Message
	}
	t.statuses[route] = st
}

func (t *Tracker) HealthcheckPassed(route string) {
	t.set(route, LevelOK, StateHealthy, "")
}

func (t *Tracker) HealthcheckFailed(route string, err error) {
	msg := "healthcheck failed"
	if err != nil {
		msg = err.Error()
	}
	t.set(route, LevelError, StateUnhealthy, msg)
}

func (t *Tracker) Status(route string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.statuses[route]
	return s, ok
}

func (t *Tracker) Snapshot() map[string]Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Status, len(t.statuses))
	for k, v := range t.statuses {
		out[k] = v
	}
	return out
}

func (t *Tracker) Overall() Level {
	t.mu.RLock()
	defer t.mu.RUnlock()
	worst := LevelOK
	for _, st := range t.statuses {
		if st.Level > worst {
			worst = st.Level
		}
	}
	return worst
}
