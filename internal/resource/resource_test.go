package resource

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dghilardi/port-plumber/internal/config"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) record(ev string) {
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()
}

func (o *recordingObserver) ResourceStarted(route string)   { o.record("started:" + route) }
func (o *recordingObserver) ResourceStopped(route string)   { o.record("stopped:" + route) }
func (o *recordingObserver) HealthcheckPassed(route string) { o.record("healthy:" + route) }
func (o *recordingObserver) HealthcheckFailed(route string, err error) {
	o.record("unhealthy:" + route)
}

func (o *recordingObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func TestEmptyResourceIsNoop(t *testing.T) {
	obs := &recordingObserver{}
	r, err := New("empty", nil, WithObserver(obs))
	require.NoError(t, err)
	assert.Nil(t, r.runner, "no command configured")

	assert.NoError(t, r.EnsureRunning(context.Background()))
	assert.NoError(t, r.EnsureStopped())
	assert.Empty(t, obs.snapshot())
}

func TestResourceLifecycleIsIdempotent(t *testing.T) {
	obs := &recordingObserver{}
	r, err := New("svc", &config.ResourceConfig{
		Setup:        config.CommandConfig{Command: "sleep", Args: []string{"30"}, WorkingDir: t.TempDir()},
		WarmupMillis: 10,
		Healthcheck:  &config.HealthcheckConfig{Command: "true", TimeoutMillis: 1000},
	}, WithObserver(obs))
	require.NoError(t, err)
	assert.NotNil(t, r.runner)

	require.NoError(t, r.EnsureRunning(context.Background()))
	require.NoError(t, r.EnsureRunning(context.Background()))
	require.NoError(t, r.EnsureStopped())
	require.NoError(t, r.EnsureStopped())

	assert.Equal(t, []string{"started:svc", "healthy:svc", "stopped:svc"}, obs.snapshot())
}

func TestResourceProceedsWhenHealthcheckFails(t *testing.T) {
	obs := &recordingObserver{}
	r, err := New("flaky", &config.ResourceConfig{
		Setup:       config.CommandConfig{Command: "sleep", Args: []string{"30"}, WorkingDir: t.TempDir()},
		Healthcheck: &config.HealthcheckConfig{Command: "false", TimeoutMillis: 100},
	}, WithObserver(obs))
	require.NoError(t, err)
	defer r.EnsureStopped()

	assert.NoError(t, r.EnsureRunning(context.Background()))
	assert.Equal(t, []string{"started:flaky", "unhealthy:flaky"}, obs.snapshot())
}

func TestResourceRejectsEmptyCommand(t *testing.T) {
	_, err := New("bad", &config.ResourceConfig{})
	assert.Error(t, err)
}
