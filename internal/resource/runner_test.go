package resource

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerStartStop(t *testing.T) {
	r := NewRunner("sleep", []string{"30"}, t.TempDir(), nil)
	assert.False(t, r.IsRunning())

	require.NoError(t, r.Start())
	assert.True(t, r.IsRunning())
	// second start is a no-op while alive
	require.NoError(t, r.Start())

	require.NoError(t, r.Stop())
	assert.False(t, r.IsRunning())
	require.NoError(t, r.Stop())
}

func TestRunnerEscalatesToKill(t *testing.T) {
	r := NewRunner("sh", []string{"-c", "trap '' TERM; sleep 30"}, t.TempDir(), nil)
	r.SetStopGrace(200 * time.Millisecond)
	require.NoError(t, r.Start())
	// let the shell install its trap
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, r.Stop())
	assert.False(t, r.IsRunning())
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestRunnerDetectsExit(t *testing.T) {
	r := NewRunner("true", nil, t.TempDir(), nil)
	require.NoError(t, r.Start())
	require.Eventually(t, func() bool { return !r.IsRunning() }, 2*time.Second, 10*time.Millisecond)
}

func TestRunnerStartFailsForMissingProgram(t *testing.T) {
	r := NewRunner("/definitely/not/here", nil, t.TempDir(), nil)
	assert.Error(t, r.Start())
	assert.False(t, r.IsRunning())
}

func TestRunnerForwardsOutputToLogger(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	r := NewRunner("echo", []string{"127.127.0.1"}, t.TempDir(), logrus.NewEntry(logger))
	require.NoError(t, r.Start())

	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if strings.Contains(e.Message, "127.127.0.1") {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunnerRun(t *testing.T) {
	ok := NewRunner("true", nil, t.TempDir(), nil)
	assert.NoError(t, ok.Run(context.Background()))

	fail := NewRunner("false", nil, t.TempDir(), nil)
	err := fail.Run(context.Background())
	var exitErr *exec.ExitError
	assert.ErrorAs(t, err, &exitErr)
}
