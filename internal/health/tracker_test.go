package health

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerFollowsLifecycle(t *testing.T) {
	clk := clock.NewMock()
	tracker := NewTrackerWithClock(clk)

	tracker.ResourceStarted("api.example")
	st, ok := tracker.Status("api.example")
	require.True(t, ok)
	assert.Equal(t, StateStarting, st.State)
	assert.Equal(t, clk.Now().UTC(), st.UpdatedAt)

	clk.Add(time.Second)
	tracker.HealthcheckPassed("api.example")
	st, _ = tracker.Status("api.example")
	assert.Equal(t, StateHealthy, st.State)
	assert.Equal(t, LevelOK, st.Level)
	assert.Equal(t, clk.Now().UTC(), st.UpdatedAt)

	tracker.ResourceStopped("api.example")
	st, _ = tracker.Status("api.example")
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, LevelOK, st.Level)

	_, ok = tracker.Status("other.example")
	assert.False(t, ok)
}

func TestTrackerKeepsFailureAfterStop(t *testing.T) {
	tracker := NewTracker()
	tracker.ResourceStarted("db.example")
	tracker.HealthcheckFailed("db.example", errors.New("exhausted"))
	assert.Equal(t, LevelError, tracker.Overall())

	tracker.ResourceStopped("db.example")
	st, _ := tracker.Status("db.example")
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, LevelWarn, st.Level)
	assert.Equal(t, "exhausted", st.Message)

	tracker.ResourceStarted("db.example")
	tracker.HealthcheckPassed("db.example")
	assert.Equal(t, LevelOK, tracker.Overall())
}

func TestTrackerOverall(t *testing.T) {
	tracker := NewTracker()
	assert.Equal(t, LevelOK, tracker.Overall())
	tracker.HealthcheckPassed("a")
	tracker.HealthcheckFailed("b", nil)
	assert.Equal(t, LevelError, tracker.Overall())
	assert.Len(t, tracker.Snapshot(), 2)
}

func TestStatusEncodesLevelName(t *testing.T) {
	out, err := json.Marshal(Status{Level: LevelWarn, State: StateStopped})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"level":"warn"`)
}
