package metrics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nox/pkg/proto"
)

type fakeAgents struct{ agents []proto.Agent }

func (f fakeAgents) List(filter proto.AgentFilter) []proto.Agent { return f.agents }

type fakeTasks struct{ dash proto.TaskDashboard }

func (f fakeTasks) GetTaskDashboard() proto.TaskDashboard { return f.dash }

func TestSampleOnceWritesSystemAndAgentRows(t *testing.T) {
	agents := fakeAgents{agents: []proto.Agent{
		{AgentID: "alpha", Status: proto.AgentRunning},
		{AgentID: "beta", Status: proto.AgentStopped},
	}}
	tasks := fakeTasks{dash: proto.TaskDashboard{
		Total:        3,
		ByStatus:     map[string]int{"done": 1, "todo": 1, "blocked": 1},
		BlockedCount: 1,
	}}
	counter := NewMessageCounter()
	counter.Increment()
	counter.Increment()

	dbPath := filepath.Join(t.TempDir(), "metrics.db")
	s, err := New(dbPath, agents, tasks, counter, time.Minute, prometheus.NewRegistry())
	require.NoError(t, err)
	defer s.db.Close()

	s.sampleOnce()

	ctx := context.Background()
	sys, err := s.QuerySystem(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), IntervalMinute)
	require.NoError(t, err)
	require.Len(t, sys, 1)
	assert.Equal(t, 1, sys[0].RunningAgents)
	assert.Equal(t, 2, sys[0].TotalAgents)
	assert.Equal(t, 1, sys[0].BlockedTasks)
	assert.Equal(t, float64(2), sys[0].MessagesPerMinute)

	ag, err := s.QueryAgent(ctx, "alpha", time.Now().Add(-time.Hour), time.Now().Add(time.Hour), IntervalMinute)
	require.NoError(t, err)
	require.Len(t, ag, 1)
	assert.Equal(t, "running", ag[0].Status)

	// A day-granular query collapses every sample taken today into one
	// averaged bucket.
	day, err := s.QuerySystem(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), IntervalDay)
	require.NoError(t, err)
	require.Len(t, day, 1)
	assert.Equal(t, 1, day[0].RunningAgents)
}

func TestParseIntervalFallsBackToMinute(t *testing.T) {
	assert.Equal(t, IntervalHour, ParseInterval("hour"))
	assert.Equal(t, IntervalDay, ParseInterval("day"))
	assert.Equal(t, IntervalMinute, ParseInterval(""))
	assert.Equal(t, IntervalMinute, ParseInterval("fortnight"))
}

func TestMessageCounterDrainResetsToZero(t *testing.T) {
	c := NewMessageCounter()
	c.Increment()
	c.Increment()
	c.Increment()
	assert.Equal(t, int64(3), c.DrainSinceLastSample())
	assert.Equal(t, int64(0), c.DrainSinceLastSample())
}
