package taskmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nox/internal/eventbus"
	"nox/internal/store"
	"nox/pkg/proto"
)

type fakeSender struct {
	full bool
	sent []*proto.Message
}

func (f *fakeSender) Enqueue(msg *proto.Message) error {
	if f.full {
		return proto.New(proto.KindQueueFull, "queue at capacity")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func newTestManager(t *testing.T, sender MessageSender) *Manager {
	t.Helper()
	st, err := store.Open(t.TempDir(), false)
	require.NoError(t, err)
	bus := eventbus.New(16)
	return New(st, bus, sender)
}

func TestCreateWithNoDependenciesIsTodo(t *testing.T) {
	m := newTestManager(t, nil)
	task, err := m.Create(proto.TaskSpec{AgentID: "alpha", Title: "do thing", Priority: proto.PriorityMedium})
	require.NoError(t, err)
	assert.Equal(t, proto.TaskTodo, task.Status)
}

func TestCreateWithUnfinishedDependencyIsBlocked(t *testing.T) {
	m := newTestManager(t, nil)
	dep, err := m.Create(proto.TaskSpec{AgentID: "alpha", Title: "dep", Priority: proto.PriorityMedium})
	require.NoError(t, err)

	task, err := m.Create(proto.TaskSpec{
		AgentID: "alpha", Title: "child", Priority: proto.PriorityMedium,
		Dependencies: []string{dep.TaskID},
	})
	require.NoError(t, err)
	assert.Equal(t, proto.TaskBlocked, task.Status)
}

func TestUpdateRejectsCycle(t *testing.T) {
	m := newTestManager(t, nil)
	a, err := m.Create(proto.TaskSpec{AgentID: "alpha", Title: "a", Priority: proto.PriorityLow})
	require.NoError(t, err)
	b, err := m.Create(proto.TaskSpec{AgentID: "alpha", Title: "b", Priority: proto.PriorityLow, Dependencies: []string{a.TaskID}})
	require.NoError(t, err)

	deps := []string{b.TaskID}
	_, err = m.Update(a.TaskID, proto.TaskPatch{Dependencies: &deps})
	require.Error(t, err)
	assert.True(t, proto.Is(err, proto.KindCycleDetected))
}

func TestInProgressRequiresDependenciesDone(t *testing.T) {
	m := newTestManager(t, nil)
	dep, err := m.Create(proto.TaskSpec{AgentID: "alpha", Title: "dep", Priority: proto.PriorityLow})
	require.NoError(t, err)
	task, err := m.Create(proto.TaskSpec{AgentID: "alpha", Title: "child", Priority: proto.PriorityLow, Dependencies: []string{dep.TaskID}})
	require.NoError(t, err)

	inprogress := proto.TaskInProgress
	_, err = m.Update(task.TaskID, proto.TaskPatch{Status: &inprogress})
	require.Error(t, err)
	assert.True(t, proto.Is(err, proto.KindIllegalTransition))

	_, err = m.Complete(dep.TaskID, "done")
	require.NoError(t, err)

	got, err := m.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, proto.TaskInProgress, got.Status)
}

func TestCancelCascadesToBlockedDependents(t *testing.T) {
	m := newTestManager(t, nil)
	dep, err := m.Create(proto.TaskSpec{AgentID: "alpha", Title: "dep", Priority: proto.PriorityLow})
	require.NoError(t, err)
	child, err := m.Create(proto.TaskSpec{AgentID: "alpha", Title: "child", Priority: proto.PriorityLow, Dependencies: []string{dep.TaskID}})
	require.NoError(t, err)

	_, err = m.Cancel(dep.TaskID)
	require.NoError(t, err)

	got, err := m.Get(child.TaskID)
	require.NoError(t, err)
	assert.Equal(t, proto.TaskBlocked, got.Status)
	assert.Equal(t, "dependency cancelled", got.BlockedReason)
}

func TestDelegateCreatesTaskAndEnqueuesRequest(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(t, sender)

	task, err := m.Delegate("beta", "gamma", proto.TaskSpec{Title: "subtask", Priority: proto.PriorityHigh})
	require.NoError(t, err)
	assert.Equal(t, "gamma", task.AgentID)
	assert.Equal(t, "beta", task.RequestedBy)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, proto.MsgTaskRequest, sender.sent[0].Type)
	assert.Equal(t, task.TaskID, sender.sent[0].Metadata["taskId"])
}

func TestDelegateDoesNotCreateTaskWhenQueueFull(t *testing.T) {
	sender := &fakeSender{full: true}
	m := newTestManager(t, sender)

	_, err := m.Delegate("beta", "gamma", proto.TaskSpec{Title: "subtask", Priority: proto.PriorityHigh})
	require.Error(t, err)
	assert.True(t, proto.Is(err, proto.KindQueueFull))
	assert.Empty(t, m.List(proto.TaskFilter{}))
}

func TestGetTaskDashboard(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.Create(proto.TaskSpec{AgentID: "alpha", Title: "a", Priority: proto.PriorityLow})
	require.NoError(t, err)
	_, err = m.Create(proto.TaskSpec{AgentID: "alpha", Title: "b", Priority: proto.PriorityHigh})
	require.NoError(t, err)

	dash := m.GetTaskDashboard()
	assert.Equal(t, 2, dash.Total)
	assert.Equal(t, 2, dash.ByStatus[string(proto.TaskTodo)])
	assert.Equal(t, 2, dash.ByAgent["alpha"])
}

func TestCancelAgentTasksCancelsNonTerminal(t *testing.T) {
	m := newTestManager(t, nil)
	task, err := m.Create(proto.TaskSpec{AgentID: "alpha", Title: "a", Priority: proto.PriorityLow})
	require.NoError(t, err)

	require.NoError(t, m.CancelAgentTasks("alpha"))

	got, err := m.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, proto.TaskCancelled, got.Status)
}
