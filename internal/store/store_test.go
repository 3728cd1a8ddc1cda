package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nox/pkg/proto"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), false)
	require.NoError(t, err)
	return s
}

func TestPutGetListAgent(t *testing.T) {
	s := openTestStore(t)
	agent := proto.Agent{AgentID: "alpha", Name: "Alpha", Status: proto.AgentInactive, CreatedAt: time.Now().UTC()}

	require.NoError(t, s.PutAgent(agent))

	got, ok := s.GetAgent("alpha")
	require.True(t, ok)
	assert.Equal(t, "Alpha", got.Name)
	assert.Len(t, s.ListAgents(), 1)
}

func TestAgentSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir, false)
	require.NoError(t, err)
	require.NoError(t, s1.PutAgent(proto.Agent{AgentID: "alpha", Name: "Alpha", CreatedAt: time.Now().UTC()}))

	s2, err := Open(dir, false)
	require.NoError(t, err)
	got, ok := s2.GetAgent("alpha")
	require.True(t, ok)
	assert.Equal(t, "Alpha", got.Name)
}

func TestDeleteAgent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutAgent(proto.Agent{AgentID: "alpha", CreatedAt: time.Now().UTC()}))
	require.NoError(t, s.DeleteAgent("alpha"))

	_, ok := s.GetAgent("alpha")
	assert.False(t, ok)
}

func TestPutGetTask(t *testing.T) {
	s := openTestStore(t)
	task := proto.Task{TaskID: "task-1", AgentID: "alpha", Status: proto.TaskTodo, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.PutTask(task))

	got, ok := s.GetTask("task-1")
	require.True(t, ok)
	assert.Equal(t, proto.TaskTodo, got.Status)
}

func TestAppendAndReadMessageHistory(t *testing.T) {
	s := openTestStore(t)
	msg := proto.NewMessage("alpha", "beta", proto.MsgDirect, "hi", proto.PriorityLow)
	entry := proto.HistoryEntry{Message: *msg, Status: proto.DeliveryDelivered, AgentID: "beta"}
	require.NoError(t, s.AppendMessageHistory(entry))

	day := time.Now().UTC().Format("2006-01-02")
	got, err := s.ReadMessageHistoryDay(day)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Message.Content)
}

func TestApprovalPendingThenTerminal(t *testing.T) {
	s := openTestStore(t)
	rec := proto.ApprovalRecord{
		ApprovalID: "appr-1",
		Request:    proto.ApprovalRequest{RiskLevel: proto.RiskHigh, RequestedAt: time.Now().UTC()},
		Status:     proto.ApprovalPending,
	}
	require.NoError(t, s.PutApprovalPending(rec))
	assert.Len(t, s.ListPendingApprovals(), 1)

	rec.Status = proto.ApprovalApproved
	rec.Response = &proto.ApprovalResponse{DecidedBy: "user", DecidedAt: time.Now().UTC()}
	require.NoError(t, s.PutApprovalTerminal(rec))

	assert.Len(t, s.ListPendingApprovals(), 0)
	hist, err := s.ReadApprovalHistory(0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, proto.ApprovalApproved, hist[0].Status)
}

func TestSubscriptionPersistence(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir, false)
	require.NoError(t, err)
	require.NoError(t, s1.PutSubscription(proto.Subscription{AgentID: "alpha", TypeFilter: proto.MsgDirect}))

	s2, err := Open(dir, false)
	require.NoError(t, err)
	subs := s2.ListSubscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, "alpha", subs[0].AgentID)
}

func TestDeleteSubscriptionsDoesNotResurrectOnReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir, false)
	require.NoError(t, err)
	require.NoError(t, s1.PutSubscription(proto.Subscription{AgentID: "alpha", TypeFilter: proto.MsgDirect}))
	require.NoError(t, s1.PutSubscription(proto.Subscription{AgentID: "beta", TypeFilter: proto.MsgSystem}))
	require.NoError(t, s1.DeleteSubscriptions("alpha"))

	s2, err := Open(dir, false)
	require.NoError(t, err)
	subs := s2.ListSubscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, "beta", subs[0].AgentID)
}
