package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nox/pkg/proto"
)

type fakeLookup map[string][]string

func (f fakeLookup) Capabilities(agentID string) []string { return f[agentID] }

func TestTaskRequestReplyCopiesPriorityAndTaskID(t *testing.T) {
	reg := Default(nil)

	msg := proto.NewMessage("alpha", "beta", proto.MsgTaskRequest, "do work", proto.PriorityHigh)
	msg.Metadata["taskId"] = "task-1"

	reply, name, handled, err := reg.Dispatch(msg)
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, "TaskRequest", name)
	require.NotNil(t, reply)
	assert.Equal(t, proto.MsgTaskResponse, reply.Type)
	assert.Equal(t, proto.PriorityHigh, reply.Priority)
	assert.Equal(t, "task-1", reply.Metadata["taskId"])
	assert.Equal(t, "beta", reply.From)
	assert.Equal(t, "alpha", reply.To)
}

func TestInfoRequestEnumeratesMatchingCapabilities(t *testing.T) {
	reg := Default(fakeLookup{"beta": {"chat", "search-web", "search-code"}})

	msg := proto.NewMessage("alpha", "beta", proto.MsgCapabilityQuery, "search", proto.PriorityMedium)
	reply, _, handled, err := reg.Dispatch(msg)
	require.NoError(t, err)
	require.True(t, handled)
	require.NotNil(t, reply)
	assert.Equal(t, proto.MsgDirect, reply.Type)
	assert.Equal(t, "search-web,search-code", reply.Content)
}

func TestStatusUpdateIsFireAndForget(t *testing.T) {
	reg := Default(nil)

	msg := proto.NewMessage("alpha", "beta", proto.MsgSystem, "all good", proto.PriorityLow)
	reply, _, handled, err := reg.Dispatch(msg)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Nil(t, reply)
}

func TestCollaborationInitiationAllocatesID(t *testing.T) {
	reg := Default(nil)

	msg := proto.NewMessage("alpha", "beta", proto.MsgDirect, "let's pair", proto.PriorityMedium)
	msg.Metadata["collab"] = "true"

	reply, name, handled, err := reg.Dispatch(msg)
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, "Collaboration", name)
	require.NotNil(t, reply)
	assert.NotEmpty(t, reply.Metadata["collaborationId"])

	// The reply carries only the allocated id, so running it back through
	// the registry must not claim it again — it has to reach the initiator
	// as a real delivery, not bounce between handlers.
	_, _, handled, err = reg.Dispatch(reply)
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestCollaborationContinuationFallsThrough(t *testing.T) {
	reg := Default(nil)

	msg := proto.NewMessage("alpha", "beta", proto.MsgDirect, "turn 2", proto.PriorityMedium)
	msg.Metadata["collaborationId"] = "collab-1"

	_, _, handled, err := reg.Dispatch(msg)
	require.NoError(t, err)
	assert.False(t, handled, "continuation messages deliver to the peer, not to a handler")
}

func TestPlainDirectMessageIsUnclaimed(t *testing.T) {
	reg := Default(nil)

	msg := proto.NewMessage("alpha", "beta", proto.MsgDirect, "hi", proto.PriorityLow)
	_, _, handled, err := reg.Dispatch(msg)
	require.NoError(t, err)
	assert.False(t, handled)
}
