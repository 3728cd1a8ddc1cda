package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nox/internal/eventbus"
	"nox/internal/protocol"
	"nox/internal/store"
	"nox/pkg/logx"
	"nox/pkg/proto"
)

func newTestBroker(t *testing.T, deliverer Deliverer, registry *protocol.Registry) *Broker {
	t.Helper()
	st, err := store.Open(t.TempDir(), false)
	require.NoError(t, err)
	bus := eventbus.New(16)
	return New(st, bus, registry, deliverer, 0, 2, 0)
}

type recordingDeliverer struct {
	mu  sync.Mutex
	got []*proto.Message
}

func (d *recordingDeliverer) Deliver(agentID string, msg *proto.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, msg)
	return nil
}

func (d *recordingDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.got)
}

func TestEnqueueDeliversDirectMessage(t *testing.T) {
	deliverer := &recordingDeliverer{}
	b := newTestBroker(t, deliverer, nil)

	msg := proto.NewMessage("alpha", "beta", proto.MsgDirect, "hi", proto.PriorityMedium)
	require.NoError(t, b.Enqueue(msg))

	require.Eventually(t, func() bool { return deliverer.count() == 1 }, time.Second, 10*time.Millisecond)

	hist := b.HistoryFor("beta")
	require.Len(t, hist, 1)
	assert.Equal(t, proto.DeliveryDelivered, hist[0].Status)
}

func TestEnqueueRejectsWhenQueueFull(t *testing.T) {
	st, err := store.Open(t.TempDir(), false)
	require.NoError(t, err)
	bus := eventbus.New(16)
	// Zero workers: nothing drains the queue, so the second enqueue finds it full.
	b := &Broker{
		store:    st,
		bus:      bus,
		capacity: 1,
		subs:     make(map[string][]proto.Subscription),
		hist:     make(map[string][]proto.HistoryEntry),
	}
	b.cond = sync.NewCond(&b.mu)
	b.log = logx.NewLogger("broker-test")

	require.NoError(t, b.Enqueue(proto.NewMessage("a", "b", proto.MsgDirect, "1", proto.PriorityLow)))
	err = b.Enqueue(proto.NewMessage("a", "b", proto.MsgDirect, "2", proto.PriorityLow))
	require.Error(t, err)
	assert.True(t, proto.Is(err, proto.KindQueueFull))
}

func TestBroadcastDeliversToMatchingSubscribersOnly(t *testing.T) {
	deliverer := &recordingDeliverer{}
	b := newTestBroker(t, deliverer, nil)

	require.NoError(t, b.Subscribe("beta", proto.Subscription{TypeFilter: proto.MsgSystem}))
	require.NoError(t, b.Subscribe("gamma", proto.Subscription{TypeFilter: proto.MsgDirect}))

	msg := proto.NewMessage("alpha", proto.BroadcastRecipient, proto.MsgSystem, "status", proto.PriorityLow)
	require.NoError(t, b.Enqueue(msg))

	require.Eventually(t, func() bool { return deliverer.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Len(t, b.HistoryFor("beta"), 1)
	assert.Len(t, b.HistoryFor("gamma"), 0)
}

func TestRegistryHandledMessageNeverReachesDeliverer(t *testing.T) {
	deliverer := &recordingDeliverer{}
	registry := protocol.Default(nil)
	b := newTestBroker(t, deliverer, registry)

	msg := proto.NewMessage("alpha", "beta", proto.MsgTaskRequest, "do work", proto.PriorityHigh)
	msg.Metadata["taskId"] = "task-1"
	require.NoError(t, b.Enqueue(msg))

	// The request is claimed by the TaskRequest handler; the only thing the
	// deliverer ever sees is the handler's task_response reply to alpha.
	require.Eventually(t, func() bool { return deliverer.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Len(t, b.HistoryFor("beta"), 1)

	deliverer.mu.Lock()
	defer deliverer.mu.Unlock()
	require.Len(t, deliverer.got, 1)
	assert.Equal(t, proto.MsgTaskResponse, deliverer.got[0].Type)
	assert.Equal(t, "alpha", deliverer.got[0].To)
	assert.Equal(t, msg.MessageID, deliverer.got[0].Metadata["replyTo"])
}

func TestDropSubscriptionsRemovesBroadcastRouting(t *testing.T) {
	deliverer := &recordingDeliverer{}
	b := newTestBroker(t, deliverer, nil)

	require.NoError(t, b.Subscribe("beta", proto.Subscription{}))
	require.NoError(t, b.DropSubscriptions("beta"))

	msg := proto.NewMessage("alpha", proto.BroadcastRecipient, proto.MsgSystem, "status", proto.PriorityLow)
	require.NoError(t, b.Enqueue(msg))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, deliverer.count())
}
