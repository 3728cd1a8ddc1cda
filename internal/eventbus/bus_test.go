package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nox/pkg/proto"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe("observer-1")

	bus.Publish(proto.NewEvent(proto.EventAgentCreated, proto.AgentCreatedPayload{}))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, proto.EventAgentCreated, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishFanOutToMultipleSubscribers(t *testing.T) {
	bus := New(4)
	a := bus.Subscribe("a")
	b := bus.Subscribe("b")

	bus.Publish(proto.NewEvent(proto.EventTaskCreated, proto.TaskCreatedPayload{}))

	for _, sub := range []*Subscriber{a, b} {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, proto.EventTaskCreated, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestPublishDropsWhenBufferFullAndSignalsOthers(t *testing.T) {
	bus := New(1)
	slow := bus.Subscribe("slow")
	observer := bus.Subscribe("observer")

	// Fill the slow subscriber's buffer, then publish again without it
	// draining: the second publish must drop for slow, not block.
	bus.Publish(proto.NewEvent(proto.EventTaskCreated, proto.TaskCreatedPayload{}))
	bus.Publish(proto.NewEvent(proto.EventTaskUpdated, proto.TaskUpdatedPayload{}))

	require.Eventually(t, func() bool { return slow.Dropped() >= 1 }, time.Second, time.Millisecond)

	// observer's buffer (size 1) now holds the first event; the
	// subscriber-lagged notice for "slow" should have been attempted but
	// observer's buffer was already full, so it is fine either way — the
	// key invariant is that Publish never blocked.
	select {
	case <-observer.Events():
	case <-time.After(time.Second):
		t.Fatal("observer never received anything")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe("x")
	bus.Unsubscribe("x")

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestResubscribeSameIDReplacesOld(t *testing.T) {
	bus := New(4)
	first := bus.Subscribe("dup")
	second := bus.Subscribe("dup")

	_, ok := <-first.Events()
	assert.False(t, ok, "old subscriber channel should be closed on resubscribe")

	bus.Publish(proto.NewEvent(proto.EventAgentCreated, proto.AgentCreatedPayload{}))
	select {
	case ev := <-second.Events():
		assert.Equal(t, proto.EventAgentCreated, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("new subscriber never received event")
	}
}
