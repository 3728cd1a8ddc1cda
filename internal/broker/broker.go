// Package broker implements the Message Broker: a priority-ordered,
// bounded-capacity async message queue with a fixed worker pool, per-agent
// subscription routing, delivery history, and integration with the
// Protocol Registry for broker-internal replies. One queue carries every
// message type; ordering within a (from, to, priority) triple is the
// enqueue order.
package broker

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"nox/internal/eventbus"
	"nox/internal/protocol"
	"nox/internal/store"
	"nox/pkg/logx"
	"nox/pkg/proto"
)

// Deliverer hands a message to a live agent subprocess. Implemented by an
// internal/agentmgr adapter wrapping internal/procsup.Supervisor.Send — the
// broker never talks to subprocesses directly.
type Deliverer interface {
	Deliver(agentID string, msg *proto.Message) error
}

// EnqueueCounter is incremented exactly once per successful Enqueue.
// Implemented by internal/metrics.MessageCounter and injected via
// SetEnqueueCounter; nil means metrics sampling is disabled. Counting only
// here, never again at delivery or reply time, keeps the messages-per-
// minute series from double-counting a message that fans out or replies.
type EnqueueCounter interface {
	Increment()
}

// DefaultQueueCapacity and DefaultWorkerCount match pkg/config.Default's
// broker section; callers normally pass the loaded config values instead.
const (
	DefaultQueueCapacity   = 10000
	DefaultWorkerCount     = 4
	DefaultHistoryPerAgent = 1000
)

// Broker is the Message Broker. Constructed once at daemon bootstrap and
// started with Run.
type Broker struct {
	store     *store.Store
	bus       *eventbus.Bus
	registry  *protocol.Registry
	deliverer Deliverer

	capacity        int
	historyPerAgent int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   priorityQueue
	nextSeq uint64
	closed  bool

	counter EnqueueCounter

	subsMu sync.RWMutex
	subs   map[string][]proto.Subscription // agentID -> its subscription filters

	histMu sync.Mutex
	hist   map[string][]proto.HistoryEntry // agentID -> ring buffer, newest last

	wg  sync.WaitGroup
	log *logx.Logger
}

// New constructs a Broker. registry and deliverer may be nil in tests that
// only exercise enqueue/history bookkeeping.
func New(st *store.Store, bus *eventbus.Bus, registry *protocol.Registry, deliverer Deliverer, capacity, workerCount, historyPerAgent int) *Broker {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	if historyPerAgent <= 0 {
		historyPerAgent = DefaultHistoryPerAgent
	}
	b := &Broker{
		store:           st,
		bus:             bus,
		registry:        registry,
		deliverer:       deliverer,
		capacity:        capacity,
		historyPerAgent: historyPerAgent,
		subs:            make(map[string][]proto.Subscription),
		hist:            make(map[string][]proto.HistoryEntry),
		log:             logx.NewLogger("broker"),
	}
	b.cond = sync.NewCond(&b.mu)
	if st != nil {
		for _, sub := range st.ListSubscriptions() {
			b.subs[sub.AgentID] = append(b.subs[sub.AgentID], sub)
		}
	}
	for i := 0; i < workerCount; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}
	return b
}

// SetEnqueueCounter wires the metrics sampler's per-bucket message counter.
// Optional: a nil counter (the default) simply skips the increment.
func (b *Broker) SetEnqueueCounter(c EnqueueCounter) { b.counter = c }

// Enqueue validates and admits msg onto the priority queue. It returns
// KindQueueFull without altering queue length if capacity is exhausted —
// never a silent drop, never unbounded growth.
func (b *Broker) Enqueue(msg *proto.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return proto.New(proto.KindCancelled, "broker is shutting down")
	}
	if len(b.queue) >= b.capacity {
		b.mu.Unlock()
		return proto.Newf(proto.KindQueueFull, "queue at capacity %d", b.capacity)
	}
	b.nextSeq++
	msg.EnqueueSeq = b.nextSeq
	heap.Push(&b.queue, &pqItem{msg: msg})
	b.cond.Signal()
	b.mu.Unlock()
	if b.counter != nil {
		b.counter.Increment()
	}
	return nil
}

// Subscribe records agentID's interest in messages matching filter. A given
// agent may hold multiple filters; a message is routed to the agent if any
// one of them matches. Agents are implicitly subscribed to messages
// addressed directly to them regardless of filters (see deliverTo).
func (b *Broker) Subscribe(agentID string, filter proto.Subscription) error {
	filter.AgentID = agentID
	b.subsMu.Lock()
	b.subs[agentID] = append(b.subs[agentID], filter)
	b.subsMu.Unlock()
	return b.store.PutSubscription(filter)
}

// DropSubscriptions removes every filter owned by agentID, both from the
// routing table and from the persisted relationships document. Implements
// nox/internal/agentmgr.SubscriptionDropper, invoked when an agent is
// deleted.
func (b *Broker) DropSubscriptions(agentID string) error {
	b.subsMu.Lock()
	delete(b.subs, agentID)
	b.subsMu.Unlock()
	return b.store.DeleteSubscriptions(agentID)
}

// HistoryFor returns the most recent delivery records for agentID, oldest
// first, bounded by historyPerAgent.
func (b *Broker) HistoryFor(agentID string) []proto.HistoryEntry {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	out := make([]proto.HistoryEntry, len(b.hist[agentID]))
	copy(out, b.hist[agentID])
	return out
}

// GetMessageHistory returns up to limit most-recent entries for agentID
// (0 means unlimited), newest-first when newestFirst is set, chronological
// otherwise.
func (b *Broker) GetMessageHistory(agentID string, limit int, newestFirst bool) []proto.HistoryEntry {
	all := b.HistoryFor(agentID)
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	if !newestFirst {
		return all
	}
	out := make([]proto.HistoryEntry, len(all))
	for i, e := range all {
		out[len(all)-1-i] = e
	}
	return out
}

// Shutdown stops accepting new work and waits (up to timeout) for in-flight
// workers to drain their current message.
func (b *Broker) Shutdown(timeout time.Duration) {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		b.log.Warn("broker shutdown timed out waiting for workers to drain")
	}
}

// worker is one member of the fixed pool draining the priority queue. It
// blocks on cond.Wait until work is available or the broker is closed;
// each dequeued message is processed to completion by exactly one worker.
func (b *Broker) worker(id int) {
	defer b.wg.Done()
	for {
		msg, ok := b.next()
		if !ok {
			return
		}
		b.process(msg)
	}
}

func (b *Broker) next() (*proto.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queue) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.queue) == 0 {
		return nil, false
	}
	item := heap.Pop(&b.queue).(*pqItem)
	return item.msg, true
}

// process runs one dequeued message to completion: first through the
// Protocol Registry (a handler match means the broker itself answers, no
// subprocess dispatch), then, if unclaimed, delivered to every matching
// recipient subprocess.
func (b *Broker) process(msg *proto.Message) {
	if b.registry != nil {
		reply, handlerName, handled, err := b.registry.Dispatch(msg)
		if handled {
			b.recordDelivery(msg.To, *msg, proto.DeliveryDelivered)
			if err != nil {
				b.log.Warn("handler %s returned error for message %s: %v", handlerName, msg.MessageID, err)
				return
			}
			if reply != nil {
				reply.Metadata["replyTo"] = msg.MessageID
				if err := b.Enqueue(reply); err != nil {
					b.log.Warn("failed to enqueue reply from handler %s: %v", handlerName, err)
				}
			}
			return
		}
	}
	b.deliver(msg)
}

// deliver performs real subprocess delivery for a message the registry did
// not claim: to the addressed recipient directly, or to every subscriber
// whose filter matches when To is the broadcast sentinel.
func (b *Broker) deliver(msg *proto.Message) {
	recipients := b.resolveRecipients(msg)
	if len(recipients) == 0 {
		logx.DebugFlow(context.Background(), "broker", "deliver", "no-recipients", "to="+msg.To)
		b.recordDelivery(msg.To, *msg, proto.DeliveryUndelivered)
		return
	}
	for _, agentID := range recipients {
		status := proto.DeliveryUndelivered
		if b.deliverer != nil {
			if err := b.deliverer.Deliver(agentID, msg); err != nil {
				b.log.Warn("delivery to %s failed: %v", agentID, err)
			} else {
				status = proto.DeliveryDelivered
			}
		}
		logx.DebugFlow(context.Background(), "broker", "deliver", string(status), "agent="+agentID+" msg="+msg.MessageID)
		b.recordDelivery(agentID, *msg, status)
		if status == proto.DeliveryDelivered {
			b.bus.Publish(proto.NewEvent(proto.EventAgentMessage, proto.AgentMessagePayload{Message: *msg}))
		}
	}
}

func (b *Broker) resolveRecipients(msg *proto.Message) []string {
	if msg.To != proto.BroadcastRecipient {
		return []string{msg.To}
	}
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	var out []string
	for agentID, filters := range b.subs {
		for _, f := range filters {
			if f.Matches(msg) {
				out = append(out, agentID)
				break
			}
		}
	}
	return out
}

func (b *Broker) recordDelivery(agentID string, msg proto.Message, status proto.DeliveryStatus) {
	entry := proto.HistoryEntry{Message: msg, Status: status, AgentID: agentID}

	b.histMu.Lock()
	ring := append(b.hist[agentID], entry)
	if len(ring) > b.historyPerAgent {
		ring = ring[len(ring)-b.historyPerAgent:]
	}
	b.hist[agentID] = ring
	b.histMu.Unlock()

	if err := b.store.AppendMessageHistory(entry); err != nil {
		b.log.Error("failed to persist message history for %s: %v", agentID, err)
	}
}
