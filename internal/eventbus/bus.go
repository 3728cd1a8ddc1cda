// Package eventbus is the in-process typed publish/subscribe backbone every
// other component fans its state changes through. It owns no state of its
// own: it is fan-out over bounded per-subscriber channels, nothing more.
package eventbus

import (
	"sync"
	"sync/atomic"

	"nox/pkg/logx"
	"nox/pkg/proto"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 256

// Subscriber is a single observer's inbound channel plus bookkeeping the
// Bus needs to drop it cleanly when it lags.
type Subscriber struct {
	id      string
	ch      chan proto.Event
	dropped int64
}

// ID returns the subscriber's identity, used in subscriber-lagged events
// and reconnection bookkeeping.
func (s *Subscriber) ID() string { return s.id }

// Events returns the channel to range over for delivered events. It is
// closed when the subscriber is removed via Unsubscribe.
func (s *Subscriber) Events() <-chan proto.Event { return s.ch }

// Dropped returns the number of events this subscriber has missed because
// its buffer was full when published to.
func (s *Subscriber) Dropped() int64 { return atomic.LoadInt64(&s.dropped) }

// Bus is the single process-wide event fan-out point. Every mutation in
// every component publishes through the same Bus instance, constructed once
// at daemon bootstrap and passed by reference — never a package-level
// singleton, per the design notes' explicit-construction mandate.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	bufferSize  int
	log         *logx.Logger
}

// New constructs a Bus with the given per-subscriber buffer size. A size of
// 0 falls back to DefaultBufferSize.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  bufferSize,
		log:         logx.NewLogger("eventbus"),
	}
}

// Subscribe registers a new observer and returns its handle. id must be
// unique among currently-registered subscribers; a duplicate replaces (and
// closes) the prior one, mirroring reconnect-with-same-id semantics.
func (b *Bus) Subscribe(id string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subscribers[id]; ok {
		close(old.ch)
	}
	sub := &Subscriber{id: id, ch: make(chan proto.Event, b.bufferSize)}
	b.subscribers[id] = sub
	return sub
}

// Unsubscribe removes and closes the subscriber's channel. Safe to call
// more than once.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// Publish fans ev out to every current subscriber. A subscriber whose
// buffer is full is never blocked on: the event is dropped for that
// subscriber, its drop counter increments, and — on every such drop — a
// subscriber-lagged event is queued best-effort for every *other*
// subscriber (never for the lagging one,
// whose queue is already full). Publish never blocks and never panics on a
// full channel.
func (b *Bus) Publish(ev proto.Event) {
	b.mu.RLock()
	targets := make([]*Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	var lagged []string
	for _, s := range targets {
		select {
		case s.ch <- ev:
		default:
			atomic.AddInt64(&s.dropped, 1)
			lagged = append(lagged, s.id)
			b.log.Warn("subscriber %s lagged, dropping event %s", s.id, ev.Type)
		}
	}
	for _, id := range lagged {
		b.publishLagged(id, targets)
	}
}

func (b *Bus) publishLagged(laggedID string, targets []*Subscriber) {
	notice := proto.NewEvent(proto.EventSubscriberLagged, proto.SubscriberLaggedPayload{
		SubscriberID: laggedID,
	})
	for _, s := range targets {
		if s.id == laggedID {
			continue
		}
		select {
		case s.ch <- notice:
		default:
		}
	}
}

// SubscriberCount reports how many observers currently hold a live channel.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes and closes every remaining subscriber channel. Used
// during graceful shutdown draining.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subscribers {
		close(s.ch)
		delete(b.subscribers, id)
	}
}
