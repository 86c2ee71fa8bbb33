// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
	uuid "github.com/hashicorp/go-uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hashicorp/nomad-its/structs"
)

// dedupCacheSize bounds the recently-observed-terminal cache used only
// to spot a repeated terminal event and log it at trace level; it has
// no effect on
// correctness (idempotence already holds because a second terminal
// event for an id already removed from every table is a no-op).
const dedupCacheSize = 4096

// SubscriptionID identifies a single Subscribe call so it can be torn
// down independently of any other subscriber.
type SubscriptionID string

// subscriber owns an unbounded, in-order queue and a dedicated pump
// goroutine draining it into out. Publish only ever appends to the
// queue and never blocks, but no event is ever dropped regardless of
// how far behind the consumer falls — unlike a fixed-size channel, a
// slow or momentarily busy consumer just grows the queue instead of
// losing a terminal event the kill service has no other way to
// recover.
type subscriber struct {
	out  chan Event
	stop chan struct{}

	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
}

func newSubscriber() *subscriber {
	s := &subscriber{
		out:  make(chan Event),
		stop: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}
	go s.run()
	return s
}

// enqueue appends ev to the subscriber's queue and wakes the pump if
// it's idle. Never blocks.
func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run delivers queued events to out in order, one at a time, until
// stop is closed. A dropped wake-up never loses an event: the loop
// re-checks the queue before it ever waits again.
func (s *subscriber) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.stop:
			return
		}
	}
}

// Bus is the kill service's event bus. It fans out every published
// Event to every live subscriber.
type Bus struct {
	logger hclog.Logger

	mu   sync.Mutex
	subs map[SubscriptionID]*subscriber

	seen *lru.Cache[structs.InstanceID, struct{}]
}

// NewBus constructs an empty event bus.
func NewBus(logger hclog.Logger) *Bus {
	seen, err := lru.New[structs.InstanceID, struct{}](dedupCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// dedupCacheSize never is.
		panic(err)
	}
	return &Bus{
		logger: logger.Named("stream"),
		subs:   make(map[SubscriptionID]*subscriber),
		seen:   seen,
	}
}

// Subscribe registers a new consumer and returns the channel it will
// receive events on. The channel is closed, and the subscription torn
// down, when ctx is done or Unsubscribe is called with the returned
// id — whichever happens first.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, SubscriptionID) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		// go-uuid only fails if the system CSPRNG is broken; there is
		// no sane fallback, so surface it loudly rather than hand out
		// a colliding id.
		panic(err)
	}
	sid := SubscriptionID(id)

	sub := newSubscriber()
	b.mu.Lock()
	b.subs[sid] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe(sid)
	}()

	return sub.out, sid
}

// Unsubscribe tears down a subscription and closes its channel. It is
// idempotent.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.stop)
	}
}

// Publish delivers ev to every current subscriber. Delivery is
// lossless and in-order per subscriber: ev is enqueued onto each
// subscriber's own queue, so a publisher never blocks on a slow
// consumer and a burst of events can never overrun a fixed-size
// buffer and get silently dropped.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	if ev.Terminal() {
		if _, dup := b.seen.Get(ev.InstanceID); dup {
			b.logger.Trace("duplicate terminal event", "instance_id", ev.InstanceID)
		}
		b.seen.Add(ev.InstanceID, struct{}{})
	}

	for _, s := range subs {
		s.enqueue(ev)
	}
}

// SubscriberCount returns the number of currently live subscriptions.
// Exposed for tests that assert subscriptions are torn down promptly.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
