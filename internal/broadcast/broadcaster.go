// ABOUTME: In-memory fan-out broadcaster delivering state changes to live sessions
// ABOUTME: Guarantees per-subscriber delivery in global publish order

package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// VisibleFunc decides, at delivery time, whether a subscriber may observe an
// event. It is recomputed per event rather than cached so that assignment
// changes take effect immediately.
type VisibleFunc func(ev *Event) bool

type subscriber struct {
	id      string
	ch      chan *Event
	visible VisibleFunc
	// evicted is invoked once, outside the broadcaster lock, when the
	// subscriber falls behind and is removed.
	evicted func()
}

// Broadcaster provides in-memory pub/sub for dispatch events. Every publish
// is assigned a monotonic sequence number and enqueued to all eligible
// subscribers under the same lock, so each subscriber observes events in
// publish order.
//
// A subscriber whose buffer fills is evicted instead of skipped: dropping a
// single event would silently break the ordering contract, while eviction
// forces the session to reconnect and reconcile from a fresh snapshot.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber
	seq         uint64
	closed      bool
	logger      *slog.Logger
}

// New creates a broadcaster. Pass nil logger for default.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]*subscriber),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscription is a live feed of events for one session.
type Subscription struct {
	ID     string
	Events <-chan *Event
}

// Subscribe registers a subscriber with the given visibility filter.
// The subscription is automatically cleaned up when ctx is cancelled.
// evicted, if non-nil, is called when the subscriber is removed for
// falling behind.
func (b *Broadcaster) Subscribe(ctx context.Context, visible VisibleFunc, evicted func()) *Subscription {
	sub := &subscriber{
		id:      uuid.New().String(),
		ch:      make(chan *Event, subscriberBufferSize),
		visible: visible,
		evicted: evicted,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return &Subscription{ID: sub.id, Events: sub.ch}
	}
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", sub.id)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(sub.id)
	}()

	return &Subscription{ID: sub.id, Events: sub.ch}
}

// Publish assigns the next sequence number and delivers the event to every
// subscriber whose visibility filter admits it. Enqueueing happens under the
// broadcaster lock; per-subscriber order therefore matches publish order.
func (b *Broadcaster) Publish(ev *Event) {
	var lagged []*subscriber

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.seq++
	ev.Seq = b.seq

	for id, sub := range b.subscribers {
		if sub.visible != nil && !sub.visible(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Buffer full: evict rather than drop, preserving the
			// in-order contract for surviving subscribers.
			delete(b.subscribers, id)
			close(sub.ch)
			lagged = append(lagged, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range lagged {
		b.logger.Warn("evicted lagging subscriber", "sub_id", sub.id, "seq", ev.Seq)
		if sub.evicted != nil {
			sub.evicted()
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}

	b.logger.Debug("broadcaster closed")
}
