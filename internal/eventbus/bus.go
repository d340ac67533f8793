// Package eventbus persists gateway events and fans them out to per-thread
// subscribers, with replay for subscribers joining mid-stream.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zjrosen/pont/internal/events"
	"github.com/zjrosen/pont/internal/log"
	"github.com/zjrosen/pont/internal/pubsub"
	"github.com/zjrosen/pont/internal/store"
)

// ReplayWindow caps how many stored events a new subscriber receives before
// going live.
const ReplayWindow = 1000

// brokerBuffer sizes each live subscription. It must absorb events appended
// while a subscriber's replay query is still running.
const brokerBuffer = 256

// ErrClosed is returned by Subscribe after the bus has shut down.
var ErrClosed = errors.New("event bus closed")

// Bus appends events to the durable log and publishes them to the owning
// thread's subscribers. Appends are totally ordered by the store-assigned
// seq; subscribers observe their thread's events in seq order.
type Bus struct {
	store *store.Store

	mu      sync.Mutex
	brokers map[string]*pubsub.Broker[events.GatewayEvent]
	closed  bool
}

// New creates a bus over the given projection store.
func New(st *store.Store) *Bus {
	return &Bus{
		store:   st,
		brokers: make(map[string]*pubsub.Broker[events.GatewayEvent]),
	}
}

// Append durably records ev, assigns seq and server timestamp, and
// publishes the completed event to the thread's subscribers. The returned
// event carries the assigned fields.
func (b *Bus) Append(ctx context.Context, ev events.GatewayEvent) (events.GatewayEvent, error) {
	if ev.ServerTS.IsZero() {
		ev.ServerTS = time.Now()
	}

	seq, err := b.store.InsertGatewayEvent(ctx, ev)
	if err != nil {
		return events.GatewayEvent{}, fmt.Errorf("appending %s: %w", ev.Name, err)
	}
	ev.Seq = seq

	if br := b.broker(ev.ThreadID); br != nil {
		br.Publish(ev)
	}
	return ev, nil
}

// Subscribe streams a thread's events with seq greater than sinceSeq: up to
// ReplayWindow stored events first, then live publishes. The concatenation
// is strictly seq-ordered with no duplicates. The channel closes when ctx
// ends or the bus shuts down.
func (b *Bus) Subscribe(ctx context.Context, threadID string, sinceSeq int64) (<-chan events.GatewayEvent, error) {
	br := b.broker(threadID)
	if br == nil {
		return nil, ErrClosed
	}

	// Attach live before the replay query so nothing appended in between is
	// missed; the seq gate below drops anything replay already delivered.
	live := br.Subscribe(ctx)

	replay, err := b.store.ListGatewayEventsSince(ctx, threadID, sinceSeq, ReplayWindow)
	if err != nil {
		return nil, fmt.Errorf("replaying events for %s: %w", threadID, err)
	}

	out := make(chan events.GatewayEvent, 32)
	log.SafeGo("eventbus.subscribe", func() {
		defer close(out)

		last := sinceSeq
		for _, ev := range replay {
			select {
			case out <- ev:
				if ev.Seq > last {
					last = ev.Seq
				}
			case <-ctx.Done():
				return
			}
		}

		for {
			select {
			case evt, ok := <-live:
				if !ok {
					return
				}
				ev := evt.Payload
				if ev.Seq <= last {
					continue
				}
				last = ev.Seq
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})

	return out, nil
}

// Close shuts down every thread broker; subscriber channels close.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	brokers := b.brokers
	b.brokers = nil
	b.mu.Unlock()

	for _, br := range brokers {
		br.Close()
	}
	log.Debug(log.CatBus, "event bus closed", "brokers", len(brokers))
}

// broker returns the thread's broker, creating it lazily. Returns nil after
// Close.
func (b *Bus) broker(threadID string) *pubsub.Broker[events.GatewayEvent] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	br, ok := b.brokers[threadID]
	if !ok {
		br = pubsub.NewBrokerWithBuffer[events.GatewayEvent](brokerBuffer)
		b.brokers[threadID] = br
	}
	return br
}
