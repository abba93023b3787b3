// Package events distributes full state snapshots to live subscribers and,
// when configured, mirrors them to Kafka.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
)

const (
	TopicInventory = "inventory"
	TopicSales     = "sales"
)

type Event struct {
	Topic   string    `json:"topic"`
	Type    string    `json:"type"`
	Key     string    `json:"key,omitempty"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Hub keeps the latest event per topic. A subscriber channel holds at most
// one pending event, so a slow reader only ever sees the newest snapshot.
type Hub struct {
	mu     sync.Mutex
	latest map[string]Event
	subs   map[string]map[chan Event]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{
		latest: make(map[string]Event),
		subs:   make(map[string]map[chan Event]struct{}),
	}
}

func (h *Hub) Publish(_ context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.latest[event.Topic] = event
	for ch := range h.subs[event.Topic] {
		offer(ch, event)
	}
	return nil
}

// Subscribe returns a channel of snapshots for topic, starting with the
// current one if any. The channel is closed when ctx is done or the hub closes.
func (h *Hub) Subscribe(ctx context.Context, topic string) <-chan Event {
	ch := make(chan Event, 1)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch
	}
	if _, ok := h.subs[topic]; !ok {
		h.subs[topic] = make(map[chan Event]struct{})
	}
	h.subs[topic][ch] = struct{}{}
	if event, ok := h.latest[topic]; ok {
		ch <- event
	}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[topic][ch]; ok {
			delete(h.subs[topic], ch)
			close(ch)
		}
	}()
	return ch
}

func (h *Hub) Latest(topic string) (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	event, ok := h.latest[topic]
	return event, ok
}

func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[topic])
}

// Close ends every subscription.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for topic, subs := range h.subs {
		for ch := range subs {
			close(ch)
		}
		delete(h.subs, topic)
	}
	return nil
}

// offer replaces any undelivered event with the new one. Callers hold h.mu,
// so the hub is the only sender.
func offer(ch chan Event, event Event) {
	select {
	case ch <- event:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- event
}

// Fanout publishes to every publisher and returns the combined error.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var err error
	for _, p := range f {
		if p == nil {
			continue
		}
		err = multierr.Append(err, p.Publish(ctx, event))
	}
	return err
}
