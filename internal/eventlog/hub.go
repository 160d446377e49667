package eventlog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// DefaultBuffer is the per-subscriber queue length used when none is given.
const DefaultBuffer = 64

// Subscription is a live handle on one topic's events. Events arrive on
// Events() in append order until the subscription is closed or evicted.
type Subscription struct {
	topicID string
	ch      chan model.Event
	hub     *Hub

	closeOnce sync.Once
	dropped   atomic.Bool
}

// Events returns the delivery channel. It is closed when the subscription
// ends for any reason.
func (s *Subscription) Events() <-chan model.Event { return s.ch }

// TopicID returns the subscribed topic.
func (s *Subscription) TopicID() string { return s.topicID }

// Dropped reports whether the hub evicted this subscriber because its queue
// was full. A dropped subscriber must resync from a snapshot.
func (s *Subscription) Dropped() bool { return s.dropped.Load() }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() { s.hub.unsubscribe(s) }

func (s *Subscription) closeChan() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Hub fans out appended events to the live subscribers of each topic. It
// never replays history. A subscriber whose queue is full is evicted
// instead of blocking delivery to the others.
type Hub struct {
	buffer  int
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}
}

// NewHub creates a hub with the given per-subscriber queue length.
func NewHub(buffer int, logger *slog.Logger, metrics *telemetry.Metrics) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		buffer:  buffer,
		logger:  logger,
		metrics: metrics,
		topics:  make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe attaches a new subscriber to topicID.
func (h *Hub) Subscribe(topicID string) *Subscription {
	s := &Subscription{topicID: topicID, ch: make(chan model.Event, h.buffer), hub: h}
	h.mu.Lock()
	subs, ok := h.topics[topicID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[topicID] = subs
	}
	subs[s] = struct{}{}
	h.mu.Unlock()
	h.metrics.SubscriberDelta(context.Background(), 1)
	return s
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	removed := h.remove(s)
	h.mu.Unlock()
	if removed {
		h.metrics.SubscriberDelta(context.Background(), -1)
	}
	s.closeChan()
}

// remove deletes s from its topic set. Callers hold h.mu.
func (h *Hub) remove(s *Subscription) bool {
	subs, ok := h.topics[s.topicID]
	if !ok {
		return false
	}
	if _, ok := subs[s]; !ok {
		return false
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.topics, s.topicID)
	}
	return true
}

// Publish delivers e to every subscriber of e.TopicID without blocking.
func (h *Hub) Publish(e model.Event) {
	var evicted int
	h.mu.Lock()
	for s := range h.topics[e.TopicID] {
		select {
		case s.ch <- e:
		default:
			s.dropped.Store(true)
			h.remove(s)
			s.closeChan()
			evicted++
		}
	}
	h.mu.Unlock()

	for range evicted {
		h.logger.Warn("eventlog: evicted slow subscriber", "topic_id", e.TopicID, "buffer", h.buffer)
		h.metrics.SubscriberEvicted(context.Background())
		h.metrics.SubscriberDelta(context.Background(), -1)
	}
}

// Count returns the number of live subscribers of topicID.
func (h *Hub) Count(topicID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topicID])
}

// CloseTopic ends every subscription of topicID, e.g. when the topic is
// deleted.
func (h *Hub) CloseTopic(topicID string) {
	h.mu.Lock()
	subs := h.topics[topicID]
	delete(h.topics, topicID)
	h.mu.Unlock()
	for s := range subs {
		s.closeChan()
		h.metrics.SubscriberDelta(context.Background(), -1)
	}
}
