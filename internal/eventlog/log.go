// Package eventlog is the append-only, per-topic event log and its
// broadcast hub.
//
// Appends to one topic are serialized: the log assigns the event id and a ts
// that never decreases, persists the event, and publishes it to live
// subscribers before the next append of that topic starts. A subscriber
// therefore sees every event of its topic in append order.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
)

// Observer is notified after an event has been stored and published.
// Each observer has its own queue drained by one goroutine, so it sees the
// events of a topic in append order. A slow observer delays only itself.
type Observer func(ctx context.Context, e model.Event)

type observer struct {
	fn   Observer
	mu   sync.Mutex
	q    []model.Event
	wake chan struct{}
}

func (o *observer) push(e model.Event) {
	o.mu.Lock()
	o.q = append(o.q, e)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *observer) take() []model.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.q
	o.q = nil
	return q
}

type topicState struct {
	mu        sync.Mutex
	loaded    bool
	forgotten bool
	lastTS    int64
}

// Log appends events for every topic.
type Log struct {
	store  storage.Store
	hub    *Hub
	logger *slog.Logger
	now    func() int64

	mu        sync.Mutex
	topics    map[string]*topicState
	observers []*observer
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Log writing to store and publishing through hub.
func New(store storage.Store, hub *Hub, logger *slog.Logger) *Log {
	return &Log{
		store:  store,
		hub:    hub,
		logger: logger,
		now:    model.NowMillis,
		topics: make(map[string]*topicState),
		done:   make(chan struct{}),
	}
}

// Hub returns the broadcast hub.
func (l *Log) Hub() *Hub { return l.hub }

// Observe registers fn to be called for every appended event.
func (l *Log) Observe(fn Observer) {
	o := &observer{fn: fn, wake: make(chan struct{}, 1)}
	l.mu.Lock()
	l.observers = append(l.observers, o)
	l.mu.Unlock()
	l.wg.Add(1)
	go l.drain(o)
}

func (l *Log) drain(o *observer) {
	defer l.wg.Done()
	for {
		select {
		case <-o.wake:
			l.deliver(o, o.take())
		case <-l.done:
			l.deliver(o, o.take())
			return
		}
	}
}

func (l *Log) deliver(o *observer, events []model.Event) {
	for _, e := range events {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("eventlog: observer panicked", "event_id", e.EventID, "panic", r)
				}
			}()
			o.fn(context.Background(), e)
		}()
	}
}

// Close delivers the events already queued for observers and stops their
// goroutines. It returns ctx's error if they do not finish in time.
func (l *Log) Close(ctx context.Context) error {
	l.closeOnce.Do(func() { close(l.done) })
	finished := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("eventlog: observers still running: %w", ctx.Err())
	}
}

func (l *Log) topic(topicID string) *topicState {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts, ok := l.topics[topicID]
	if !ok {
		ts = &topicState{}
		l.topics[topicID] = ts
	}
	return ts
}

// lock acquires the topic's append lock, loading the last persisted ts on
// first use. A state dropped by Forget while waiting is replaced.
func (l *Log) lock(ctx context.Context, topicID string) (*topicState, error) {
	ts := l.topic(topicID)
	ts.mu.Lock()
	for ts.forgotten {
		ts.mu.Unlock()
		ts = l.topic(topicID)
		ts.mu.Lock()
	}
	if !ts.loaded {
		last, err := l.store.LastEventTS(ctx, topicID)
		if err != nil {
			ts.mu.Unlock()
			return nil, fmt.Errorf("eventlog: load last ts: %w", err)
		}
		ts.lastTS = last
		ts.loaded = true
	}
	return ts, nil
}

// Append assigns identity and ts to e, validates and stores it, then
// publishes it. Storage errors are returned to the caller and nothing is
// published.
func (l *Log) Append(ctx context.Context, e model.Event) (model.Event, error) {
	ts, err := l.lock(ctx, e.TopicID)
	if err != nil {
		return model.Event{}, err
	}

	if e.EventID == "" {
		e.EventID = model.NewID()
	}
	e.TS = max(l.now(), ts.lastTS)
	if err := e.Validate(); err != nil {
		ts.mu.Unlock()
		return model.Event{}, err
	}
	if err := l.store.AppendEvent(ctx, e); err != nil {
		ts.mu.Unlock()
		return model.Event{}, fmt.Errorf("eventlog: append %s: %w", e.Kind, err)
	}
	ts.lastTS = e.TS
	l.hub.Publish(e)
	l.notify(e)
	ts.mu.Unlock()
	return e, nil
}

// notify queues e for every observer. It runs under the topic lock so queues
// keep append order.
func (l *Log) notify(e model.Event) {
	l.mu.Lock()
	observers := l.observers
	l.mu.Unlock()
	for _, o := range observers {
		o.push(e)
	}
}

// Subscribe attaches a live subscriber to topicID. Events appended before
// this call are not delivered; use a snapshot to backfill.
func (l *Log) Subscribe(topicID string) *Subscription {
	return l.hub.Subscribe(topicID)
}

// View runs fn while no event of topicID can be appended. Reads made inside
// fn see a prefix of the log that ends exactly at the last published event.
func (l *Log) View(ctx context.Context, topicID string, fn func() error) error {
	ts, err := l.lock(ctx, topicID)
	if err != nil {
		return err
	}
	defer ts.mu.Unlock()
	return fn()
}

// SubscribeAfter atomically subscribes to topicID and runs fn, so the
// subscription delivers exactly the events appended after fn's reads.
func (l *Log) SubscribeAfter(ctx context.Context, topicID string, fn func() error) (*Subscription, error) {
	var sub *Subscription
	err := l.View(ctx, topicID, func() error {
		sub = l.hub.Subscribe(topicID)
		if err := fn(); err != nil {
			sub.Close()
			sub = nil
			return err
		}
		return nil
	})
	return sub, err
}

// Forget drops the cached state of a deleted topic and ends its
// subscriptions.
func (l *Log) Forget(topicID string) {
	l.mu.Lock()
	ts, ok := l.topics[topicID]
	l.mu.Unlock()
	if ok {
		// Wait out an in-flight append; the topic lock is taken before l.mu.
		ts.mu.Lock()
		ts.forgotten = true
		l.mu.Lock()
		if l.topics[topicID] == ts {
			delete(l.topics, topicID)
		}
		l.mu.Unlock()
		ts.mu.Unlock()
	}
	l.hub.CloseTopic(topicID)
}
