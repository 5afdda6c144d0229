// Package event provides the in-process event bus carrying committed
// workflow transitions from the engine to live subscribers.
//
// The bus is live-only: subscribing yields future events, never history.
// History replay is the stream package's job, bridged over the durable
// event log. For a single workflow, events are delivered to every
// subscriber in publish order; a subscriber that cannot keep up is
// closed with an overflow mark rather than stalling the publisher or
// silently losing an event in the middle of its stream.
package event

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Boykai/runwire/id"
	"github.com/Boykai/runwire/workflow"
)

// DefaultBufferSize is the default per-subscription event buffer.
const DefaultBufferSize = 256

// Bus fans committed transition events out to per-workflow subscribers.
// Publish is called exactly once per durable transition, after the store
// write has committed; the engine serializes publishes per workflow, so
// channel FIFO ordering gives every subscriber the exact commit order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[int64]*Subscription // workflow ID → sub ID → sub
	nextID int64

	logger     *slog.Logger
	bufferSize int

	// Metrics.
	totalPublished atomic.Int64
	totalDropped   atomic.Int64
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the per-subscription event buffer size.
func WithBufferSize(size int) Option {
	return func(b *Bus) { b.bufferSize = size }
}

// WithLogger sets the structured logger for the bus.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// NewBus creates an event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[string]map[int64]*Subscription),
		logger:     slog.Default(),
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a live subscription for the given workflow.
// The returned subscription receives every event published for that
// workflow from this point on, in publish order.
func (b *Bus) Subscribe(workflowID id.WorkflowID) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:         b.nextID,
		workflowID: workflowID,
		ch:         make(chan *workflow.Event, b.bufferSize),
	}

	key := workflowID.String()
	subs, ok := b.subs[key]
	if !ok {
		subs = make(map[int64]*Subscription)
		b.subs[key] = subs
	}
	subs[sub.id] = sub

	return sub
}

// Unsubscribe removes and closes a subscription. Idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	key := sub.workflowID.String()
	if subs, ok := b.subs[key]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.subs, key)
		}
	}
	b.mu.Unlock()

	sub.close()
}

// Publish delivers an event to every subscription on its workflow.
// It never blocks: a subscription whose buffer is full is marked
// overflowed and closed, forcing that consumer to reconnect through the
// stream hub with its last known sequence number.
func (b *Bus) Publish(evt *workflow.Event) {
	b.totalPublished.Add(1)

	b.mu.RLock()
	subs := b.subs[evt.WorkflowID.String()]
	targets := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	var overflowed []*Subscription
	for _, s := range targets {
		if s.send(evt) {
			continue
		}
		if s.overflowed.Load() {
			b.totalDropped.Add(1)
			overflowed = append(overflowed, s)
		}
	}

	for _, s := range overflowed {
		b.logger.Warn("event subscription overflowed, disconnecting",
			slog.String("workflow_id", s.workflowID.String()),
			slog.Int64("sub_id", s.id),
		)
		b.Unsubscribe(s)
	}
}

// SubscriberCount returns the number of live subscriptions for a workflow.
func (b *Bus) SubscriberCount(workflowID id.WorkflowID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[workflowID.String()])
}

// Stats returns bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	workflows := len(b.subs)
	total := 0
	for _, subs := range b.subs {
		total += len(subs)
	}
	b.mu.RUnlock()

	return Stats{
		WorkflowCount:   workflows,
		SubscriberCount: total,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    b.totalDropped.Load(),
	}
}

// Stats contains bus metrics. TotalPublished counts Publish calls;
// TotalDropped counts subscriptions cut for overflowing.
type Stats struct {
	WorkflowCount   int   `json:"workflow_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

// Close closes every subscription. The bus must not be used afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subs {
		for _, s := range subs {
			s.close()
		}
		delete(b.subs, key)
	}
}
