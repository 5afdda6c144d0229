// Package stream bridges the durable event log and the live bus into a
// single gap-free feed per observer.
//
// Connect subscribes to the live bus first and replays the log second,
// so no event can fall between the two phases. Events that arrive live
// while the replay is still draining are deduplicated by sequence
// number, which is the sole ordering key: each observer sees every
// committed event after its cursor exactly once, in order.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Boykai/runwire"
	"github.com/Boykai/runwire/event"
	"github.com/Boykai/runwire/id"
	"github.com/Boykai/runwire/observability"
	"github.com/Boykai/runwire/workflow"
)

// DefaultBufferSize is the per-observer channel capacity. An observer
// whose consumer lags this far behind is disconnected rather than
// allowed to stall the feed.
const DefaultBufferSize = 256

// History is the read side of the event log needed for replay.
// workflow.Store satisfies it.
type History interface {
	ListEventsSince(ctx context.Context, workflowID id.WorkflowID, afterSeq int64) ([]*workflow.Event, error)
}

// Hub attaches observers to workflow event streams. Each observer gets
// its own pump goroutine and buffered channel, so one slow consumer
// never delays another.
type Hub struct {
	history History
	bus     *event.Bus
	logger  *slog.Logger
	metrics *observability.Metrics

	bufferSize int

	mu        sync.Mutex
	observers map[string]*Observer
	closed    bool
	wg        sync.WaitGroup

	totalDelivered atomic.Int64
	totalDropped   atomic.Int64
}

// Stats is a point-in-time snapshot of hub activity.
type Stats struct {
	Observers      int
	TotalDelivered int64
	TotalDropped   int64
}

// Option configures a Hub.
type Option func(*Hub)

// WithBufferSize sets the per-observer channel capacity.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithLogger sets the structured logger for the hub.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates a Hub over the given event log and live bus.
func NewHub(history History, bus *event.Bus, opts ...Option) *Hub {
	h := &Hub{
		history:    history,
		bus:        bus,
		logger:     slog.Default(),
		bufferSize: DefaultBufferSize,
		observers:  make(map[string]*Observer),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect attaches an observer to a workflow's stream, resuming just
// after afterSeq. Pass 0 to receive the full history. The live
// subscription is taken out before the replay query runs, so the two
// phases overlap rather than leaving a window; overlapping events are
// deduplicated by sequence.
//
// Returns ErrWorkflowNotFound for an unknown workflow.
func (h *Hub) Connect(ctx context.Context, workflowID id.WorkflowID, afterSeq int64) (*Observer, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, runwire.ErrObserverClosed
	}
	h.mu.Unlock()

	sub := h.bus.Subscribe(workflowID)

	replay, err := h.history.ListEventsSince(ctx, workflowID, afterSeq)
	if err != nil {
		h.bus.Unsubscribe(sub)
		return nil, fmt.Errorf("stream connect: %w", err)
	}

	obs := newObserver(workflowID, afterSeq, h.bufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.bus.Unsubscribe(sub)
		return nil, runwire.ErrObserverClosed
	}
	h.observers[obs.id.String()] = obs
	h.wg.Add(1)
	h.mu.Unlock()

	go h.pump(obs, sub, replay)

	h.logger.Debug("observer connected",
		slog.String("observer_id", obs.id.String()),
		slog.String("workflow_id", workflowID.String()),
		slog.Int64("after_seq", afterSeq),
		slog.Int("replay", len(replay)),
	)
	return obs, nil
}

// Disconnect detaches an observer cleanly. Idempotent.
func (h *Hub) Disconnect(obs *Observer) {
	if obs == nil {
		return
	}
	obs.stop(nil)
}

// ObserverCount returns the number of attached observers.
func (h *Hub) ObserverCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Stats returns a snapshot of hub activity.
func (h *Hub) Stats() Stats {
	return Stats{
		Observers:      h.ObserverCount(),
		TotalDelivered: h.totalDelivered.Load(),
		TotalDropped:   h.totalDropped.Load(),
	}
}

// Close detaches every observer and waits for their pumps to finish.
// Further Connect calls return ErrObserverClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	observers := make([]*Observer, 0, len(h.observers))
	for _, obs := range h.observers {
		observers = append(observers, obs)
	}
	h.mu.Unlock()

	for _, obs := range observers {
		obs.stop(nil)
	}
	h.wg.Wait()
}

// pump is the per-observer goroutine: replay first, then live, with a
// single sequence cursor deduplicating the overlap.
func (h *Hub) pump(obs *Observer, sub *event.Subscription, replay []*workflow.Event) {
	defer h.teardown(obs, sub)

	last := obs.afterSeq
	for _, evt := range replay {
		if evt.Sequence <= last {
			continue
		}
		if !h.deliver(obs, evt) {
			return
		}
		last = evt.Sequence
	}

	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				// The bus cut the subscription: its buffer overflowed
				// before the pump could drain it.
				obs.stop(runwire.ErrObserverOverflow)
				return
			}
			if evt.Sequence <= last {
				continue
			}
			if !h.deliver(obs, evt) {
				return
			}
			last = evt.Sequence
		case <-obs.done:
			return
		}
	}
}

// deliver hands one event to the observer without blocking. A full
// buffer detaches the observer with ErrObserverOverflow.
func (h *Hub) deliver(obs *Observer, evt *workflow.Event) bool {
	select {
	case obs.ch <- evt:
		h.totalDelivered.Add(1)
		h.metrics.RecordDelivered(context.Background(), 1)
		return true
	default:
		obs.stop(runwire.ErrObserverOverflow)
		return false
	}
}

func (h *Hub) teardown(obs *Observer, sub *event.Subscription) {
	h.bus.Unsubscribe(sub)

	h.mu.Lock()
	delete(h.observers, obs.id.String())
	h.mu.Unlock()

	close(obs.ch)
	h.wg.Done()

	if err := obs.Err(); err != nil {
		h.totalDropped.Add(1)
		h.metrics.RecordDropped(context.Background())
		h.logger.Warn("observer dropped",
			slog.String("observer_id", obs.id.String()),
			slog.String("workflow_id", obs.workflowID.String()),
			slog.String("reason", err.Error()),
		)
	} else {
		h.logger.Debug("observer disconnected",
			slog.String("observer_id", obs.id.String()),
		)
	}
}
