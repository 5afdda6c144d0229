package event

import (
	"sync"
	"sync/atomic"

	"github.com/Boykai/runwire/id"
	"github.com/Boykai/runwire/workflow"
)

// Subscription is a live, ordered, non-restartable sequence of future
// events for one workflow. It does not replay history.
//
// The channel is closed when the subscription is unsubscribed, the bus
// shuts down, or the buffer overflows. After the channel closes,
// Overflowed distinguishes a slow-consumer disconnect from an orderly one.
type Subscription struct {
	id         int64
	workflowID id.WorkflowID

	// mu serializes send against close so a publish racing a disconnect
	// can never write to a closed channel.
	mu     sync.Mutex
	ch     chan *workflow.Event
	closed bool

	overflowed atomic.Bool
}

// C returns the read-only event channel.
func (s *Subscription) C() <-chan *workflow.Event { return s.ch }

// WorkflowID returns the workflow this subscription follows.
func (s *Subscription) WorkflowID() id.WorkflowID { return s.workflowID }

// Overflowed reports whether the subscription was closed because its
// buffer filled up.
func (s *Subscription) Overflowed() bool { return s.overflowed.Load() }

// send attempts a non-blocking delivery. On a full buffer the
// subscription is marked overflowed; the bus then closes it.
func (s *Subscription) send(evt *workflow.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.ch <- evt:
		return true
	default:
		s.overflowed.Store(true)
		return false
	}
}

// close closes the channel. Safe to call multiple times.
func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
