package stream

import (
	"sync"

	"github.com/Boykai/runwire/id"
	"github.com/Boykai/runwire/workflow"
)

// Observer is one attached consumer of a workflow's event stream. Events
// arrive on Events() in strict sequence order, starting just after the
// sequence number the observer connected with. When the channel closes,
// Err reports why: nil after a clean Disconnect or hub shutdown,
// ErrObserverOverflow when the observer fell too far behind and was cut.
type Observer struct {
	id         id.ObserverID
	workflowID id.WorkflowID
	afterSeq   int64

	ch   chan *workflow.Event
	done chan struct{}

	mu  sync.Mutex
	err error
}

func newObserver(workflowID id.WorkflowID, afterSeq int64, bufferSize int) *Observer {
	return &Observer{
		id:         id.NewObserverID(),
		workflowID: workflowID,
		afterSeq:   afterSeq,
		ch:         make(chan *workflow.Event, bufferSize),
		done:       make(chan struct{}),
	}
}

// ID returns the observer's unique ID.
func (o *Observer) ID() id.ObserverID { return o.id }

// WorkflowID returns the workflow this observer is attached to.
func (o *Observer) WorkflowID() id.WorkflowID { return o.workflowID }

// Events returns the ordered event channel. It is closed when the
// observer detaches for any reason.
func (o *Observer) Events() <-chan *workflow.Event { return o.ch }

// Done is closed when the observer is detached.
func (o *Observer) Done() <-chan struct{} { return o.done }

// Err reports why the observer detached. It is meaningful once Events()
// has been closed; nil means a clean disconnect.
func (o *Observer) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// stop records the detach reason and signals the pump. Idempotent; the
// first reason wins.
func (o *Observer) stop(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	select {
	case <-o.done:
		return
	default:
	}
	o.err = err
	close(o.done)
}
