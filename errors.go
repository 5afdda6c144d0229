package runwire

import (
	"errors"
	"fmt"
)

var (
	// Not found errors.
	ErrWorkflowNotFound = errors.New("runwire: workflow not found")
	ErrStepNotFound     = errors.New("runwire: step not found")

	// Plan errors.
	ErrInvalidPlan = errors.New("runwire: invalid workflow plan")

	// Conflict covers every rejected transition: reporting a terminal
	// step, moving a step backward, reporting into a paused workflow,
	// or commanding a workflow that is already terminal.
	ErrConflict = errors.New("runwire: transition conflict")

	// Store errors. A failed durable write aborts the transition and
	// publishes nothing; callers retry at their own policy. Every
	// backend failure matches ErrStoreUnavailable; a closed store is
	// one flavor of it, also matchable as ErrStoreClosed.
	ErrStoreUnavailable = errors.New("runwire: store unavailable")
	ErrStoreClosed      = fmt.Errorf("%w: closed", ErrStoreUnavailable)

	// Observer errors. Overflow disconnects a single observer and never
	// affects other observers or the write path.
	ErrObserverOverflow = errors.New("runwire: observer buffer overflow")
	ErrObserverClosed   = errors.New("runwire: observer closed")
)
