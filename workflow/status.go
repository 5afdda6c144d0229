package workflow

// Status is the lifecycle state of a workflow.
type Status string

const (
	// StatusQueued means no step has started yet.
	StatusQueued Status = "queued"
	// StatusRunning means work is in progress: at least one step has
	// moved beyond pending and no terminal outcome has been reached.
	StatusRunning Status = "running"
	// StatusPaused means new running transitions are suspended. Paused is
	// commanded explicitly, never derived from step state.
	StatusPaused Status = "paused"
	// StatusCompleted means every step succeeded.
	StatusCompleted Status = "completed"
	// StatusFailed means at least one step failed.
	StatusFailed Status = "failed"
	// StatusCancelled means the workflow was cancelled; non-terminal
	// steps were marked skipped.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the workflow status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step status is final. Terminal steps are
// frozen: any further report is a conflict.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// stepRank orders step statuses along the forward-only sequence.
func stepRank(s StepStatus) int {
	switch s {
	case StepPending:
		return 0
	case StepRunning:
		return 1
	case StepSucceeded, StepFailed, StepSkipped:
		return 2
	default:
		return -1
	}
}

// StepTransitionAllowed reports whether a step may move from old to new.
// Steps only move forward: pending → running → terminal, with direct
// pending → terminal jumps permitted. Duplicate reports (old == new) and
// any move out of a terminal status are rejected.
func StepTransitionAllowed(old, new StepStatus) bool {
	or, nr := stepRank(old), stepRank(new)
	if or < 0 || nr < 0 {
		return false
	}
	if old.Terminal() {
		return false
	}
	return nr > or
}

// DeriveStatus computes the workflow status implied by its step statuses.
// It never returns paused or cancelled — those are commanded states that
// the engine applies explicitly.
//
// Rules, in order: any failed step fails the workflow; all steps
// succeeded completes it; all steps pending keeps it queued; anything
// else is in progress.
func DeriveStatus(steps []*Step) Status {
	allPending := true
	allSucceeded := true

	for _, s := range steps {
		switch s.Status {
		case StepFailed:
			return StatusFailed
		case StepPending:
			allSucceeded = false
		case StepSucceeded:
			allPending = false
		default:
			allPending = false
			allSucceeded = false
		}
	}

	switch {
	case allSucceeded:
		return StatusCompleted
	case allPending:
		return StatusQueued
	default:
		return StatusRunning
	}
}
