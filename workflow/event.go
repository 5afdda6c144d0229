package workflow

import (
	"time"

	"github.com/Boykai/runwire/id"
)

// Event is the immutable record of one accepted state transition.
//
// Sequence is strictly monotonic and gap-free per workflow, and is the
// sole ordering key observers rely on. Timestamp is informational only —
// wall clocks skew and collide, sequences do not.
//
// Step transitions carry the step name; workflow-level transitions
// (cancel, pause, resume) leave StepName empty. WorkflowStatus is the
// derived workflow status after the transition, so observers never have
// to re-derive it.
type Event struct {
	WorkflowID id.WorkflowID `json:"workflow_id"`
	StepName   string        `json:"step_name,omitempty"`

	// OldStatus and NewStatus hold step statuses for step events and
	// workflow statuses for workflow-level events.
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`

	WorkflowStatus Status `json:"workflow_status"`

	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"ts"`
}

// Clone returns a copy of the event. Events are immutable by contract;
// stores clone on the way in and out to keep it that way.
func (e *Event) Clone() *Event {
	cp := *e
	return &cp
}
