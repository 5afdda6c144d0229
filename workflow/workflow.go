// Package workflow defines the runwire data model: workflows, their ordered
// steps, the append-only event log recording every accepted transition, and
// the persistence contract implemented by store backends.
//
// The types here are passive records. All mutation goes through the engine
// package, which is the sole writer and enforces the transition rules
// defined in status.go.
package workflow

import (
	"fmt"
	"time"

	"github.com/Boykai/runwire"
	"github.com/Boykai/runwire/id"
)

// Workflow is a tracked unit of orchestrated, multi-step work. Its Status
// is a pure function of its step statuses (see DeriveStatus), except for
// the explicitly commanded paused and cancelled states.
type Workflow struct {
	runwire.Entity

	ID     id.WorkflowID `json:"id"`
	Status Status        `json:"status"`

	// Steps in plan order. Insertion order is execution order.
	Steps []*Step `json:"steps"`

	// LastSequence is the high-water mark of this workflow's event log.
	// The next accepted transition is assigned LastSequence+1.
	LastSequence int64 `json:"last_sequence"`
}

// Step is one ordered sub-unit of a Workflow. Steps are identified by
// name, which is unique within the parent workflow.
type Step struct {
	Name   string     `json:"name"`
	Index  int        `json:"index"`
	Status StepStatus `json:"status"`

	// Result is the producer-defined payload attached to a terminal
	// report. The core never interprets it.
	Result []byte `json:"result,omitempty"`

	// Spec is the opaque step specification from the plan.
	Spec []byte `json:"spec,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// StepSpec declares one step of a workflow plan.
type StepSpec struct {
	// Name identifies the step within the workflow. Required, unique.
	Name string `json:"name"`

	// Spec is an opaque, producer-defined step specification.
	Spec []byte `json:"spec,omitempty"`
}

// Plan declares the ordered steps of a workflow at creation time.
type Plan struct {
	Steps []StepSpec `json:"steps"`
}

// Validate checks that the plan is non-empty and step names are unique
// and non-blank. Violations return ErrInvalidPlan.
func (p Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", runwire.ErrInvalidPlan)
	}

	seen := make(map[string]struct{}, len(p.Steps))
	for i, s := range p.Steps {
		if s.Name == "" {
			return fmt.Errorf("%w: step %d has no name", runwire.ErrInvalidPlan, i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("%w: duplicate step name %q", runwire.ErrInvalidPlan, s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

// New builds a queued workflow from a plan, with all steps pending and a
// freshly allocated workflow ID. The workflow is not persisted.
func New(plan Plan) (*Workflow, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	wf := &Workflow{
		ID:     id.NewWorkflowID(),
		Status: StatusQueued,
		Steps:  make([]*Step, len(plan.Steps)),
	}
	for i, s := range plan.Steps {
		wf.Steps[i] = &Step{
			Name:   s.Name,
			Index:  i,
			Status: StepPending,
			Spec:   s.Spec,
		}
	}
	wf.Touch()
	return wf, nil
}

// StepByName returns the step with the given name, or nil.
func (w *Workflow) StepByName(name string) *Step {
	for _, s := range w.Steps {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Clone returns a deep copy. Stores hand out clones so callers can
// mutate freely without racing against the stored record.
func (w *Workflow) Clone() *Workflow {
	cp := *w
	cp.Steps = make([]*Step, len(w.Steps))
	for i, s := range w.Steps {
		sc := *s
		if s.Result != nil {
			sc.Result = append([]byte(nil), s.Result...)
		}
		if s.Spec != nil {
			sc.Spec = append([]byte(nil), s.Spec...)
		}
		if s.StartedAt != nil {
			t := *s.StartedAt
			sc.StartedAt = &t
		}
		if s.FinishedAt != nil {
			t := *s.FinishedAt
			sc.FinishedAt = &t
		}
		cp.Steps[i] = &sc
	}
	return &cp
}
