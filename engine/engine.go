// Package engine implements the workflow state machine. It is the sole
// writer to the store: every command reads the current workflow under a
// per-workflow lock, validates the transition, derives the new workflow
// status, commits the snapshot together with the resulting events in one
// durable write, and only then publishes those events to the bus.
//
// Because publish happens after commit and still under the per-workflow
// lock, the live bus sees events in exactly sequence order, and an
// observer can never see a transition that is not yet persisted.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Boykai/runwire"
	"github.com/Boykai/runwire/id"
	"github.com/Boykai/runwire/observability"
	"github.com/Boykai/runwire/workflow"
)

// Publisher receives committed events. *event.Bus satisfies it.
type Publisher interface {
	Publish(evt *workflow.Event)
}

// Engine is the workflow state machine and command surface contract.
type Engine struct {
	store   workflow.Store
	bus     Publisher
	logger  *slog.Logger
	metrics *observability.Metrics
	locks   *keyedMutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics recorder. Defaults to instruments on the
// global OTel MeterProvider.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine on the given store and bus.
func New(store workflow.Store, bus Publisher, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		bus:    bus,
		logger: slog.Default(),
		locks:  newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = observability.NewMetrics()
	}
	return e
}

// Create persists a new workflow from the plan: status queued, every
// step pending, event log empty.
func (e *Engine) Create(ctx context.Context, plan workflow.Plan) (*workflow.Workflow, error) {
	wf, err := workflow.New(plan)
	if err != nil {
		e.metrics.RecordRejected(ctx, "invalid_plan")
		return nil, err
	}

	if err := e.store.CreateWorkflow(ctx, wf); err != nil {
		e.metrics.RecordRejected(ctx, "store")
		return nil, err
	}

	e.metrics.RecordCreated(ctx)
	e.logger.Info("workflow created",
		slog.String("workflow_id", wf.ID.String()),
		slog.Int("steps", len(wf.Steps)),
	)
	return wf, nil
}

// Get returns the current state of a workflow.
func (e *Engine) Get(ctx context.Context, wfID id.WorkflowID) (*workflow.Workflow, error) {
	return e.store.GetWorkflow(ctx, wfID)
}

// EventsSince returns all committed events for the workflow with
// sequence strictly greater than afterSeq, in order.
func (e *Engine) EventsSince(ctx context.Context, wfID id.WorkflowID, afterSeq int64) ([]*workflow.Event, error) {
	return e.store.ListEventsSince(ctx, wfID, afterSeq)
}

// List returns workflows matching the given options.
func (e *Engine) List(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Workflow, error) {
	return e.store.ListWorkflows(ctx, opts)
}

// ReportStep records a step status report. Accepted statuses are
// running, succeeded and failed; skipped is reserved for the engine
// itself (cancellation and fail-fast). A failed report marks all
// remaining pending steps skipped in the same atomic transition.
//
// The returned event is the one recording the reported step's
// transition; fail-fast skip events follow it in the log and on the bus.
func (e *Engine) ReportStep(ctx context.Context, wfID id.WorkflowID, stepName string, status workflow.StepStatus, result []byte) (*workflow.Event, error) {
	if status != workflow.StepRunning && status != workflow.StepSucceeded && status != workflow.StepFailed {
		e.metrics.RecordRejected(ctx, "conflict")
		return nil, fmt.Errorf("%w: status %q cannot be reported", runwire.ErrConflict, status)
	}

	_, events, err := e.apply(ctx, wfID, func(wf *workflow.Workflow) ([]*workflow.Event, error) {
		if wf.Status == workflow.StatusPaused {
			return nil, fmt.Errorf("%w: workflow %s is paused", runwire.ErrConflict, wfID)
		}
		if wf.Status.Terminal() {
			return nil, fmt.Errorf("%w: workflow %s is %s", runwire.ErrConflict, wfID, wf.Status)
		}

		step := wf.StepByName(stepName)
		if step == nil {
			return nil, fmt.Errorf("%w: step %q in workflow %s", runwire.ErrStepNotFound, stepName, wfID)
		}
		if !workflow.StepTransitionAllowed(step.Status, status) {
			return nil, fmt.Errorf("%w: step %q cannot move %s → %s",
				runwire.ErrConflict, stepName, step.Status, status)
		}

		now := time.Now().UTC()
		events := []*workflow.Event{stepEvent(wf, step, status, now)}
		transition(step, status, result, now)

		// Fail-fast: a failed step skips every step still pending, in
		// the same atomic transition.
		if status == workflow.StepFailed {
			for _, s := range wf.Steps {
				if s.Status == workflow.StepPending {
					events = append(events, stepEvent(wf, s, workflow.StepSkipped, now))
					transition(s, workflow.StepSkipped, nil, now)
				}
			}
		}

		wf.Status = workflow.DeriveStatus(wf.Steps)
		return events, nil
	})
	if err != nil {
		return nil, err
	}
	return events[0], nil
}

// Cancel marks every non-terminal step skipped and the workflow
// cancelled. It does not interrupt any in-flight external execution;
// it only records state and emits the corresponding events.
func (e *Engine) Cancel(ctx context.Context, wfID id.WorkflowID) (*workflow.Workflow, error) {
	return e.command(ctx, wfID, func(wf *workflow.Workflow) ([]*workflow.Event, error) {
		if wf.Status.Terminal() {
			return nil, fmt.Errorf("%w: workflow %s is already %s", runwire.ErrConflict, wfID, wf.Status)
		}

		now := time.Now().UTC()
		var events []*workflow.Event
		for _, s := range wf.Steps {
			if !s.Status.Terminal() {
				events = append(events, stepEvent(wf, s, workflow.StepSkipped, now))
				transition(s, workflow.StepSkipped, nil, now)
			}
		}
		events = append(events, workflowEvent(wf, workflow.StatusCancelled, now))
		wf.Status = workflow.StatusCancelled
		return events, nil
	})
}

// Pause suspends acceptance of new step reports without altering any
// recorded step status. Cancelling a paused workflow is legal; reporting
// into one is a conflict until Resume.
func (e *Engine) Pause(ctx context.Context, wfID id.WorkflowID) (*workflow.Workflow, error) {
	return e.command(ctx, wfID, func(wf *workflow.Workflow) ([]*workflow.Event, error) {
		if wf.Status.Terminal() {
			return nil, fmt.Errorf("%w: workflow %s is %s", runwire.ErrConflict, wfID, wf.Status)
		}
		if wf.Status == workflow.StatusPaused {
			return nil, fmt.Errorf("%w: workflow %s is already paused", runwire.ErrConflict, wfID)
		}

		now := time.Now().UTC()
		evt := workflowEvent(wf, workflow.StatusPaused, now)
		wf.Status = workflow.StatusPaused
		return []*workflow.Event{evt}, nil
	})
}

// Resume lifts a pause. The workflow status is re-derived from the step
// statuses recorded so far.
func (e *Engine) Resume(ctx context.Context, wfID id.WorkflowID) (*workflow.Workflow, error) {
	return e.command(ctx, wfID, func(wf *workflow.Workflow) ([]*workflow.Event, error) {
		if wf.Status != workflow.StatusPaused {
			return nil, fmt.Errorf("%w: workflow %s is not paused", runwire.ErrConflict, wfID)
		}

		now := time.Now().UTC()
		derived := workflow.DeriveStatus(wf.Steps)
		evt := workflowEvent(wf, derived, now)
		wf.Status = derived
		return []*workflow.Event{evt}, nil
	})
}

// ── internals ───────────────────────────────────────

// command runs a workflow-level mutation and returns the updated snapshot.
func (e *Engine) command(ctx context.Context, wfID id.WorkflowID, mutate func(*workflow.Workflow) ([]*workflow.Event, error)) (*workflow.Workflow, error) {
	wf, _, err := e.apply(ctx, wfID, mutate)
	return wf, err
}

// apply is the single write path: read, mutate, assign sequences,
// commit, publish — all under the per-workflow lock.
func (e *Engine) apply(ctx context.Context, wfID id.WorkflowID, mutate func(*workflow.Workflow) ([]*workflow.Event, error)) (*workflow.Workflow, []*workflow.Event, error) {
	unlock := e.locks.lock(wfID.String())
	defer unlock()
	start := time.Now()

	wf, err := e.store.GetWorkflow(ctx, wfID)
	if err != nil {
		e.metrics.RecordRejected(ctx, rejectReason(err))
		return nil, nil, err
	}

	events, err := mutate(wf)
	if err != nil {
		e.metrics.RecordRejected(ctx, rejectReason(err))
		return nil, nil, err
	}

	// Assign gap-free sequence numbers and stamp every event with the
	// derived status after the transition.
	for _, evt := range events {
		wf.LastSequence++
		evt.Sequence = wf.LastSequence
		evt.WorkflowStatus = wf.Status
	}
	wf.Touch()

	if err := e.store.UpdateWorkflow(ctx, wf, events); err != nil {
		// The transition is aborted: no partial state, nothing published.
		e.metrics.RecordRejected(ctx, rejectReason(err))
		return nil, nil, err
	}

	// Durably committed — now, and only now, hand the events to the bus.
	// Still under the per-workflow lock, so bus order equals log order.
	for _, evt := range events {
		e.bus.Publish(evt)
	}

	kind := "workflow"
	if len(events) > 0 && events[0].StepName != "" {
		kind = "step"
	}
	e.metrics.RecordApplied(ctx, kind, string(wf.Status), len(events), time.Since(start))
	e.logger.Debug("transition committed",
		slog.String("workflow_id", wfID.String()),
		slog.String("status", string(wf.Status)),
		slog.Int("events", len(events)),
		slog.Int64("last_sequence", wf.LastSequence),
	)
	return wf, events, nil
}

// rejectReason maps an error to a metrics attribute value.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, runwire.ErrConflict):
		return "conflict"
	case errors.Is(err, runwire.ErrWorkflowNotFound), errors.Is(err, runwire.ErrStepNotFound):
		return "not_found"
	default:
		return "store"
	}
}

// stepEvent builds the event recording a step transition. Sequence and
// WorkflowStatus are filled in by apply after derivation.
func stepEvent(wf *workflow.Workflow, step *workflow.Step, to workflow.StepStatus, now time.Time) *workflow.Event {
	return &workflow.Event{
		WorkflowID: wf.ID,
		StepName:   step.Name,
		OldStatus:  string(step.Status),
		NewStatus:  string(to),
		Timestamp:  now,
	}
}

// workflowEvent builds the event recording a workflow-level transition.
func workflowEvent(wf *workflow.Workflow, to workflow.Status, now time.Time) *workflow.Event {
	return &workflow.Event{
		WorkflowID: wf.ID,
		OldStatus:  string(wf.Status),
		NewStatus:  string(to),
		Timestamp:  now,
	}
}

// transition applies a step status change and its timestamps.
func transition(step *workflow.Step, to workflow.StepStatus, result []byte, now time.Time) {
	step.Status = to
	if to == workflow.StepRunning {
		t := now
		step.StartedAt = &t
	}
	if to.Terminal() {
		t := now
		step.FinishedAt = &t
		if result != nil {
			step.Result = result
		}
	}
}
