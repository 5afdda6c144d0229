package workflow

import (
	"context"

	"github.com/Boykai/runwire/id"
)

// ListOpts controls pagination and filtering for workflow list queries.
type ListOpts struct {
	// Limit is the maximum number of workflows to return. Zero means no limit.
	Limit int
	// Offset is the number of workflows to skip.
	Offset int
	// Status filters by workflow status. Empty means all statuses.
	Status Status
}

// Store defines the persistence contract for workflows and their event
// logs. It is the single source of truth; implementations must be safe
// for concurrent use.
//
// Durable-write failures are reported as errors wrapping
// runwire.ErrStoreUnavailable and must leave no partial state behind.
type Store interface {
	// CreateWorkflow persists a new workflow with its steps.
	CreateWorkflow(ctx context.Context, wf *Workflow) error

	// GetWorkflow retrieves a workflow by ID, including its steps.
	// Returns runwire.ErrWorkflowNotFound for unknown IDs.
	GetWorkflow(ctx context.Context, wfID id.WorkflowID) (*Workflow, error)

	// UpdateWorkflow atomically persists the workflow snapshot and
	// appends the given events to its log in a single durable write.
	// Readers observe either the pre- or post-transition state, never a
	// partially applied one. The events must already carry sequence
	// numbers continuing from the previously stored LastSequence.
	UpdateWorkflow(ctx context.Context, wf *Workflow, events []*Event) error

	// ListWorkflows returns workflows matching the given options,
	// ordered by creation time.
	ListWorkflows(ctx context.Context, opts ListOpts) ([]*Workflow, error)

	// ListEventsSince returns all events for the workflow with sequence
	// strictly greater than afterSeq, in increasing sequence order. The
	// result is finite and the query is restartable: calling it twice
	// with the same cursor yields the same events. Returns
	// runwire.ErrWorkflowNotFound for unknown IDs.
	ListEventsSince(ctx context.Context, wfID id.WorkflowID, afterSeq int64) ([]*Event, error)
}
