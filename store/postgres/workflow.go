package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Boykai/runwire"
	"github.com/Boykai/runwire/id"
	"github.com/Boykai/runwire/workflow"
)

// CreateWorkflow persists a new workflow and its step rows.
func (s *Store) CreateWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr("begin", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO runwire_workflows (id, status, last_sequence, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		wf.ID.String(), string(wf.Status), wf.LastSequence, wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: workflow %s already exists", runwire.ErrConflict, wf.ID)
		}
		return storeErr("create workflow", err)
	}

	for _, step := range wf.Steps {
		if err := upsertStep(ctx, tx, wf.ID, step); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow with its steps.
func (s *Store) GetWorkflow(ctx context.Context, wfID id.WorkflowID) (*workflow.Workflow, error) {
	wf := &workflow.Workflow{}
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT id, status, last_sequence, created_at, updated_at
		 FROM runwire_workflows WHERE id = $1`, wfID.String(),
	).Scan(&wf.ID, &status, &wf.LastSequence, &wf.CreatedAt, &wf.UpdatedAt)
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: workflow %s", runwire.ErrWorkflowNotFound, wfID)
	}
	if err != nil {
		return nil, storeErr("get workflow", err)
	}
	wf.Status = workflow.Status(status)

	wf.Steps, err = s.loadSteps(ctx, wfID)
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// UpdateWorkflow commits a new snapshot together with the events that
// produced it in one transaction. The workflow row is locked FOR UPDATE
// so concurrent writers from other processes serialize here; event
// sequences must continue the stored log without a gap.
func (s *Store) UpdateWorkflow(ctx context.Context, wf *workflow.Workflow, events []*workflow.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr("begin", err)
	}
	defer tx.Rollback(ctx)

	var lastSeq int64
	err = tx.QueryRow(ctx,
		`SELECT last_sequence FROM runwire_workflows WHERE id = $1 FOR UPDATE`,
		wf.ID.String(),
	).Scan(&lastSeq)
	if isNoRows(err) {
		return fmt.Errorf("%w: workflow %s", runwire.ErrWorkflowNotFound, wf.ID)
	}
	if err != nil {
		return storeErr("lock workflow", err)
	}

	for _, evt := range events {
		if evt.Sequence != lastSeq+1 {
			return fmt.Errorf("%w: event sequence %d does not continue log at %d",
				runwire.ErrConflict, evt.Sequence, lastSeq)
		}
		lastSeq = evt.Sequence
	}

	_, err = tx.Exec(ctx,
		`UPDATE runwire_workflows SET status = $1, last_sequence = $2, updated_at = $3 WHERE id = $4`,
		string(wf.Status), wf.LastSequence, wf.UpdatedAt, wf.ID.String(),
	)
	if err != nil {
		return storeErr("update workflow", err)
	}

	for _, step := range wf.Steps {
		if err := upsertStep(ctx, tx, wf.ID, step); err != nil {
			return err
		}
	}

	for _, evt := range events {
		_, err = tx.Exec(ctx,
			`INSERT INTO runwire_events (workflow_id, sequence, step_name, old_status, new_status, workflow_status, ts)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			evt.WorkflowID.String(), evt.Sequence, evt.StepName,
			evt.OldStatus, evt.NewStatus, string(evt.WorkflowStatus), evt.Timestamp,
		)
		if err != nil {
			if isDuplicateKey(err) {
				return fmt.Errorf("%w: event sequence %d already committed", runwire.ErrConflict, evt.Sequence)
			}
			return storeErr(fmt.Sprintf("insert event %d", evt.Sequence), err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

// ListWorkflows returns workflows matching the given options.
func (s *Store) ListWorkflows(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Workflow, error) {
	query := `SELECT id, status, last_sequence, created_at, updated_at FROM runwire_workflows`
	var args []any
	if opts.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(opts.Status))
	}
	// IDs are UUIDv7-based, so id order is creation order.
	query += ` ORDER BY id ASC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list workflows", err)
	}
	defer rows.Close()

	var workflows []*workflow.Workflow
	for rows.Next() {
		wf := &workflow.Workflow{}
		var status string
		if err := rows.Scan(&wf.ID, &status, &wf.LastSequence, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, storeErr("scan workflow", err)
		}
		wf.Status = workflow.Status(status)
		workflows = append(workflows, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate workflows", err)
	}

	for _, wf := range workflows {
		wf.Steps, err = s.loadSteps(ctx, wf.ID)
		if err != nil {
			return nil, err
		}
	}
	return workflows, nil
}

// ListEventsSince returns events with sequence strictly greater than
// afterSeq, in order.
func (s *Store) ListEventsSince(ctx context.Context, wfID id.WorkflowID, afterSeq int64) ([]*workflow.Event, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM runwire_workflows WHERE id = $1)`, wfID.String(),
	).Scan(&exists)
	if err != nil {
		return nil, storeErr("check workflow", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: workflow %s", runwire.ErrWorkflowNotFound, wfID)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT workflow_id, sequence, step_name, old_status, new_status, workflow_status, ts
		 FROM runwire_events WHERE workflow_id = $1 AND sequence > $2 ORDER BY sequence ASC`,
		wfID.String(), afterSeq,
	)
	if err != nil {
		return nil, storeErr("list events", err)
	}
	defer rows.Close()

	var events []*workflow.Event
	for rows.Next() {
		evt := &workflow.Event{}
		var wfStatus string
		if err := rows.Scan(&evt.WorkflowID, &evt.Sequence, &evt.StepName,
			&evt.OldStatus, &evt.NewStatus, &wfStatus, &evt.Timestamp); err != nil {
			return nil, storeErr("scan event", err)
		}
		evt.WorkflowStatus = workflow.Status(wfStatus)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate events", err)
	}
	return events, nil
}

func (s *Store) loadSteps(ctx context.Context, wfID id.WorkflowID) ([]*workflow.Step, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, idx, status, spec, result, started_at, finished_at
		 FROM runwire_steps WHERE workflow_id = $1 ORDER BY idx ASC`, wfID.String(),
	)
	if err != nil {
		return nil, storeErr("load steps", err)
	}
	defer rows.Close()

	var steps []*workflow.Step
	for rows.Next() {
		step := &workflow.Step{}
		var status string
		var startedAt, finishedAt *time.Time
		if err := rows.Scan(&step.Name, &step.Index, &status, &step.Spec, &step.Result, &startedAt, &finishedAt); err != nil {
			return nil, storeErr("scan step", err)
		}
		step.Status = workflow.StepStatus(status)
		step.StartedAt = startedAt
		step.FinishedAt = finishedAt
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate steps", err)
	}
	return steps, nil
}

func upsertStep(ctx context.Context, tx pgx.Tx, wfID id.WorkflowID, step *workflow.Step) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO runwire_steps (workflow_id, name, idx, status, spec, result, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (workflow_id, name) DO UPDATE SET
		   status = EXCLUDED.status, result = EXCLUDED.result,
		   started_at = EXCLUDED.started_at, finished_at = EXCLUDED.finished_at`,
		wfID.String(), step.Name, step.Index, string(step.Status),
		step.Spec, step.Result, step.StartedAt, step.FinishedAt,
	)
	if err != nil {
		return storeErr(fmt.Sprintf("upsert step %q", step.Name), err)
	}
	return nil
}
