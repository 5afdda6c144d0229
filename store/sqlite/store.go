// Package sqlite implements the workflow store on libSQL, an embedded
// SQLite fork. A single database file holds the workflow snapshots and
// the append-only event log; snapshot and events commit in one
// transaction, so a crash never leaves them disagreeing.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/Boykai/runwire"
	"github.com/Boykai/runwire/id"
	"github.com/Boykai/runwire/store"
	"github.com/Boykai/runwire/workflow"
)

// Store is a libSQL-backed workflow store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens a libSQL database at the given path. The path should be a
// file URI, e.g. "file:/path/to/runwire.db". The pool is capped at one
// connection; SQLite serializes writers anyway and a single connection
// avoids SQLITE_BUSY churn under concurrent commands.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow for all.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &Store{db: db}, nil
}

// storeErr wraps a backend failure so callers can match
// runwire.ErrStoreUnavailable and apply their retry policy.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, runwire.ErrStoreUnavailable, err)
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum reclaims space from deleted rows.
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) CreateWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin tx", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM workflows WHERE id = ?`, wf.ID.String()).Scan(&exists)
	if err == nil {
		return fmt.Errorf("%w: workflow %s already exists", runwire.ErrConflict, wf.ID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return storeErr("check workflow", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (id, status, last_sequence, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		wf.ID.String(), string(wf.Status), wf.LastSequence, wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return storeErr("insert workflow", err)
	}

	for _, step := range wf.Steps {
		if err := insertStep(ctx, tx, wf.ID, step); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, wfID id.WorkflowID) (*workflow.Workflow, error) {
	wf, err := s.getWorkflowRow(ctx, wfID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, idx, status, spec, result, started_at, finished_at
		 FROM steps WHERE workflow_id = ? ORDER BY idx ASC`, wfID.String(),
	)
	if err != nil {
		return nil, storeErr("query steps", err)
	}
	defer rows.Close()

	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, storeErr("scan step", err)
		}
		wf.Steps = append(wf.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate steps", err)
	}
	return wf, nil
}

// UpdateWorkflow commits a new snapshot together with the events that
// produced it in one transaction. Event sequences must continue the
// stored log without a gap; anything else aborts with ErrConflict and
// leaves no partial state.
func (s *Store) UpdateWorkflow(ctx context.Context, wf *workflow.Workflow, events []*workflow.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin tx", err)
	}
	defer tx.Rollback()

	var lastSeq int64
	err = tx.QueryRowContext(ctx,
		`SELECT last_sequence FROM workflows WHERE id = ?`, wf.ID.String(),
	).Scan(&lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: workflow %s", runwire.ErrWorkflowNotFound, wf.ID)
	}
	if err != nil {
		return storeErr("read last sequence", err)
	}

	for _, evt := range events {
		if evt.Sequence != lastSeq+1 {
			return fmt.Errorf("%w: event sequence %d does not continue log at %d",
				runwire.ErrConflict, evt.Sequence, lastSeq)
		}
		lastSeq = evt.Sequence
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE workflows SET status = ?, last_sequence = ?, updated_at = ? WHERE id = ?`,
		string(wf.Status), wf.LastSequence, wf.UpdatedAt, wf.ID.String(),
	)
	if err != nil {
		return storeErr("update workflow", err)
	}

	for _, step := range wf.Steps {
		if err := insertStep(ctx, tx, wf.ID, step); err != nil {
			return err
		}
	}

	for _, evt := range events {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO events (workflow_id, sequence, step_name, old_status, new_status, workflow_status, ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			evt.WorkflowID.String(), evt.Sequence, evt.StepName,
			evt.OldStatus, evt.NewStatus, string(evt.WorkflowStatus), evt.Timestamp,
		)
		if err != nil {
			return storeErr(fmt.Sprintf("insert event %d", evt.Sequence), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

func (s *Store) ListWorkflows(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Workflow, error) {
	query := `SELECT id, status, last_sequence, created_at, updated_at FROM workflows`
	var args []any
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}
	// IDs are UUIDv7-based, so id order is creation order.
	query += ` ORDER BY id ASC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
		if opts.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", opts.Offset)
		}
	} else if opts.Offset > 0 {
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query workflows", err)
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

	// Attach steps per workflow; lists are small enough that N queries
	// beat a join-and-regroup here.
	for _, wf := range workflows {
		full, err := s.GetWorkflow(ctx, wf.ID)
		if err != nil {
			return nil, err
		}
		wf.Steps = full.Steps
	}
	return workflows, nil
}

func (s *Store) ListEventsSince(ctx context.Context, wfID id.WorkflowID, afterSeq int64) ([]*workflow.Event, error) {
	if _, err := s.getWorkflowRow(ctx, wfID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, sequence, step_name, old_status, new_status, workflow_status, ts
		 FROM events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		wfID.String(), afterSeq,
	)
	if err != nil {
		return nil, storeErr("query events", err)
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

// getWorkflowRow loads the workflow row without its steps.
func (s *Store) getWorkflowRow(ctx context.Context, wfID id.WorkflowID) (*workflow.Workflow, error) {
	wf := &workflow.Workflow{}
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, last_sequence, created_at, updated_at FROM workflows WHERE id = ?`,
		wfID.String(),
	).Scan(&wf.ID, &status, &wf.LastSequence, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: workflow %s", runwire.ErrWorkflowNotFound, wfID)
	}
	if err != nil {
		return nil, storeErr("query workflow", err)
	}
	wf.Status = workflow.Status(status)
	return wf, nil
}

func insertStep(ctx context.Context, tx *sql.Tx, wfID id.WorkflowID, step *workflow.Step) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO steps (workflow_id, name, idx, status, spec, result, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id, name) DO UPDATE SET
		   status=excluded.status, result=excluded.result,
		   started_at=excluded.started_at, finished_at=excluded.finished_at`,
		wfID.String(), step.Name, step.Index, string(step.Status),
		nullBytes(step.Spec), nullBytes(step.Result),
		nullTime(step.StartedAt), nullTime(step.FinishedAt),
	)
	if err != nil {
		return storeErr(fmt.Sprintf("upsert step %q", step.Name), err)
	}
	return nil
}

func scanStep(rows *sql.Rows) (*workflow.Step, error) {
	step := &workflow.Step{}
	var status string
	var spec, result sql.NullString
	var startedAt, finishedAt sql.NullTime
	if err := rows.Scan(&step.Name, &step.Index, &status, &spec, &result, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	step.Status = workflow.StepStatus(status)
	if spec.Valid {
		step.Spec = []byte(spec.String)
	}
	if result.Valid {
		step.Result = []byte(result.String)
	}
	if startedAt.Valid {
		t := startedAt.Time
		step.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		step.FinishedAt = &t
	}
	return step, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
